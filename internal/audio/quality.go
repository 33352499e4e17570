// Package audio concatenates sentence artifacts and probes their durations with the
// ffmpeg tool family.
package audio

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/book-expert/tts-pipeline/internal/config"
)

// Constants for default output quality, in ALL_CAPS.
const (
	DEFAULT_SAMPLE_RATE = 44100 // Standard CD quality sample rate.
	DEFAULT_CHANNELS    = 2     // Stereo channels.
	DEFAULT_CODEC       = "pcm_s16le"
)

// Constants for quality validation limits.
const (
	MAX_SAMPLE_RATE = 192000
	MAX_CHANNELS    = 8
)

// Constants for error messages and formats.
const (
	ERR_FMT_SAMPLE_RATE_RANGE = "%w: sample rate must be between 1 and %d Hz"
	ERR_FMT_CHANNELS_RANGE    = "%w: channels must be between 1 and %d"
	ERR_FMT_CODEC_EMPTY       = "%w: codec cannot be empty"
)

// Common errors for the audio package.
var (
	ErrInvalidQuality = errors.New("invalid quality settings")
)

// Format represents supported output containers.
type Format string

const (
	FORMAT_WAV Format = "wav"
)

// Quality describes the merged output stream.
type Quality struct {
	Codec      string `json:"codec"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// NewDefaultQuality provides the merge output settings: 16-bit PCM, 44.1 kHz, stereo.
func NewDefaultQuality() Quality {
	return Quality{
		Codec:      DEFAULT_CODEC,
		SampleRate: DEFAULT_SAMPLE_RATE,
		Channels:   DEFAULT_CHANNELS,
	}
}

// QualityFromConfig overlays cfg on the defaults.
func QualityFromConfig(cfg config.AudioConfig) Quality {
	quality := NewDefaultQuality()

	if cfg.Codec != "" {
		quality.Codec = cfg.Codec
	}

	if cfg.SampleRate > 0 {
		quality.SampleRate = cfg.SampleRate
	}

	if cfg.Channels > 0 {
		quality.Channels = cfg.Channels
	}

	return quality
}

// Validate checks that the settings are within reasonable bounds.
func (q Quality) Validate() error {
	if q.SampleRate <= 0 || q.SampleRate > MAX_SAMPLE_RATE {
		return fmt.Errorf(ERR_FMT_SAMPLE_RATE_RANGE, ErrInvalidQuality, MAX_SAMPLE_RATE)
	}

	if q.Channels <= 0 || q.Channels > MAX_CHANNELS {
		return fmt.Errorf(ERR_FMT_CHANNELS_RANGE, ErrInvalidQuality, MAX_CHANNELS)
	}

	if q.Codec == "" {
		return fmt.Errorf(ERR_FMT_CODEC_EMPTY, ErrInvalidQuality)
	}

	return nil
}

// outputArgs are the encoder flags for the merged file.
func (q Quality) outputArgs() []string {
	return []string{
		"-acodec", q.Codec,
		"-ar", strconv.Itoa(q.SampleRate),
		"-ac", strconv.Itoa(q.Channels),
	}
}
