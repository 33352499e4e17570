package audio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/tts-pipeline/internal/config"
)

var (
	// ErrNoInputs indicates Concat was called with nothing to join.
	ErrNoInputs = errors.New("no audio inputs to concatenate")
	// ErrProbeOutput indicates ffprobe printed something other than a duration.
	ErrProbeOutput = errors.New("unparseable ffprobe duration")
)

// Merger runs ffmpeg and ffprobe.
type Merger struct {
	ffmpeg  string
	ffprobe string
	quality Quality
	runner  CommandRunner
}

// NewMerger builds a merger from cfg with the os/exec runner.
func NewMerger(cfg config.AudioConfig) (*Merger, error) {
	quality := QualityFromConfig(cfg)

	err := quality.Validate()
	if err != nil {
		return nil, err
	}

	merger := &Merger{
		ffmpeg:  cfg.FFmpegPath,
		ffprobe: cfg.FFprobePath,
		quality: quality,
		runner:  ExecRunner{},
	}

	if merger.ffmpeg == "" {
		merger.ffmpeg = "ffmpeg"
	}

	if merger.ffprobe == "" {
		merger.ffprobe = "ffprobe"
	}

	return merger, nil
}

// WithRunner replaces the process runner.
func (m *Merger) WithRunner(runner CommandRunner) *Merger {
	m.runner = runner

	return m
}

// ConcatArgs returns the ffmpeg arguments joining inputs, in order, into output.
func (m *Merger) ConcatArgs(inputs []string, output string) []string {
	args := make([]string, 0, 2*len(inputs)+12)
	args = append(args, "-y")

	var streams strings.Builder

	for i, input := range inputs {
		args = append(args, "-i", input)
		fmt.Fprintf(&streams, "[%d:0]", i)
	}

	filter := fmt.Sprintf("%sconcat=n=%d:v=0:a=1[out]", streams.String(), len(inputs))

	args = append(args, "-filter_complex", filter, "-map", "[out]")
	args = append(args, m.quality.outputArgs()...)

	return append(args, output)
}

// Concat joins inputs, in order, into output.
func (m *Merger) Concat(ctx context.Context, inputs []string, output string) error {
	if len(inputs) == 0 {
		return ErrNoInputs
	}

	result, err := m.runner.Run(ctx, m.ffmpeg, m.ConcatArgs(inputs, output)...)
	if err != nil {
		return fmt.Errorf("ffmpeg concat failed (exit %d): %s: %w", result.ExitCode, lastLine(result.Stderr), err)
	}

	return nil
}

// Probe returns the duration of the file at path.
func (m *Merger) Probe(ctx context.Context, path string) (time.Duration, error) {
	result, err := m.runner.Run(ctx, m.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed (exit %d): %s: %w", result.ExitCode, lastLine(result.Stderr), err)
	}

	seconds, parseErr := strconv.ParseFloat(strings.TrimSpace(result.Stdout), 64)
	if parseErr != nil || seconds < 0 || math.IsNaN(seconds) {
		return 0, fmt.Errorf("%w: %q", ErrProbeOutput, strings.TrimSpace(result.Stdout))
	}

	return time.Duration(math.Round(seconds * float64(time.Second))), nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}

	return s
}
