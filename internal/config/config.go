// Package config provides the configuration structure for the tts-pipeline.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Errors returned while loading or validating configuration.
var (
	// ErrInvalidConfig indicates that a required setting is missing or out of range.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrUnsupportedFormat indicates a configuration file with an unknown extension.
	ErrUnsupportedFormat = errors.New("unsupported configuration format")
)

// Environment variables that override engine credentials.
const (
	EnvEngineToken     = "TTS_ENGINE_TOKEN"
	EnvEngineProjectID = "TTS_ENGINE_PROJECT_ID"
	EnvEngineBaseURL   = "TTS_ENGINE_BASE_URL"
)

// NATSConfig holds the configuration for the NATS connection.
type NATSConfig struct {
	URL                   string `toml:"url"                     yaml:"url"`
	ClientName            string `toml:"client_name"             yaml:"client_name"`
	Token                 string `toml:"token"                   yaml:"token"`
	ConnectTimeoutSeconds int    `toml:"connect_timeout_seconds" yaml:"connect_timeout_seconds"`
	// Embedded starts an in-process NATS server instead of dialing URL.
	Embedded         bool   `toml:"embedded"           yaml:"embedded"`
	EmbeddedStoreDir string `toml:"embedded_store_dir" yaml:"embedded_store_dir"`
}

// BusConfig holds the stream, topic and consumer-group settings.
type BusConfig struct {
	StreamName string `toml:"stream_name" yaml:"stream_name"`
	// Topic is the subject prefix shared by every message kind.
	Topic                string `toml:"topic"                  yaml:"topic"`
	ConsumerPrefix       string `toml:"consumer_prefix"        yaml:"consumer_prefix"`
	CallbackWorkers      int    `toml:"callback_workers"       yaml:"callback_workers"`
	MergeWorkers         int    `toml:"merge_workers"          yaml:"merge_workers"`
	MaxDeliver           int    `toml:"max_deliver"            yaml:"max_deliver"`
	AckWaitSeconds       int    `toml:"ack_wait_seconds"       yaml:"ack_wait_seconds"`
	StartupAttempts      int    `toml:"startup_attempts"       yaml:"startup_attempts"`
	StartupBackoffMillis int    `toml:"startup_backoff_millis" yaml:"startup_backoff_millis"`
}

// DispatchConfig holds the synthesis rate limiter settings.
type DispatchConfig struct {
	DrainIntervalMillis int `toml:"drain_interval_millis" yaml:"drain_interval_millis"`
	QueueCapacity       int `toml:"queue_capacity"        yaml:"queue_capacity"`
}

// EngineConfig holds the connection settings of the external speech engine.
type EngineConfig struct {
	BaseURL        string `toml:"base_url"        yaml:"base_url"`
	ProjectID      string `toml:"project_id"      yaml:"project_id"`
	Token          string `toml:"token"           yaml:"token"`
	CallbackURL    string `toml:"callback_url"    yaml:"callback_url"`
	TimeoutSeconds int    `toml:"timeout_seconds" yaml:"timeout_seconds"`
}

// VocabularyConfig holds the pronunciation-table settings.
type VocabularyConfig struct {
	GroupID           string  `toml:"group_id"            yaml:"group_id"`
	RequestsPerSecond float64 `toml:"requests_per_second" yaml:"requests_per_second"`
}

// StorageConfig holds the artifact object store settings.
type StorageConfig struct {
	Bucket        string `toml:"bucket"          yaml:"bucket"`
	KeyPrefix     string `toml:"key_prefix"      yaml:"key_prefix"`
	PublicBaseURL string `toml:"public_base_url" yaml:"public_base_url"`
}

// DatabaseConfig holds the relational store settings.
type DatabaseConfig struct {
	Path string `toml:"path" yaml:"path"`
}

// AudioConfig holds the merge tool settings.
type AudioConfig struct {
	FFmpegPath  string `toml:"ffmpeg_path"  yaml:"ffmpeg_path"`
	FFprobePath string `toml:"ffprobe_path" yaml:"ffprobe_path"`
	SampleRate  int    `toml:"sample_rate"  yaml:"sample_rate"`
	Channels    int    `toml:"channels"     yaml:"channels"`
	Codec       string `toml:"codec"        yaml:"codec"`
}

// WebhookConfig holds the callback listener settings.
type WebhookConfig struct {
	ListenAddr   string `toml:"listen_addr"   yaml:"listen_addr"`
	CallbackPath string `toml:"callback_path" yaml:"callback_path"`
}

// TelemetryConfig holds the metrics and tracing settings.
type TelemetryConfig struct {
	Enabled     bool   `toml:"enabled"      yaml:"enabled"`
	ServiceName string `toml:"service_name" yaml:"service_name"`
	TraceStdout bool   `toml:"trace_stdout" yaml:"trace_stdout"`
}

// SynthesisDefaults holds the voice parameters used when a sentence has none.
type SynthesisDefaults struct {
	VoiceID    string `toml:"voice_id"    yaml:"voice_id"`
	SpeechRate int    `toml:"speech_rate" yaml:"speech_rate"`
	Volume     int    `toml:"volume"      yaml:"volume"`
	Pitch      int    `toml:"pitch"       yaml:"pitch"`
	Delimiters string `toml:"delimiters"  yaml:"delimiters"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir" yaml:"base_logs_dir"`
	TempDir     string `toml:"temp_dir"      yaml:"temp_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS       NATSConfig        `toml:"nats"               yaml:"nats"`
	Bus        BusConfig         `toml:"bus"                yaml:"bus"`
	Dispatch   DispatchConfig    `toml:"dispatch"           yaml:"dispatch"`
	Engine     EngineConfig      `toml:"engine"             yaml:"engine"`
	Vocabulary VocabularyConfig  `toml:"vocabulary"         yaml:"vocabulary"`
	Storage    StorageConfig     `toml:"storage"            yaml:"storage"`
	Database   DatabaseConfig    `toml:"database"           yaml:"database"`
	Audio      AudioConfig       `toml:"audio"              yaml:"audio"`
	Webhook    WebhookConfig     `toml:"webhook"            yaml:"webhook"`
	Telemetry  TelemetryConfig   `toml:"telemetry"          yaml:"telemetry"`
	Synthesis  SynthesisDefaults `toml:"synthesis_defaults" yaml:"synthesis_defaults"`
	Paths      PathsConfig       `toml:"paths"              yaml:"paths"`
}

// Load loads the configuration for the tts-pipeline through the central configurator.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return finish(&cfg)
}

// LoadFile loads the configuration from a TOML or YAML file chosen by extension.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	var cfg Config

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to decode configuration file %s: %w", path, err)
	}

	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyEnv()
	cfg.ApplyDefaults()

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, validateErr
	}

	return cfg, nil
}

// ApplyEnv overrides engine credentials from the environment.
func (c *Config) ApplyEnv() {
	if token := os.Getenv(EnvEngineToken); token != "" {
		c.Engine.Token = token
	}

	if projectID := os.Getenv(EnvEngineProjectID); projectID != "" {
		c.Engine.ProjectID = projectID
	}

	if baseURL := os.Getenv(EnvEngineBaseURL); baseURL != "" {
		c.Engine.BaseURL = baseURL
	}
}

// ApplyDefaults fills every unset knob with its default.
func (c *Config) ApplyDefaults() {
	setDefault(&c.NATS.URL, "nats://127.0.0.1:4222")
	setDefault(&c.NATS.ClientName, "tts-pipeline")
	setDefaultInt(&c.NATS.ConnectTimeoutSeconds, 5)

	setDefault(&c.Bus.StreamName, "TTS")
	setDefault(&c.Bus.Topic, "tts")
	setDefault(&c.Bus.ConsumerPrefix, "tts-pipeline")
	setDefaultInt(&c.Bus.CallbackWorkers, 5)
	setDefaultInt(&c.Bus.MergeWorkers, 3)
	setDefaultInt(&c.Bus.MaxDeliver, 5)
	setDefaultInt(&c.Bus.AckWaitSeconds, 300)
	setDefaultInt(&c.Bus.StartupAttempts, 10)
	setDefaultInt(&c.Bus.StartupBackoffMillis, 500)

	setDefaultInt(&c.Dispatch.DrainIntervalMillis, 200)
	setDefaultInt(&c.Dispatch.QueueCapacity, 1000)

	setDefaultInt(&c.Engine.TimeoutSeconds, 30)

	if c.Vocabulary.RequestsPerSecond <= 0 {
		c.Vocabulary.RequestsPerSecond = 10
	}

	setDefault(&c.Storage.Bucket, "AUDIO_FILES")
	setDefault(&c.Storage.KeyPrefix, "audio/")

	setDefault(&c.Database.Path, "tts-pipeline.db")

	setDefault(&c.Audio.FFmpegPath, "ffmpeg")
	setDefault(&c.Audio.FFprobePath, "ffprobe")
	setDefaultInt(&c.Audio.SampleRate, 44100)
	setDefaultInt(&c.Audio.Channels, 2)
	setDefault(&c.Audio.Codec, "pcm_s16le")

	setDefault(&c.Webhook.ListenAddr, ":8080")
	setDefault(&c.Webhook.CallbackPath, "/synthesis/callback")

	setDefault(&c.Telemetry.ServiceName, "tts-pipeline")

	setDefault(&c.Synthesis.VoiceID, "c41f12c125f24c834ed3ae7c1fdae456")
	setDefaultInt(&c.Synthesis.SpeechRate, 100)
	setDefaultInt(&c.Synthesis.Volume, 140)
	setDefaultInt(&c.Synthesis.Pitch, 100)

	setDefault(&c.Paths.BaseLogsDir, filepath.Join(os.TempDir(), "tts-pipeline", "logs"))
	setDefault(&c.Paths.TempDir, filepath.Join(os.TempDir(), "tts-pipeline", "work"))
}

// Validate checks the settings that have no usable default.
func (c *Config) Validate() error {
	var problems []string

	if c.Engine.BaseURL == "" {
		problems = append(problems, "engine.base_url is required")
	}

	if c.Bus.CallbackWorkers < 1 || c.Bus.MergeWorkers < 1 {
		problems = append(problems, "bus worker counts must be positive")
	}

	if c.Dispatch.QueueCapacity < 1 {
		problems = append(problems, "dispatch.queue_capacity must be positive")
	}

	if strings.ContainsAny(c.Bus.Topic, ".*> ") {
		problems = append(problems, "bus.topic must be a single subject token")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}

	return nil
}

// DrainInterval returns the pause between two engine calls.
func (d DispatchConfig) DrainInterval() time.Duration {
	return time.Duration(d.DrainIntervalMillis) * time.Millisecond
}

// Timeout returns the per-request engine timeout.
func (e EngineConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// AckWait returns how long the broker waits for an ack before redelivering.
func (b BusConfig) AckWait() time.Duration {
	return time.Duration(b.AckWaitSeconds) * time.Second
}

// StartupBackoff returns the first retry delay of consumer bootstrap.
func (b BusConfig) StartupBackoff() time.Duration {
	return time.Duration(b.StartupBackoffMillis) * time.Millisecond
}

// ConnectTimeout returns the NATS dial timeout.
func (n NATSConfig) ConnectTimeout() time.Duration {
	return time.Duration(n.ConnectTimeoutSeconds) * time.Second
}

func setDefault(field *string, value string) {
	if strings.TrimSpace(*field) == "" {
		*field = value
	}
}

func setDefaultInt(field *int, value int) {
	if *field <= 0 {
		*field = value
	}
}
