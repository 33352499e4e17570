// Package config_test tests the configuration loading for the tts-pipeline.
package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/tts-pipeline/internal/config"
	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tomlData = `
[nats]
url = "nats://127.0.0.1:4222"
client_name = "pipeline-test"

[bus]
stream_name = "TTS_JOBS"
topic = "speech"
callback_workers = 7
merge_workers = 2

[dispatch]
drain_interval_millis = 250

[engine]
base_url = "https://engine.example.com"
project_id = "proj-1"
callback_url = "https://hooks.example.com/synthesis/callback"

[vocabulary]
group_id = "group-1"

[storage]
bucket = "AUDIO"
key_prefix = "tts/"

[synthesis_defaults]
voice_id = "voice-x"
`

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	var cfg config.Config

	err := toml.Unmarshal([]byte(tomlData), &cfg)
	require.NoError(t, err)

	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	assert.Equal(t, "pipeline-test", cfg.NATS.ClientName)
	assert.Equal(t, "TTS_JOBS", cfg.Bus.StreamName)
	assert.Equal(t, "speech", cfg.Bus.Topic)
	assert.Equal(t, 7, cfg.Bus.CallbackWorkers)
	assert.Equal(t, 2, cfg.Bus.MergeWorkers)
	assert.Equal(t, 250, cfg.Dispatch.DrainIntervalMillis)
	assert.Equal(t, "https://engine.example.com", cfg.Engine.BaseURL)
	assert.Equal(t, "group-1", cfg.Vocabulary.GroupID)
	assert.Equal(t, "AUDIO", cfg.Storage.Bucket)
	assert.Equal(t, "voice-x", cfg.Synthesis.VoiceID)
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.ApplyDefaults()

	assert.Equal(t, 200*time.Millisecond, cfg.Dispatch.DrainInterval())
	assert.Equal(t, 1000, cfg.Dispatch.QueueCapacity)
	assert.Equal(t, 5, cfg.Bus.CallbackWorkers)
	assert.Equal(t, 3, cfg.Bus.MergeWorkers)
	assert.Equal(t, 10, cfg.Bus.StartupAttempts)
	assert.InEpsilon(t, 10.0, cfg.Vocabulary.RequestsPerSecond, 0.001)
	assert.Equal(t, "audio/", cfg.Storage.KeyPrefix)
	assert.Equal(t, 44100, cfg.Audio.SampleRate)
	assert.Equal(t, 2, cfg.Audio.Channels)
	assert.Equal(t, "pcm_s16le", cfg.Audio.Codec)
	assert.Equal(t, 140, cfg.Synthesis.Volume)
	assert.Equal(t, "/synthesis/callback", cfg.Webhook.CallbackPath)
}

func TestLoadFile_TOML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pipeline.toml")
	require.NoError(t, os.WriteFile(path, []byte(tomlData), 0o600))

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "speech", cfg.Bus.Topic)
	assert.Equal(t, 250*time.Millisecond, cfg.Dispatch.DrainInterval())
	assert.Equal(t, "AUDIO", cfg.Storage.Bucket)
	assert.Equal(t, 5*time.Second, cfg.NATS.ConnectTimeout())
	assert.Equal(t, 30*time.Second, cfg.Engine.Timeout())
}

func TestLoadFile_YAML(t *testing.T) {
	t.Parallel()

	yamlData := `
engine:
  base_url: https://engine.example.com
bus:
  merge_workers: 4
audio:
  ffmpeg_path: /usr/local/bin/ffmpeg
`
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlData), 0o600))

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Bus.MergeWorkers)
	assert.Equal(t, 5, cfg.Bus.CallbackWorkers)
	assert.Equal(t, "/usr/local/bin/ffmpeg", cfg.Audio.FFmpegPath)
	assert.Equal(t, "ffprobe", cfg.Audio.FFprobePath)
}

func TestLoadFile_Errors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, err := config.LoadFile(filepath.Join(dir, "missing.toml"))
	require.Error(t, err)

	ini := filepath.Join(dir, "pipeline.ini")
	require.NoError(t, os.WriteFile(ini, []byte("x=1"), 0o600))

	_, err = config.LoadFile(ini)
	require.ErrorIs(t, err, config.ErrUnsupportedFormat)

	noEngine := filepath.Join(dir, "no-engine.toml")
	require.NoError(t, os.WriteFile(noEngine, []byte("[bus]\ntopic = \"tts\"\n"), 0o600))

	_, err = config.LoadFile(noEngine)
	require.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "engine.base_url")
}

func TestValidate_RejectsDottedTopic(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Engine: config.EngineConfig{BaseURL: "http://engine"}, Bus: config.BusConfig{Topic: "tts.jobs"}}
	cfg.ApplyDefaults()

	require.ErrorIs(t, cfg.Validate(), config.ErrInvalidConfig)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(config.EnvEngineToken, "secret")
	t.Setenv(config.EnvEngineProjectID, "proj-env")

	cfg := config.Config{Engine: config.EngineConfig{Token: "file-token", ProjectID: "proj-file"}}
	cfg.ApplyEnv()

	assert.Equal(t, "secret", cfg.Engine.Token)
	assert.Equal(t, "proj-env", cfg.Engine.ProjectID)
}
