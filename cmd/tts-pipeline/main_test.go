package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/config"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine accepts job creation and serves an empty vocabulary table.
type fakeEngine struct {
	mu   sync.Mutex
	jobs []string
}

func (f *fakeEngine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/ttsc/async-jobs"):
		f.mu.Lock()
		jobID := fmt.Sprintf("job-%d", len(f.jobs)+1)
		f.jobs = append(f.jobs, jobID)
		f.mu.Unlock()

		_ = json.NewEncoder(w).Encode(map[string]string{"job_id": jobID})
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/ttsc/vocabulary-configs"):
		_, _ = w.Write([]byte(`{"count":0,"data":[]}`))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeEngine) jobCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.jobs)
}

func writeConfig(t *testing.T, engineURL string) string {
	t.Helper()

	dir := t.TempDir()
	body := fmt.Sprintf(`
[nats]
embedded = true
embedded_store_dir = %q

[bus]
ack_wait_seconds = 5
startup_backoff_millis = 20

[dispatch]
drain_interval_millis = 10

[engine]
base_url = %q
project_id = "proj"

[database]
path = %q

[paths]
base_logs_dir = %q
temp_dir = %q
`, filepath.Join(dir, "js"), engineURL, filepath.Join(dir, "tts.db"), filepath.Join(dir, "logs"), filepath.Join(dir, "work"))

	path := filepath.Join(dir, "project.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestPipeline_SynthesizesTaskEndToEnd(t *testing.T) {
	t.Parallel()

	engineFake := &fakeEngine{}
	engineServer := httptest.NewServer(engineFake)
	t.Cleanup(engineServer.Close)

	artifactServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("RIFF-fake-wave"))
	}))
	t.Cleanup(artifactServer.Close)

	cfg, err := config.LoadFile(writeConfig(t, engineServer.URL))
	require.NoError(t, err)

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	p, err := wire(ctx, cfg, log)
	require.NoError(t, err)
	t.Cleanup(p.Close)

	poolDone := make(chan error, 1)

	go func() { poolDone <- p.pool.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-poolDone
	})

	task, err := p.synthesis.CreateTask(ctx, "demo", "第一句话。第二句话。")
	require.NoError(t, err)

	sentences, err := p.store.ListBreakingSentencesByTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotEmpty(t, sentences)

	result, err := p.synthesis.SynthesizeTask(ctx, task.ID, nil, core.SynthesisRequest{})
	require.NoError(t, err)
	assert.Len(t, result.Accepted, len(sentences))
	assert.Empty(t, result.Rejected)

	require.Eventually(t, func() bool { return engineFake.jobCount() == len(sentences) }, 10*time.Second, 20*time.Millisecond)

	var jobs []string

	require.Eventually(t, func() bool {
		jobs = jobs[:0]

		current, listErr := p.store.ListBreakingSentencesByTask(ctx, task.ID)
		if listErr != nil {
			return false
		}

		for _, sentence := range current {
			if sentence.JobID == "" {
				return false
			}

			jobs = append(jobs, sentence.JobID)
		}

		return true
	}, 10*time.Second, 20*time.Millisecond)

	handler := p.webhook.Handler()

	for _, jobID := range jobs {
		body, marshalErr := json.Marshal(core.CallbackRequest{
			Status:               core.CallbackFinished,
			JobID:                jobID,
			AudioFileDownloadURL: artifactServer.URL + "/" + jobID + ".wav",
			AudioDurationSeconds: 1.5,
		})
		require.NoError(t, marshalErr)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, cfg.Webhook.CallbackPath, bytes.NewReader(body)))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	require.Eventually(t, func() bool {
		summary, summaryErr := p.synthesis.TaskSummary(ctx, task.ID)

		return summaryErr == nil && summary.Status == core.StatusCompleted
	}, 15*time.Second, 50*time.Millisecond)

	finished, err := p.store.ListBreakingSentencesByTask(ctx, task.ID)
	require.NoError(t, err)

	for _, sentence := range finished {
		assert.True(t, sentence.HasArtifact(), "sentence %d", sentence.ID)
		assert.Equal(t, int64(1500), sentence.AudioDurationMs)
	}

	stored, err := p.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, stored.Status)
}

func TestRootCommand_Tree(t *testing.T) {
	t.Parallel()

	root := newRootCommand()

	for _, path := range [][]string{
		{"serve"},
		{"task", "create"},
		{"synthesize", "sentence"},
		{"synthesize", "task"},
		{"configure"},
		{"merge", "request"},
		{"merge", "status"},
		{"status", "task"},
		{"rules", "apply"},
		{"job", "get"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}

	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("env-file"))
}

func TestParseID(t *testing.T) {
	t.Parallel()

	id, err := parseID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, bad := range []string{"", "0", "-3", "abc"} {
		_, err := parseID(bad)
		require.ErrorIs(t, err, core.ErrValidation, bad)
	}
}

func TestVoiceFlags_Setting(t *testing.T) {
	t.Parallel()

	var empty voiceFlags
	assert.Nil(t, empty.setting(1))

	flags := voiceFlags{voiceID: "v", rate: 120}
	assert.Equal(t, &core.SynthesisSetting{BreakingSentenceID: 3, VoiceID: "v", SpeechRate: 120}, flags.setting(3))
	assert.Equal(t, core.SynthesisRequest{BreakingSentenceID: 3, VoiceID: "v", SpeechRate: 120}, flags.request(3))
}

func TestLoadEnv(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "missing.env")
	require.Error(t, loadEnv(missing))

	path := filepath.Join(t.TempDir(), "engine.env")
	require.NoError(t, os.WriteFile(path, []byte("TTS_PIPELINE_TEST_MARKER=present\n"), 0o600))
	require.NoError(t, loadEnv(path))
	assert.Equal(t, "present", os.Getenv("TTS_PIPELINE_TEST_MARKER"))
}
