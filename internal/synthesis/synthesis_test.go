package synthesis_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/artifact"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/markup"
	"github.com/book-expert/tts-pipeline/internal/readingrule"
	"github.com/book-expert/tts-pipeline/internal/store"
	"github.com/book-expert/tts-pipeline/internal/synthesis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errMockSend   = errors.New("mock send error")
	errMockEngine = errors.New("mock engine error")
	errMockUpload = errors.New("mock upload error")
	errMockTasks  = errors.New("mock task repository error")
)

type mockSender struct {
	shouldFail bool
	sent       []core.SynthesisRequest
}

func (m *mockSender) SendSynthesis(_ context.Context, req core.SynthesisRequest) error {
	if m.shouldFail {
		return errMockSend
	}

	m.sent = append(m.sent, req)

	return nil
}

type mockReconciler struct {
	err   error
	calls int
}

func (m *mockReconciler) Reconcile(context.Context, core.BreakingSentence) (readingrule.Result, error) {
	m.calls++

	return readingrule.Result{}, m.err
}

type mockEngine struct {
	shouldFail bool
	jobID      string
	requests   []core.JobRequest
}

func (m *mockEngine) CreateJob(_ context.Context, req core.JobRequest) (string, error) {
	m.requests = append(m.requests, req)

	if m.shouldFail {
		return "", &core.ExternalServiceError{Operation: "create job", StatusCode: 400, Code: "TTS.001", Err: errMockEngine}
	}

	return m.jobID, nil
}

type mockObjectStore struct {
	shouldFail bool
	uploads    map[string][]byte
}

func (m *mockObjectStore) UploadFile(_ context.Context, key, path string) (string, error) {
	if m.shouldFail {
		return "", errMockUpload
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	if m.uploads == nil {
		m.uploads = make(map[string][]byte)
	}

	m.uploads[key] = data

	return "https://cdn.example.com/" + key, nil
}

func (m *mockObjectStore) Download(_ context.Context, key string) ([]byte, error) {
	return m.uploads[key], nil
}

func (m *mockObjectStore) BuildKey(name string) string { return "audio/" + name }

func (m *mockObjectStore) KeyFromURL(string) (string, bool) { return "", false }

// brokenTasks fails every task status read and write.
type brokenTasks struct {
	*store.Store
}

func (brokenTasks) GetTask(context.Context, int64) (*core.Task, error) {
	return nil, errMockTasks
}

func (brokenTasks) UpdateTaskStatus(context.Context, int64, core.SynthesisStatus) error {
	return errMockTasks
}

type fixture struct {
	store      *store.Store
	sender     *mockSender
	aggregator *synthesis.Aggregator
	service    *synthesis.Service
	log        *logger.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ctx := context.Background()

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	sender := &mockSender{}
	aggregator := synthesis.NewAggregator(st, st, log)

	return &fixture{
		store:      st,
		sender:     sender,
		aggregator: aggregator,
		service:    synthesis.NewService(st, sender, aggregator, nil, core.SynthesisSetting{}, log),
		log:        log,
	}
}

func (f *fixture) createTask(t *testing.T, content string) (*core.Task, []core.BreakingSentence) {
	t.Helper()

	ctx := context.Background()

	task, err := f.service.CreateTask(ctx, "chapter", content)
	require.NoError(t, err)

	sentences, err := f.store.ListBreakingSentencesByTask(ctx, task.ID)
	require.NoError(t, err)

	return task, sentences
}

func (f *fixture) sentence(t *testing.T, id int64) *core.BreakingSentence {
	t.Helper()

	sentence, err := f.store.GetBreakingSentence(context.Background(), id)
	require.NoError(t, err)

	return sentence
}

func (f *fixture) taskStatus(t *testing.T, id int64) core.SynthesisStatus {
	t.Helper()

	task, err := f.store.GetTask(context.Background(), id)
	require.NoError(t, err)

	return task.Status
}

func TestCreateTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	task, sentences := f.createTask(t, "第一句。第二句！\r\nthird line")

	assert.Equal(t, core.StatusPending, task.Status)
	require.Len(t, sentences, 3)

	for i, sentence := range sentences {
		assert.Equal(t, i+1, sentence.Sequence)
		assert.Equal(t, core.StatusPending, sentence.Status)
	}

	assert.Equal(t, "第二句！", sentences[1].Content)

	originals, err := f.store.ListOriginalSentences(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Len(t, originals, 3)

	_, err = f.service.CreateTask(context.Background(), "empty", " \n ")
	require.ErrorIs(t, err, core.ErrValidation)
}

func TestSynthesize_Accepted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	task, sentences := f.createTask(t, "hello world.")

	label, err := f.service.Synthesize(ctx, core.SynthesisRequest{BreakingSentenceID: sentences[0].ID})
	require.NoError(t, err)
	assert.Equal(t, core.LabelProcessing, label)

	require.Len(t, f.sender.sent, 1)
	sent := f.sender.sent[0]
	assert.Equal(t, core.DefaultVoiceID, sent.VoiceID)
	assert.Equal(t, core.DefaultVolume, sent.Volume)
	assert.Equal(t, markup.Render("hello world.", core.DefaultSynthesisSetting()), sent.Markup)

	assert.Equal(t, core.StatusProcessing, f.sentence(t, sentences[0].ID).Status)
	assert.Equal(t, core.StatusProcessing, f.taskStatus(t, task.ID))
}

func TestSynthesize_UnknownSentence(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	label, err := f.service.Synthesize(context.Background(), core.SynthesisRequest{BreakingSentenceID: 404})
	require.ErrorIs(t, err, core.ErrValidation)
	assert.Equal(t, core.LabelFailed, label)
	assert.Empty(t, f.sender.sent)
}

func TestSynthesize_PublishFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.sender.shouldFail = true
	task, sentences := f.createTask(t, "hello.")

	label, err := f.service.Synthesize(ctx, core.SynthesisRequest{BreakingSentenceID: sentences[0].ID})
	require.ErrorIs(t, err, errMockSend)
	assert.Equal(t, core.LabelFailed, label)
	assert.Equal(t, core.StatusFailed, f.sentence(t, sentences[0].ID).Status)
	assert.Equal(t, core.StatusFailed, f.taskStatus(t, task.ID))
}

func TestSynthesize_StoresSuppliedSetting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	_, sentences := f.createTask(t, "hello.")
	id := sentences[0].ID

	_, err := f.service.Synthesize(ctx, core.SynthesisRequest{BreakingSentenceID: id, VoiceID: "v2", Volume: 90})
	require.NoError(t, err)

	setting, err := f.store.GetSetting(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "v2", setting.VoiceID)
	assert.Equal(t, 90, setting.Volume)

	// A later bare request reuses the stored setting.
	_, err = f.service.Synthesize(ctx, core.SynthesisRequest{BreakingSentenceID: id, ResetStatus: true})
	require.NoError(t, err)
	require.Len(t, f.sender.sent, 2)
	assert.Equal(t, "v2", f.sender.sent[1].VoiceID)
	assert.Equal(t, core.DefaultPitch, f.sender.sent[1].Pitch)
}

func TestConfigure_UsesStoredMarkup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	_, sentences := f.createTask(t, "abc")
	id := sentences[0].ID

	rendered, err := f.service.Configure(ctx, id, markup.Config{
		Breaks: []markup.Break{{Location: 1, DurationMs: 300}},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, `<speak>a<break time="300ms"/>bc</speak>`, rendered)

	_, err = f.service.Synthesize(ctx, core.SynthesisRequest{BreakingSentenceID: id})
	require.NoError(t, err)
	assert.Equal(t, rendered, f.sender.sent[0].Markup)

	_, err = f.service.Configure(ctx, 999, markup.Config{}, nil)
	require.ErrorIs(t, err, core.ErrValidation)
}

func TestSynthesize_SuppliedMarkupWins(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	_, sentences := f.createTask(t, "abc")
	id := sentences[0].ID

	_, err := f.service.Configure(ctx, id, markup.Config{Breaks: []markup.Break{{Location: 1, DurationMs: 300}}}, nil)
	require.NoError(t, err)

	const supplied = "<speak>ab<break time=\"1s\"/>c</speak>"

	_, err = f.service.Synthesize(ctx, core.SynthesisRequest{BreakingSentenceID: id, Markup: supplied})
	require.NoError(t, err)
	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, supplied, f.sender.sent[0].Markup)

	// Without supplied markup the stored markup is used again.
	_, err = f.service.Synthesize(ctx, core.SynthesisRequest{BreakingSentenceID: id, ResetStatus: true})
	require.NoError(t, err)
	require.Len(t, f.sender.sent, 2)
	assert.Equal(t, `<speak>a<break time="300ms"/>bc</speak>`, f.sender.sent[1].Markup)
}

func TestSynthesizeTask_IgnoresTemplateMarkup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	task, _ := f.createTask(t, "a。b。")

	result, err := f.service.SynthesizeTask(ctx, task.ID, nil, core.SynthesisRequest{Markup: "<speak>same</speak>"})
	require.NoError(t, err)
	assert.Len(t, result.Accepted, 2)

	for _, sent := range f.sender.sent {
		assert.NotEqual(t, "<speak>same</speak>", sent.Markup)
	}
}

func TestSynthesizeTask(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	task, sentences := f.createTask(t, "a。b。c。")

	result, err := f.service.SynthesizeTask(ctx, task.ID, nil, core.SynthesisRequest{})
	require.NoError(t, err)
	assert.Len(t, result.Accepted, 3)
	assert.Empty(t, result.Rejected)

	other, otherSentences := f.createTask(t, "x。")

	result, err = f.service.SynthesizeTask(ctx, other.ID, []int64{sentences[0].ID, otherSentences[0].ID}, core.SynthesisRequest{})
	require.NoError(t, err)
	assert.Equal(t, []int64{otherSentences[0].ID}, result.Accepted)
	require.ErrorIs(t, result.Rejected[sentences[0].ID], core.ErrValidation)

	summary, err := f.service.TaskSummary(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Processing)
	assert.Equal(t, core.StatusProcessing, summary.Status)
}

func newDispatcher(f *fixture, reconciler *mockReconciler, engine *mockEngine) *synthesis.Dispatcher {
	return synthesis.NewDispatcher(f.store, reconciler, engine, f.aggregator, nil, nil, f.log)
}

func TestDispatch_RecordsJobID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	_, sentences := f.createTask(t, "hello.")
	id := sentences[0].ID

	_, err := f.service.Synthesize(ctx, core.SynthesisRequest{BreakingSentenceID: id})
	require.NoError(t, err)

	reconciler := &mockReconciler{err: core.ErrReconciliation}
	engine := &mockEngine{jobID: "job-1"}

	require.NoError(t, newDispatcher(f, reconciler, engine).Dispatch(ctx, f.sender.sent[0]))

	assert.Equal(t, 1, reconciler.calls, "reconciliation failure does not stop job creation")
	require.Len(t, engine.requests, 1)
	assert.Equal(t, f.sender.sent[0].Markup, engine.requests[0].Markup)

	sentence := f.sentence(t, id)
	assert.Equal(t, "job-1", sentence.JobID)
	assert.Equal(t, core.StatusProcessing, sentence.Status)
}

func TestDispatch_EngineFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	task, sentences := f.createTask(t, "hello.")

	_, err := f.service.Synthesize(ctx, core.SynthesisRequest{BreakingSentenceID: sentences[0].ID})
	require.NoError(t, err)

	err = newDispatcher(f, &mockReconciler{}, &mockEngine{shouldFail: true}).Dispatch(ctx, f.sender.sent[0])

	var serviceErr *core.ExternalServiceError
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, "TTS.001", serviceErr.Code)
	assert.Equal(t, core.StatusFailed, f.sentence(t, sentences[0].ID).Status)
	assert.Equal(t, core.StatusFailed, f.taskStatus(t, task.ID))
}

func TestDispatch_EmptyMarkup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	_, sentences := f.createTask(t, "hello.")
	engine := &mockEngine{jobID: "job-1"}

	err := newDispatcher(f, &mockReconciler{}, engine).Dispatch(ctx, core.SynthesisRequest{BreakingSentenceID: sentences[0].ID})
	require.ErrorIs(t, err, core.ErrEmptyMarkup)
	assert.Empty(t, engine.requests)
}

func TestDispatch_AggregationFailureKeepsJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	_, sentences := f.createTask(t, "hello.")
	id := sentences[0].ID
	require.Equal(t, core.StatusPending, sentences[0].Status)

	broken := synthesis.NewAggregator(brokenTasks{f.store}, f.store, f.log)
	_, err := broken.RefreshTask(ctx, sentences[0].TaskID)
	require.ErrorIs(t, err, core.ErrAggregation)

	engine := &mockEngine{jobID: "job-1"}
	dispatcher := synthesis.NewDispatcher(f.store, &mockReconciler{}, engine, broken, nil, nil, f.log)

	require.NoError(t, dispatcher.Dispatch(ctx, core.SynthesisRequest{BreakingSentenceID: id, Markup: "<speak>hello.</speak>"}))
	require.Len(t, engine.requests, 1)

	sentence := f.sentence(t, id)
	assert.Equal(t, "job-1", sentence.JobID)
	assert.Equal(t, core.StatusProcessing, sentence.Status)
}

func TestDispatch_AbandonMarksFailed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	task, sentences := f.createTask(t, "one。two。")
	dispatcher := newDispatcher(f, &mockReconciler{}, &mockEngine{})

	_, err := f.service.Synthesize(ctx, core.SynthesisRequest{BreakingSentenceID: sentences[0].ID})
	require.NoError(t, err)

	require.NoError(t, dispatcher.Abandon(ctx, f.sender.sent[0], errMockSend))
	assert.Equal(t, core.StatusFailed, f.sentence(t, sentences[0].ID).Status)
	assert.Equal(t, core.StatusFailed, f.taskStatus(t, task.ID))

	// A completed sentence keeps its artifact.
	require.NoError(t, f.store.CompleteSynthesis(ctx, sentences[1].ID, "https://cdn.example.com/b.wav", 900))
	require.NoError(t, dispatcher.Abandon(ctx, core.SynthesisRequest{BreakingSentenceID: sentences[1].ID}, errMockSend))
	assert.Equal(t, core.StatusCompleted, f.sentence(t, sentences[1].ID).Status)

	require.NoError(t, dispatcher.Abandon(ctx, core.SynthesisRequest{BreakingSentenceID: 404}, errMockSend))
}

type callbackFixture struct {
	*fixture
	objects *mockObjectStore
	tempDir string
	handler *synthesis.CallbackHandler
	server  *httptest.Server
}

func newCallbackFixture(t *testing.T) *callbackFixture {
	t.Helper()

	f := newFixture(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/audio.wav", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("RIFF")) })
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	tempDir := t.TempDir()
	objects := &mockObjectStore{}
	handler := synthesis.NewCallbackHandler(f.store, artifact.NewFetcher(tempDir, 0), objects, f.aggregator, nil, nil, f.log).
		WithClock(func() time.Time { return time.UnixMilli(1_700_000_000_123) })

	return &callbackFixture{fixture: f, objects: objects, tempDir: tempDir, handler: handler, server: server}
}

// inFlight creates a task whose sentences are PROCESSING with job ids job-1, job-2, ...
func (c *callbackFixture) inFlight(t *testing.T, content string) (*core.Task, []core.BreakingSentence) {
	t.Helper()

	ctx := context.Background()
	task, sentences := c.createTask(t, content)

	for i, sentence := range sentences {
		require.NoError(t, c.store.UpdateSynthesisStatus(ctx, sentence.ID, core.StatusProcessing))
		require.NoError(t, c.store.UpdateJobID(ctx, sentence.ID, fmt.Sprintf("job-%d", i+1)))
	}

	return task, sentences
}

func (c *callbackFixture) finished(jobID string) core.CallbackRequest {
	return core.CallbackRequest{
		Status:               core.CallbackFinished,
		JobID:                jobID,
		AudioFileDownloadURL: c.server.URL + "/audio.wav",
		AudioDurationSeconds: 1.5,
	}
}

func (c *callbackFixture) assertNoTransientFiles(t *testing.T) {
	t.Helper()

	entries, err := os.ReadDir(c.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCallback_Finished(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newCallbackFixture(t)
	task, sentences := c.inFlight(t, "one。two。")

	require.NoError(t, c.handler.Handle(ctx, c.finished("job-1")))

	sentence := c.sentence(t, sentences[0].ID)
	key := "audio/breaking_" + strconv.FormatInt(sentences[0].ID, 10) + "_1700000000123.wav"
	assert.Equal(t, core.StatusCompleted, sentence.Status)
	assert.Equal(t, "https://cdn.example.com/"+key, sentence.AudioURL)
	assert.Equal(t, int64(1500), sentence.AudioDurationMs)
	assert.Equal(t, []byte("RIFF"), c.objects.uploads[key])
	assert.Equal(t, core.StatusProcessing, c.taskStatus(t, task.ID))
	c.assertNoTransientFiles(t)

	require.NoError(t, c.handler.Handle(ctx, c.finished("job-2")))
	assert.Equal(t, core.StatusCompleted, c.taskStatus(t, task.ID))
}

func TestCallback_AggregationFailureKeepsArtifact(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newCallbackFixture(t)
	task, sentences := c.inFlight(t, "one。")

	broken := synthesis.NewAggregator(brokenTasks{c.store}, c.store, c.log)
	handler := synthesis.NewCallbackHandler(c.store, artifact.NewFetcher(c.tempDir, 0), c.objects, broken, nil, nil, c.log)

	require.NoError(t, handler.Handle(ctx, c.finished("job-1")))

	sentence := c.sentence(t, sentences[0].ID)
	assert.Equal(t, core.StatusCompleted, sentence.Status)
	assert.NotEmpty(t, sentence.AudioURL)
	assert.Equal(t, int64(1500), sentence.AudioDurationMs)
	assert.Equal(t, core.StatusPending, c.taskStatus(t, task.ID), "task status is left for the next refresh")
}

func TestCallback_DuplicateIsNoOp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newCallbackFixture(t)
	_, sentences := c.inFlight(t, "one。")

	require.NoError(t, c.handler.Handle(ctx, c.finished("job-1")))
	first := c.sentence(t, sentences[0].ID)

	c.objects.shouldFail = true
	require.NoError(t, c.handler.Handle(ctx, c.finished("job-1")))

	second := c.sentence(t, sentences[0].ID)
	assert.Equal(t, first.AudioURL, second.AudioURL)
	assert.Equal(t, core.StatusCompleted, second.Status)
}

func TestCallback_UnknownJobDropped(t *testing.T) {
	t.Parallel()

	c := newCallbackFixture(t)
	_, sentences := c.inFlight(t, "one。")

	require.NoError(t, c.handler.Handle(context.Background(), c.finished("job-unknown")))
	assert.Equal(t, core.StatusProcessing, c.sentence(t, sentences[0].ID).Status)
	assert.Empty(t, c.objects.uploads)
}

func TestCallback_Error(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newCallbackFixture(t)
	task, sentences := c.inFlight(t, "one。two。")

	require.NoError(t, c.handler.Handle(ctx, core.CallbackRequest{Status: core.CallbackError, JobID: "job-1"}))
	assert.Equal(t, core.StatusFailed, c.sentence(t, sentences[0].ID).Status)
	assert.Equal(t, core.StatusFailed, c.taskStatus(t, task.ID))

	// A late error never overrides a completed artifact.
	require.NoError(t, c.handler.Handle(ctx, c.finished("job-2")))
	require.NoError(t, c.handler.Handle(ctx, core.CallbackRequest{Status: core.CallbackError, JobID: "job-2"}))
	assert.Equal(t, core.StatusCompleted, c.sentence(t, sentences[1].ID).Status)
}

func TestCallback_SuccessAfterFailureIsApplied(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newCallbackFixture(t)
	_, sentences := c.inFlight(t, "one。")

	require.NoError(t, c.store.UpdateSynthesisStatus(ctx, sentences[0].ID, core.StatusFailed))
	require.NoError(t, c.handler.Handle(ctx, c.finished("job-1")))
	assert.Equal(t, core.StatusCompleted, c.sentence(t, sentences[0].ID).Status)
}

func TestCallback_TransferFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newCallbackFixture(t)
	_, sentences := c.inFlight(t, "one。two。")

	c.objects.shouldFail = true
	require.NoError(t, c.handler.Handle(ctx, c.finished("job-1")))
	assert.Equal(t, core.StatusFailed, c.sentence(t, sentences[0].ID).Status)
	c.assertNoTransientFiles(t)

	missing := c.finished("job-2")
	missing.AudioFileDownloadURL = c.server.URL + "/missing.wav"
	require.NoError(t, c.handler.Handle(ctx, missing))
	assert.Equal(t, core.StatusFailed, c.sentence(t, sentences[1].ID).Status)
	c.assertNoTransientFiles(t)
}

func TestCallback_WaitingChangesNothing(t *testing.T) {
	t.Parallel()

	c := newCallbackFixture(t)
	_, sentences := c.inFlight(t, "one。")

	require.NoError(t, c.handler.Handle(context.Background(), core.CallbackRequest{Status: core.CallbackWaiting, JobID: "job-1"}))
	assert.Equal(t, core.StatusProcessing, c.sentence(t, sentences[0].ID).Status)
}
