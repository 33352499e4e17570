package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMockPublish = errors.New("mock publish error")

type published struct {
	kind    core.MessageKind
	key     string
	payload any
}

type mockPublisher struct {
	shouldFail bool
	sent       []published
}

func (m *mockPublisher) Publish(_ context.Context, kind core.MessageKind, key string, payload any) error {
	if m.shouldFail {
		return errMockPublish
	}

	m.sent = append(m.sent, published{kind: kind, key: key, payload: payload})

	return nil
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []time.Time
	ids   []int64
	fail  bool
	done  chan struct{}
	want  int
}

func (r *recordingDispatcher) Dispatch(_ context.Context, req core.SynthesisRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, time.Now())
	r.ids = append(r.ids, req.BreakingSentenceID)

	if len(r.calls) == r.want {
		close(r.done)
	}

	if r.fail {
		return errMockPublish
	}

	return nil
}

func newLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

func TestProducers_KeysAndKinds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pub := &mockPublisher{}
	producers := dispatch.NewProducers(pub, nil)

	require.NoError(t, producers.SendSynthesis(ctx, core.SynthesisRequest{BreakingSentenceID: 42}))
	require.NoError(t, producers.SendCallback(ctx, core.CallbackRequest{JobID: "job-9"}))
	require.NoError(t, producers.SendMerge(ctx, core.MergeMessage{TaskID: 1, MergeID: 5}))

	require.Len(t, pub.sent, 3)
	assert.Equal(t, core.KindSynthesis, pub.sent[0].kind)
	assert.Equal(t, "42", pub.sent[0].key)
	assert.Equal(t, core.KindCallback, pub.sent[1].kind)
	assert.Equal(t, "job-9", pub.sent[1].key)
	assert.Equal(t, core.KindMerge, pub.sent[2].kind)
	assert.Equal(t, "5", pub.sent[2].key)
}

func TestProducers_PropagatesPublishError(t *testing.T) {
	t.Parallel()

	producers := dispatch.NewProducers(&mockPublisher{shouldFail: true}, nil)

	err := producers.SendSynthesis(context.Background(), core.SynthesisRequest{BreakingSentenceID: 1})
	require.ErrorIs(t, err, errMockPublish)
}

func TestLimiter_SpacesEngineCalls(t *testing.T) {
	t.Parallel()

	const (
		total    = 6
		interval = 50 * time.Millisecond
	)

	dispatcher := &recordingDispatcher{done: make(chan struct{}), want: total}
	limiter := dispatch.NewLimiter(interval, 10, dispatcher, nil, newLogger(t))

	for i := 1; i <= total; i++ {
		require.NoError(t, limiter.Enqueue(core.SynthesisRequest{BreakingSentenceID: int64(i)}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = limiter.Run(ctx) }()

	select {
	case <-dispatcher.done:
	case <-time.After(5 * time.Second):
		t.Fatal("limiter did not drain the queue")
	}

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()

	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, dispatcher.ids)

	for i := 1; i < len(dispatcher.calls); i++ {
		gap := dispatcher.calls[i].Sub(dispatcher.calls[i-1])
		// Allow a little scheduler slack below the configured interval.
		assert.GreaterOrEqual(t, gap, interval-5*time.Millisecond, "gap %d was %s", i, gap)
	}
}

func TestLimiter_FailedDispatchIsNotRequeued(t *testing.T) {
	t.Parallel()

	dispatcher := &recordingDispatcher{done: make(chan struct{}), want: 1, fail: true}
	limiter := dispatch.NewLimiter(10*time.Millisecond, 10, dispatcher, nil, newLogger(t))

	require.NoError(t, limiter.Enqueue(core.SynthesisRequest{BreakingSentenceID: 7}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = limiter.Run(ctx) }()

	<-dispatcher.done
	time.Sleep(100 * time.Millisecond)

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()

	assert.Len(t, dispatcher.calls, 1)
	assert.Equal(t, 0, limiter.Len())
}

func TestLimiter_QueueFull(t *testing.T) {
	t.Parallel()

	limiter := dispatch.NewLimiter(time.Second, 2, &recordingDispatcher{}, nil, newLogger(t))

	require.NoError(t, limiter.Enqueue(core.SynthesisRequest{BreakingSentenceID: 1}))
	require.NoError(t, limiter.Enqueue(core.SynthesisRequest{BreakingSentenceID: 2}))
	require.ErrorIs(t, limiter.Enqueue(core.SynthesisRequest{BreakingSentenceID: 3}), dispatch.ErrQueueFull)
	assert.Equal(t, 2, limiter.Len())
}

func TestLimiter_StopsOnCancel(t *testing.T) {
	t.Parallel()

	limiter := dispatch.NewLimiter(time.Hour, 10, &recordingDispatcher{done: make(chan struct{}), want: 1}, nil, newLogger(t))

	require.NoError(t, limiter.Enqueue(core.SynthesisRequest{BreakingSentenceID: 1}))
	require.NoError(t, limiter.Enqueue(core.SynthesisRequest{BreakingSentenceID: 2}))
	require.NoError(t, limiter.Enqueue(core.SynthesisRequest{BreakingSentenceID: 3}))

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)

	go func() { result <- limiter.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("limiter did not stop")
	}

	assert.Equal(t, 0, limiter.Len())
}
