package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/telemetry"
)

// Defaults: at most five engine calls per second.
const (
	DefaultInterval = 200 * time.Millisecond
	DefaultCapacity = 1000
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity.
var ErrQueueFull = errors.New("synthesis queue is full")

// Dispatcher performs the engine call for one drained request.
type Dispatcher interface {
	Dispatch(ctx context.Context, req core.SynthesisRequest) error
}

type queued struct {
	req        core.SynthesisRequest
	enqueuedAt time.Time
}

// Limiter is a bounded in-process queue drained by one goroutine, one request at a time,
// with consecutive drains at least interval apart.
type Limiter struct {
	queue      chan queued
	interval   time.Duration
	dispatcher Dispatcher
	metrics    *telemetry.Metrics
	log        *logger.Logger
	now        func() time.Time
}

// NewLimiter creates a limiter. Non-positive interval or capacity take the defaults.
func NewLimiter(
	interval time.Duration,
	capacity int,
	dispatcher Dispatcher,
	metrics *telemetry.Metrics,
	log *logger.Logger,
) *Limiter {
	if interval <= 0 {
		interval = DefaultInterval
	}

	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Limiter{
		queue:      make(chan queued, capacity),
		interval:   interval,
		dispatcher: dispatcher,
		metrics:    metrics,
		log:        log,
		now:        time.Now,
	}
}

// Enqueue adds req without blocking.
func (l *Limiter) Enqueue(req core.SynthesisRequest) error {
	select {
	case l.queue <- queued{req: req, enqueuedAt: l.now()}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len returns the number of waiting requests.
func (l *Limiter) Len() int {
	return len(l.queue)
}

// Backlog estimates how long a request enqueued now would wait before its drain.
func (l *Limiter) Backlog() time.Duration {
	return time.Duration(len(l.queue)+1) * l.interval
}

// Run drains the queue until ctx is cancelled. Dispatch errors are logged and the
// request is not re-queued.
func (l *Limiter) Run(ctx context.Context) error {
	l.log.System("Synthesis limiter started: one call per %s", l.interval)

	var last time.Time

	for {
		var item queued

		select {
		case <-ctx.Done():
			l.discard()

			return nil
		case item = <-l.queue:
		}

		if !last.IsZero() {
			wait := l.interval - l.now().Sub(last)
			if wait > 0 {
				timer := time.NewTimer(wait)

				select {
				case <-ctx.Done():
					timer.Stop()
					l.log.Warn("Limiter stopped; dropping sentence %d", item.req.BreakingSentenceID)
					l.discard()

					return nil
				case <-timer.C:
				}
			}
		}

		last = l.now()
		l.metrics.RecordQueueWait(ctx, last.Sub(item.enqueuedAt))

		err := l.dispatcher.Dispatch(ctx, item.req)
		if err != nil {
			l.log.Error("Dispatch of sentence %d failed: %v", item.req.BreakingSentenceID, err)
		}
	}
}

func (l *Limiter) discard() {
	for {
		select {
		case item := <-l.queue:
			l.log.Warn("Limiter stopped; dropping sentence %d", item.req.BreakingSentenceID)
		default:
			return
		}
	}
}
