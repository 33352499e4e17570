// Package worker runs the three bus consumer groups and the synthesis drain loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/bus"
	"github.com/book-expert/tts-pipeline/internal/config"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/nats-io/nats.go/jetstream"
)

// The synthesis group only enqueues, so one goroutine is enough.
const synthesisWorkers = 1

// ErrMissingHandler indicates the pool was built without one of its collaborators.
var ErrMissingHandler = errors.New("worker pool collaborator cannot be nil")

// Limiter queues synthesis requests and drains them toward the engine.
type Limiter interface {
	Enqueue(req core.SynthesisRequest) error
	// Backlog is the expected wait of a request enqueued now.
	Backlog() time.Duration
	Run(ctx context.Context) error
}

// Abandoner records a synthesis request that will never be queued.
type Abandoner interface {
	Abandon(ctx context.Context, req core.SynthesisRequest, cause error) error
}

// CallbackProcessor applies one engine callback.
type CallbackProcessor interface {
	Handle(ctx context.Context, req core.CallbackRequest) error
}

// MergeProcessor builds one audio merge.
type MergeProcessor interface {
	Process(ctx context.Context, msg core.MergeMessage) error
}

// Pool owns the consumers of every message kind.
type Pool struct {
	limiter   Limiter
	abandoner Abandoner
	callbacks CallbackProcessor
	merges    MergeProcessor
	consumers []*bus.Consumer
	log       *logger.Logger
}

// NewPool builds the synthesis, callback and merge consumers described by cfg.
func NewPool(
	js jetstream.JetStream,
	cfg config.BusConfig,
	limiter Limiter,
	abandoner Abandoner,
	callbacks CallbackProcessor,
	merges MergeProcessor,
	log *logger.Logger,
) (*Pool, error) {
	if limiter == nil || abandoner == nil || callbacks == nil || merges == nil {
		return nil, ErrMissingHandler
	}

	pool := &Pool{limiter: limiter, abandoner: abandoner, callbacks: callbacks, merges: merges, log: log}

	groups := []struct {
		kind        core.MessageKind
		concurrency int
		handler     bus.Handler
	}{
		{core.KindSynthesis, synthesisWorkers, pool.handleSynthesis},
		{core.KindCallback, cfg.CallbackWorkers, pool.handleCallback},
		{core.KindMerge, cfg.MergeWorkers, pool.handleMerge},
	}

	for _, group := range groups {
		consumer, err := bus.NewConsumer(js, bus.ConsumerConfig{
			Stream:          cfg.StreamName,
			Topic:           cfg.Topic,
			Durable:         fmt.Sprintf("%s-%s", cfg.ConsumerPrefix, group.kind),
			Kind:            group.kind,
			Concurrency:     group.concurrency,
			MaxDeliver:      cfg.MaxDeliver,
			AckWait:         cfg.AckWait(),
			StartupAttempts: cfg.StartupAttempts,
			StartupBackoff:  cfg.StartupBackoff(),
		}, group.handler, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s consumer: %w", group.kind, err)
		}

		pool.consumers = append(pool.consumers, consumer)
	}

	return pool, nil
}

// Run starts every consumer and the drain loop, then blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	for i, consumer := range p.consumers {
		err := consumer.Start(ctx)
		if err != nil {
			for _, started := range p.consumers[:i] {
				started.Stop()
			}

			return fmt.Errorf("failed to start consumers: %w", err)
		}
	}

	p.log.System("Worker pool started with %d consumer groups", len(p.consumers))

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		err := p.limiter.Run(ctx)
		if err != nil {
			p.log.Error("Synthesis limiter stopped: %v", err)
		}
	}()

	<-ctx.Done()

	for _, consumer := range p.consumers {
		consumer.Stop()
	}

	wg.Wait()
	p.log.System("Worker pool stopped")

	return nil
}

// handleSynthesis acks once the request is queued. A full queue defers the message by
// the current backlog; on its last delivery the sentence is marked FAILED instead.
func (p *Pool) handleSynthesis(ctx context.Context, env bus.Envelope) error {
	var req core.SynthesisRequest

	err := env.Decode(&req)
	if err != nil {
		return err
	}

	if req.BreakingSentenceID <= 0 {
		return fmt.Errorf("%w: synthesis request without sentence id", bus.ErrMalformed)
	}

	err = p.limiter.Enqueue(req)
	if err == nil {
		return nil
	}

	if env.Delivery.Final() {
		p.log.Error("Giving up on sentence %d after %d deliveries: %v", req.BreakingSentenceID, env.Delivery.Attempt, err)

		return p.abandoner.Abandon(ctx, req, err)
	}

	delay := p.limiter.Backlog()
	p.log.Warn("Deferring sentence %d for %s (delivery %d): %v", req.BreakingSentenceID, delay, env.Delivery.Attempt, err)

	return bus.RetryLater(err, delay)
}

func (p *Pool) handleCallback(ctx context.Context, env bus.Envelope) error {
	var req core.CallbackRequest

	err := env.Decode(&req)
	if err != nil {
		return err
	}

	return p.callbacks.Handle(ctx, req)
}

func (p *Pool) handleMerge(ctx context.Context, env bus.Envelope) error {
	var msg core.MergeMessage

	err := env.Decode(&msg)
	if err != nil {
		return err
	}

	return p.merges.Process(ctx, msg)
}
