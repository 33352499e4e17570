package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go/jetstream"
)

const defaultHandleTimeout = 5 * time.Minute

var (
	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("consumer already started")
	// ErrNoHandler indicates a consumer was built without a handler.
	ErrNoHandler = errors.New("consumer handler cannot be nil")
)

// Handler processes one decoded message. A nil return acks the message, ErrMalformed
// terminates it, a RetryLaterError asks for delayed redelivery and any other error asks
// for immediate redelivery.
type Handler func(ctx context.Context, env Envelope) error

// RetryLaterError asks the consumer to redeliver the message after Delay.
type RetryLaterError struct {
	Delay time.Duration
	Err   error
}

func (e *RetryLaterError) Error() string {
	return fmt.Sprintf("retry in %s: %v", e.Delay, e.Err)
}

func (e *RetryLaterError) Unwrap() error {
	return e.Err
}

// RetryLater wraps err so the message comes back after delay instead of at once.
func RetryLater(err error, delay time.Duration) error {
	return &RetryLaterError{Delay: delay, Err: err}
}

// ConsumerConfig describes one durable consumer group.
type ConsumerConfig struct {
	Stream  string
	Topic   string
	Durable string
	Kind    core.MessageKind
	// Concurrency bounds the number of messages handled at once.
	Concurrency     int
	MaxDeliver      int
	AckWait         time.Duration
	HandleTimeout   time.Duration
	StartupAttempts int
	StartupBackoff  time.Duration
}

// Consumer pulls messages of one kind and hands them to a Handler on a bounded number of
// goroutines.
type Consumer struct {
	js      jetstream.JetStream
	cfg     ConsumerConfig
	handler Handler
	log     *logger.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.Mutex
	consume jetstream.ConsumeContext
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewConsumer validates cfg and builds an unstarted consumer.
func NewConsumer(js jetstream.JetStream, cfg ConsumerConfig, handler Handler, log *logger.Logger) (*Consumer, error) {
	if handler == nil {
		return nil, ErrNoHandler
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	if cfg.StartupAttempts <= 0 {
		cfg.StartupAttempts = 1
	}

	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = defaultHandleTimeout
	}

	if cfg.Durable == "" {
		cfg.Durable = string(cfg.Kind)
	}

	return &Consumer{
		js:      js,
		cfg:     cfg,
		handler: handler,
		log:     log,
		sem:     make(chan struct{}, cfg.Concurrency),
	}, nil
}

// Start binds the durable consumer and begins delivery. Binding is retried with
// exponential backoff so the service can come up before the broker or the stream.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.consume != nil {
		return ErrAlreadyStarted
	}

	var cons jetstream.Consumer

	attempt := 0
	bind := func() error {
		attempt++

		bound, err := c.bind(ctx)
		if err != nil {
			c.log.Warn("Consumer %s bind attempt %d/%d failed: %v", c.cfg.Durable, attempt, c.cfg.StartupAttempts, err)

			return err
		}

		cons = bound

		return nil
	}

	policy := backoff.NewExponentialBackOff()
	if c.cfg.StartupBackoff > 0 {
		policy.InitialInterval = c.cfg.StartupBackoff
	}

	retryErr := backoff.Retry(bind, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(c.cfg.StartupAttempts-1)), ctx))
	if retryErr != nil {
		return fmt.Errorf("failed to start consumer %s after %d attempts: %w", c.cfg.Durable, attempt, retryErr)
	}

	c.baseCtx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))

	consume, err := cons.Consume(c.dispatch, jetstream.PullMaxMessages(c.cfg.Concurrency))
	if err != nil {
		c.cancel()

		return fmt.Errorf("failed to consume %s: %w", c.cfg.Durable, err)
	}

	c.consume = consume
	c.log.System("Consumer %s started on %s with concurrency %d",
		c.cfg.Durable, FilterSubject(c.cfg.Topic, c.cfg.Kind), c.cfg.Concurrency)

	return nil
}

func (c *Consumer) bind(ctx context.Context) (jetstream.Consumer, error) {
	stream, err := c.js.Stream(ctx, c.cfg.Stream)
	if err != nil {
		return nil, fmt.Errorf("failed to look up stream '%s': %w", c.cfg.Stream, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       c.cfg.Durable,
		FilterSubject: FilterSubject(c.cfg.Topic, c.cfg.Kind),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxAckPending: c.cfg.Concurrency,
		MaxDeliver:    c.cfg.MaxDeliver,
		AckWait:       c.cfg.AckWait,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer '%s': %w", c.cfg.Durable, err)
	}

	return cons, nil
}

// dispatch runs on the library's delivery goroutine and blocks while the pool is full.
func (c *Consumer) dispatch(msg jetstream.Msg) {
	c.sem <- struct{}{}

	c.wg.Add(1)

	go func() {
		defer func() {
			<-c.sem
			c.wg.Done()
		}()

		c.handle(msg)
	}()
}

func (c *Consumer) handle(msg jetstream.Msg) {
	ctx, cancel := context.WithTimeout(c.baseCtx, c.cfg.HandleTimeout)
	defer cancel()

	env, err := DecodeEnvelope(msg.Data())
	if err == nil && env.Kind != c.cfg.Kind {
		err = fmt.Errorf("%w: kind %s on consumer %s: %w", ErrMalformed, env.Kind, c.cfg.Durable, core.ErrUnknownSubject)
	}

	if err == nil {
		env.Delivery = c.delivery(msg)
		err = c.handler(ctx, env)
	}

	var later *RetryLaterError

	switch {
	case err == nil:
		ackErr := msg.Ack()
		if ackErr != nil {
			c.log.Warn("Failed to ack %s message on %s: %v", c.cfg.Kind, msg.Subject(), ackErr)
		}
	case errors.Is(err, ErrMalformed):
		c.log.Error("Dropping %s message on %s: %v", c.cfg.Kind, msg.Subject(), err)

		termErr := msg.Term()
		if termErr != nil {
			c.log.Warn("Failed to terminate message on %s: %v", msg.Subject(), termErr)
		}
	case errors.As(err, &later) && later.Delay > 0:
		c.log.Warn("Handler for %s on %s deferred the message for %s: %v", c.cfg.Kind, msg.Subject(), later.Delay, later.Err)

		nakErr := msg.NakWithDelay(later.Delay)
		if nakErr != nil {
			c.log.Warn("Failed to nak message on %s: %v", msg.Subject(), nakErr)
		}
	default:
		c.log.Error("Handler for %s on %s failed, requesting redelivery: %v", c.cfg.Kind, msg.Subject(), err)

		nakErr := msg.Nak()
		if nakErr != nil {
			c.log.Warn("Failed to nak message on %s: %v", msg.Subject(), nakErr)
		}
	}
}

func (c *Consumer) delivery(msg jetstream.Msg) Delivery {
	delivery := Delivery{Attempt: 1, Max: c.cfg.MaxDeliver}

	meta, err := msg.Metadata()
	if err != nil {
		c.log.Warn("No delivery metadata on %s: %v", msg.Subject(), err)

		return delivery
	}

	delivery.Attempt = int(meta.NumDelivered)

	return delivery
}

// Stop halts delivery and waits for in-flight handlers.
func (c *Consumer) Stop() {
	c.mu.Lock()
	consume := c.consume
	c.consume = nil
	c.mu.Unlock()

	if consume == nil {
		return
	}

	consume.Stop()
	<-consume.Closed()
	c.wg.Wait()
	c.cancel()

	c.log.System("Consumer %s stopped", c.cfg.Durable)
}

// Run starts the consumer and blocks until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	err := c.Start(ctx)
	if err != nil {
		return err
	}

	<-ctx.Done()
	c.Stop()

	return nil
}
