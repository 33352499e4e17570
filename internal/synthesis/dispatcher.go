package synthesis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/readingrule"
	"github.com/book-expert/tts-pipeline/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Reconciler aligns the engine pronunciation table with a sentence's reading rules.
type Reconciler interface {
	Reconcile(ctx context.Context, sentence core.BreakingSentence) (readingrule.Result, error)
}

// Dispatcher performs the engine call for one drained synthesis request.
type Dispatcher struct {
	sentences  core.SentenceRepository
	reconciler Reconciler
	engine     core.SynthesisEngine
	aggregator *Aggregator
	metrics    *telemetry.Metrics
	tracer     trace.Tracer
	log        *logger.Logger
}

// NewDispatcher creates a dispatcher. metrics and tracer may be nil.
func NewDispatcher(
	sentences core.SentenceRepository,
	reconciler Reconciler,
	engine core.SynthesisEngine,
	aggregator *Aggregator,
	metrics *telemetry.Metrics,
	tracer trace.Tracer,
	log *logger.Logger,
) *Dispatcher {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("synthesis")
	}

	return &Dispatcher{
		sentences:  sentences,
		reconciler: reconciler,
		engine:     engine,
		aggregator: aggregator,
		metrics:    metrics,
		tracer:     tracer,
		log:        log,
	}
}

// Dispatch reconciles reading rules, creates the engine job and records its id.
// Job creation failures and empty markup leave the sentence FAILED.
func (d *Dispatcher) Dispatch(ctx context.Context, req core.SynthesisRequest) error {
	ctx, span := d.tracer.Start(ctx, "synthesis.dispatch",
		trace.WithAttributes(attribute.Int64("sentence.id", req.BreakingSentenceID)))
	defer span.End()

	sentence, err := d.sentences.GetBreakingSentence(ctx, req.BreakingSentenceID)
	if err != nil {
		d.metrics.RecordDispatch(ctx, telemetry.OutcomeDropped)
		span.SetStatus(codes.Error, err.Error())

		return fmt.Errorf("failed to load sentence %d: %w", req.BreakingSentenceID, err)
	}

	result, reconcileErr := d.reconciler.Reconcile(ctx, *sentence)
	if reconcileErr != nil {
		d.log.Warn("Reading rule reconciliation for sentence %d failed, continuing: %v", sentence.ID, reconcileErr)
	} else if result.Drift {
		d.log.Info("Reconciled reading rules for sentence %d: deleted %d (%d left), created %d, skipped %d",
			sentence.ID, result.Deleted, result.Undeleted, result.Created, result.Skipped)
	}

	markup := req.Markup
	if markup == "" {
		markup = sentence.Markup
	}

	if markup == "" {
		return d.fail(ctx, span, sentence, core.ErrEmptyMarkup)
	}

	start := time.Now()

	jobID, err := d.engine.CreateJob(ctx, core.JobRequest{
		Markup:     markup,
		VoiceID:    req.VoiceID,
		SpeechRate: req.SpeechRate,
		Volume:     req.Volume,
		Pitch:      req.Pitch,
	})
	if err != nil {
		d.metrics.RecordEngineCall(ctx, time.Since(start), telemetry.OutcomeFailed)

		return d.fail(ctx, span, sentence, err)
	}

	d.metrics.RecordEngineCall(ctx, time.Since(start), telemetry.OutcomeSuccess)

	err = d.sentences.UpdateJobID(ctx, sentence.ID, jobID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())

		return fmt.Errorf("failed to record job %s for sentence %d: %w", jobID, sentence.ID, err)
	}

	if sentence.Status != core.StatusProcessing {
		err = d.sentences.UpdateSynthesisStatus(ctx, sentence.ID, core.StatusProcessing)
		if err != nil {
			return err
		}

		d.aggregator.refresh(ctx, sentence.TaskID)
	}

	span.SetAttributes(attribute.String("job.id", jobID))
	d.metrics.RecordDispatch(ctx, telemetry.OutcomeSuccess)
	d.log.Info("Created engine job %s for sentence %d", jobID, sentence.ID)

	return nil
}

// Abandon marks the sentence of a request that could never be queued as FAILED. A
// sentence that has already completed keeps its artifact.
func (d *Dispatcher) Abandon(ctx context.Context, req core.SynthesisRequest, cause error) error {
	sentence, err := d.sentences.GetBreakingSentence(ctx, req.BreakingSentenceID)
	if errors.Is(err, core.ErrNotFound) {
		d.log.Warn("Abandoned request for unknown sentence %d: %v", req.BreakingSentenceID, cause)

		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to load sentence %d: %w", req.BreakingSentenceID, err)
	}

	d.metrics.RecordDispatch(ctx, telemetry.OutcomeDropped)

	transitionErr := core.CheckTransition(sentence.Status, core.StatusFailed)
	if transitionErr != nil {
		d.log.Warn("Abandoned request for sentence %d left it %s: %v", sentence.ID, sentence.Status, cause)

		return nil
	}

	err = d.sentences.UpdateSynthesisStatus(ctx, sentence.ID, core.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to mark sentence %d failed: %w", sentence.ID, err)
	}

	d.log.Error("Sentence %d failed: request could not be queued: %v", sentence.ID, cause)
	d.aggregator.refresh(ctx, sentence.TaskID)

	return nil
}

func (d *Dispatcher) fail(ctx context.Context, span trace.Span, sentence *core.BreakingSentence, cause error) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	d.metrics.RecordDispatch(ctx, telemetry.OutcomeFailed)

	err := d.sentences.UpdateSynthesisStatus(ctx, sentence.ID, core.StatusFailed)
	if err != nil {
		d.log.Error("Failed to mark sentence %d failed: %v", sentence.ID, err)
	}

	d.aggregator.refresh(ctx, sentence.TaskID)

	return fmt.Errorf("synthesis of sentence %d failed: %w", sentence.ID, cause)
}
