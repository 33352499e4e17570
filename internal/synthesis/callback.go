package synthesis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Artifact transfer stages.
const (
	StageDownload = "download"
	StageUpload   = "upload"
)

// Downloader fetches an engine artifact into a local file.
type Downloader interface {
	FetchToFile(ctx context.Context, url, name string) (string, error)
	Remove(path string) error
}

// CallbackHandler applies engine completion notifications to breaking sentences.
type CallbackHandler struct {
	sentences  core.SentenceRepository
	downloader Downloader
	objects    core.ObjectStore
	aggregator *Aggregator
	metrics    *telemetry.Metrics
	tracer     trace.Tracer
	log        *logger.Logger
	now        func() time.Time
}

// NewCallbackHandler creates a handler. metrics and tracer may be nil.
func NewCallbackHandler(
	sentences core.SentenceRepository,
	downloader Downloader,
	objects core.ObjectStore,
	aggregator *Aggregator,
	metrics *telemetry.Metrics,
	tracer trace.Tracer,
	log *logger.Logger,
) *CallbackHandler {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("synthesis")
	}

	return &CallbackHandler{
		sentences:  sentences,
		downloader: downloader,
		objects:    objects,
		aggregator: aggregator,
		metrics:    metrics,
		tracer:     tracer,
		log:        log,
		now:        time.Now,
	}
}

// WithClock replaces the time source used for transient file names.
func (h *CallbackHandler) WithClock(now func() time.Time) *CallbackHandler {
	h.now = now

	return h
}

// Handle applies one callback. Unknown job ids are dropped and failures local to the
// sentence end in FAILED; only persistence errors are returned, so the bus redelivers.
func (h *CallbackHandler) Handle(ctx context.Context, req core.CallbackRequest) error {
	ctx, span := h.tracer.Start(ctx, "synthesis.callback", trace.WithAttributes(
		attribute.String("job.id", req.JobID),
		attribute.String("callback.status", string(req.Status))))
	defer span.End()

	status := string(req.Status)

	sentence, err := h.sentences.FindBreakingSentenceByJobID(ctx, req.JobID)
	if errors.Is(err, core.ErrNotFound) {
		h.log.Warn("Dropping callback for unknown job %q: %v", req.JobID, core.ErrUnknownSubject)
		h.metrics.RecordCallback(ctx, status, telemetry.OutcomeDropped)

		return nil
	}

	if err != nil {
		span.SetStatus(codes.Error, err.Error())

		return fmt.Errorf("failed to resolve job %s: %w", req.JobID, err)
	}

	span.SetAttributes(attribute.Int64("sentence.id", sentence.ID))

	switch req.Status {
	case core.CallbackFinished:
		err = h.finish(ctx, sentence, req)
	case core.CallbackError:
		err = h.markFailed(ctx, sentence, status, fmt.Errorf("engine reported an error for job %s", req.JobID))
	case core.CallbackWaiting:
		h.log.Info("Job %s for sentence %d is waiting", req.JobID, sentence.ID)
		h.metrics.RecordCallback(ctx, status, telemetry.OutcomeSkipped)

		return nil
	default:
		h.log.Warn("Ignoring callback with unknown status %q for job %s", req.Status, req.JobID)
		h.metrics.RecordCallback(ctx, status, telemetry.OutcomeSkipped)

		return nil
	}

	if err != nil {
		span.SetStatus(codes.Error, err.Error())

		return err
	}

	h.aggregator.refresh(ctx, sentence.TaskID)

	return nil
}

func (h *CallbackHandler) finish(ctx context.Context, sentence *core.BreakingSentence, req core.CallbackRequest) error {
	status := string(req.Status)

	if sentence.HasArtifact() {
		h.log.Info("Duplicate completion for job %s ignored", req.JobID)
		h.metrics.RecordCallback(ctx, status, telemetry.OutcomeSkipped)

		return nil
	}

	if sentence.Status != core.StatusProcessing {
		h.log.Warn("Completing sentence %d that is %s, not processing", sentence.ID, sentence.Status)
	}

	name := fmt.Sprintf("breaking_%d_%d.wav", sentence.ID, h.now().UnixMilli())

	path, err := h.downloader.FetchToFile(ctx, req.AudioFileDownloadURL, name)
	if err != nil {
		return h.markFailed(ctx, sentence, status, &core.ArtifactTransferError{Stage: StageDownload, Err: err})
	}

	defer func() {
		removeErr := h.downloader.Remove(path)
		if removeErr != nil {
			h.log.Warn("Failed to remove transient file %s: %v", path, removeErr)
		}
	}()

	url, err := h.objects.UploadFile(ctx, h.objects.BuildKey(name), path)
	if err != nil {
		return h.markFailed(ctx, sentence, status, &core.ArtifactTransferError{Stage: StageUpload, Err: err})
	}

	err = h.sentences.CompleteSynthesis(ctx, sentence.ID, url, durationMillis(req))
	if err != nil {
		return fmt.Errorf("failed to complete sentence %d: %w", sentence.ID, err)
	}

	h.metrics.RecordCallback(ctx, status, telemetry.OutcomeSuccess)
	h.log.Info("Sentence %d completed: %s (%d ms)", sentence.ID, url, durationMillis(req))

	return nil
}

// markFailed records FAILED unless the sentence already holds a completed artifact.
func (h *CallbackHandler) markFailed(ctx context.Context, sentence *core.BreakingSentence, status string, cause error) error {
	h.log.Error("Synthesis of sentence %d failed: %v", sentence.ID, cause)
	h.metrics.RecordCallback(ctx, status, telemetry.OutcomeFailed)

	transitionErr := core.CheckTransition(sentence.Status, core.StatusFailed)
	if transitionErr != nil {
		h.log.Warn("Keeping sentence %d: %v", sentence.ID, transitionErr)

		return nil
	}

	err := h.sentences.UpdateSynthesisStatus(ctx, sentence.ID, core.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to mark sentence %d failed: %w", sentence.ID, err)
	}

	return nil
}

func durationMillis(req core.CallbackRequest) int64 {
	return int64(math.Round(req.AudioDurationSeconds * 1000))
}
