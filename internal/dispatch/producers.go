// Package dispatch publishes pipeline messages and paces synthesis requests toward the
// engine.
package dispatch

import (
	"context"
	"strconv"

	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/telemetry"
)

// Producers publish each message kind with its ordering key.
type Producers struct {
	publisher core.Publisher
	metrics   *telemetry.Metrics
}

// NewProducers wraps publisher. metrics may be nil.
func NewProducers(publisher core.Publisher, metrics *telemetry.Metrics) *Producers {
	return &Producers{publisher: publisher, metrics: metrics}
}

// SendSynthesis publishes a synthesis request keyed by its sentence id.
func (p *Producers) SendSynthesis(ctx context.Context, req core.SynthesisRequest) error {
	return p.publish(ctx, core.KindSynthesis, strconv.FormatInt(req.BreakingSentenceID, 10), req)
}

// SendCallback publishes an engine callback keyed by its job id.
func (p *Producers) SendCallback(ctx context.Context, req core.CallbackRequest) error {
	return p.publish(ctx, core.KindCallback, req.JobID, req)
}

// SendMerge publishes a merge request keyed by its merge id.
func (p *Producers) SendMerge(ctx context.Context, msg core.MergeMessage) error {
	return p.publish(ctx, core.KindMerge, strconv.FormatInt(msg.MergeID, 10), msg)
}

func (p *Producers) publish(ctx context.Context, kind core.MessageKind, key string, payload any) error {
	err := p.publisher.Publish(ctx, kind, key, payload)
	if err != nil {
		p.metrics.RecordPublish(ctx, string(kind), telemetry.OutcomeFailed)

		return err
	}

	p.metrics.RecordPublish(ctx, string(kind), telemetry.OutcomeSuccess)

	return nil
}
