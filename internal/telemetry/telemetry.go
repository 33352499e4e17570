// Package telemetry wires OpenTelemetry metrics (exported to Prometheus) and optional
// stdout tracing for the pipeline.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/book-expert/tts-pipeline/internal/config"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/book-expert/tts-pipeline"

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
	OutcomeDropped = "dropped"
)

// Provider owns the metric and trace pipelines.
type Provider struct {
	Metrics *Metrics
	Tracer  trace.Tracer
	// Handler serves the Prometheus exposition; nil when telemetry is disabled.
	Handler  http.Handler
	shutdown []func(context.Context) error
}

// Setup builds the providers described by cfg. A disabled configuration yields no-op
// instruments so callers never branch on it.
func Setup(ctx context.Context, cfg config.TelemetryConfig) (*Provider, error) {
	if !cfg.Enabled {
		metrics, err := NewMetrics(noop.NewMeterProvider().Meter(instrumentationName))
		if err != nil {
			return nil, err
		}

		return &Provider{Metrics: metrics, Tracer: tracenoop.NewTracerProvider().Tracer(instrumentationName)}, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	registry := prom.NewRegistry()

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	provider := &Provider{
		Handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		shutdown: []func(context.Context) error{meterProvider.Shutdown},
	}

	var tracerProvider trace.TracerProvider = tracenoop.NewTracerProvider()

	if cfg.TraceStdout {
		traceExporter, traceErr := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if traceErr != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", traceErr)
		}

		sdkTracer := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExporter),
			sdktrace.WithResource(res),
		)
		provider.shutdown = append(provider.shutdown, sdkTracer.Shutdown)
		tracerProvider = sdkTracer
	}

	provider.Tracer = tracerProvider.Tracer(instrumentationName)

	provider.Metrics, err = NewMetrics(meterProvider.Meter(instrumentationName))
	if err != nil {
		return nil, err
	}

	return provider, nil
}

// Shutdown flushes and stops every pipeline.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error

	for _, fn := range p.shutdown {
		err := fn(ctx)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Metrics groups the pipeline instruments. A nil *Metrics records nothing.
type Metrics struct {
	dispatches metric.Int64Counter
	callbacks  metric.Int64Counter
	merges     metric.Int64Counter
	publishes  metric.Int64Counter
	queueWait  metric.Float64Histogram
	engineCall metric.Float64Histogram
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		metrics Metrics
		err     error
	)

	metrics.dispatches, err = meter.Int64Counter("tts_dispatch_total",
		metric.WithDescription("Synthesis requests drained from the rate-limited queue."))
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch counter: %w", err)
	}

	metrics.callbacks, err = meter.Int64Counter("tts_callback_total",
		metric.WithDescription("Engine callbacks handled."))
	if err != nil {
		return nil, fmt.Errorf("failed to create callback counter: %w", err)
	}

	metrics.merges, err = meter.Int64Counter("tts_merge_total",
		metric.WithDescription("Audio merges processed."))
	if err != nil {
		return nil, fmt.Errorf("failed to create merge counter: %w", err)
	}

	metrics.publishes, err = meter.Int64Counter("tts_publish_total",
		metric.WithDescription("Messages published by kind."))
	if err != nil {
		return nil, fmt.Errorf("failed to create publish counter: %w", err)
	}

	metrics.queueWait, err = meter.Float64Histogram("tts_queue_wait_seconds",
		metric.WithDescription("Time a synthesis request spent in the rate-limited queue."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to create queue wait histogram: %w", err)
	}

	metrics.engineCall, err = meter.Float64Histogram("tts_engine_call_seconds",
		metric.WithDescription("Latency of engine job creation."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to create engine latency histogram: %w", err)
	}

	return &metrics, nil
}

// RecordDispatch counts one drained synthesis request.
func (m *Metrics) RecordDispatch(ctx context.Context, outcome string) {
	if m == nil {
		return
	}

	m.dispatches.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordCallback counts one handled callback.
func (m *Metrics) RecordCallback(ctx context.Context, status, outcome string) {
	if m == nil {
		return
	}

	m.callbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("outcome", outcome),
	))
}

// RecordMerge counts one processed merge.
func (m *Metrics) RecordMerge(ctx context.Context, outcome string) {
	if m == nil {
		return
	}

	m.merges.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordPublish counts one publish attempt.
func (m *Metrics) RecordPublish(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}

	m.publishes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

// RecordQueueWait observes how long a request waited before its engine call.
func (m *Metrics) RecordQueueWait(ctx context.Context, wait time.Duration) {
	if m == nil {
		return
	}

	m.queueWait.Record(ctx, wait.Seconds())
}

// RecordEngineCall observes the latency of one job creation.
func (m *Metrics) RecordEngineCall(ctx context.Context, elapsed time.Duration, outcome string) {
	if m == nil {
		return
	}

	m.engineCall.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}
