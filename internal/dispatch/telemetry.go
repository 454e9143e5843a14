// ABOUTME: OpenTelemetry instruments for dispatch runs, blocks and queue outcomes
// ABOUTME: Uses the global providers unless the engine options supply a meter or tracer

package dispatch

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/coven-relay/internal/store"
)

const instrumentationName = "github.com/2389/coven-relay/internal/dispatch"

type telemetry struct {
	tracer trace.Tracer

	runs             metric.Int64Counter
	runDuration      metric.Float64Histogram
	blocksDelivered  metric.Int64Counter
	deliveryFailures metric.Int64Counter
	queueOutcomes    metric.Int64Counter
	aborts           metric.Int64Counter
}

func newTelemetry(meter metric.Meter, tracer trace.Tracer, logger *slog.Logger) *telemetry {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}

	warn := func(name string, err error) {
		logger.Warn("creating instrument failed, using no-op", "instrument", name, "error", err)
	}

	t := &telemetry{tracer: tracer}
	var err error
	if t.runs, err = meter.Int64Counter("relay.dispatch.runs",
		metric.WithDescription("Agent runs finished, by status")); err != nil {
		warn("relay.dispatch.runs", err)
		t.runs = noop.Int64Counter{}
	}
	if t.runDuration, err = meter.Float64Histogram("relay.dispatch.run.duration",
		metric.WithDescription("Wall time of agent runs including delivery"),
		metric.WithUnit("s")); err != nil {
		warn("relay.dispatch.run.duration", err)
		t.runDuration = noop.Float64Histogram{}
	}
	if t.blocksDelivered, err = meter.Int64Counter("relay.dispatch.blocks.delivered",
		metric.WithDescription("Outbound blocks accepted by a channel")); err != nil {
		warn("relay.dispatch.blocks.delivered", err)
		t.blocksDelivered = noop.Int64Counter{}
	}
	if t.deliveryFailures, err = meter.Int64Counter("relay.dispatch.blocks.failed",
		metric.WithDescription("Outbound blocks a channel rejected")); err != nil {
		warn("relay.dispatch.blocks.failed", err)
		t.deliveryFailures = noop.Int64Counter{}
	}
	if t.queueOutcomes, err = meter.Int64Counter("relay.dispatch.queue.outcomes",
		metric.WithDescription("Followup enqueue results, by outcome")); err != nil {
		warn("relay.dispatch.queue.outcomes", err)
		t.queueOutcomes = noop.Int64Counter{}
	}
	if t.aborts, err = meter.Int64Counter("relay.dispatch.aborts",
		metric.WithDescription("Explicit stop requests")); err != nil {
		warn("relay.dispatch.aborts", err)
		t.aborts = noop.Int64Counter{}
	}
	return t
}

func (t *telemetry) startRun(ctx context.Context, r *run) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "dispatch.run", trace.WithAttributes(
		attribute.String("relay.conversation_key", r.key),
		attribute.String("relay.run_id", r.id),
		attribute.String("relay.typing_mode", string(r.signaler.Mode())),
		attribute.Bool("relay.resumed_after_abort", r.resumed),
	))
}

func (t *telemetry) endRun(span trace.Span, status store.RunStatus, delivered, failed int, elapsed time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	t.runs.Add(context.Background(), 1, attrs)
	t.runDuration.Record(context.Background(), elapsed.Seconds(), attrs)

	span.SetAttributes(
		attribute.String("relay.status", string(status)),
		attribute.Int("relay.blocks.delivered", delivered),
		attribute.Int("relay.blocks.failed", failed),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (t *telemetry) blockDelivered() {
	t.blocksDelivered.Add(context.Background(), 1)
}

func (t *telemetry) blockFailed() {
	t.deliveryFailures.Add(context.Background(), 1)
}

func (t *telemetry) queued(outcome string) {
	t.queueOutcomes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (t *telemetry) aborted() {
	t.aborts.Add(context.Background(), 1)
}
