package pipeline

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// processorMetrics holds the processor's OpenTelemetry instruments.
type processorMetrics struct {
	processed    metric.Int64Counter
	succeeded    metric.Int64Counter
	failed       metric.Int64Counter
	deadLettered metric.Int64Counter
	rejected     metric.Int64Counter

	latency metric.Float64Histogram

	queueDepth   metric.Int64ObservableGauge
	breakerState metric.Int64ObservableGauge

	registration metric.Registration
}

func (p *Processor) initMetrics() error {
	meter := otel.Meter("audit.processor")
	m := &processorMetrics{}

	var err error
	if m.processed, err = meter.Int64Counter("audit.processor.deliveries",
		metric.WithDescription("Total deliveries received from the queue")); err != nil {
		return err
	}
	if m.succeeded, err = meter.Int64Counter("audit.processor.succeeded",
		metric.WithDescription("Deliveries processed and acknowledged")); err != nil {
		return err
	}
	if m.failed, err = meter.Int64Counter("audit.processor.failed",
		metric.WithDescription("Deliveries that exhausted retries or failed permanently")); err != nil {
		return err
	}
	if m.deadLettered, err = meter.Int64Counter("audit.processor.dead_lettered",
		metric.WithDescription("Deliveries moved to the dead letter store")); err != nil {
		return err
	}
	if m.rejected, err = meter.Int64Counter("audit.processor.rejected",
		metric.WithDescription("Deliveries short-circuited by an open breaker")); err != nil {
		return err
	}

	if m.latency, err = meter.Float64Histogram("audit.processor.latency",
		metric.WithDescription("End-to-end processing time per delivery"),
		metric.WithUnit("ms")); err != nil {
		return err
	}

	if m.queueDepth, err = meter.Int64ObservableGauge("audit.queue.depth",
		metric.WithDescription("Ready entries waiting in the queue")); err != nil {
		return err
	}
	if m.breakerState, err = meter.Int64ObservableGauge("audit.breaker.state",
		metric.WithDescription("Circuit breaker state (0=closed, 1=open, 2=half-open)")); err != nil {
		return err
	}

	m.registration, err = meter.RegisterCallback(func(ctx context.Context, observer metric.Observer) error {
		if depth, err := p.queue.Depth(ctx); err == nil {
			observer.ObserveInt64(m.queueDepth, depth)
		}

		var state int64
		switch p.breaker.State() {
		case StateOpen:
			state = 1
		case StateHalfOpen:
			state = 2
		}
		observer.ObserveInt64(m.breakerState, state)
		return nil
	}, m.queueDepth, m.breakerState)
	if err != nil {
		return err
	}

	p.metrics = m
	return nil
}
