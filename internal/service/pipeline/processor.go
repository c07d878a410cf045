package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/audit"
	apperrors "github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/infrastructure/queue"
)

// Handler processes one audit event end to end, typically persisting it.
// Returning nil acknowledges the delivery. Failures are classified for retry
// by ClassifyError; handlers can tag them with WithKind.
type Handler func(ctx context.Context, event *audit.Event) error

// terminalOpTimeout bounds ack, nack and dead-letter writes. These must
// survive a canceled consume context during drain.
const terminalOpTimeout = 5 * time.Second

// deadLetterRetryDelay postpones a delivery whose dead-letter write failed.
const deadLetterRetryDelay = 30 * time.Second

// latencyAlpha is the smoothing factor of the processing-time moving average.
const latencyAlpha = 0.2

// ProcessorConfig tunes the reliable consumer.
type ProcessorConfig struct {
	QueueName       string
	Concurrency     int
	HandlerTimeout  time.Duration
	ShutdownTimeout time.Duration
	Retry           RetryPolicy
	Breaker         BreakerSettings
}

// DefaultProcessorConfig returns production defaults for the named queue.
func DefaultProcessorConfig(queueName string) ProcessorConfig {
	return ProcessorConfig{
		QueueName:       queueName,
		Concurrency:     4,
		HandlerTimeout:  30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		Retry:           DefaultRetryPolicy(),
		Breaker:         DefaultBreakerSettings(queueName),
	}
}

// Processor is the reliable consumer tying the queue, retry engine, circuit
// breaker and dead-letter handler together. Every delivery ends in exactly
// one of: ack after success, delayed redelivery after a breaker rejection,
// or dead-letter plus ack once retries are exhausted.
type Processor struct {
	cfg     ProcessorConfig
	queue   queue.Queue
	breaker *Breaker
	dlq     *DeadLetterHandler
	handler Handler
	logger  *zap.Logger
	metrics *processorMetrics

	cancel  context.CancelFunc
	running atomic.Bool

	processed      atomic.Int64
	succeeded      atomic.Int64
	failed         atomic.Int64
	deadLettered   atomic.Int64
	shortCircuited atomic.Int64

	emaMu sync.Mutex
	emaMs float64
}

// NewProcessor wires a processor. The breaker and dead-letter handler are
// required; a processor without them would silently lose its delivery
// guarantees.
func NewProcessor(cfg ProcessorConfig, q queue.Queue, breaker *Breaker, dlq *DeadLetterHandler, handler Handler, logger *zap.Logger) (*Processor, error) {
	if q == nil {
		return nil, apperrors.NewInternalError("processor requires a queue")
	}
	if breaker == nil {
		return nil, apperrors.NewInternalError("processor requires a circuit breaker")
	}
	if dlq == nil {
		return nil, apperrors.NewInternalError("processor requires a dead letter handler")
	}
	if handler == nil {
		return nil, apperrors.NewInternalError("processor requires a handler")
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	p := &Processor{
		cfg:     cfg,
		queue:   q,
		breaker: breaker,
		dlq:     dlq,
		handler: handler,
		logger:  logger.Named("processor"),
	}
	if err := p.initMetrics(); err != nil {
		return nil, apperrors.Wrap(err, "init processor metrics")
	}
	return p, nil
}

// Start begins consuming. It returns once the consumers are running; they
// stop when ctx is canceled or Stop is called.
func (p *Processor) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return apperrors.NewConflictError("processor is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	if err := p.queue.Consume(ctx, p.handleDelivery, p.cfg.Concurrency); err != nil {
		cancel()
		p.running.Store(false)
		return err
	}

	p.logger.Info("processor started",
		zap.String("queue", p.cfg.QueueName),
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Int("max_retries", p.cfg.Retry.MaxRetries),
	)
	return nil
}

// Stop drains the processor: intake stops immediately and in-flight handlers
// get up to ShutdownTimeout to finish. Deliveries still unacknowledged after
// that are redelivered by the queue's reclaimer, never lost.
func (p *Processor) Stop(ctx context.Context) error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.queue.Close()
		close(done)
	}()

	timer := time.NewTimer(p.cfg.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		p.logger.Info("processor drained", zap.String("queue", p.cfg.QueueName))
		return nil
	case <-timer.C:
		return apperrors.NewInternalError("processor shutdown timed out with handlers in flight")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) handleDelivery(ctx context.Context, envelope *audit.DeliveryEnvelope) {
	start := time.Now()
	p.processed.Add(1)
	p.metrics.processed.Add(ctx, 1)

	op := func(ctx context.Context) error {
		return p.breaker.Execute(ctx, func(ctx context.Context) error {
			if p.cfg.HandlerTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, p.cfg.HandlerTimeout)
				defer cancel()
			}
			return p.handler(ctx, envelope.Event)
		})
	}

	result := ExecuteWithRetry(ctx, p.cfg.Retry, op)
	elapsedMs := float64(time.Since(start).Microseconds()) / 1000.0
	p.observeLatency(ctx, elapsedMs)
	now := time.Now().UTC()

	// Terminal queue operations must survive a canceled consume context
	// during drain.
	opCtx, cancelOp := context.WithTimeout(context.WithoutCancel(ctx), terminalOpTimeout)
	defer cancelOp()

	switch {
	case result.Success:
		p.succeeded.Add(1)
		p.metrics.succeeded.Add(ctx, 1)
		envelope.RecordDelivery(result.Attempts, nil, now)
		if err := p.queue.Ack(opCtx, envelope.JobID); err != nil {
			p.logger.Warn("ack failed, delivery will be reclaimed and reprocessed",
				zap.String("job_id", envelope.JobID),
				zap.Error(err),
			)
		}
		p.logger.Debug("audit event processed",
			zap.String("event_id", envelope.Event.ID.String()),
			zap.Int("attempts", len(result.Attempts)),
			zap.Float64("elapsed_ms", elapsedMs),
		)

	case apperrors.IsCircuitOpen(result.Err):
		// A rejection is not an attempt against the event: the envelope
		// keeps its retry budget and comes back after the breaker's
		// recovery window.
		p.shortCircuited.Add(1)
		p.metrics.rejected.Add(ctx, 1)
		if err := p.queue.Nack(opCtx, envelope, p.breaker.Settings().RecoveryTimeout); err != nil {
			p.logger.Warn("nack after breaker rejection failed, delivery will be reclaimed",
				zap.String("job_id", envelope.JobID),
				zap.Error(err),
			)
		}
		p.logger.Info("delivery short-circuited by open breaker",
			zap.String("event_id", envelope.Event.ID.String()),
			zap.Duration("redelivery_delay", p.breaker.Settings().RecoveryTimeout),
		)

	case ctx.Err() != nil:
		// Shutdown interrupted the handler. Leave the entry pending; the
		// reclaimer redelivers it to the next consumer.
		p.logger.Info("delivery interrupted by shutdown, leaving pending",
			zap.String("event_id", envelope.Event.ID.String()),
			zap.String("job_id", envelope.JobID),
		)

	default:
		p.failed.Add(1)
		p.metrics.failed.Add(ctx, 1)
		envelope.RecordDelivery(result.Attempts, result.Err, now)

		if _, err := p.dlq.Add(opCtx, envelope, p.deadLetterReason(result)); err != nil {
			p.logger.Error("dead letter write failed, delaying redelivery",
				zap.String("event_id", envelope.Event.ID.String()),
				zap.Error(err),
			)
			if nackErr := p.queue.Nack(opCtx, envelope, deadLetterRetryDelay); nackErr != nil {
				p.logger.Warn("nack after dead letter failure also failed, delivery will be reclaimed",
					zap.String("job_id", envelope.JobID),
					zap.Error(nackErr),
				)
			}
			return
		}

		p.deadLettered.Add(1)
		p.metrics.deadLettered.Add(ctx, 1)
		if err := p.queue.Ack(opCtx, envelope.JobID); err != nil {
			p.logger.Warn("ack after dead-lettering failed",
				zap.String("job_id", envelope.JobID),
				zap.Error(err),
			)
		}
	}
}

func (p *Processor) deadLetterReason(result RetryResult) string {
	if p.cfg.Retry.retryable(result.Err) {
		return fmt.Sprintf("retries exhausted after %d attempts: %v", len(result.Attempts), result.Err)
	}
	return fmt.Sprintf("permanent failure: %v", result.Err)
}

func (p *Processor) observeLatency(ctx context.Context, ms float64) {
	p.emaMu.Lock()
	if p.emaMs == 0 {
		p.emaMs = ms
	} else {
		p.emaMs = latencyAlpha*ms + (1-latencyAlpha)*p.emaMs
	}
	p.emaMu.Unlock()
	p.metrics.latency.Record(ctx, ms)
}

func (p *Processor) avgLatencyMs() float64 {
	p.emaMu.Lock()
	defer p.emaMu.Unlock()
	return p.emaMs
}

// Health state names.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// HealthStatus is the processor's composite health view.
type HealthStatus struct {
	State                string  `json:"state"`
	Score                float64 `json:"score"`
	SuccessRate          float64 `json:"success_rate"`
	AvgProcessingMs      float64 `json:"avg_processing_ms"`
	BreakerState         string  `json:"breaker_state"`
	DeadLetterGrowthRate float64 `json:"dead_letter_growth_rate"`
	QueueDepth           int64   `json:"queue_depth"`
	Processed            int64   `json:"processed"`
	Succeeded            int64   `json:"succeeded"`
	Failed               int64   `json:"failed"`
	DeadLettered         int64   `json:"dead_lettered"`
	ShortCircuited       int64   `json:"short_circuited"`
}

// HealthStatus scores the processor from success rate (50 points), breaker
// state (25), processing latency (15) and dead-letter growth (10). 80 and up
// is healthy, 50 and up degraded, anything lower unhealthy.
func (p *Processor) HealthStatus(ctx context.Context) HealthStatus {
	processed := p.processed.Load()
	succeeded := p.succeeded.Load()

	successRate := 1.0
	if processed > 0 {
		successRate = float64(succeeded) / float64(processed)
	}

	avgMs := p.avgLatencyMs()
	breakerState := p.breaker.State()
	growth := p.dlq.GrowthRate()

	depth, err := p.queue.Depth(ctx)
	if err != nil {
		depth = -1
	}

	score := successRate * 50

	switch breakerState {
	case StateClosed:
		score += 25
	case StateHalfOpen:
		score += 10
	}

	switch {
	case avgMs <= 100:
		score += 15
	case avgMs >= 5000:
	default:
		score += 15 * (1 - (avgMs-100)/4900)
	}

	switch {
	case growth <= 0:
		score += 10
	case growth >= 10:
	default:
		score += 10 * (1 - growth/10)
	}

	state := HealthUnhealthy
	switch {
	case score >= 80:
		state = HealthHealthy
	case score >= 50:
		state = HealthDegraded
	}

	return HealthStatus{
		State:                state,
		Score:                score,
		SuccessRate:          successRate,
		AvgProcessingMs:      avgMs,
		BreakerState:         breakerState,
		DeadLetterGrowthRate: growth,
		QueueDepth:           depth,
		Processed:            processed,
		Succeeded:            succeeded,
		Failed:               p.failed.Load(),
		DeadLettered:         p.deadLettered.Load(),
		ShortCircuited:       p.shortCircuited.Load(),
	}
}
