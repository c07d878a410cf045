package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/audit"
	apperrors "github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
)

// DeadLetterStore is the persistence contract for exhausted deliveries.
// Implemented by the Redis store in infrastructure/queue.
type DeadLetterStore interface {
	Add(ctx context.Context, record *audit.DeadLetterRecord) error
	Get(ctx context.Context, id uuid.UUID) (*audit.DeadLetterRecord, error)
	List(ctx context.Context, limit int64) ([]*audit.DeadLetterRecord, error)
	Remove(ctx context.Context, id uuid.UUID) error
	Count(ctx context.Context) (int64, error)
	TrimToSize(ctx context.Context, max int64) (int, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// Requeuer sends a dead letter's event back through the queue.
type Requeuer interface {
	Enqueue(ctx context.Context, envelope *audit.DeliveryEnvelope) (string, error)
}

// DeadLetterConfig tunes retention and alerting for the terminal failure
// path.
type DeadLetterConfig struct {
	QueueName        string
	MaxRetentionDays int
	AlertThreshold   int64
	// AlertRatePerMinute alerts on additions per minute regardless of the
	// absolute store size. Zero disables the rate trigger.
	AlertRatePerMinute float64
	MaxSize            int64
	AlertInterval      time.Duration
	PurgeInterval      time.Duration
}

// DefaultDeadLetterConfig returns production defaults for the named queue.
func DefaultDeadLetterConfig(queueName string) DeadLetterConfig {
	return DeadLetterConfig{
		QueueName:          queueName,
		MaxRetentionDays:   14,
		AlertThreshold:     100,
		AlertRatePerMinute: 30,
		MaxSize:            10000,
		AlertInterval:      5 * time.Minute,
		PurgeInterval:      time.Hour,
	}
}

// DeadLetterAlert is delivered to the alert callback when the store crosses
// its size threshold or the addition rate crosses the rate threshold.
// RateThreshold is set only when the rate trigger fired.
type DeadLetterAlert struct {
	QueueName     string                  `json:"queue_name"`
	Size          int64                   `json:"size"`
	Threshold     int64                   `json:"threshold"`
	RatePerMinute float64                 `json:"rate_per_minute,omitempty"`
	RateThreshold float64                 `json:"rate_threshold,omitempty"`
	Record        *audit.DeadLetterRecord `json:"record,omitempty"`
	At            time.Time               `json:"at"`
}

// AlertFunc receives threshold alerts. Callbacks run on the processing
// goroutine and must not block.
type AlertFunc func(alert DeadLetterAlert)

// growthWindow is the sliding window used for the additions-per-minute rate
// the health score consumes. rateWarmup is the minimum window age before the
// rate is trusted for alerting; younger windows extrapolate a single burst
// into an inflated per-minute figure.
const (
	growthWindow = 10 * time.Minute
	rateWarmup   = time.Minute
)

// DeadLetterHandler owns the terminal failure path: persisting exhausted
// deliveries, enforcing retention and size caps, raising threshold alerts,
// and requeueing records an operator wants retried.
type DeadLetterHandler struct {
	store   DeadLetterStore
	requeue Requeuer
	cfg     DeadLetterConfig
	logger  *zap.Logger
	onAlert AlertFunc
	limiter *rate.Limiter

	mu          sync.Mutex
	windowStart time.Time
	windowAdds  int64
}

// NewDeadLetterHandler wires the handler. onAlert may be nil; threshold
// breaches are then only logged.
func NewDeadLetterHandler(store DeadLetterStore, requeue Requeuer, cfg DeadLetterConfig, onAlert AlertFunc, logger *zap.Logger) *DeadLetterHandler {
	if cfg.QueueName == "" {
		cfg.QueueName = "audit-events"
	}
	if cfg.MaxRetentionDays <= 0 {
		cfg.MaxRetentionDays = 14
	}
	if cfg.AlertInterval <= 0 {
		cfg.AlertInterval = 5 * time.Minute
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = time.Hour
	}

	return &DeadLetterHandler{
		store:       store,
		requeue:     requeue,
		cfg:         cfg,
		logger:      logger.Named("dlq"),
		onAlert:     onAlert,
		limiter:     rate.NewLimiter(rate.Every(cfg.AlertInterval), 1),
		windowStart: time.Now(),
	}
}

// Add converts the exhausted envelope into a dead-letter record and persists
// it. The addition is logged at error level because every one of them is a
// lost-until-operator-acts audit event.
func (h *DeadLetterHandler) Add(ctx context.Context, envelope *audit.DeliveryEnvelope, reason string) (*audit.DeadLetterRecord, error) {
	record := envelope.ToDeadLetter(h.cfg.QueueName, reason, time.Now().UTC())

	if err := h.store.Add(ctx, record); err != nil {
		return nil, err
	}
	h.recordAddition()

	h.logger.Error("audit event dead-lettered",
		zap.String("event_id", record.OriginalEvent.ID.String()),
		zap.String("record_id", record.ID.String()),
		zap.String("reason", reason),
		zap.Int("failure_count", record.FailureCount),
		zap.String("queue", h.cfg.QueueName),
	)

	if h.cfg.MaxSize > 0 {
		if trimmed, err := h.store.TrimToSize(ctx, h.cfg.MaxSize); err != nil {
			h.logger.Warn("dead letter size cap enforcement failed", zap.Error(err))
		} else if trimmed > 0 {
			h.logger.Warn("dead letter store at capacity, dropped oldest records",
				zap.Int("dropped", trimmed),
				zap.Int64("max_size", h.cfg.MaxSize),
			)
		}
	}

	h.checkThreshold(ctx, record)
	return record, nil
}

func (h *DeadLetterHandler) checkThreshold(ctx context.Context, record *audit.DeadLetterRecord) {
	if h.cfg.AlertThreshold <= 0 && h.cfg.AlertRatePerMinute <= 0 {
		return
	}
	size, err := h.store.Count(ctx)
	if err != nil {
		h.logger.Warn("dead letter threshold check failed", zap.Error(err))
		return
	}

	growth, seasoned := h.growthSample()
	sizeBreached := h.cfg.AlertThreshold > 0 && size >= h.cfg.AlertThreshold
	rateBreached := h.cfg.AlertRatePerMinute > 0 && seasoned && growth >= h.cfg.AlertRatePerMinute
	if !sizeBreached && !rateBreached {
		return
	}
	if !h.limiter.Allow() {
		return
	}

	alert := DeadLetterAlert{
		QueueName:     h.cfg.QueueName,
		Size:          size,
		Threshold:     h.cfg.AlertThreshold,
		RatePerMinute: growth,
		Record:        record,
		At:            time.Now().UTC(),
	}
	if rateBreached {
		alert.RateThreshold = h.cfg.AlertRatePerMinute
	}
	h.logger.Warn("dead letter queue above threshold",
		zap.Int64("size", size),
		zap.Int64("threshold", h.cfg.AlertThreshold),
		zap.Float64("rate_per_minute", growth),
		zap.Float64("rate_threshold", h.cfg.AlertRatePerMinute),
		zap.Bool("size_breached", sizeBreached),
		zap.Bool("rate_breached", rateBreached),
		zap.String("queue", h.cfg.QueueName),
	)
	if h.onAlert != nil {
		h.onAlert(alert)
	}
}

// Requeue sends a record's event back through the queue as a fresh delivery
// and removes the record. The new delivery starts with a clean retry budget.
func (h *DeadLetterHandler) Requeue(ctx context.Context, id uuid.UUID) (string, error) {
	if h.requeue == nil {
		return "", apperrors.NewInternalError("dead letter handler has no queue to requeue into")
	}

	record, err := h.store.Get(ctx, id)
	if err != nil {
		return "", err
	}

	jobID, err := h.requeue.Enqueue(ctx, audit.NewDeliveryEnvelope(record.OriginalEvent))
	if err != nil {
		return "", err
	}

	if err := h.store.Remove(ctx, id); err != nil {
		// The event is back in flight; a leftover record is the safe failure.
		h.logger.Warn("requeued dead letter record could not be removed",
			zap.String("record_id", id.String()),
			zap.Error(err),
		)
	}

	h.logger.Info("dead letter record requeued",
		zap.String("record_id", id.String()),
		zap.String("event_id", record.OriginalEvent.ID.String()),
		zap.String("job_id", jobID),
	)
	return jobID, nil
}

// List returns up to limit records, newest first.
func (h *DeadLetterHandler) List(ctx context.Context, limit int64) ([]*audit.DeadLetterRecord, error) {
	return h.store.List(ctx, limit)
}

// Get fetches one record.
func (h *DeadLetterHandler) Get(ctx context.Context, id uuid.UUID) (*audit.DeadLetterRecord, error) {
	return h.store.Get(ctx, id)
}

// Count reports the store size.
func (h *DeadLetterHandler) Count(ctx context.Context) (int64, error) {
	return h.store.Count(ctx)
}

// PurgeExpired drops records older than the retention window.
func (h *DeadLetterHandler) PurgeExpired(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -h.cfg.MaxRetentionDays)
	purged, err := h.store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		h.logger.Info("purged expired dead letter records",
			zap.Int("purged", purged),
			zap.Time("cutoff", cutoff),
		)
	}
	return purged, nil
}

// StartRetentionLoop purges expired records on a fixed cadence until ctx
// ends.
func (h *DeadLetterHandler) StartRetentionLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.PurgeInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := h.PurgeExpired(ctx); err != nil {
					h.logger.Warn("dead letter retention purge failed", zap.Error(err))
				}
			}
		}
	}()
}

func (h *DeadLetterHandler) recordAddition() {
	now := time.Now()
	h.mu.Lock()
	if now.Sub(h.windowStart) > growthWindow {
		h.windowStart = now
		h.windowAdds = 0
	}
	h.windowAdds++
	h.mu.Unlock()
}

// GrowthRate reports recent dead-letter additions per minute. The processor
// folds this into its health score.
func (h *DeadLetterHandler) GrowthRate() float64 {
	growth, _ := h.growthSample()
	return growth
}

// growthSample returns the additions-per-minute rate and whether the window
// is old enough for the rate to drive alerting.
func (h *DeadLetterHandler) growthSample() (float64, bool) {
	h.mu.Lock()
	elapsed := time.Since(h.windowStart)
	adds := h.windowAdds
	h.mu.Unlock()

	if elapsed > growthWindow {
		return 0, false
	}
	if elapsed < time.Second {
		elapsed = time.Second
	}
	return float64(adds) / elapsed.Minutes(), elapsed >= rateWarmup
}
