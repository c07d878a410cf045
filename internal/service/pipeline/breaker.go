package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	apperrors "github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
)

// Breaker state names as reported by State and BreakerMetrics.
const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
)

// stateHistoryLimit bounds the transition log kept for diagnostics.
const stateHistoryLimit = 32

// BreakerSettings tunes when the breaker trips and how long it stays open.
// The breaker opens only once it has seen MinimumThroughput requests in the
// current counting window and FailureThreshold consecutive failures.
type BreakerSettings struct {
	Name              string
	FailureThreshold  int
	MinimumThroughput int
	RecoveryTimeout   time.Duration
	CountWindow       time.Duration
}

// DefaultBreakerSettings returns production defaults for the named breaker.
func DefaultBreakerSettings(name string) BreakerSettings {
	return BreakerSettings{
		Name:              name,
		FailureThreshold:  5,
		MinimumThroughput: 10,
		RecoveryTimeout:   30 * time.Second,
		CountWindow:       time.Minute,
	}
}

// StateChange records one breaker transition.
type StateChange struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

// BreakerMetrics is a point-in-time snapshot of breaker activity. Counters
// are cumulative for the life of the process, unlike the windowed counts that
// drive the trip decision.
type BreakerMetrics struct {
	Name            string        `json:"name"`
	State           string        `json:"state"`
	TotalRequests   int64         `json:"total_requests"`
	TotalSuccesses  int64         `json:"total_successes"`
	TotalFailures   int64         `json:"total_failures"`
	Rejections      int64         `json:"rejections"`
	FailureRate     float64       `json:"failure_rate"`
	LastStateChange time.Time     `json:"last_state_change"`
	OpenedAt        *time.Time    `json:"opened_at,omitempty"`
	StateHistory    []StateChange `json:"state_history,omitempty"`
}

// Breaker shields a downstream dependency from sustained failure. Work runs
// through Execute; when the breaker is open, calls fail immediately with a
// CIRCUIT_OPEN error and the caller is expected to redeliver after
// RecoveryTimeout rather than retry in place.
type Breaker struct {
	name     string
	settings BreakerSettings
	cb       *gobreaker.CircuitBreaker
	logger   *zap.Logger

	requests   atomic.Int64
	successes  atomic.Int64
	failures   atomic.Int64
	rejections atomic.Int64

	mu         sync.Mutex
	history    []StateChange
	lastChange time.Time
	openedAt   *time.Time
}

// NewBreaker builds a breaker from settings, applying defaults for anything
// unset.
func NewBreaker(settings BreakerSettings, logger *zap.Logger) *Breaker {
	if settings.Name == "" {
		settings.Name = "audit-pipeline"
	}
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 5
	}
	if settings.MinimumThroughput <= 0 {
		settings.MinimumThroughput = 10
	}
	if settings.RecoveryTimeout <= 0 {
		settings.RecoveryTimeout = 30 * time.Second
	}
	if settings.CountWindow <= 0 {
		settings.CountWindow = time.Minute
	}

	b := &Breaker{
		name:       settings.Name,
		settings:   settings,
		logger:     logger.Named("breaker"),
		lastChange: time.Now().UTC(),
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: 1,
		Interval:    settings.CountWindow,
		Timeout:     settings.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= uint32(settings.MinimumThroughput) &&
				counts.ConsecutiveFailures >= uint32(settings.FailureThreshold)
		},
		OnStateChange: b.onStateChange,
	})
	return b
}

// Execute runs op through the breaker. Open-state and half-open saturation
// rejections come back as CIRCUIT_OPEN application errors; op's own failures
// pass through unchanged.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, op(ctx)
	})
	if err == nil {
		b.requests.Add(1)
		b.successes.Add(1)
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.rejections.Add(1)
		return apperrors.NewCircuitOpenError(b.name)
	}
	b.requests.Add(1)
	b.failures.Add(1)
	return err
}

// State reports the current breaker state.
func (b *Breaker) State() string {
	return stateName(b.cb.State())
}

// Settings returns the effective settings after defaulting.
func (b *Breaker) Settings() BreakerSettings {
	return b.settings
}

// Metrics snapshots cumulative breaker activity.
func (b *Breaker) Metrics() BreakerMetrics {
	requests := b.requests.Load()
	failures := b.failures.Load()

	var failureRate float64
	if requests > 0 {
		failureRate = float64(failures) / float64(requests)
	}

	b.mu.Lock()
	history := make([]StateChange, len(b.history))
	copy(history, b.history)
	lastChange := b.lastChange
	var openedAt *time.Time
	if b.openedAt != nil {
		t := *b.openedAt
		openedAt = &t
	}
	b.mu.Unlock()

	return BreakerMetrics{
		Name:            b.name,
		State:           b.State(),
		TotalRequests:   requests,
		TotalSuccesses:  b.successes.Load(),
		TotalFailures:   failures,
		Rejections:      b.rejections.Load(),
		FailureRate:     failureRate,
		LastStateChange: lastChange,
		OpenedAt:        openedAt,
		StateHistory:    history,
	}
}

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	now := time.Now().UTC()

	b.mu.Lock()
	b.history = append(b.history, StateChange{From: stateName(from), To: stateName(to), At: now})
	if len(b.history) > stateHistoryLimit {
		b.history = b.history[len(b.history)-stateHistoryLimit:]
	}
	b.lastChange = now
	if to == gobreaker.StateOpen {
		b.openedAt = &now
	} else if to == gobreaker.StateClosed {
		b.openedAt = nil
	}
	b.mu.Unlock()

	switch to {
	case gobreaker.StateOpen:
		b.logger.Warn("circuit breaker opened",
			zap.String("breaker", name),
			zap.String("from", stateName(from)),
			zap.Duration("recovery_timeout", b.settings.RecoveryTimeout),
		)
	case gobreaker.StateClosed:
		b.logger.Info("circuit breaker closed",
			zap.String("breaker", name),
			zap.String("from", stateName(from)),
		)
	default:
		b.logger.Info("circuit breaker half-open, probing",
			zap.String("breaker", name),
		)
	}
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
