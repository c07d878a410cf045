package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/audit"
	apperrors "github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
)

// BackoffStrategy names how the pause between attempts grows.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// Classification kinds with retry semantics. Handlers tag failures with
// WithKind; untagged errors are classified structurally.
const (
	KindConnectionReset      = "connection-reset"
	KindTimeout              = "timeout"
	KindTemporaryUnavailable = "temporary-unavailable"
	KindUnclassified         = "unclassified"
)

// KindError carries an explicit retry classification for a failure.
type KindError struct {
	Kind string
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return e.Kind
	}
	return e.Err.Error()
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// WithKind tags err with a retry classification kind.
func WithKind(kind string, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// RetryPolicy controls how ExecuteWithRetry paces and bounds attempts.
// MaxRetries counts retries after the first attempt, so an operation runs at
// most MaxRetries+1 times.
type RetryPolicy struct {
	MaxRetries      int
	Strategy        BackoffStrategy
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	Jitter          bool
	RetryableErrors []string
}

// DefaultRetryPolicy matches the delivery guarantees expected of the audit
// pipeline: a handful of exponential retries with jitter for transient faults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		Strategy:   BackoffExponential,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Jitter:     true,
		RetryableErrors: []string{
			KindConnectionReset,
			KindTimeout,
			KindTemporaryUnavailable,
		},
	}
}

// RetryResult reports the outcome of an ExecuteWithRetry call with the full
// per-attempt trail.
type RetryResult struct {
	Success  bool
	Err      error
	Attempts []audit.AttemptRecord
}

// ExecuteWithRetry runs op until it succeeds, fails permanently, exhausts the
// policy, or the context ends. Every invocation is recorded, including the
// final failed one.
func ExecuteWithRetry(ctx context.Context, policy RetryPolicy, op func(context.Context) error) RetryResult {
	var result RetryResult

	maxAttempts := policy.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := op(ctx)

		record := audit.AttemptRecord{Attempt: attempt, Timestamp: time.Now().UTC()}
		if err != nil {
			record.Error = err.Error()
		}
		result.Attempts = append(result.Attempts, record)

		if err == nil {
			result.Success = true
			result.Err = nil
			return result
		}
		result.Err = err

		if attempt == maxAttempts || !policy.retryable(err) || ctx.Err() != nil {
			return result
		}

		timer := time.NewTimer(policy.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return result
		case <-timer.C:
		}
	}
	return result
}

// Delay computes the pause before the retry following attempt n (1-based).
// Jitter adds a uniform random slice of up to half the computed delay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	var delay time.Duration
	switch p.Strategy {
	case BackoffFixed:
		delay = base
	case BackoffLinear:
		delay = base * time.Duration(attempt)
	default:
		shift := attempt - 1
		if shift > 30 {
			shift = 30
		}
		delay = base << uint(shift)
	}

	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay < 0) {
		delay = p.MaxDelay
	}
	if p.Jitter && delay > 0 {
		delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))
	}
	return delay
}

// retryable decides whether a failed attempt may be repeated. Context
// cancellation is always terminal; the explicit kind list wins over the
// structural classification.
func (p RetryPolicy) retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	kind := ClassifyError(err)
	for _, k := range p.RetryableErrors {
		if k == kind {
			return true
		}
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// ClassifyError maps an error to its retry classification kind. Explicit
// KindError tags win, then AppError codes, then transport-level inspection.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}

	var kindErr *KindError
	if errors.As(err, &kindErr) {
		return kindErr.Kind
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		if appErr.Details != nil {
			if kind, ok := appErr.Details["kind"].(string); ok && kind != "" {
				return kind
			}
		}
		return appErr.Code
	}

	if errors.Is(err, syscall.ECONNRESET) {
		return KindConnectionReset
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return KindTemporaryUnavailable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection reset"):
		return KindConnectionReset
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return KindTimeout
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "unavailable"):
		return KindTemporaryUnavailable
	}
	return KindUnclassified
}
