package ingest

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/audit"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/infrastructure/config"
)

// Enqueuer is the slice of the queue the ingest path needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, envelope *audit.DeliveryEnvelope) (string, error)
	Name() string
}

// Config tunes the producer-facing ingestion screen and sealing behavior.
type Config struct {
	Validation audit.ValidationConfig

	// GenerateHash seals every accepted event with its canonical SHA-256.
	// Disabling it produces unverifiable rows; integrity reports count them
	// as UNVERIFIED.
	GenerateHash bool

	// SigningEnabled adds an HMAC signature over the canonical bytes.
	// Requires a non-empty secret.
	SigningEnabled bool
	SigningSecret  []byte
}

// FromAppConfig maps the application configuration onto the ingest settings.
func FromAppConfig(cfg *config.Config) Config {
	return Config{
		Validation: audit.ValidationConfig{
			MaxStringLength:     cfg.Validation.MaxStringLength,
			MaxCustomFieldDepth: cfg.Validation.MaxCustomFieldDepth,
			KnownEventVersions:  cfg.Validation.KnownEventVersions,
		},
		GenerateHash:   cfg.Security.GenerateHash,
		SigningEnabled: cfg.Security.SigningEnabled,
		SigningSecret:  []byte(cfg.Security.SessionSecret),
	}
}

// SubmitOptions adjusts a single submission.
type SubmitOptions struct {
	// SkipScreening bypasses sanitization and the configurable rules for
	// pre-screened internal producers. Structural validation still runs;
	// nothing unstorable enters the queue.
	SkipScreening bool

	// CorrelationID stamps the event when the producer did not set one.
	CorrelationID string

	// EventVersion overrides the event's schema version before sealing.
	EventVersion string
}

// Ack is the producer's receipt: the event is sealed and durably queued.
type Ack struct {
	EventID  uuid.UUID `json:"eventId"`
	JobID    string    `json:"jobId"`
	Hash     string    `json:"hash,omitempty"`
	Warnings []string  `json:"warnings,omitempty"`
}

// Stats are cumulative ingestion counters since process start.
type Stats struct {
	Submitted       int64 `json:"submitted"`
	Rejected        int64 `json:"rejected"`
	EnqueueFailures int64 `json:"enqueueFailures"`
}

// Service is the producer front door: events are screened, sealed, and
// handed to the durable queue. The producer's event is never mutated; all
// work happens on a deep copy.
type Service struct {
	cfg       Config
	queue     Enqueuer
	validator *audit.Validator
	sanitizer *audit.Sanitizer
	integrity *audit.IntegrityService
	logger    *zap.Logger

	submitted       atomic.Int64
	rejected        atomic.Int64
	enqueueFailures atomic.Int64

	metrics *ingestMetrics
}

type ingestMetrics struct {
	submitted metric.Int64Counter
	rejected  metric.Int64Counter
	failures  metric.Int64Counter
}

// NewService wires the ingestion screen. Signing demands a secret up front;
// a misconfigured producer path must fail at startup, not per event.
func NewService(cfg Config, q Enqueuer, logger *zap.Logger) (*Service, error) {
	if q == nil {
		return nil, errors.NewInternalError("ingest service requires a queue")
	}
	if cfg.SigningEnabled && len(cfg.SigningSecret) == 0 {
		return nil, errors.NewConfigError("security.session_secret",
			"event signing requires a signing secret")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		cfg:       cfg,
		queue:     q,
		validator: audit.NewValidator(cfg.Validation),
		sanitizer: audit.NewSanitizer(cfg.Validation),
		integrity: audit.NewIntegrityService(),
		logger:    logger.Named("ingest"),
	}
	if err := s.initMetrics(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) initMetrics() error {
	meter := otel.Meter("audit.ingest")
	m := &ingestMetrics{}

	var err error
	if m.submitted, err = meter.Int64Counter("audit.ingest.submitted",
		metric.WithDescription("Events accepted and enqueued")); err != nil {
		return err
	}
	if m.rejected, err = meter.Int64Counter("audit.ingest.rejected",
		metric.WithDescription("Events rejected by the ingestion screen")); err != nil {
		return err
	}
	if m.failures, err = meter.Int64Counter("audit.ingest.enqueue_failures",
		metric.WithDescription("Accepted events the queue refused")); err != nil {
		return err
	}

	s.metrics = m
	return nil
}

// Submit screens, seals, and enqueues one event. On success the returned Ack
// carries the broker job id and any screening warnings; the event referenced
// by the envelope is the sealed deep copy, not the caller's value.
func (s *Service) Submit(ctx context.Context, event *audit.Event, opts SubmitOptions) (*Ack, error) {
	if event == nil {
		err := errors.NewValidationError("MISSING_EVENT", "event is required")
		s.reject(ctx, "", err)
		return nil, err
	}

	work := event.Clone()
	if opts.CorrelationID != "" && work.CorrelationID == "" {
		work.CorrelationID = opts.CorrelationID
	}
	if opts.EventVersion != "" {
		work.EventVersion = opts.EventVersion
	}
	work.ApplyDefaults()

	var warnings []string
	if opts.SkipScreening {
		if err := work.Validate(); err != nil {
			s.reject(ctx, work.Action, err)
			return nil, err
		}
	} else {
		sanitized := s.sanitizer.Sanitize(work)
		screened := s.validator.Validate(sanitized.Event)
		if !screened.IsValid {
			err := screened.Err()
			s.reject(ctx, work.Action, err)
			return nil, err
		}
		work = sanitized.Event
		warnings = append(sanitized.Warnings, screened.Warnings...)
	}

	if s.cfg.GenerateHash {
		if err := s.integrity.SealEvent(work, s.cfg.SigningSecret, s.cfg.SigningEnabled); err != nil {
			s.reject(ctx, work.Action, err)
			return nil, err
		}
	}

	jobID, err := s.queue.Enqueue(ctx, audit.NewDeliveryEnvelope(work))
	if err != nil {
		s.enqueueFailures.Add(1)
		s.metrics.failures.Add(ctx, 1)
		s.logger.Error("failed to enqueue audit event",
			zap.String("event_id", work.ID.String()),
			zap.String("queue", s.queue.Name()),
			zap.Error(err),
		)
		return nil, err
	}

	s.submitted.Add(1)
	s.metrics.submitted.Add(ctx, 1)
	s.logger.Debug("audit event enqueued",
		zap.String("event_id", work.ID.String()),
		zap.String("job_id", jobID),
		zap.String("action", work.Action),
		zap.Int("warnings", len(warnings)),
	)

	return &Ack{
		EventID:  work.ID,
		JobID:    jobID,
		Hash:     work.Hash,
		Warnings: warnings,
	}, nil
}

// Stats reports cumulative counters.
func (s *Service) Stats() Stats {
	return Stats{
		Submitted:       s.submitted.Load(),
		Rejected:        s.rejected.Load(),
		EnqueueFailures: s.enqueueFailures.Load(),
	}
}

func (s *Service) reject(ctx context.Context, action string, err error) {
	s.rejected.Add(1)
	s.metrics.rejected.Add(ctx, 1)
	s.logger.Warn("audit event rejected",
		zap.String("action", action),
		zap.Error(err),
	)
}
