package audit

import (
	"time"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
	"github.com/google/uuid"
)

// Status classifies the outcome of the audited action.
type Status string

const (
	StatusAttempt Status = "attempt"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// DataClassification labels the sensitivity of the data the event touches.
// PHI events feed the HIPAA reporting path and are never cached in plaintext
// outside the primary store.
type DataClassification string

const (
	ClassificationPublic       DataClassification = "PUBLIC"
	ClassificationInternal     DataClassification = "INTERNAL"
	ClassificationConfidential DataClassification = "CONFIDENTIAL"
	ClassificationPHI          DataClassification = "PHI"
)

// Defaults applied during ingestion when the producer omits optional fields.
const (
	DefaultEventVersion    = "1.0"
	DefaultRetentionPolicy = "standard"
	HashAlgorithmSHA256    = "SHA-256"
)

// SessionContext captures the client session surrounding the audited action.
type SessionContext struct {
	SessionID   string `json:"sessionId,omitempty"`
	IPAddress   string `json:"ipAddress,omitempty"`
	UserAgent   string `json:"userAgent,omitempty"`
	Geolocation string `json:"geolocation,omitempty"`
}

// Event is a single audit record. The JSON field names are the producer
// contract; they are also what the canonical hash serialization uses, so
// renaming one is a breaking change to integrity verification.
//
// Timestamp is kept as the submitted ISO-8601 string rather than a parsed
// time.Time: the hash covers the exact bytes the producer sent, and a
// parse/re-format round trip ("...000Z" vs "...Z") would make stored hashes
// unverifiable. Use OccurredAt for the parsed value.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Timestamp string    `json:"timestamp"`

	Action string `json:"action"`
	Status Status `json:"status"`

	PrincipalID    string `json:"principalId,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`

	TargetResourceType string `json:"targetResourceType,omitempty"`
	TargetResourceID   string `json:"targetResourceId,omitempty"`

	OutcomeDescription string `json:"outcomeDescription,omitempty"`

	DataClassification DataClassification `json:"dataClassification"`
	RetentionPolicy    string             `json:"retentionPolicy"`

	EventVersion  string `json:"eventVersion"`
	HashAlgorithm string `json:"hashAlgorithm"`
	CorrelationID string `json:"correlationId,omitempty"`

	SessionContext *SessionContext `json:"sessionContext,omitempty"`

	// Producer-side telemetry, optional.
	ProcessingLatencyMs *float64 `json:"processingLatency,omitempty"`
	QueueDepth          *int     `json:"queueDepth,omitempty"`

	// Free-form producer fields, depth-limited by the validator.
	CustomFields map[string]interface{} `json:"customFields,omitempty"`

	// Cryptographic integrity, set by the integrity service.
	Hash      string `json:"hash,omitempty"`
	Signature string `json:"signature,omitempty"`

	// Set once the hash is computed; hashed fields are frozen afterwards.
	sealed bool `json:"-"`
}

// NewEvent creates a minimally valid event with ingestion defaults applied.
func NewEvent(action string, status Status) (*Event, error) {
	if action == "" {
		return nil, errors.NewValidationError("MISSING_ACTION", "action is required")
	}
	if err := validateStatus(status); err != nil {
		return nil, errors.NewValidationError("INVALID_STATUS",
			"status must be attempt, success or failure").WithCause(err)
	}

	return &Event{
		ID:                 uuid.New(),
		Timestamp:          time.Now().UTC().Format(time.RFC3339Nano),
		Action:             action,
		Status:             status,
		DataClassification: ClassificationInternal,
		RetentionPolicy:    DefaultRetentionPolicy,
		EventVersion:       DefaultEventVersion,
		HashAlgorithm:      HashAlgorithmSHA256,
	}, nil
}

// ApplyDefaults fills the fields ingestion guarantees for every stored event.
// It never overwrites values the producer supplied.
func (e *Event) ApplyDefaults() {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.DataClassification == "" {
		e.DataClassification = ClassificationInternal
	}
	if e.RetentionPolicy == "" {
		e.RetentionPolicy = DefaultRetentionPolicy
	}
	if e.EventVersion == "" {
		e.EventVersion = DefaultEventVersion
	}
	if e.HashAlgorithm == "" {
		e.HashAlgorithm = HashAlgorithmSHA256
	}
}

// OccurredAt parses the event timestamp. The validator guarantees the format
// for events that passed ingestion; events from other sources may fail here.
func (e *Event) OccurredAt() (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return time.Time{}, errors.NewFieldValidationError("timestamp", "INVALID_FORMAT",
			"timestamp is not ISO-8601 with timezone", e.Timestamp).WithCause(err)
	}
	return t, nil
}

// Seal records the computed hash (and optional signature) and freezes the
// event. Sealing twice is an integrity violation, not a merge.
func (e *Event) Seal(hash, signature string) error {
	if e.sealed {
		return errors.NewConflictError("event is already sealed")
	}
	if hash == "" {
		return errors.NewValidationError("MISSING_HASH", "cannot seal event without hash")
	}
	e.Hash = hash
	e.Signature = signature
	e.sealed = true
	return nil
}

// IsSealed reports whether the hash has been computed and the event frozen.
func (e *Event) IsSealed() bool {
	return e.sealed
}

// IsPHI reports whether the event touches protected health information.
func (e *Event) IsPHI() bool {
	return e.DataClassification == ClassificationPHI
}

// HasPrincipal reports whether the event is attributable to a person,
// which is what makes it GDPR-relevant.
func (e *Event) HasPrincipal() bool {
	return e.PrincipalID != ""
}

// Validate checks the structural invariants that must hold for any event,
// independent of the configurable ingestion rules in Validator.
func (e *Event) Validate() error {
	if e.Timestamp == "" {
		return errors.NewFieldValidationError("timestamp", "REQUIRED", "timestamp is required", nil)
	}
	if _, err := e.OccurredAt(); err != nil {
		return err
	}
	if e.Action == "" {
		return errors.NewFieldValidationError("action", "REQUIRED", "action is required", nil)
	}
	if err := validateStatus(e.Status); err != nil {
		return errors.NewFieldValidationError("status", "INVALID_ENUM",
			"status must be attempt, success or failure", string(e.Status)).WithCause(err)
	}
	if err := validateClassification(e.DataClassification); err != nil {
		return errors.NewFieldValidationError("dataClassification", "INVALID_ENUM",
			"unknown data classification", string(e.DataClassification)).WithCause(err)
	}
	if e.HashAlgorithm != "" && e.HashAlgorithm != HashAlgorithmSHA256 {
		return errors.ErrUnsupportedHash
	}
	if e.sealed && e.Hash == "" {
		return errors.NewValidationError("MISSING_HASH", "sealed event must carry a hash")
	}
	return nil
}

// Clone creates a deep copy. The clone is unsealed and must be re-hashed
// before storage.
func (e *Event) Clone() *Event {
	clone := &Event{
		ID:                 e.ID,
		Timestamp:          e.Timestamp,
		Action:             e.Action,
		Status:             e.Status,
		PrincipalID:        e.PrincipalID,
		OrganizationID:     e.OrganizationID,
		TargetResourceType: e.TargetResourceType,
		TargetResourceID:   e.TargetResourceID,
		OutcomeDescription: e.OutcomeDescription,
		DataClassification: e.DataClassification,
		RetentionPolicy:    e.RetentionPolicy,
		EventVersion:       e.EventVersion,
		HashAlgorithm:      e.HashAlgorithm,
		CorrelationID:      e.CorrelationID,
		Hash:               e.Hash,
		Signature:          e.Signature,
		sealed:             false,
	}

	if e.SessionContext != nil {
		sc := *e.SessionContext
		clone.SessionContext = &sc
	}
	if e.ProcessingLatencyMs != nil {
		v := *e.ProcessingLatencyMs
		clone.ProcessingLatencyMs = &v
	}
	if e.QueueDepth != nil {
		v := *e.QueueDepth
		clone.QueueDepth = &v
	}
	if e.CustomFields != nil {
		clone.CustomFields = deepCopyMap(e.CustomFields)
	}

	return clone
}

// Helper functions

func validateStatus(status Status) error {
	switch status {
	case StatusAttempt, StatusSuccess, StatusFailure:
		return nil
	default:
		return errors.NewValidationError("INVALID_STATUS",
			"status must be attempt, success or failure")
	}
}

func validateClassification(dc DataClassification) error {
	switch dc {
	case ClassificationPublic, ClassificationInternal, ClassificationConfidential, ClassificationPHI:
		return nil
	default:
		return errors.NewValidationError("INVALID_CLASSIFICATION",
			"data classification must be PUBLIC, INTERNAL, CONFIDENTIAL or PHI")
	}
}

// deepCopyMap copies nested maps and slices so a clone cannot alias the
// original's custom fields. Containers already copied are reused, which
// keeps the copy finite when producer input contains a reference cycle;
// the cycle survives in the clone for the sanitizer to replace.
func deepCopyMap(src map[string]interface{}) map[string]interface{} {
	return deepCopyMapSeen(src, make(map[interface{}]interface{}))
}

func deepCopyMapSeen(src map[string]interface{}, copies map[interface{}]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src))
	copies[identityKey(src)] = dst
	for k, v := range src {
		dst[k] = deepCopyValue(v, copies)
	}
	return dst
}

func deepCopyValue(v interface{}, copies map[interface{}]interface{}) interface{} {
	switch tv := v.(type) {
	case map[string]interface{}:
		if dup, ok := copies[identityKey(tv)]; ok {
			return dup
		}
		return deepCopyMapSeen(tv, copies)
	case []interface{}:
		if dup, ok := copies[identityKey(tv)]; ok {
			return dup
		}
		out := make([]interface{}, len(tv))
		copies[identityKey(tv)] = out
		for i, item := range tv {
			out[i] = deepCopyValue(item, copies)
		}
		return out
	default:
		return v
	}
}
