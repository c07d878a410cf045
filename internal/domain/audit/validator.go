package audit

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
)

// Validation error codes surfaced in FieldError.Code.
const (
	CodeRequired          = "REQUIRED"
	CodeInvalidFormat     = "INVALID_FORMAT"
	CodeInvalidEnum       = "INVALID_ENUM"
	CodeMaxLength         = "MAX_LENGTH"
	CodeNegativeValue     = "NEGATIVE_VALUE"
	CodeInvalidIP         = "INVALID_IP"
	CodeMaxDepthExceeded  = "MAX_DEPTH_EXCEEDED"
	CodeCircularReference = "CIRCULAR_REFERENCE"
	CodeUnsupportedHash   = "UNSUPPORTED_HASH_ALGORITHM"
)

// ValidationConfig tunes the ingestion rules. Zero values fall back to the
// defaults below so a partially populated config stays usable.
type ValidationConfig struct {
	MaxStringLength     int      `json:"max_string_length"`
	MaxCustomFieldDepth int      `json:"max_custom_field_depth"`
	KnownEventVersions  []string `json:"known_event_versions"`
}

// DefaultValidationConfig returns the production ingestion rules.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxStringLength:     10000,
		MaxCustomFieldDepth: 5,
		KnownEventVersions:  []string{"1.0"},
	}
}

func (c ValidationConfig) withDefaults() ValidationConfig {
	if c.MaxStringLength <= 0 {
		c.MaxStringLength = 10000
	}
	if c.MaxCustomFieldDepth <= 0 {
		c.MaxCustomFieldDepth = 5
	}
	c.KnownEventVersions = normalizeVersionList(c.KnownEventVersions)
	if len(c.KnownEventVersions) == 0 {
		c.KnownEventVersions = []string{"1.0"}
	}
	return c
}

// FieldError is a single validation failure with enough context for the
// producer to fix its payload.
type FieldError struct {
	Field   string      `json:"field"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// ValidationResult aggregates all failures and warnings for one event.
// Warnings never affect IsValid.
type ValidationResult struct {
	IsValid  bool         `json:"is_valid"`
	Errors   []FieldError `json:"errors,omitempty"`
	Warnings []string     `json:"warnings,omitempty"`
}

// Err converts the result into a single error for callers that cannot carry
// a structured result across their boundary. Returns nil when valid.
func (r ValidationResult) Err() error {
	if r.IsValid {
		return nil
	}
	first := r.Errors[0]
	return errors.NewFieldValidationError(first.Field, first.Code, first.Message, first.Value).
		WithDetail("error_count", len(r.Errors))
}

// Validator applies the configurable ingestion rules to incoming events.
// Safe for concurrent use.
type Validator struct {
	config   ValidationConfig
	validate *validator.Validate
}

// NewValidator creates a validator with the given rules.
func NewValidator(config ValidationConfig) *Validator {
	return &Validator{
		config:   config.withDefaults(),
		validate: validator.New(),
	}
}

// Validate checks the event against the ingestion rules without modifying
// it. All failures are collected, not just the first.
func (v *Validator) Validate(event *Event) ValidationResult {
	result := ValidationResult{IsValid: true}
	if event == nil {
		result.addError("event", CodeRequired, "event is required", nil)
		return result
	}

	v.validateTimestamp(event, &result)
	v.validateAction(event, &result)
	v.validateStatus(event, &result)
	v.validateClassification(event, &result)
	v.validateHashAlgorithm(event, &result)
	v.validateBoundedStrings(event, &result)
	v.validateTelemetry(event, &result)
	v.validateSession(event, &result)
	v.validateCustomFields(event, &result)
	v.checkEventVersion(event, &result)

	return result
}

func (r *ValidationResult) addError(field, code, message string, value interface{}) {
	r.IsValid = false
	r.Errors = append(r.Errors, FieldError{Field: field, Code: code, Message: message, Value: value})
}

func (r *ValidationResult) addWarning(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (v *Validator) validateTimestamp(event *Event, result *ValidationResult) {
	if event.Timestamp == "" {
		result.addError("timestamp", CodeRequired, "timestamp is required", nil)
		return
	}
	if _, err := time.Parse(time.RFC3339Nano, event.Timestamp); err != nil {
		result.addError("timestamp", CodeInvalidFormat,
			"timestamp must be ISO-8601 with timezone", event.Timestamp)
	}
}

func (v *Validator) validateAction(event *Event, result *ValidationResult) {
	if event.Action == "" {
		result.addError("action", CodeRequired, "action is required", nil)
		return
	}
	v.checkLength("action", event.Action, result)
}

func (v *Validator) validateStatus(event *Event, result *ValidationResult) {
	if event.Status == "" {
		result.addError("status", CodeRequired, "status is required", nil)
		return
	}
	if err := validateStatus(event.Status); err != nil {
		result.addError("status", CodeInvalidEnum,
			"status must be attempt, success or failure", string(event.Status))
	}
}

func (v *Validator) validateClassification(event *Event, result *ValidationResult) {
	if event.DataClassification == "" {
		return // defaulted at ingestion
	}
	if err := validateClassification(event.DataClassification); err != nil {
		result.addError("dataClassification", CodeInvalidEnum,
			"data classification must be PUBLIC, INTERNAL, CONFIDENTIAL or PHI",
			string(event.DataClassification))
	}
}

func (v *Validator) validateHashAlgorithm(event *Event, result *ValidationResult) {
	if event.HashAlgorithm == "" || event.HashAlgorithm == HashAlgorithmSHA256 {
		return
	}
	result.addError("hashAlgorithm", CodeUnsupportedHash,
		"only SHA-256 is supported", event.HashAlgorithm)
}

func (v *Validator) validateBoundedStrings(event *Event, result *ValidationResult) {
	v.checkLength("principalId", event.PrincipalID, result)
	v.checkLength("organizationId", event.OrganizationID, result)
	v.checkLength("targetResourceType", event.TargetResourceType, result)
	v.checkLength("targetResourceId", event.TargetResourceID, result)
	v.checkLength("outcomeDescription", event.OutcomeDescription, result)
	v.checkLength("retentionPolicy", event.RetentionPolicy, result)
	v.checkLength("eventVersion", event.EventVersion, result)
	v.checkLength("correlationId", event.CorrelationID, result)
}

func (v *Validator) validateTelemetry(event *Event, result *ValidationResult) {
	if event.ProcessingLatencyMs != nil && *event.ProcessingLatencyMs < 0 {
		result.addError("processingLatency", CodeNegativeValue,
			"processing latency cannot be negative", *event.ProcessingLatencyMs)
	}
	if event.QueueDepth != nil && *event.QueueDepth < 0 {
		result.addError("queueDepth", CodeNegativeValue,
			"queue depth cannot be negative", *event.QueueDepth)
	}
}

func (v *Validator) validateSession(event *Event, result *ValidationResult) {
	sc := event.SessionContext
	if sc == nil {
		return
	}
	v.checkLength("sessionContext.sessionId", sc.SessionID, result)
	v.checkLength("sessionContext.userAgent", sc.UserAgent, result)
	v.checkLength("sessionContext.geolocation", sc.Geolocation, result)

	if sc.IPAddress != "" {
		v.checkLength("sessionContext.ipAddress", sc.IPAddress, result)
		if err := v.validate.Var(sc.IPAddress, "ip"); err != nil {
			result.addError("sessionContext.ipAddress", CodeInvalidIP,
				"ipAddress must be valid IPv4 or IPv6", sc.IPAddress)
		}
	}
}

func (v *Validator) validateCustomFields(event *Event, result *ValidationResult) {
	if len(event.CustomFields) == 0 {
		return
	}

	depth, cyclic := measureDepth(event.CustomFields)
	if cyclic {
		result.addError("customFields", CodeCircularReference,
			"customFields contains a circular reference", nil)
		return
	}
	if depth > v.config.MaxCustomFieldDepth {
		result.addError("customFields", CodeMaxDepthExceeded,
			fmt.Sprintf("customFields nesting depth %d exceeds maximum %d",
				depth, v.config.MaxCustomFieldDepth), depth)
	}

	v.checkNestedStrings("customFields", event.CustomFields, result)
}

// checkNestedStrings enforces the string length bound inside custom fields.
// Only called after the cycle check passed, so the walk terminates.
func (v *Validator) checkNestedStrings(path string, value interface{}, result *ValidationResult) {
	switch tv := value.(type) {
	case string:
		v.checkLength(path, tv, result)
	case map[string]interface{}:
		for k, item := range tv {
			v.checkNestedStrings(path+"."+k, item, result)
		}
	case []interface{}:
		for i, item := range tv {
			v.checkNestedStrings(fmt.Sprintf("%s[%d]", path, i), item, result)
		}
	}
}

func (v *Validator) checkEventVersion(event *Event, result *ValidationResult) {
	if event.EventVersion == "" {
		return
	}
	for _, known := range v.config.KnownEventVersions {
		if event.EventVersion == known {
			return
		}
	}
	result.addWarning("eventVersion %q is not a known version", event.EventVersion)
}

func (v *Validator) checkLength(field, value string, result *ValidationResult) {
	if value == "" {
		return
	}
	if err := v.validate.Var(value, fmt.Sprintf("max=%d", v.config.MaxStringLength)); err != nil {
		result.addError(field, CodeMaxLength,
			fmt.Sprintf("%s exceeds maximum length %d", field, v.config.MaxStringLength),
			truncateForReport(value))
	}
}

// truncateForReport keeps error payloads small when the offending value is
// itself the problem.
func truncateForReport(value string) string {
	const max = 64
	if len(value) <= max {
		return value
	}
	return value[:max] + "..."
}

// measureDepth returns the container nesting depth of a custom field value
// and whether a cycle was found. A flat map has depth 1.
func measureDepth(value interface{}) (int, bool) {
	return measureDepthSeen(value, make(map[interface{}]bool))
}

func measureDepthSeen(value interface{}, seen map[interface{}]bool) (int, bool) {
	switch tv := value.(type) {
	case map[string]interface{}:
		key := identityKey(tv)
		if seen[key] {
			return 0, true
		}
		seen[key] = true
		defer delete(seen, key)

		max := 0
		for _, item := range tv {
			d, cyclic := measureDepthSeen(item, seen)
			if cyclic {
				return 0, true
			}
			if d > max {
				max = d
			}
		}
		return max + 1, false
	case []interface{}:
		key := identityKey(tv)
		if seen[key] {
			return 0, true
		}
		seen[key] = true
		defer delete(seen, key)

		max := 0
		for _, item := range tv {
			d, cyclic := measureDepthSeen(item, seen)
			if cyclic {
				return 0, true
			}
			if d > max {
				max = d
			}
		}
		return max + 1, false
	default:
		return 0, false
	}
}

// identityKey produces a comparable identity for maps and slices so walkers
// can detect revisits without reflect.DeepEqual.
func identityKey(value interface{}) interface{} {
	switch tv := value.(type) {
	case map[string]interface{}:
		return fmt.Sprintf("m:%p", tv)
	case []interface{}:
		return fmt.Sprintf("s:%p", tv)
	default:
		return value
	}
}

// normalizeVersionList trims whitespace so config-sourced lists compare
// cleanly.
func normalizeVersionList(versions []string) []string {
	out := make([]string, 0, len(versions))
	for _, v := range versions {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
