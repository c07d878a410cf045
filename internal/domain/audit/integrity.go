package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
)

// IntegrityStatus is the verification outcome recorded for a stored event.
type IntegrityStatus string

const (
	IntegrityVerified   IntegrityStatus = "VERIFIED"
	IntegrityFailed     IntegrityStatus = "FAILED"
	IntegrityUnverified IntegrityStatus = "UNVERIFIED"
)

// canonicalEvent is the exact hashed subset of an event. Field order here IS
// the canonical serialization order; json.Marshal emits struct fields in
// declaration order, and changing it invalidates every stored hash.
type canonicalEvent struct {
	Timestamp          string `json:"timestamp"`
	Action             string `json:"action"`
	Status             Status `json:"status"`
	PrincipalID        string `json:"principalId,omitempty"`
	OrganizationID     string `json:"organizationId,omitempty"`
	TargetResourceType string `json:"targetResourceType,omitempty"`
	TargetResourceID   string `json:"targetResourceId,omitempty"`
	OutcomeDescription string `json:"outcomeDescription,omitempty"`
	EventVersion       string `json:"eventVersion,omitempty"`
}

// IntegrityService computes and verifies event hashes and HMAC signatures.
// Stateless and safe for concurrent use.
type IntegrityService struct{}

// NewIntegrityService creates the integrity service.
func NewIntegrityService() *IntegrityService {
	return &IntegrityService{}
}

// CanonicalBytes returns the canonical serialization used for hashing and
// signing. customFields and sessionContext deliberately do not participate.
func (s *IntegrityService) CanonicalBytes(event *Event) ([]byte, error) {
	if event == nil {
		return nil, errors.NewValidationError("MISSING_EVENT", "event is required")
	}
	if event.HashAlgorithm != "" && event.HashAlgorithm != HashAlgorithmSHA256 {
		return nil, errors.ErrUnsupportedHash
	}

	data, err := json.Marshal(canonicalEvent{
		Timestamp:          event.Timestamp,
		Action:             event.Action,
		Status:             event.Status,
		PrincipalID:        event.PrincipalID,
		OrganizationID:     event.OrganizationID,
		TargetResourceType: event.TargetResourceType,
		TargetResourceID:   event.TargetResourceID,
		OutcomeDescription: event.OutcomeDescription,
		EventVersion:       event.EventVersion,
	})
	if err != nil {
		return nil, errors.NewInternalError("failed to build canonical serialization").WithCause(err)
	}
	return data, nil
}

// Hash computes the SHA-256 of the canonical serialization, hex lowercase.
func (s *IntegrityService) Hash(event *Event) (string, error) {
	data, err := s.CanonicalBytes(event)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyHash recomputes the hash and compares in constant time. A malformed
// event yields false rather than an error: verification is a yes/no
// question.
func (s *IntegrityService) VerifyHash(event *Event, expected string) bool {
	if expected == "" {
		return false
	}
	computed, err := s.Hash(event)
	if err != nil {
		return false
	}
	return constantTimeEqualHex(computed, expected)
}

// Sign computes an HMAC-SHA-256 over the canonical serialization.
func (s *IntegrityService) Sign(event *Event, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", errors.NewValidationError("MISSING_SECRET", "signing secret is required")
	}
	data, err := s.CanonicalBytes(event)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifySignature recomputes the HMAC and compares in constant time.
func (s *IntegrityService) VerifySignature(event *Event, signature string, secret []byte) bool {
	if signature == "" || len(secret) == 0 {
		return false
	}
	computed, err := s.Sign(event, secret)
	if err != nil {
		return false
	}
	return constantTimeEqualHex(computed, signature)
}

// SealEvent computes the hash (and, when requested, the signature) and
// freezes the event for storage.
func (s *IntegrityService) SealEvent(event *Event, secret []byte, withSignature bool) error {
	hash, err := s.Hash(event)
	if err != nil {
		return err
	}

	signature := ""
	if withSignature {
		signature, err = s.Sign(event, secret)
		if err != nil {
			return err
		}
	}

	return event.Seal(hash, signature)
}

// CheckEvent verifies a stored event against its recorded hash, returning a
// structured integrity error on mismatch. Events without a hash are not
// failures; they are reported as unverified by Status.
func (s *IntegrityService) CheckEvent(event *Event) error {
	if event.Hash == "" {
		return nil
	}
	computed, err := s.Hash(event)
	if err != nil {
		return err
	}
	if !constantTimeEqualHex(computed, event.Hash) {
		return errors.NewIntegrityError(event.ID.String(), event.Hash, computed)
	}
	return nil
}

// Status classifies a stored event for reporting: VERIFIED, FAILED, or
// UNVERIFIED when no hash was recorded.
func (s *IntegrityService) Status(event *Event) IntegrityStatus {
	if event.Hash == "" {
		return IntegrityUnverified
	}
	if s.VerifyHash(event, event.Hash) {
		return IntegrityVerified
	}
	return IntegrityFailed
}

// constantTimeEqualHex compares two hex digests without early exit. Input
// casing is normalized first so stored uppercase digests still verify.
func constantTimeEqualHex(a, b string) bool {
	return subtle.ConstantTimeCompare(
		[]byte(strings.ToLower(a)),
		[]byte(strings.ToLower(b)),
	) == 1
}
