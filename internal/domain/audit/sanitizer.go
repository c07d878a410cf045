package audit

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Markers embedded by the sanitizer. Both are stable so downstream consumers
// can detect repaired values.
const (
	TruncationMarker = "...[TRUNCATED]"
	CycleMarker      = "[CIRCULAR_REFERENCE]"
)

var (
	scriptBlockRe = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	scriptOpenRe  = regexp.MustCompile(`(?i)<script[^>]*>`)
	jsSchemeRe    = regexp.MustCompile(`(?i)javascript\s*:`)

	// Keys that would be interpreted specially by loosely typed consumers of
	// the details column. Dropped at every nesting level.
	reservedKeys = map[string]bool{
		"__proto__":   true,
		"constructor": true,
		"prototype":   true,
	}
)

// SanitizeResult carries the repaired copy of an event. The input event is
// never mutated.
type SanitizeResult struct {
	Event    *Event   `json:"event"`
	Modified bool     `json:"modified"`
	Warnings []string `json:"warnings,omitempty"`
}

// Sanitizer repairs untrusted producer input. It never rejects: anything it
// cannot keep verbatim is stripped, escaped, truncated or replaced with a
// marker, and every change surfaces as a warning.
//
// Sanitization is idempotent: running it on its own output is a no-op.
type Sanitizer struct {
	config ValidationConfig
}

// NewSanitizer creates a sanitizer with the given limits.
func NewSanitizer(config ValidationConfig) *Sanitizer {
	return &Sanitizer{config: config.withDefaults()}
}

// Sanitize returns a repaired deep copy of the event.
func (s *Sanitizer) Sanitize(event *Event) SanitizeResult {
	result := SanitizeResult{}
	if event == nil {
		return result
	}

	out := event.Clone()

	s.cleanField(&out.Action, "action", false, &result)
	s.cleanField(&out.PrincipalID, "principalId", false, &result)
	s.cleanField(&out.OrganizationID, "organizationId", false, &result)
	s.cleanField(&out.TargetResourceType, "targetResourceType", false, &result)
	s.cleanField(&out.TargetResourceID, "targetResourceId", false, &result)
	s.cleanField(&out.OutcomeDescription, "outcomeDescription", true, &result)
	s.cleanField(&out.RetentionPolicy, "retentionPolicy", false, &result)
	s.cleanField(&out.CorrelationID, "correlationId", false, &result)

	s.normalizeClassification(out, &result)
	s.sanitizeSession(out, &result)
	s.sanitizeCustomFields(out, &result)

	result.Event = out
	return result
}

// cleanField applies the string pipeline in place and records what changed.
func (s *Sanitizer) cleanField(value *string, field string, encodeQuotes bool, result *SanitizeResult) {
	if *value == "" {
		return
	}
	cleaned, changes := s.cleanString(*value, encodeQuotes)
	if len(changes) == 0 {
		return
	}
	*value = cleaned
	result.Modified = true
	for _, change := range changes {
		result.Warnings = append(result.Warnings, field+": "+change)
	}
}

// cleanString is the per-string pipeline: control byte removal, script
// stripping, angle bracket escaping, optional quote encoding, truncation.
// The order matters: escaping runs after stripping so fragments that
// reassemble into script tags are neutralized, and truncation runs last so
// the marker survives.
func (s *Sanitizer) cleanString(value string, encodeQuotes bool) (string, []string) {
	var changes []string

	cleaned := removeControlBytes(value)
	if cleaned != value {
		changes = append(changes, "control_characters_removed")
	}

	next := scriptBlockRe.ReplaceAllString(cleaned, "")
	next = scriptOpenRe.ReplaceAllString(next, "")
	next = jsSchemeRe.ReplaceAllString(next, "")
	if next != cleaned {
		changes = append(changes, "script_payload_removed")
		cleaned = next
	}

	if strings.ContainsAny(cleaned, "<>") {
		cleaned = strings.ReplaceAll(cleaned, "<", "&lt;")
		cleaned = strings.ReplaceAll(cleaned, ">", "&gt;")
		changes = append(changes, "html_escaped")
	}

	if encodeQuotes && strings.ContainsAny(cleaned, `"'`) {
		cleaned = strings.ReplaceAll(cleaned, `"`, "&quot;")
		cleaned = strings.ReplaceAll(cleaned, "'", "&#39;")
		changes = append(changes, "quotes_encoded")
	}

	if len(cleaned) > s.config.MaxStringLength {
		cleaned = truncateWithMarker(cleaned, s.config.MaxStringLength)
		changes = append(changes, "truncated")
	}

	return cleaned, changes
}

func (s *Sanitizer) normalizeClassification(event *Event, result *SanitizeResult) {
	if event.DataClassification == "" {
		return
	}
	normalized := DataClassification(strings.ToUpper(strings.TrimSpace(string(event.DataClassification))))
	if normalized != event.DataClassification {
		event.DataClassification = normalized
		result.Modified = true
		result.Warnings = append(result.Warnings, "dataClassification: classification_normalized")
	}
}

func (s *Sanitizer) sanitizeSession(event *Event, result *SanitizeResult) {
	sc := event.SessionContext
	if sc == nil {
		return
	}

	s.cleanField(&sc.SessionID, "sessionContext.sessionId", false, result)
	s.cleanField(&sc.UserAgent, "sessionContext.userAgent", false, result)
	s.cleanField(&sc.Geolocation, "sessionContext.geolocation", false, result)
	s.cleanField(&sc.IPAddress, "sessionContext.ipAddress", false, result)

	if normalized, ok := normalizeIPv4(sc.IPAddress); ok && normalized != sc.IPAddress {
		sc.IPAddress = normalized
		result.Modified = true
		result.Warnings = append(result.Warnings, "sessionContext.ipAddress: ip_normalized")
	}
}

func (s *Sanitizer) sanitizeCustomFields(event *Event, result *SanitizeResult) {
	if len(event.CustomFields) == 0 {
		return
	}
	sanitized := s.sanitizeMap("customFields", event.CustomFields, make(map[interface{}]bool), result)
	event.CustomFields = sanitized
}

// sanitizeMap rebuilds a custom field map, dropping reserved keys and
// replacing revisited containers with a cycle marker.
func (s *Sanitizer) sanitizeMap(path string, src map[string]interface{}, seen map[interface{}]bool, result *SanitizeResult) map[string]interface{} {
	key := identityKey(src)
	seen[key] = true
	defer delete(seen, key)

	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		if reservedKeys[k] {
			result.Modified = true
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s.%s: reserved_key_removed", path, k))
			continue
		}

		cleanedKey, keyChanges := s.cleanString(k, false)
		if len(keyChanges) > 0 {
			result.Modified = true
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s.%s: key_sanitized", path, k))
		}
		if cleanedKey == "" {
			continue
		}

		dst[cleanedKey] = s.sanitizeValue(path+"."+cleanedKey, v, seen, result)
	}
	return dst
}

func (s *Sanitizer) sanitizeValue(path string, value interface{}, seen map[interface{}]bool, result *SanitizeResult) interface{} {
	switch tv := value.(type) {
	case string:
		cleaned, changes := s.cleanString(tv, false)
		if len(changes) > 0 {
			result.Modified = true
			for _, change := range changes {
				result.Warnings = append(result.Warnings, path+": "+change)
			}
		}
		return cleaned
	case map[string]interface{}:
		if seen[identityKey(tv)] {
			result.Modified = true
			result.Warnings = append(result.Warnings, path+": circular_reference_removed")
			return CycleMarker
		}
		return s.sanitizeMap(path, tv, seen, result)
	case []interface{}:
		if seen[identityKey(tv)] {
			result.Modified = true
			result.Warnings = append(result.Warnings, path+": circular_reference_removed")
			return CycleMarker
		}
		key := identityKey(tv)
		seen[key] = true
		defer delete(seen, key)

		out := make([]interface{}, len(tv))
		for i, item := range tv {
			out[i] = s.sanitizeValue(fmt.Sprintf("%s[%d]", path, i), item, seen, result)
		}
		return out
	default:
		return value
	}
}

// ValidateAndSanitizeResult is the combined ingestion screen: sanitize
// first, then validate the repaired copy.
type ValidateAndSanitizeResult struct {
	IsValid  bool         `json:"is_valid"`
	Event    *Event       `json:"event,omitempty"`
	Errors   []FieldError `json:"errors,omitempty"`
	Warnings []string     `json:"warnings,omitempty"`
}

// ValidateAndSanitize sanitizes the event and validates the result. Event
// carries the sanitized deep copy and is set only when validation passed.
func ValidateAndSanitize(event *Event, config ValidationConfig) ValidateAndSanitizeResult {
	sanitizer := NewSanitizer(config)
	validator := NewValidator(config)
	return validateAndSanitize(event, validator, sanitizer)
}

func validateAndSanitize(event *Event, v *Validator, s *Sanitizer) ValidateAndSanitizeResult {
	sanRes := s.Sanitize(event)
	valRes := v.Validate(sanRes.Event)

	out := ValidateAndSanitizeResult{
		IsValid:  valRes.IsValid,
		Errors:   valRes.Errors,
		Warnings: append(sanRes.Warnings, valRes.Warnings...),
	}
	if valRes.IsValid {
		out.Event = sanRes.Event
	}
	return out
}

// removeControlBytes strips NUL and C0 control bytes, keeping tab, newline
// and carriage return so multi-line descriptions survive.
func removeControlBytes(value string) string {
	return strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, value)
}

// truncateWithMarker cuts the string so that value+marker fits within max,
// backing up to a rune boundary so the cut never splits a UTF-8 sequence.
func truncateWithMarker(value string, max int) string {
	if max <= len(TruncationMarker) {
		return value[:runeBoundary(value, max)]
	}
	cut := runeBoundary(value, max-len(TruncationMarker))
	return value[:cut] + TruncationMarker
}

func runeBoundary(value string, pos int) int {
	for pos > 0 && !utf8.RuneStart(value[pos]) {
		pos--
	}
	return pos
}

// normalizeIPv4 strips leading zeros from dotted-quad addresses. Returns
// ok=false for anything that is not a plain IPv4 literal.
func normalizeIPv4(ip string) (string, bool) {
	if ip == "" || strings.Contains(ip, ":") {
		return ip, false
	}
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return ip, false
	}
	normalized := make([]string, 4)
	for i, part := range parts {
		if part == "" || len(part) > 3 {
			return ip, false
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 255 {
			return ip, false
		}
		normalized[i] = strconv.Itoa(n)
	}
	return strings.Join(normalized, "."), true
}
