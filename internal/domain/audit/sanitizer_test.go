package audit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizer_ScriptPayloadStripped(t *testing.T) {
	s := NewSanitizer(DefaultValidationConfig())

	event := validEvent()
	event.OutcomeDescription = `Viewed chart<script>alert("xss")</script> successfully`

	result := s.Sanitize(event)

	assert.True(t, result.Modified)
	assert.Equal(t, "Viewed chart successfully", result.Event.OutcomeDescription)
	assert.Contains(t, strings.Join(result.Warnings, ";"), "script_payload_removed")
}

func TestSanitizer_HTMLEscaped(t *testing.T) {
	s := NewSanitizer(DefaultValidationConfig())

	event := validEvent()
	event.Action = "view<b>record</b>"

	result := s.Sanitize(event)

	assert.True(t, result.Modified)
	assert.Equal(t, "view&lt;b&gt;record&lt;/b&gt;", result.Event.Action)
}

func TestSanitizer_ControlBytesRemoved(t *testing.T) {
	s := NewSanitizer(DefaultValidationConfig())

	event := validEvent()
	event.PrincipalID = "user\x00\x01-1"
	event.OutcomeDescription = "line1\nline2\tend"

	result := s.Sanitize(event)

	assert.Equal(t, "user-1", result.Event.PrincipalID)
	// newline and tab survive so multi-line descriptions stay readable
	assert.Equal(t, "line1\nline2\tend", result.Event.OutcomeDescription)
}

func TestSanitizer_QuotesEncodedInDescription(t *testing.T) {
	s := NewSanitizer(DefaultValidationConfig())

	event := validEvent()
	event.OutcomeDescription = `updated "name" to O'Brien`

	result := s.Sanitize(event)

	assert.Equal(t, "updated &quot;name&quot; to O&#39;Brien", result.Event.OutcomeDescription)
}

func TestSanitizer_QuotesKeptOutsideDescriptiveFields(t *testing.T) {
	s := NewSanitizer(DefaultValidationConfig())

	event := validEvent()
	event.Action = `search:"term"`

	result := s.Sanitize(event)

	assert.Equal(t, `search:"term"`, result.Event.Action)
}

func TestSanitizer_ClassificationUppercased(t *testing.T) {
	s := NewSanitizer(DefaultValidationConfig())

	event := validEvent()
	event.DataClassification = "phi"

	result := s.Sanitize(event)

	assert.Equal(t, ClassificationPHI, result.Event.DataClassification)
	assert.True(t, result.Modified)
}

func TestSanitizer_IPv4Normalized(t *testing.T) {
	s := NewSanitizer(DefaultValidationConfig())

	tests := []struct {
		in   string
		want string
	}{
		{"010.001.002.003", "10.1.2.3"},
		{"192.168.001.010", "192.168.1.10"},
		{"192.168.1.10", "192.168.1.10"},
		{"2001:db8::1", "2001:db8::1"},   // IPv6 untouched
		{"999.1.1.1", "999.1.1.1"},       // invalid left for the validator
		{"not-an-ip", "not-an-ip"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			event := validEvent()
			event.SessionContext = &SessionContext{IPAddress: tt.in}

			result := s.Sanitize(event)

			assert.Equal(t, tt.want, result.Event.SessionContext.IPAddress)
		})
	}
}

func TestSanitizer_TruncatesWithMarker(t *testing.T) {
	cfg := DefaultValidationConfig()
	cfg.MaxStringLength = 64
	s := NewSanitizer(cfg)

	event := validEvent()
	event.OutcomeDescription = strings.Repeat("x", 200)

	result := s.Sanitize(event)

	got := result.Event.OutcomeDescription
	assert.LessOrEqual(t, len(got), 64)
	assert.True(t, strings.HasSuffix(got, TruncationMarker))
}

func TestSanitizer_ReservedKeysDropped(t *testing.T) {
	s := NewSanitizer(DefaultValidationConfig())

	event := validEvent()
	event.CustomFields = map[string]interface{}{
		"__proto__":   map[string]interface{}{"polluted": true},
		"constructor": "bad",
		"prototype":   "bad",
		"legit":       "value",
		"nested": map[string]interface{}{
			"__proto__": "bad",
			"ok":        "fine",
		},
	}

	result := s.Sanitize(event)

	cf := result.Event.CustomFields
	assert.NotContains(t, cf, "__proto__")
	assert.NotContains(t, cf, "constructor")
	assert.NotContains(t, cf, "prototype")
	assert.Equal(t, "value", cf["legit"])

	nested := cf["nested"].(map[string]interface{})
	assert.NotContains(t, nested, "__proto__")
	assert.Equal(t, "fine", nested["ok"])
}

func TestSanitizer_CycleReplacedWithMarker(t *testing.T) {
	s := NewSanitizer(DefaultValidationConfig())

	inner := map[string]interface{}{}
	outer := map[string]interface{}{"child": inner}
	inner["parent"] = outer

	event := validEvent()
	event.CustomFields = outer

	result := s.Sanitize(event)

	child := result.Event.CustomFields["child"].(map[string]interface{})
	assert.Equal(t, CycleMarker, child["parent"])
	assert.Contains(t, strings.Join(result.Warnings, ";"), "circular_reference_removed")
}

func TestSanitizer_SelfReferencingMapReplacedWithMarker(t *testing.T) {
	s := NewSanitizer(DefaultValidationConfig())

	fields := map[string]interface{}{}
	fields["self"] = fields

	event := validEvent()
	event.CustomFields = fields

	result := s.Sanitize(event)

	assert.Equal(t, CycleMarker, result.Event.CustomFields["self"])
	assert.Contains(t, strings.Join(result.Warnings, ";"), "circular_reference_removed")
}

func TestSanitizer_NeverMutatesInput(t *testing.T) {
	s := NewSanitizer(DefaultValidationConfig())

	event := validEvent()
	event.OutcomeDescription = `has "quotes" and <script>alert(1)</script>`
	event.CustomFields = map[string]interface{}{"k": "<tag>"}

	original := event.OutcomeDescription
	result := s.Sanitize(event)

	assert.Equal(t, original, event.OutcomeDescription)
	assert.Equal(t, "<tag>", event.CustomFields["k"])
	assert.NotEqual(t, original, result.Event.OutcomeDescription)
}

func TestSanitizer_Idempotent(t *testing.T) {
	cfg := DefaultValidationConfig()
	cfg.MaxStringLength = 80
	s := NewSanitizer(cfg)

	event := validEvent()
	event.OutcomeDescription = `  "quoted" <script>x</script> ` + strings.Repeat("y", 120)
	event.DataClassification = "confidential"
	event.SessionContext = &SessionContext{IPAddress: "010.000.000.001"}
	event.CustomFields = map[string]interface{}{"note": "<i>hi</i>"}

	once := s.Sanitize(event)
	twice := s.Sanitize(once.Event)

	assert.False(t, twice.Modified, "second pass changed: %v", twice.Warnings)
	assert.Equal(t, once.Event.OutcomeDescription, twice.Event.OutcomeDescription)
	assert.Equal(t, once.Event.SessionContext.IPAddress, twice.Event.SessionContext.IPAddress)
	assert.Equal(t, once.Event.CustomFields, twice.Event.CustomFields)
}

func TestValidateAndSanitize(t *testing.T) {
	cfg := DefaultValidationConfig()

	t.Run("dirty but repairable event passes", func(t *testing.T) {
		event := validEvent()
		event.DataClassification = "internal"
		event.OutcomeDescription = `ok<script>bad()</script>`

		result := ValidateAndSanitize(event, cfg)

		require.True(t, result.IsValid, "errors: %v", result.Errors)
		require.NotNil(t, result.Event)
		assert.Equal(t, ClassificationInternal, result.Event.DataClassification)
		assert.Equal(t, "ok", result.Event.OutcomeDescription)
		assert.NotEmpty(t, result.Warnings)
	})

	t.Run("invalid event fails after sanitization", func(t *testing.T) {
		event := validEvent()
		event.Status = "done"

		result := ValidateAndSanitize(event, cfg)

		require.False(t, result.IsValid)
		assert.Nil(t, result.Event)
	})

	t.Run("sanitized output always revalidates", func(t *testing.T) {
		cfg := DefaultValidationConfig()
		cfg.MaxStringLength = 48
		event := validEvent()
		event.Action = "login"
		event.OutcomeDescription = strings.Repeat("z", 500)

		result := ValidateAndSanitize(event, cfg)

		require.True(t, result.IsValid, "errors: %v", result.Errors)
		assert.True(t, NewValidator(cfg).Validate(result.Event).IsValid)
	})
}
