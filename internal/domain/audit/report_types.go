package audit

import (
	"time"

	"github.com/google/uuid"
)

// ReportType selects the compliance lens applied to a report.
type ReportType string

const (
	ReportTypeGeneral   ReportType = "GENERAL"
	ReportTypeHIPAA     ReportType = "HIPAA"
	ReportTypeGDPR      ReportType = "GDPR"
	ReportTypeIntegrity ReportType = "INTEGRITY"
)

// DateRange bounds a report query, inclusive on both ends.
type DateRange struct {
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
}

// Contains reports whether t falls inside the range.
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.StartDate) && !t.After(r.EndDate)
}

// ReportCriteria filters the events included in a report. OrganizationIDs
// carries the caller's authoritative scope; the reporter never joins across
// organizations beyond it.
type ReportCriteria struct {
	DateRange           DateRange            `json:"dateRange"`
	PrincipalIDs        []string             `json:"principalIds,omitempty"`
	OrganizationIDs     []string             `json:"organizationIds,omitempty"`
	Actions             []string             `json:"actions,omitempty"`
	Statuses            []Status             `json:"statuses,omitempty"`
	DataClassifications []DataClassification `json:"dataClassifications,omitempty"`
	ResourceTypes       []string             `json:"resourceTypes,omitempty"`
	Limit               int                  `json:"limit,omitempty"`
}

// Matches applies the criteria to a single event. Used for in-memory report
// generation; the storage layer applies the same filters in SQL.
func (c ReportCriteria) Matches(event *Event) bool {
	if event == nil {
		return false
	}
	if !c.DateRange.StartDate.IsZero() || !c.DateRange.EndDate.IsZero() {
		occurred, err := event.OccurredAt()
		if err != nil {
			return false
		}
		if !c.DateRange.StartDate.IsZero() && occurred.Before(c.DateRange.StartDate) {
			return false
		}
		if !c.DateRange.EndDate.IsZero() && occurred.After(c.DateRange.EndDate) {
			return false
		}
	}
	if len(c.PrincipalIDs) > 0 && !containsString(c.PrincipalIDs, event.PrincipalID) {
		return false
	}
	if len(c.OrganizationIDs) > 0 && !containsString(c.OrganizationIDs, event.OrganizationID) {
		return false
	}
	if len(c.Actions) > 0 && !containsString(c.Actions, event.Action) {
		return false
	}
	if len(c.Statuses) > 0 && !containsStatus(c.Statuses, event.Status) {
		return false
	}
	if len(c.DataClassifications) > 0 && !containsClassification(c.DataClassifications, event.DataClassification) {
		return false
	}
	if len(c.ResourceTypes) > 0 && !containsString(c.ResourceTypes, event.TargetResourceType) {
		return false
	}
	return true
}

// ReportMetadata describes how and from what a report was produced.
type ReportMetadata struct {
	ReportID       uuid.UUID      `json:"reportId"`
	ReportType     ReportType     `json:"reportType"`
	GeneratedAt    time.Time      `json:"generatedAt"`
	Criteria       ReportCriteria `json:"criteria"`
	TotalEvents    int            `json:"totalEvents"`
	FilteredEvents int            `json:"filteredEvents"`
}

// TimeRange is the observed span of event timestamps in a report.
type TimeRange struct {
	Earliest *time.Time `json:"earliest,omitempty"`
	Latest   *time.Time `json:"latest,omitempty"`
}

// ReportSummary aggregates the events included in a report.
type ReportSummary struct {
	EventsByStatus             map[Status]int             `json:"eventsByStatus"`
	EventsByAction             map[string]int             `json:"eventsByAction"`
	EventsByDataClassification map[DataClassification]int `json:"eventsByDataClassification"`
	UniquePrincipals           int                        `json:"uniquePrincipals"`
	UniqueResources            int                        `json:"uniqueResources"`
	IntegrityViolations        int                        `json:"integrityViolations"`
	// Events the report lens cannot attribute: principal-less rows dropped
	// by GDPR reports, or rows with neither principal nor organization.
	UnqueryableEvents int       `json:"unqueryableEvents"`
	TimeRange         TimeRange `json:"timeRange"`
}

// ComplianceReport is the full report payload handed to the export encoder.
type ComplianceReport struct {
	Metadata        ReportMetadata   `json:"metadata"`
	Summary         ReportSummary    `json:"summary"`
	Events          []*Event         `json:"events"`
	IntegrityReport *IntegrityReport `json:"integrityReport,omitempty"`
}

// IntegrityResults aggregates a verification pass.
type IntegrityResults struct {
	TotalEvents         int     `json:"totalEvents"`
	VerifiedEvents      int     `json:"verifiedEvents"`
	FailedVerifications int     `json:"failedVerifications"`
	VerificationRate    float64 `json:"verificationRate"`
}

// IntegrityFailureDetail pinpoints one tampered or unverifiable event.
type IntegrityFailureDetail struct {
	EventID      uuid.UUID `json:"eventId"`
	ExpectedHash string    `json:"expectedHash"`
	ComputedHash string    `json:"computedHash"`
	Reason       string    `json:"reason"`
}

// IntegrityReport is the outcome of verifying stored hashes over a set of
// events.
type IntegrityReport struct {
	VerificationID uuid.UUID                `json:"verificationId"`
	VerifiedAt     time.Time                `json:"verifiedAt"`
	Results        IntegrityResults         `json:"results"`
	Failures       []IntegrityFailureDetail `json:"failures,omitempty"`
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsStatus(haystack []Status, needle Status) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsClassification(haystack []DataClassification, needle DataClassification) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
