package compliance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/audit"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
)

// EventSource is the slice of the storage layer the reporter reads through.
type EventSource interface {
	Query(ctx context.Context, criteria audit.ReportCriteria) ([]*audit.Event, error)
	Count(ctx context.Context, criteria audit.ReportCriteria) (int64, error)
}

// IntegrityLog persists verification passes for the audit trail of audits.
type IntegrityLog interface {
	RecordVerification(ctx context.Context, report *audit.IntegrityReport) error
}

// Reporter generates compliance and integrity reports over stored events.
// Callers must scope criteria to their organization; the reporter refuses
// unscoped requests rather than joining across organizations.
type Reporter struct {
	source       EventSource
	integrityLog IntegrityLog
	integrity    *audit.IntegrityService
	logger       *zap.Logger
}

// NewReporter wires the reporter. integrityLog may be nil; verification
// passes are then not persisted.
func NewReporter(source EventSource, integrityLog IntegrityLog, logger *zap.Logger) (*Reporter, error) {
	if source == nil {
		return nil, errors.NewInternalError("compliance reporter requires an event source")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		source:       source,
		integrityLog: integrityLog,
		integrity:    audit.NewIntegrityService(),
		logger:       logger.Named("compliance"),
	}, nil
}

// GenerateComplianceReport queries events for the criteria and aggregates
// them under the requested lens. INTEGRITY reports additionally embed a full
// verification pass.
func (r *Reporter) GenerateComplianceReport(ctx context.Context, criteria audit.ReportCriteria, reportType audit.ReportType) (*audit.ComplianceReport, error) {
	if err := requireScope(criteria); err != nil {
		return nil, err
	}

	events, err := r.source.Query(ctx, criteria)
	if err != nil {
		return nil, err
	}
	total, err := r.source.Count(ctx, criteria)
	if err != nil {
		return nil, err
	}

	report := r.BuildReport(events, criteria, reportType)
	report.Metadata.TotalEvents = int(total)

	if reportType == audit.ReportTypeIntegrity {
		integrityReport := r.verifyEvents(report.Events)
		report.IntegrityReport = integrityReport
		r.recordVerification(ctx, integrityReport)
	}

	r.logger.Info("compliance report generated",
		zap.String("report_id", report.Metadata.ReportID.String()),
		zap.String("report_type", string(reportType)),
		zap.Int("total_events", report.Metadata.TotalEvents),
		zap.Int("filtered_events", report.Metadata.FilteredEvents),
		zap.Int("integrity_violations", report.Summary.IntegrityViolations),
	)
	return report, nil
}

// GenerateHIPAAReport reports every classification in scope; the summary's
// per-classification counts carry the PHI subset regulators ask about.
func (r *Reporter) GenerateHIPAAReport(ctx context.Context, criteria audit.ReportCriteria) (*audit.ComplianceReport, error) {
	return r.GenerateComplianceReport(ctx, criteria, audit.ReportTypeHIPAA)
}

// GenerateGDPRReport restricts the report to events attributable to a data
// subject: rows without a principal are excluded from the event list and
// surfaced through summary.unqueryableEvents instead.
func (r *Reporter) GenerateGDPRReport(ctx context.Context, criteria audit.ReportCriteria) (*audit.ComplianceReport, error) {
	return r.GenerateComplianceReport(ctx, criteria, audit.ReportTypeGDPR)
}

// GenerateIntegrityVerificationReport re-hashes stored events and reports
// tampering. With performVerification false it only sizes the candidate set;
// nothing is recomputed or persisted.
func (r *Reporter) GenerateIntegrityVerificationReport(ctx context.Context, criteria audit.ReportCriteria, performVerification bool) (*audit.IntegrityReport, error) {
	if err := requireScope(criteria); err != nil {
		return nil, err
	}

	events, err := r.source.Query(ctx, criteria)
	if err != nil {
		return nil, err
	}

	if !performVerification {
		return &audit.IntegrityReport{
			VerificationID: uuid.New(),
			VerifiedAt:     time.Now().UTC(),
			Results:        audit.IntegrityResults{TotalEvents: len(events)},
		}, nil
	}

	report := r.verifyEvents(events)
	r.recordVerification(ctx, report)

	r.logger.Info("integrity verification completed",
		zap.String("verification_id", report.VerificationID.String()),
		zap.Int("total_events", report.Results.TotalEvents),
		zap.Int("verified", report.Results.VerifiedEvents),
		zap.Int("failed", report.Results.FailedVerifications),
	)
	return report, nil
}

// BuildReport aggregates already-loaded events without touching storage.
// The GDPR lens drops principal-less events; other lenses keep everything.
func (r *Reporter) BuildReport(events []*audit.Event, criteria audit.ReportCriteria, reportType audit.ReportType) *audit.ComplianceReport {
	included := events
	if reportType == audit.ReportTypeGDPR {
		included = make([]*audit.Event, 0, len(events))
		for _, event := range events {
			if event.HasPrincipal() {
				included = append(included, event)
			}
		}
	}

	return &audit.ComplianceReport{
		Metadata: audit.ReportMetadata{
			ReportID:       uuid.New(),
			ReportType:     reportType,
			GeneratedAt:    time.Now().UTC(),
			Criteria:       criteria,
			TotalEvents:    len(events),
			FilteredEvents: len(included),
		},
		Summary: r.buildSummary(events, included, reportType),
		Events:  included,
	}
}

// buildSummary aggregates over the included events. Unqueryable counts rows
// the lens cannot attribute: for GDPR every principal-less row it dropped,
// otherwise rows carrying neither principal nor organization.
func (r *Reporter) buildSummary(scanned, included []*audit.Event, reportType audit.ReportType) audit.ReportSummary {
	summary := audit.ReportSummary{
		EventsByStatus:             make(map[audit.Status]int),
		EventsByAction:             make(map[string]int),
		EventsByDataClassification: make(map[audit.DataClassification]int),
	}

	principals := make(map[string]struct{})
	resources := make(map[string]struct{})
	var earliest, latest time.Time

	for _, event := range included {
		summary.EventsByStatus[event.Status]++
		summary.EventsByAction[event.Action]++
		summary.EventsByDataClassification[event.DataClassification]++

		if event.PrincipalID != "" {
			principals[event.PrincipalID] = struct{}{}
		}
		if event.TargetResourceID != "" {
			resources[event.TargetResourceType+"/"+event.TargetResourceID] = struct{}{}
		}

		if event.Hash != "" && !r.integrity.VerifyHash(event, event.Hash) {
			summary.IntegrityViolations++
		}

		if occurred, err := event.OccurredAt(); err == nil {
			if earliest.IsZero() || occurred.Before(earliest) {
				earliest = occurred
			}
			if latest.IsZero() || occurred.After(latest) {
				latest = occurred
			}
		}
	}

	for _, event := range scanned {
		if reportType == audit.ReportTypeGDPR {
			if !event.HasPrincipal() {
				summary.UnqueryableEvents++
			}
			continue
		}
		if event.PrincipalID == "" && event.OrganizationID == "" {
			summary.UnqueryableEvents++
		}
	}

	summary.UniquePrincipals = len(principals)
	summary.UniqueResources = len(resources)
	if !earliest.IsZero() {
		summary.TimeRange.Earliest = &earliest
	}
	if !latest.IsZero() {
		summary.TimeRange.Latest = &latest
	}
	return summary
}

// verifyEvents runs the hash check over every event. Events without a hash
// count toward the total but are neither verified nor failed; the rate makes
// unverifiable rows visible.
func (r *Reporter) verifyEvents(events []*audit.Event) *audit.IntegrityReport {
	report := &audit.IntegrityReport{
		VerificationID: uuid.New(),
		VerifiedAt:     time.Now().UTC(),
		Results:        audit.IntegrityResults{TotalEvents: len(events)},
	}

	for _, event := range events {
		if event.Hash == "" {
			continue
		}
		computed, err := r.integrity.Hash(event)
		if err != nil {
			report.Results.FailedVerifications++
			report.Failures = append(report.Failures, audit.IntegrityFailureDetail{
				EventID:      event.ID,
				ExpectedHash: event.Hash,
				Reason:       err.Error(),
			})
			continue
		}
		if r.integrity.VerifyHash(event, event.Hash) {
			report.Results.VerifiedEvents++
			continue
		}
		report.Results.FailedVerifications++
		report.Failures = append(report.Failures, audit.IntegrityFailureDetail{
			EventID:      event.ID,
			ExpectedHash: event.Hash,
			ComputedHash: computed,
			Reason:       "stored hash does not match canonical serialization",
		})
	}

	if report.Results.TotalEvents > 0 {
		report.Results.VerificationRate =
			float64(report.Results.VerifiedEvents) / float64(report.Results.TotalEvents)
	}
	return report
}

// recordVerification persists the pass best-effort; a sidecar outage must
// not fail the report the caller is holding.
func (r *Reporter) recordVerification(ctx context.Context, report *audit.IntegrityReport) {
	if r.integrityLog == nil {
		return
	}
	if err := r.integrityLog.RecordVerification(ctx, report); err != nil {
		r.logger.Warn("failed to persist verification pass",
			zap.String("verification_id", report.VerificationID.String()),
			zap.Error(err),
		)
	}
}

func requireScope(criteria audit.ReportCriteria) error {
	if len(criteria.OrganizationIDs) == 0 {
		return errors.NewComplianceError("UNSCOPED_CRITERIA",
			"report criteria must name the caller's organization")
	}
	return nil
}
