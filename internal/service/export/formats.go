package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"sort"
	"time"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/audit"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
)

// csvHeader is a wire contract; consumers key on the column order.
var csvHeader = []string{
	"ID", "Timestamp", "Principal ID", "Organization ID", "Action",
	"Target Resource Type", "Target Resource ID", "Status",
	"Outcome Description", "Data Classification", "IP Address",
	"User Agent", "Session ID", "Integrity Status", "Correlation ID",
}

type jsonReport struct {
	Metadata  *audit.ReportMetadata  `json:"metadata,omitempty"`
	Summary   audit.ReportSummary    `json:"summary"`
	Events    []json.RawMessage      `json:"events"`
	Integrity *audit.IntegrityReport `json:"integrityReport,omitempty"`
}

func (e *Encoder) encodeJSON(report *audit.ComplianceReport, opts Options) ([]byte, []RowError, error) {
	doc := jsonReport{
		Summary: report.Summary,
		Events:  make([]json.RawMessage, 0, len(report.Events)),
	}
	if !opts.OmitMetadata {
		meta := report.Metadata
		doc.Metadata = &meta
	}
	if !opts.OmitIntegrity {
		doc.Integrity = report.IntegrityReport
	}

	// Events are marshaled one at a time so a single bad row (a custom
	// field holding NaN, say) costs that row and nothing else.
	var rowErrors []RowError
	for _, event := range report.Events {
		raw, err := json.Marshal(event)
		if err != nil {
			rowErrors = append(rowErrors, e.skipRow(event, FormatJSON, err))
			continue
		}
		doc.Events = append(doc.Events, raw)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, rowErrors, errors.NewExportError(string(FormatJSON), "failed to encode report").WithCause(err)
	}
	return data, rowErrors, nil
}

func (e *Encoder) encodeCSV(report *audit.ComplianceReport, opts Options) ([]byte, []RowError, error) {
	var buf bytes.Buffer
	if !opts.OmitMetadata {
		meta := report.Metadata
		fmt.Fprintf(&buf, "# Report ID: %s\n", meta.ReportID)
		fmt.Fprintf(&buf, "# Report Type: %s\n", meta.ReportType)
		fmt.Fprintf(&buf, "# Generated At: %s\n", meta.GeneratedAt.Format(time.RFC3339))
		fmt.Fprintf(&buf, "# Total Events: %d\n", meta.TotalEvents)
		fmt.Fprintf(&buf, "# Filtered Events: %d\n", meta.FilteredEvents)
	}

	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, nil, errors.NewExportError(string(FormatCSV), "failed to write header").WithCause(err)
	}
	for _, event := range report.Events {
		if err := w.Write(e.csvRow(event, opts)); err != nil {
			return nil, nil, errors.NewExportError(string(FormatCSV), "failed to write row").WithCause(err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, nil, errors.NewExportError(string(FormatCSV), "failed to encode report").WithCause(err)
	}
	return buf.Bytes(), nil, nil
}

func (e *Encoder) csvRow(event *audit.Event, opts Options) []string {
	integrityStatus := audit.IntegrityUnverified
	if opts.VerifyIntegrity {
		integrityStatus = e.integrity.Status(event)
	}

	var sessionID, ipAddress, userAgent string
	if sc := event.SessionContext; sc != nil {
		sessionID, ipAddress, userAgent = sc.SessionID, sc.IPAddress, sc.UserAgent
	}

	return []string{
		event.ID.String(),
		event.Timestamp,
		event.PrincipalID,
		event.OrganizationID,
		event.Action,
		event.TargetResourceType,
		event.TargetResourceID,
		string(event.Status),
		event.OutcomeDescription,
		string(event.DataClassification),
		ipAddress,
		userAgent,
		sessionID,
		string(integrityStatus),
		event.CorrelationID,
	}
}

type xmlReport struct {
	XMLName   xml.Name      `xml:"auditReport"`
	Metadata  *xmlMetadata  `xml:"metadata,omitempty"`
	Summary   xmlSummary    `xml:"summary"`
	Events    xmlEventList  `xml:"events"`
	Integrity *xmlIntegrity `xml:"integrityReport,omitempty"`
}

type xmlMetadata struct {
	ReportID       string `xml:"reportId"`
	ReportType     string `xml:"reportType"`
	GeneratedAt    string `xml:"generatedAt"`
	TotalEvents    int    `xml:"totalEvents"`
	FilteredEvents int    `xml:"filteredEvents"`
}

type xmlSummary struct {
	UniquePrincipals    int        `xml:"uniquePrincipals"`
	UniqueResources     int        `xml:"uniqueResources"`
	IntegrityViolations int        `xml:"integrityViolations"`
	UnqueryableEvents   int        `xml:"unqueryableEvents"`
	ByStatus            []xmlCount `xml:"eventsByStatus>status,omitempty"`
	ByAction            []xmlCount `xml:"eventsByAction>action,omitempty"`
	ByClassification    []xmlCount `xml:"eventsByClassification>classification,omitempty"`
	Earliest            string     `xml:"timeRange>earliest,omitempty"`
	Latest              string     `xml:"timeRange>latest,omitempty"`
}

type xmlCount struct {
	Name  string `xml:"name,attr"`
	Count int    `xml:",chardata"`
}

type xmlEventList struct {
	Events []xmlEvent `xml:"event"`
}

type xmlEvent struct {
	ID                 string           `xml:"id,attr"`
	Timestamp          string           `xml:"timestamp"`
	Action             string           `xml:"action"`
	Status             string           `xml:"status"`
	PrincipalID        string           `xml:"principalId,omitempty"`
	OrganizationID     string           `xml:"organizationId,omitempty"`
	TargetResourceType string           `xml:"targetResourceType,omitempty"`
	TargetResourceID   string           `xml:"targetResourceId,omitempty"`
	OutcomeDescription string           `xml:"outcomeDescription,omitempty"`
	DataClassification string           `xml:"dataClassification"`
	CorrelationID      string           `xml:"correlationId,omitempty"`
	Session            *xmlSession      `xml:"session,omitempty"`
	Hash               string           `xml:"hash,omitempty"`
	CustomFields       []xmlCustomField `xml:"customFields>field,omitempty"`
}

type xmlSession struct {
	SessionID   string `xml:"sessionId,omitempty"`
	IPAddress   string `xml:"ipAddress,omitempty"`
	UserAgent   string `xml:"userAgent,omitempty"`
	Geolocation string `xml:"geolocation,omitempty"`
}

type xmlCustomField struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type xmlIntegrity struct {
	VerificationID      string       `xml:"verificationId"`
	VerifiedAt          string       `xml:"verifiedAt"`
	TotalEvents         int          `xml:"totalEvents"`
	VerifiedEvents      int          `xml:"verifiedEvents"`
	FailedVerifications int          `xml:"failedVerifications"`
	VerificationRate    float64      `xml:"verificationRate"`
	Failures            []xmlFailure `xml:"failures>failure,omitempty"`
}

type xmlFailure struct {
	EventID      string `xml:"eventId,attr"`
	ExpectedHash string `xml:"expectedHash"`
	ComputedHash string `xml:"computedHash,omitempty"`
	Reason       string `xml:"reason"`
}

func (e *Encoder) encodeXML(report *audit.ComplianceReport, opts Options) ([]byte, []RowError, error) {
	doc := xmlReport{Summary: xmlSummaryFrom(report.Summary)}
	if !opts.OmitMetadata {
		doc.Metadata = &xmlMetadata{
			ReportID:       report.Metadata.ReportID.String(),
			ReportType:     string(report.Metadata.ReportType),
			GeneratedAt:    report.Metadata.GeneratedAt.Format(time.RFC3339),
			TotalEvents:    report.Metadata.TotalEvents,
			FilteredEvents: report.Metadata.FilteredEvents,
		}
	}
	if !opts.OmitIntegrity && report.IntegrityReport != nil {
		doc.Integrity = xmlIntegrityFrom(report.IntegrityReport)
	}

	var rowErrors []RowError
	for _, event := range report.Events {
		row, err := xmlEventFrom(event)
		if err != nil {
			rowErrors = append(rowErrors, e.skipRow(event, FormatXML, err))
			continue
		}
		doc.Events.Events = append(doc.Events.Events, row)
	}

	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, rowErrors, errors.NewExportError(string(FormatXML), "failed to encode report").WithCause(err)
	}
	return append([]byte(xml.Header), data...), rowErrors, nil
}

func xmlEventFrom(event *audit.Event) (xmlEvent, error) {
	row := xmlEvent{
		ID:                 event.ID.String(),
		Timestamp:          event.Timestamp,
		Action:             event.Action,
		Status:             string(event.Status),
		PrincipalID:        event.PrincipalID,
		OrganizationID:     event.OrganizationID,
		TargetResourceType: event.TargetResourceType,
		TargetResourceID:   event.TargetResourceID,
		OutcomeDescription: event.OutcomeDescription,
		DataClassification: string(event.DataClassification),
		CorrelationID:      event.CorrelationID,
		Hash:               event.Hash,
	}
	if sc := event.SessionContext; sc != nil {
		row.Session = &xmlSession{
			SessionID:   sc.SessionID,
			IPAddress:   sc.IPAddress,
			UserAgent:   sc.UserAgent,
			Geolocation: sc.Geolocation,
		}
	}
	for _, key := range sortedKeys(event.CustomFields) {
		value, err := customFieldValue(event.CustomFields[key])
		if err != nil {
			return xmlEvent{}, err
		}
		row.CustomFields = append(row.CustomFields, xmlCustomField{Name: key, Value: value})
	}
	return row, nil
}

func xmlSummaryFrom(summary audit.ReportSummary) xmlSummary {
	out := xmlSummary{
		UniquePrincipals:    summary.UniquePrincipals,
		UniqueResources:     summary.UniqueResources,
		IntegrityViolations: summary.IntegrityViolations,
		UnqueryableEvents:   summary.UnqueryableEvents,
	}
	for _, key := range sortedStatusKeys(summary.EventsByStatus) {
		out.ByStatus = append(out.ByStatus, xmlCount{Name: string(key), Count: summary.EventsByStatus[key]})
	}
	for _, key := range sortedCountKeys(summary.EventsByAction) {
		out.ByAction = append(out.ByAction, xmlCount{Name: key, Count: summary.EventsByAction[key]})
	}
	for _, key := range sortedClassificationKeys(summary.EventsByDataClassification) {
		out.ByClassification = append(out.ByClassification, xmlCount{Name: string(key), Count: summary.EventsByDataClassification[key]})
	}
	if summary.TimeRange.Earliest != nil {
		out.Earliest = summary.TimeRange.Earliest.Format(time.RFC3339)
	}
	if summary.TimeRange.Latest != nil {
		out.Latest = summary.TimeRange.Latest.Format(time.RFC3339)
	}
	return out
}

func xmlIntegrityFrom(report *audit.IntegrityReport) *xmlIntegrity {
	out := &xmlIntegrity{
		VerificationID:      report.VerificationID.String(),
		VerifiedAt:          report.VerifiedAt.Format(time.RFC3339),
		TotalEvents:         report.Results.TotalEvents,
		VerifiedEvents:      report.Results.VerifiedEvents,
		FailedVerifications: report.Results.FailedVerifications,
		VerificationRate:    report.Results.VerificationRate,
	}
	for _, failure := range report.Failures {
		out.Failures = append(out.Failures, xmlFailure{
			EventID:      failure.EventID.String(),
			ExpectedHash: failure.ExpectedHash,
			ComputedHash: failure.ComputedHash,
			Reason:       failure.Reason,
		})
	}
	return out
}

// customFieldValue renders one producer field as text: scalars verbatim,
// anything structured as compact JSON.
func customFieldValue(value interface{}) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%v", v), nil
	case float32, float64, map[string]interface{}, []interface{}:
		data, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(data), nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortedCountKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortedStatusKeys(m map[audit.Status]int) []audit.Status {
	keys := make([]audit.Status, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func sortedClassificationKeys(m map[audit.DataClassification]int) []audit.DataClassification {
	keys := make([]audit.DataClassification, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
