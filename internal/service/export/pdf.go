package export

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/audit"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
)

// encodePDF renders the report on A4 landscape: title, metadata block,
// summary block, then the event table capped at opts.MaxPDFEvents. The
// creation date is pinned to the report's generation time so rendering the
// same report twice yields the same document.
func (e *Encoder) encodePDF(report *audit.ComplianceReport, opts Options) ([]byte, []RowError, error) {
	pdf := fpdf.New("L", "mm", "A4", "")
	pdf.SetCreationDate(report.Metadata.GeneratedAt)
	pdf.SetTitle(fmt.Sprintf("Audit Report %s", report.Metadata.ReportID), true)
	pdf.SetAutoPageBreak(true, 16)
	pdf.AliasNbPages("")
	pdf.SetFooterFunc(func() {
		pdf.SetY(-12)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.CellFormat(0, 8, fmt.Sprintf("Page %d of {nb}", pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, tr(fmt.Sprintf("%s Audit Report", report.Metadata.ReportType)), "", 1, "C", false, 0, "")
	pdf.Ln(4)

	if !opts.OmitMetadata {
		e.pdfMetadata(pdf, tr, report.Metadata)
	}
	e.pdfSummary(pdf, tr, report.Summary)
	if !opts.OmitIntegrity && report.IntegrityReport != nil {
		e.pdfIntegrity(pdf, report.IntegrityReport)
	}
	e.pdfEvents(pdf, tr, report.Events, opts.MaxPDFEvents)

	if pdf.Error() != nil {
		return nil, nil, errors.NewExportError(string(FormatPDF), "failed to render document").WithCause(pdf.Error())
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, nil, errors.NewExportError(string(FormatPDF), "failed to render document").WithCause(err)
	}
	return buf.Bytes(), nil, nil
}

func (e *Encoder) pdfMetadata(pdf *fpdf.Fpdf, tr func(string) string, meta audit.ReportMetadata) {
	pdfSection(pdf, "Report")
	pdfKeyValue(pdf, tr, "Report ID", meta.ReportID.String())
	pdfKeyValue(pdf, tr, "Generated At", meta.GeneratedAt.Format(time.RFC3339))
	pdfKeyValue(pdf, tr, "Total Events", fmt.Sprintf("%d", meta.TotalEvents))
	pdfKeyValue(pdf, tr, "Events In Report", fmt.Sprintf("%d", meta.FilteredEvents))
	if !meta.Criteria.DateRange.StartDate.IsZero() || !meta.Criteria.DateRange.EndDate.IsZero() {
		pdfKeyValue(pdf, tr, "Date Range", fmt.Sprintf("%s to %s",
			meta.Criteria.DateRange.StartDate.Format(time.RFC3339),
			meta.Criteria.DateRange.EndDate.Format(time.RFC3339)))
	}
	if len(meta.Criteria.OrganizationIDs) > 0 {
		pdfKeyValue(pdf, tr, "Organizations", strings.Join(meta.Criteria.OrganizationIDs, ", "))
	}
	pdf.Ln(3)
}

func (e *Encoder) pdfSummary(pdf *fpdf.Fpdf, tr func(string) string, summary audit.ReportSummary) {
	pdfSection(pdf, "Summary")
	pdfKeyValue(pdf, tr, "Unique Principals", fmt.Sprintf("%d", summary.UniquePrincipals))
	pdfKeyValue(pdf, tr, "Unique Resources", fmt.Sprintf("%d", summary.UniqueResources))
	pdfKeyValue(pdf, tr, "Integrity Violations", fmt.Sprintf("%d", summary.IntegrityViolations))
	pdfKeyValue(pdf, tr, "Unqueryable Events", fmt.Sprintf("%d", summary.UnqueryableEvents))
	pdfKeyValue(pdf, tr, "Distinct Actions", fmt.Sprintf("%d", len(summary.EventsByAction)))

	var statuses []string
	for _, key := range sortedStatusKeys(summary.EventsByStatus) {
		statuses = append(statuses, fmt.Sprintf("%s=%d", key, summary.EventsByStatus[key]))
	}
	if len(statuses) > 0 {
		pdfKeyValue(pdf, tr, "Events By Status", strings.Join(statuses, ", "))
	}

	var classifications []string
	for _, key := range sortedClassificationKeys(summary.EventsByDataClassification) {
		classifications = append(classifications, fmt.Sprintf("%s=%d", key, summary.EventsByDataClassification[key]))
	}
	if len(classifications) > 0 {
		pdfKeyValue(pdf, tr, "Events By Classification", strings.Join(classifications, ", "))
	}

	if summary.TimeRange.Earliest != nil && summary.TimeRange.Latest != nil {
		pdfKeyValue(pdf, tr, "Time Range", fmt.Sprintf("%s to %s",
			summary.TimeRange.Earliest.Format(time.RFC3339),
			summary.TimeRange.Latest.Format(time.RFC3339)))
	}
	pdf.Ln(3)
}

func (e *Encoder) pdfIntegrity(pdf *fpdf.Fpdf, report *audit.IntegrityReport) {
	tr := func(s string) string { return s }
	pdfSection(pdf, "Integrity Verification")
	pdfKeyValue(pdf, tr, "Verification ID", report.VerificationID.String())
	pdfKeyValue(pdf, tr, "Events Checked", fmt.Sprintf("%d", report.Results.TotalEvents))
	pdfKeyValue(pdf, tr, "Verified", fmt.Sprintf("%d", report.Results.VerifiedEvents))
	pdfKeyValue(pdf, tr, "Failed", fmt.Sprintf("%d", report.Results.FailedVerifications))
	pdfKeyValue(pdf, tr, "Verification Rate", fmt.Sprintf("%.2f%%", report.Results.VerificationRate*100))
	pdf.Ln(3)
}

func (e *Encoder) pdfEvents(pdf *fpdf.Fpdf, tr func(string) string, events []*audit.Event, maxEvents int) {
	shown := events
	if len(shown) > maxEvents {
		shown = shown[:maxEvents]
	}
	pdfSection(pdf, fmt.Sprintf("Events (%d)", len(shown)))

	widths := []float64{48, 36, 56, 18, 30, 48, 41}
	headers := []string{"Timestamp", "Principal", "Action", "Status", "Classification", "Target", "Outcome"}

	pdf.SetFont("Helvetica", "B", 8)
	pdf.SetFillColor(228, 228, 228)
	for i, header := range headers {
		pdf.CellFormat(widths[i], 7, header, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 8)
	for _, event := range shown {
		target := event.TargetResourceType
		if event.TargetResourceID != "" {
			target = event.TargetResourceType + "/" + event.TargetResourceID
		}
		cells := []string{
			truncateCell(event.Timestamp, 30),
			truncateCell(event.PrincipalID, 22),
			truncateCell(event.Action, 35),
			string(event.Status),
			string(event.DataClassification),
			truncateCell(target, 30),
			truncateCell(event.OutcomeDescription, 26),
		}
		for i, cell := range cells {
			pdf.CellFormat(widths[i], 6, tr(cell), "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}

	if len(events) > len(shown) {
		pdf.Ln(2)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.CellFormat(0, 6, fmt.Sprintf("Showing the first %d of %d events.", len(shown), len(events)), "", 1, "L", false, 0, "")
	}
}

func pdfSection(pdf *fpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 8, title, "", 1, "L", false, 0, "")
	pdf.Ln(1)
}

func pdfKeyValue(pdf *fpdf.Fpdf, tr func(string) string, key, value string) {
	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(55, 6, key, "", 0, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(0, 6, tr(value), "", 1, "L", false, 0, "")
}

func truncateCell(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
