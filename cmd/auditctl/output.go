package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Exit codes for CLI commands.
const (
	exitSuccess     = 0 // Operation completed
	exitFailure     = 1 // Operation failed, or health is critical
	exitConfigError = 2 // Configuration or flag problem
)

const (
	timeFormat    = "2006-01-02 15:04:05 MST"
	timePrecision = time.Millisecond
)

// printJSON writes indented JSON to stdout.
func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// newTabWriter returns a stdout writer for aligned table output.
func newTabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

// printRecommendations prints a bullet list, nothing when empty.
func printRecommendations(recs []string) {
	if len(recs) == 0 {
		return
	}
	fmt.Println("Recommendations:")
	for _, rec := range recs {
		fmt.Printf("  - %s\n", rec)
	}
}

// formatBytes renders a byte count with a binary unit suffix.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// formatDay renders a partition bound, "-" for unparseable bounds.
func formatDay(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02")
}

// formatMaybeTime renders an optional timestamp, "never" when absent.
func formatMaybeTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format(timeFormat)
}

// truncateSQL collapses whitespace runs so a statement fits on one table
// row, clipping it to max runes.
func truncateSQL(query string, max int) string {
	collapsed := strings.Join(strings.Fields(query), " ")
	runes := []rune(collapsed)
	if len(runes) <= max {
		return collapsed
	}
	return string(runes[:max-3]) + "..."
}
