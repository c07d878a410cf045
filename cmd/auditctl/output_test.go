package main

import (
	"fmt"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
)

func TestExitCodeContract(t *testing.T) {
	assert.Equal(t, 0, exitSuccess)
	assert.Equal(t, 1, exitFailure)
	assert.Equal(t, 2, exitConfigError)
}

func TestExitCodeClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{
			name: "config errors exit 2",
			err:  apperrors.NewConfigError("database.url", "database URL is required"),
			want: exitConfigError,
		},
		{
			name: "wrapped config errors exit 2",
			err:  fmt.Errorf("loading: %w", apperrors.NewConfigError("flags", "unknown flag")),
			want: exitConfigError,
		},
		{
			name: "operational errors exit 1",
			err:  apperrors.NewQueueUnavailableError("audit-events", "broker down"),
			want: exitFailure,
		},
		{
			name: "plain errors exit 1",
			err:  errStorageCritical,
			want: exitFailure,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestUnknownFlagIsConfigError(t *testing.T) {
	rootCmd.SetArgs([]string{"partition", "list", "--bogus"})
	defer rootCmd.SetArgs(nil)

	err := rootCmd.Execute()
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConfig))
	assert.Equal(t, exitConfigError, exitCode(err))
}

func TestCommandTree(t *testing.T) {
	groups := map[string][]string{
		"partition": {"create", "list", "analyze", "cleanup"},
		"monitor":   {"slow-queries", "indexes", "tables", "summary"},
		"optimize":  {"maintenance", "config"},
		"client":    {"health", "report", "optimize"},
	}
	for name, subs := range groups {
		group := findCommand(t, rootCmd, name)
		for _, sub := range subs {
			findCommand(t, group, sub)
		}
	}
}

func findCommand(t *testing.T, parent *cobra.Command, name string) *cobra.Command {
	t.Helper()
	for _, c := range parent.Commands() {
		if c.Name() == name {
			return c
		}
	}
	t.Fatalf("command %q not registered under %q", name, parent.Name())
	return nil
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1536, "1.5 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
		{3 * 1024 * 1024 * 1024, "3.0 GiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatBytes(tt.in), "formatBytes(%d)", tt.in)
	}
}

func TestTruncateSQL(t *testing.T) {
	ugly := "SELECT *\n\t FROM   audit_log\n WHERE organization_id = $1"
	assert.Equal(t, "SELECT * FROM audit_log WHERE organization_id = $1", truncateSQL(ugly, 80))

	clipped := truncateSQL(ugly, 20)
	assert.Len(t, []rune(clipped), 20)
	assert.True(t, len(clipped) >= 3 && clipped[len(clipped)-3:] == "...")
}

func TestParseTimeFlag(t *testing.T) {
	got, err := parseTimeFlag("from", "2026-04")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC), got)

	got, err = parseTimeFlag("from", "2026-04-15")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, time.April, 15, 0, 0, 0, 0, time.UTC), got)

	got, err = parseTimeFlag("to", "2026-04-15T10:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, time.April, 15, 10, 30, 0, 0, time.UTC), got)

	_, err = parseTimeFlag("from", "April 2026")
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConfig))
}

func TestFormatDay(t *testing.T) {
	assert.Equal(t, "-", formatDay(time.Time{}))
	assert.Equal(t, "2026-08-01", formatDay(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)))
}

func TestFormatMaybeTime(t *testing.T) {
	assert.Equal(t, "never", formatMaybeTime(nil))
	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-08-01 12:00:00 UTC", formatMaybeTime(&ts))
}
