package main

import (
	"github.com/spf13/cobra"

	apperrors "github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
)

// --- Global Command Variables ---
var (
	configPath    string
	jsonOutput    bool
	verbose       bool
	partitionFrom string // CLI override for the partition range start
	partitionTo   string // CLI override for the partition range end
	retentionDays int
	slowLimit     int
	unusedOnly    bool

	rootCmd = &cobra.Command{
		Use:   "auditctl",
		Short: "Operations toolkit for the audit pipeline storage layer",
		Long: `auditctl administers the audit log database: partition lifecycle,
performance monitoring, maintenance passes, and health checks. It reads
the same configuration the pipeline does (config file plus AUDIT_ env).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// --- Partition Lifecycle ---
	partitionCmd = &cobra.Command{
		Use:   "partition",
		Short: "Manage time-range partitions of the audit log",
	}
	partitionCreateCmd = &cobra.Command{
		Use:   "create",
		Short: "Create partitions covering a time range",
		Long: `Without flags, create creates the partition for the current period plus
the configured number of upcoming periods. With --from/--to it covers
exactly that range. Existing partitions are left untouched.`,
		Args: cobra.NoArgs,
		RunE: withStack(runPartitionCreate), // Defined in cmd_partition.go
	}
	partitionListCmd = &cobra.Command{
		Use:   "list",
		Short: "List partitions with bounds, size, and row counts",
		Args:  cobra.NoArgs,
		RunE:  withStack(runPartitionList), // Defined in cmd_partition.go
	}
	partitionAnalyzeCmd = &cobra.Command{
		Use:   "analyze",
		Short: "Summarize partition shape and flag skew",
		Args:  cobra.NoArgs,
		RunE:  withStack(runPartitionAnalyze), // Defined in cmd_partition.go
	}
	partitionCleanupCmd = &cobra.Command{
		Use:   "cleanup",
		Short: "Drop partitions older than the retention window",
		Long: `cleanup drops partitions whose entire range has aged out. The window
never shrinks below the longest retention an active policy demands, so a
partition still covered by a stored policy survives regardless of flags.`,
		Args: cobra.NoArgs,
		RunE: withStack(runPartitionCleanup), // Defined in cmd_partition.go
	}

	// --- Database Monitoring ---
	monitorCmd = &cobra.Command{
		Use:   "monitor",
		Short: "Inspect database performance",
	}
	monitorSlowQueriesCmd = &cobra.Command{
		Use:   "slow-queries",
		Short: "Show statements above the slow-query threshold",
		Args:  cobra.NoArgs,
		RunE:  withStack(runMonitorSlowQueries), // Defined in cmd_monitor.go
	}
	monitorIndexesCmd = &cobra.Command{
		Use:   "indexes",
		Short: "Show index usage, flagging unused and invalid indexes",
		Args:  cobra.NoArgs,
		RunE:  withStack(runMonitorIndexes), // Defined in cmd_monitor.go
	}
	monitorTablesCmd = &cobra.Command{
		Use:   "tables",
		Short: "Show table sizes, bloat, and vacuum recency",
		Args:  cobra.NoArgs,
		RunE:  withStack(runMonitorTables), // Defined in cmd_monitor.go
	}
	monitorSummaryCmd = &cobra.Command{
		Use:   "summary",
		Short: "Show connections, cache hit ratio, and pool state at a glance",
		Args:  cobra.NoArgs,
		RunE:  withStack(runMonitorSummary), // Defined in cmd_monitor.go
	}

	// --- Optimization Passes ---
	optimizeCmd = &cobra.Command{
		Use:   "optimize",
		Short: "Run maintenance and configuration tuning passes",
	}
	optimizeMaintenanceCmd = &cobra.Command{
		Use:   "maintenance",
		Short: "Vacuum and analyze audit tables, rebuild invalid indexes",
		Args:  cobra.NoArgs,
		RunE:  withStack(runOptimizeMaintenance), // Defined in cmd_optimize.go
	}
	optimizeConfigCmd = &cobra.Command{
		Use:   "config",
		Short: "Review server settings and print tuning recommendations",
		Args:  cobra.NoArgs,
		RunE:  withStack(runOptimizeConfig), // Defined in cmd_optimize.go
	}

	// --- Storage Client ---
	clientCmd = &cobra.Command{
		Use:   "client",
		Short: "Operate the composed storage client",
	}
	clientHealthCmd = &cobra.Command{
		Use:   "health",
		Short: "Print component health as JSON; exits 1 when critical",
		Args:  cobra.NoArgs,
		RunE:  withStack(runClientHealth), // Defined in cmd_client.go
	}
	clientReportCmd = &cobra.Command{
		Use:   "report",
		Short: "Generate a performance report across all storage components",
		Args:  cobra.NoArgs,
		RunE:  withStack(runClientReport), // Defined in cmd_client.go
	}
	clientOptimizeCmd = &cobra.Command{
		Use:   "optimize",
		Short: "Run the full optimization pass the report loop would run",
		Args:  cobra.NoArgs,
		RunE:  withStack(runClientOptimize), // Defined in cmd_client.go
	}
	clientPseudonymizeCmd = &cobra.Command{
		Use:   "pseudonymize <principal-id>",
		Short: "Rewrite a principal's identifiers to an irreversible pseudonym",
		Long: `pseudonymize executes a GDPR erasure request: every stored event for the
principal is rewritten to a stable pseudonym derived from
security.pseudonym_prefix, and the rewrite is recorded as an audit event
in the same transaction. Hashes over the original identifier become
unverifiable afterwards; integrity reports account for that. The rewrite
cannot be undone.`,
		Args: cobra.ExactArgs(1),
		RunE: withStackArgs(runClientPseudonymize), // Defined in cmd_client.go
	}
)

// init runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml",
		"Path to the pipeline config file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Emit machine-readable JSON instead of text")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Log storage-layer activity to stderr")

	// Bad flags are a configuration problem, not an operational one.
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return apperrors.NewConfigError("flags", err.Error())
	})

	rootCmd.AddCommand(partitionCmd)
	partitionCmd.AddCommand(partitionCreateCmd)
	partitionCmd.AddCommand(partitionListCmd)
	partitionCmd.AddCommand(partitionAnalyzeCmd)
	partitionCmd.AddCommand(partitionCleanupCmd)
	partitionCreateCmd.Flags().StringVar(&partitionFrom, "from", "",
		"Range start (YYYY-MM, YYYY-MM-DD, or RFC3339; default: now)")
	partitionCreateCmd.Flags().StringVar(&partitionTo, "to", "",
		"Range end (same formats; default: the --from period)")
	partitionCleanupCmd.Flags().IntVar(&retentionDays, "retention-days", 0,
		"Retention window in days (default: partitioning.retention_days)")

	rootCmd.AddCommand(monitorCmd)
	monitorCmd.AddCommand(monitorSlowQueriesCmd)
	monitorCmd.AddCommand(monitorIndexesCmd)
	monitorCmd.AddCommand(monitorTablesCmd)
	monitorCmd.AddCommand(monitorSummaryCmd)
	monitorSlowQueriesCmd.Flags().IntVar(&slowLimit, "limit", 20,
		"Maximum number of statements to show")
	monitorIndexesCmd.Flags().BoolVar(&unusedOnly, "unused", false,
		"Show only droppable unused indexes above the size threshold")

	rootCmd.AddCommand(optimizeCmd)
	optimizeCmd.AddCommand(optimizeMaintenanceCmd)
	optimizeCmd.AddCommand(optimizeConfigCmd)

	rootCmd.AddCommand(clientCmd)
	clientCmd.AddCommand(clientHealthCmd)
	clientCmd.AddCommand(clientReportCmd)
	clientCmd.AddCommand(clientOptimizeCmd)
	clientCmd.AddCommand(clientPseudonymizeCmd)
}
