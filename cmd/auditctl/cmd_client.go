package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/infrastructure/database"
	"github.com/davidleathers/healthcare-audit-pipeline/internal/service/compliance"
)

// errStorageCritical makes "client health" exit nonzero when the aggregate
// health is critical, so probes can alert on the exit code alone.
var errStorageCritical = errors.New("storage health is critical")

// runClientHealth is the handler for "auditctl client health".
//
// Output is always JSON; health checks feed scripts and probes, not eyes.
//
// # Exit Codes
//
//   - 0: Healthy or degraded with warnings
//   - 1: Overall health is critical, or the check itself failed
//   - 2: Configuration error
func runClientHealth(ctx context.Context, stack *appStack) error {
	health := stack.client.GetHealthStatus(ctx)
	if err := printJSON(health); err != nil {
		return err
	}
	if health.Overall == database.HealthLevelCritical {
		return errStorageCritical
	}
	return nil
}

// runClientReport is the handler for "auditctl client report".
func runClientReport(ctx context.Context, stack *appStack) error {
	report := stack.client.GeneratePerformanceReport(ctx)

	if jsonOutput {
		return printJSON(report)
	}
	fmt.Printf("Generated at:       %s\n", report.GeneratedAt.Format(timeFormat))
	fmt.Printf("Pool:               %d active / %d total, success rate %.1f%%\n",
		report.Pool.ActiveConnections, report.Pool.TotalConnections, report.PoolSuccessRate*100)
	fmt.Printf("Query cache:        %.1f%% hit ratio, %d keys, %.1f MB\n",
		report.Cache.HitRatio*100, report.Cache.TotalKeys, report.Cache.MemoryUsageMB)
	fmt.Printf("DB buffer cache:    %.1f%% hit ratio\n", report.DBCacheHitRatio*100)
	if report.Partitions != nil {
		fmt.Printf("Partitions:         %d holding %s\n",
			report.Partitions.TotalPartitions, formatBytes(report.Partitions.TotalSizeBytes))
	}
	fmt.Printf("Queries observed:   %d (%d failed, %d cache hits)\n",
		report.QueryActivity.TotalQueries, report.QueryActivity.FailedQueries,
		report.QueryActivity.CacheHits)
	fmt.Printf("Slow statements:    %d\n", len(report.SlowQueries))
	fmt.Printf("Unused indexes:     %d\n", len(report.UnusedIndexes))
	for _, errMsg := range report.Errors {
		fmt.Printf("Collector error:    %s\n", errMsg)
	}
	fmt.Println("\nRun with --json for the full report.")
	return nil
}

// runClientOptimize is the handler for "auditctl client optimize".
func runClientOptimize(ctx context.Context, stack *appStack) error {
	result, err := stack.client.OptimizeDatabase(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(result)
	}
	fmt.Printf("Optimization pass took %s\n", result.CompletedAt.Sub(result.StartedAt).Round(timePrecision))
	printSection("Partitions", result.PartitionOptimization)
	printSection("Indexes", result.IndexOptimization)
	if len(result.MaintenanceResults) > 0 {
		fmt.Println("Maintenance:")
		for _, r := range result.MaintenanceResults {
			status := "ok"
			if !r.Success {
				status = r.Error
			}
			fmt.Printf("  %s %s: %s\n", r.Operation, r.Target, status)
		}
	}
	printSection("Configuration", result.ConfigOptimization)
	return nil
}

// runClientPseudonymize is the handler for "auditctl client pseudonymize".
// Zero rewritten rows is still success: erasure of an unknown principal is
// idempotent, not an error.
func runClientPseudonymize(ctx context.Context, stack *appStack, args []string) error {
	repo := database.NewAuditRepository(stack.client)
	eraser, err := compliance.NewEraser(repo, stack.cfg.Security.PseudonymPrefix, stack.logger)
	if err != nil {
		return err
	}

	result, err := eraser.Erase(ctx, args[0])
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(result)
	}
	fmt.Printf("Pseudonym:       %s\n", result.Pseudonym)
	fmt.Printf("Rewritten rows:  %d\n", result.RewrittenRows)
	fmt.Printf("Record event:    %s\n", result.RecordID)
	return nil
}

// printSection prints a titled bullet list, skipping empty sections.
func printSection(title string, lines []string) {
	if len(lines) == 0 {
		return
	}
	fmt.Printf("%s:\n", title)
	for _, line := range lines {
		fmt.Printf("  %s\n", line)
	}
}
