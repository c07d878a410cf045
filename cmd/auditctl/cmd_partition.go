package main

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
)

// runPartitionCreate is the handler for "auditctl partition create".
//
// # Exit Codes
//
//   - 0: Partitions created (or already present)
//   - 1: DDL or lock acquisition failed
//   - 2: Unparseable --from/--to
func runPartitionCreate(ctx context.Context, stack *appStack) error {
	var created []string
	var err error

	if partitionFrom == "" && partitionTo == "" {
		created, err = stack.partitions.EnsureCurrentAndUpcoming(ctx)
	} else {
		from := time.Now().UTC()
		if partitionFrom != "" {
			if from, err = parseTimeFlag("from", partitionFrom); err != nil {
				return err
			}
		}
		to := from
		if partitionTo != "" {
			if to, err = parseTimeFlag("to", partitionTo); err != nil {
				return err
			}
		}
		created, err = stack.partitions.EnsurePartitions(ctx, from, to)
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(struct {
			Created []string `json:"created"`
		}{Created: created})
	}
	if len(created) == 0 {
		fmt.Println("All partitions for the requested range already exist.")
		return nil
	}
	fmt.Printf("Created %d partition(s):\n", len(created))
	for _, name := range created {
		fmt.Printf("  %s\n", name)
	}
	return nil
}

// runPartitionList is the handler for "auditctl partition list".
func runPartitionList(ctx context.Context, stack *appStack) error {
	partitions, err := stack.partitions.List(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(partitions)
	}
	if len(partitions) == 0 {
		fmt.Println("No partitions exist yet. Run 'auditctl partition create' first.")
		return nil
	}

	w := newTabWriter()
	fmt.Fprintln(w, "PARTITION\tFROM\tTO\tSIZE\tROWS")
	for _, p := range partitions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
			p.Name, formatDay(p.From), formatDay(p.To), formatBytes(p.SizeBytes), p.ApproxRows)
	}
	return w.Flush()
}

// runPartitionAnalyze is the handler for "auditctl partition analyze".
func runPartitionAnalyze(ctx context.Context, stack *appStack) error {
	report, err := stack.partitions.AnalyzePerformance(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(report)
	}
	fmt.Printf("Partitions:     %d\n", report.TotalPartitions)
	fmt.Printf("Total size:     %s\n", formatBytes(report.TotalSizeBytes))
	fmt.Printf("Total records:  %d\n", report.TotalRecords)
	fmt.Printf("Average size:   %s\n", formatBytes(report.AveragePartitionSize))
	printRecommendations(report.Recommendations)
	return nil
}

// runPartitionCleanup is the handler for "auditctl partition cleanup".
func runPartitionCleanup(ctx context.Context, stack *appStack) error {
	days := retentionDays
	if days <= 0 {
		days = stack.cfg.Partitioning.RetentionDays
	}

	dropped, err := stack.partitions.DropExpired(ctx, days)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(struct {
			RetentionDays int      `json:"retentionDays"`
			Dropped       []string `json:"dropped"`
		}{RetentionDays: days, Dropped: dropped})
	}
	if len(dropped) == 0 {
		fmt.Printf("No partitions older than %d days.\n", days)
		return nil
	}
	fmt.Printf("Dropped %d partition(s) past the %d day window:\n", len(dropped), days)
	for _, name := range dropped {
		fmt.Printf("  %s\n", name)
	}
	return nil
}

// parseTimeFlag accepts a month, a day, or a full timestamp.
func parseTimeFlag(name, value string) (time.Time, error) {
	for _, layout := range []string{"2006-01", "2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, apperrors.NewConfigError("--"+name,
		fmt.Sprintf("cannot parse %q, want YYYY-MM, YYYY-MM-DD, or RFC3339", value))
}
