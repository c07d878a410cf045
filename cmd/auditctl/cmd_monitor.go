package main

import (
	"context"
	"fmt"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/infrastructure/database"
)

// runMonitorSlowQueries is the handler for "auditctl monitor slow-queries".
func runMonitorSlowQueries(ctx context.Context, stack *appStack) error {
	stats, err := stack.monitor.SlowQueries(ctx, slowLimit)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(stats)
	}
	if len(stats) == 0 {
		fmt.Printf("No statements above the %s threshold.\n", stack.cfg.Monitoring.SlowQueryThreshold)
		fmt.Println("Server-side capture requires the pg_stat_statements extension.")
		return nil
	}

	w := newTabWriter()
	fmt.Fprintln(w, "MEAN MS\tMAX MS\tCALLS\tROWS\tQUERY")
	for _, s := range stats {
		fmt.Fprintf(w, "%.1f\t%.1f\t%d\t%d\t%s\n",
			s.MeanTimeMs, s.MaxTimeMs, s.Calls, s.Rows, truncateSQL(s.Query, 80))
	}
	return w.Flush()
}

// runMonitorIndexes is the handler for "auditctl monitor indexes".
func runMonitorIndexes(ctx context.Context, stack *appStack) error {
	var (
		stats []database.IndexStats
		err   error
	)
	if unusedOnly {
		stats, err = stack.monitor.UnusedIndexes(ctx)
	} else {
		stats, err = stack.monitor.IndexStats(ctx)
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(stats)
	}
	if len(stats) == 0 {
		if unusedOnly {
			fmt.Printf("No droppable unused indexes above %d MB.\n", stack.cfg.Monitoring.UnusedIndexSizeMB)
		} else {
			fmt.Println("No user indexes found.")
		}
		return nil
	}

	w := newTabWriter()
	fmt.Fprintln(w, "INDEX\tTABLE\tSIZE\tSCANS\tFLAGS")
	for _, s := range stats {
		fmt.Fprintf(w, "%s\t%s.%s\t%s\t%d\t%s\n",
			s.IndexName, s.SchemaName, s.TableName, formatBytes(s.IndexSize), s.IndexScans, indexFlags(s))
	}
	return w.Flush()
}

// runMonitorTables is the handler for "auditctl monitor tables".
func runMonitorTables(ctx context.Context, stack *appStack) error {
	stats, err := stack.monitor.TableStats(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(stats)
	}
	if len(stats) == 0 {
		fmt.Println("No user tables found.")
		return nil
	}

	w := newTabWriter()
	fmt.Fprintln(w, "TABLE\tSIZE\tINDEXES\tLIVE\tDEAD\tDEAD %\tLAST AUTOVACUUM")
	for _, s := range stats {
		fmt.Fprintf(w, "%s.%s\t%s\t%s\t%d\t%d\t%.1f\t%s\n",
			s.SchemaName, s.TableName, formatBytes(s.TableSize), formatBytes(s.IndexSize),
			s.LiveTuples, s.DeadTuples, s.DeadTupleRatio*100, formatMaybeTime(s.LastAutovacuum))
	}
	return w.Flush()
}

// monitorSummary is the composite "monitor summary" payload.
type monitorSummary struct {
	Connections      *database.ConnectionStats `json:"connections"`
	ClientPool       database.PoolStats        `json:"clientPool"`
	PoolSuccessRate  float64                   `json:"poolSuccessRate"`
	DBCacheHitRatio  float64                   `json:"dbCacheHitRatio"`
	SuggestedIndexes []string                  `json:"suggestedIndexes,omitempty"`
}

// runMonitorSummary is the handler for "auditctl monitor summary".
func runMonitorSummary(ctx context.Context, stack *appStack) error {
	conns, err := stack.monitor.ConnectionStats(ctx)
	if err != nil {
		return err
	}
	ratio, err := stack.monitor.CacheHitRatio(ctx)
	if err != nil {
		return err
	}
	suggestions, err := stack.monitor.SuggestIndexes(ctx)
	if err != nil {
		return err
	}

	summary := monitorSummary{
		Connections:      conns,
		ClientPool:       stack.pool.Stats(),
		PoolSuccessRate:  stack.pool.SuccessRate(),
		DBCacheHitRatio:  ratio,
		SuggestedIndexes: suggestions,
	}

	if jsonOutput {
		return printJSON(summary)
	}
	fmt.Printf("Server connections:  %d of %d (%d active, %d idle, %d in transaction)\n",
		conns.TotalConnections, conns.MaxConnections,
		conns.ActiveConnections, conns.IdleConnections, conns.IdleInTransaction)
	fmt.Printf("Buffer cache hit:    %.1f%%\n", ratio*100)
	fmt.Printf("Client pool:         %d active / %d total, success rate %.1f%%\n",
		summary.ClientPool.ActiveConnections, summary.ClientPool.TotalConnections,
		summary.PoolSuccessRate*100)
	if len(suggestions) > 0 {
		fmt.Println("Suggested indexes:")
		for _, s := range suggestions {
			fmt.Printf("  %s\n", s)
		}
	}
	return nil
}

// indexFlags renders the boolean index markers as a short label list.
func indexFlags(s database.IndexStats) string {
	flags := ""
	if s.IsUnused {
		flags += "unused "
	}
	if s.IsUnique {
		flags += "unique "
	}
	if s.IsInvalid {
		flags += "INVALID "
	}
	if flags == "" {
		return "-"
	}
	return flags[:len(flags)-1]
}
