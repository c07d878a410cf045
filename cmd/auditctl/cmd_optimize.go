package main

import (
	"context"
	"fmt"
)

// runOptimizeMaintenance is the handler for "auditctl optimize maintenance".
// Individual operations may fail without aborting the pass; a failed
// operation shows its error in the RESULT column and the command still
// exits 0 so scheduled runs keep going.
func runOptimizeMaintenance(ctx context.Context, stack *appStack) error {
	results, err := stack.monitor.RunMaintenance(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(results)
	}
	if len(results) == 0 {
		fmt.Println("Nothing to maintain.")
		return nil
	}

	w := newTabWriter()
	fmt.Fprintln(w, "OPERATION\tTARGET\tDURATION\tRESULT")
	for _, r := range results {
		result := "ok"
		if !r.Success {
			result = r.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Operation, r.Target, r.Duration.Round(timePrecision), result)
	}
	return w.Flush()
}

// runOptimizeConfig is the handler for "auditctl optimize config".
func runOptimizeConfig(ctx context.Context, stack *appStack) error {
	opt, err := stack.monitor.OptimizeConfiguration(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(opt)
	}

	if len(opt.CurrentSettings) > 0 {
		w := newTabWriter()
		fmt.Fprintln(w, "SETTING\tVALUE\tDESCRIPTION")
		for _, s := range opt.CurrentSettings {
			value := s.Value
			if s.Unit != "" {
				value += " " + s.Unit
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, value, s.Description)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	printRecommendations(opt.Recommendations)
	if len(opt.Recommendations) == 0 {
		fmt.Println("Server configuration looks reasonable for the current workload.")
	}
	return nil
}
