package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	apperrors "github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a command failure to the documented exit codes:
// configuration problems exit 2, everything else 1.
func exitCode(err error) int {
	if apperrors.IsType(err, apperrors.ErrorTypeConfig) {
		return exitConfigError
	}
	return exitFailure
}
