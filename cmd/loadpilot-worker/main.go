// loadpilot-worker is the reference load generator child process. It reads
// one start frame from stdin, drives the spec's load profile, streams
// progress frames on stdout, and ends with exactly one terminal frame.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loadpilot/loadpilot/pkg/worker"
)

func main() {
	// Frames own stdout; logs go to stderr where the parent forwards them
	// as run log events.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	start, err := worker.ReadStart(os.Stdin)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to read start frame:", err)
		os.Exit(1)
	}

	enc := worker.NewEncoder(os.Stdout)

	// SIGTERM from the parent cancels the run; the parent owns what a
	// terminated worker means, so no terminal frame is written on cancel.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	slog.Info("Load generation starting",
		"spec_id", start.Spec.ID,
		"target", start.Spec.Request.URL,
		"users", start.Spec.LoadProfile.Users)

	gen := &worker.Generator{}
	if err := gen.Run(ctx, start.Spec, enc); err != nil {
		if ctx.Err() != nil {
			os.Exit(0)
		}
		if encErr := enc.EncodeError(worker.Error{
			Message: "load generation failed",
			Details: err.Error(),
		}); encErr != nil {
			fmt.Fprintln(os.Stderr, "failed to write error frame:", encErr)
		}
		os.Exit(1)
	}
}
