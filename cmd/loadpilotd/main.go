// loadpilotd is the load-test control plane: it admits runs over HTTP,
// supervises worker processes, and streams run events over WebSocket.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/loadpilot/loadpilot/pkg/api"
	"github.com/loadpilot/loadpilot/pkg/bus"
	"github.com/loadpilot/loadpilot/pkg/config"
	"github.com/loadpilot/loadpilot/pkg/models"
	"github.com/loadpilot/loadpilot/pkg/orchestrator"
	"github.com/loadpilot/loadpilot/pkg/specs"
	"github.com/loadpilot/loadpilot/pkg/store"
	"github.com/loadpilot/loadpilot/pkg/version"
)

// stores is the persistence pair the daemon runs against.
type stores struct {
	runs  store.RunStore
	specs store.SpecStore
	close func()
}

func main() {
	envFile := flag.String("env-file", ".env", "Path to optional .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting loadpilotd",
		"version", version.Full(),
		"http_port", cfg.HTTPPort,
		"max_workers", cfg.Orchestrator.MaxWorkers,
		"db_disabled", cfg.DBDisabled)

	ctx := context.Background()

	st, err := openStores(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open stores", "error", err)
		os.Exit(1)
	}
	defer st.close()

	if cfg.SpecsFile != "" {
		n, err := seedSpecs(ctx, st.specs, cfg.SpecsFile)
		if err != nil {
			slog.Error("Failed to seed specs", "path", cfg.SpecsFile, "error", err)
			os.Exit(1)
		}
		slog.Info("Seeded specs", "path", cfg.SpecsFile, "count", n)
	}

	events := bus.New(cfg.Bus.SubscriberQueue, cfg.Bus.TerminalGrace)
	defer events.Close()

	resolver := specs.NewResolver(st.specs, nil)
	orch := orchestrator.New(cfg.Orchestrator, st.runs, resolver, events)

	// Records left running by a previous process are unrecoverable: their
	// workers died with it.
	if _, err := orch.SweepOrphans(ctx); err != nil {
		slog.Error("Startup orphan sweep failed", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(orch, st.runs, events)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Stop live runs first so their terminal transitions land in the store
	// before it closes.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Orchestrator.KillGrace+10*time.Second)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Orchestrator shutdown incomplete", "error", err)
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}

// openStores connects to Postgres, or falls back to in-memory stores when
// DB_DISABLED is set.
func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.DBDisabled {
		slog.Warn("Database disabled, using in-memory stores")
		mem := store.NewMemoryStore()
		return &stores{runs: mem, specs: mem, close: func() {}}, nil
	}

	pg, err := store.Connect(ctx, cfg.Database.DSN(),
		int32(cfg.Database.MaxConns), cfg.Database.ConnMaxLifetime)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	slog.Info("Connected to PostgreSQL database",
		"host", cfg.Database.Host, "database", cfg.Database.Database)
	return &stores{runs: pg, specs: pg, close: pg.Close}, nil
}

// seedSpecs loads a JSON array of specs into the spec store.
func seedSpecs(ctx context.Context, st store.SpecStore, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var list []models.Spec
	if err := json.Unmarshal(data, &list); err != nil {
		return 0, fmt.Errorf("parse specs file: %w", err)
	}
	for i := range list {
		if list[i].ID == "" {
			return 0, fmt.Errorf("spec %d has no id", i)
		}
		if err := st.PutSpec(ctx, &list[i]); err != nil {
			return 0, fmt.Errorf("seed spec %s: %w", list[i].ID, err)
		}
	}
	return len(list), nil
}
