// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fleetmend/fleetmend/internal/api"
	"github.com/fleetmend/fleetmend/internal/audit"
	"github.com/fleetmend/fleetmend/internal/coordinator"
	"github.com/fleetmend/fleetmend/internal/core/config"
	"github.com/fleetmend/fleetmend/internal/executor"
	"github.com/fleetmend/fleetmend/internal/notify"
	"github.com/fleetmend/fleetmend/internal/registry"
	"github.com/fleetmend/fleetmend/internal/safety"
	"github.com/fleetmend/fleetmend/internal/store"
	"github.com/fleetmend/fleetmend/internal/workflow"
)

// NewServeCommand creates the serve command
func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the remediation service",
		Long: `Starts the HTTP API, the approval workflow engine, and the command
executor. Shuts down gracefully on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("error loading configuration: %w", err)
	}

	st, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}

	// Connections persisted by earlier runs are live again on startup.
	reg := registry.New()
	conns, err := st.ListConnections(ctx)
	if err != nil {
		return fmt.Errorf("error loading persisted connections: %w", err)
	}
	for _, conn := range conns {
		if err := reg.Register(conn); err != nil {
			logger.Warn("skipping invalid persisted connection",
				"serverId", conn.ServerID, "error", err)
		}
	}

	checker, err := safety.NewChecker(cfg.SafetyChecks)
	if err != nil {
		return fmt.Errorf("error compiling safety checks: %w", err)
	}

	exec := executor.New(reg, checker, executor.Options{
		DefaultMaxExecutionTime: cfg.Execution.DefaultMaxExecutionTime,
		ElevationPrefix:         cfg.Execution.ElevationPrefix,
		ActionTypes:             cfg.ActionTypes,
	}, logger)

	var notifier notify.Publisher = notify.NopPublisher{}
	if cfg.NATS.URL != "" {
		np, err := notify.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectBase, logger)
		if err != nil {
			return err
		}
		defer np.Close()
		notifier = np
	}

	engine := workflow.NewEngine(st, logger)
	coord := coordinator.New(st, engine, exec,
		audit.NewLogRecorder(logger), notifier, cfg.Approval.Approvers, logger)

	srv := api.NewServer(reg, st, exec, coord, cfg.Execution, logger)

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening",
			"addr", cfg.HTTP.Addr, "storage", cfg.Storage.Driver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		pg, err := store.NewPostgresStore(cfg.Storage.PostgresDSN, logger)
		if err != nil {
			return nil, fmt.Errorf("error connecting to postgres: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return pg, nil
	default:
		return store.NewMemoryStore(), nil
	}
}
