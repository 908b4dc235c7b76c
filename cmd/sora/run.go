// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/holomush/sora/internal/config"
	"github.com/holomush/sora/internal/plugin"
	"github.com/holomush/sora/pkg/errutil"
)

// NewRunCmd creates the run subcommand.
func NewRunCmd() *cobra.Command {
	return newRunCmd(nil)
}

func newRunCmd(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [plugins-dir]",
		Short: "Load, plan and dispatch plugins",
		Long: `Discover the plugins in a directory, load them, order them into
stages and dispatch the plan. With --interval the plan is dispatched
periodically until interrupted or --repeat dispatches have run.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithDeps(cmd.Context(), cmd, args, deps)
		},
	}

	addPlanFlags(cmd.Flags())
	addRunFlags(cmd.Flags())

	return cmd
}

// runWithDeps runs the host with injectable dependencies.
// If deps is nil, default implementations are used.
func runWithDeps(ctx context.Context, cmd *cobra.Command, args []string, deps *Deps) error {
	deps = deps.withDefaults()

	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ready atomic.Bool
	var metrics *plugin.Metrics

	if cfg.Metrics.Addr != "" {
		obsServer := deps.ObservabilityServerFactory(cfg.Metrics.Addr, ready.Load)
		metrics = plugin.NewMetrics(obsServer.Registry())
		obsServer.SetBuildInfo(version, commit)

		obsErrChan, err := obsServer.Start()
		if err != nil {
			return fmt.Errorf("failed to start observability server: %w", err)
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := obsServer.Stop(shutdownCtx); err != nil {
				slog.Warn("error stopping observability server", "error", err)
			}
		}()
		// Monitor observability server errors - cancel context on error
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		slog.Info("observability server started", "addr", obsServer.Addr())
	}

	plan, err := buildPlan(ctx, cfg, deps.LoaderFactory(cfg), metrics)
	if err != nil {
		errutil.LogError(slog.Default(), "startup failed", err)
		return err
	}

	d, err := plugin.NewDispatcher(plan,
		plugin.WithWorkers(cfg.Dispatch.Workers),
		plugin.WithDispatchMetrics(metrics))
	if err != nil {
		_ = plan.Close()
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	defer func() {
		if err := d.Close(); err != nil {
			slog.Warn("error releasing plugin modules", "error", err)
		}
	}()

	ready.Store(true)
	cmd.Printf("Loaded %d plugins in %d stages\n", countPlugins(plan), plan.Len())
	slog.Info("plan ready",
		"stages", plan.Len(),
		"workers", d.Workers(),
		"mode", cfg.Dispatch.Mode)

	err = dispatchLoop(ctx, d, cfg)
	switch {
	case err == nil:
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		slog.Info("dispatch interrupted, shutting down")
	default:
		errutil.LogError(slog.Default(), "dispatch failed", err)
		return err
	}

	slog.Info("shutdown complete")
	return nil
}

// planDispatcher is the part of *plugin.Dispatcher the loop needs.
type planDispatcher interface {
	Dispatch(ctx context.Context, mode plugin.Mode) error
}

// dispatchLoop runs the plan cfg.Dispatch.Repeat times, waiting
// cfg.Dispatch.Interval between runs. Repeat 0 with an interval runs until
// ctx is done.
func dispatchLoop(ctx context.Context, d planDispatcher, cfg *config.Config) error {
	mode := cfg.Mode()
	repeat := cfg.Dispatch.Repeat
	interval := cfg.Dispatch.Interval
	if repeat == 0 && interval == 0 {
		repeat = 1
	}

	var ticker *time.Ticker
	if interval > 0 {
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}

	for n := 1; repeat == 0 || n <= repeat; n++ {
		if err := d.Dispatch(ctx, mode); err != nil {
			return err
		}
		slog.Debug("dispatch finished", "iteration", n)

		if ticker == nil || n == repeat {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func countPlugins(plan *plugin.Plan) int {
	n := 0
	for _, s := range plan.Stages() {
		n += s.Len()
	}
	return n
}

// monitorServerErrors cancels ctx when the server reports an error.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			// Channel closed, server stopped gracefully
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
