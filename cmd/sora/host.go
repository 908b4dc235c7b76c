// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/holomush/sora/internal/config"
	"github.com/holomush/sora/internal/logging"
	"github.com/holomush/sora/internal/plugin"
	"github.com/holomush/sora/internal/plugin/capability"
	"github.com/holomush/sora/internal/plugin/goplugin"
	"github.com/holomush/sora/internal/plugin/hostfunc"
	"github.com/holomush/sora/internal/plugin/lua"
	"github.com/holomush/sora/internal/plugin/native"
	"github.com/holomush/sora/internal/plugin/wasm"
)

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"mode":         "dispatch.mode",
	"workers":      "dispatch.workers",
	"repeat":       "dispatch.repeat",
	"interval":     "dispatch.interval",
	"stages":       "planner.stages",
	"phantoms":     "planner.phantoms",
	"duplicates":   "planner.duplicates",
	"log-format":   "log.format",
	"log-level":    "log.level",
	"metrics-addr": "metrics.addr",
	"retries":      "loader.binary.retries",
}

// Default values for command flags. Config files and SORA_* variables
// override them unless the flag is set explicitly.
const (
	defaultMode       = "parallel"
	defaultStages     = "depth"
	defaultPhantoms   = "placeholder"
	defaultDuplicates = "replace"
	defaultLogFormat  = "json"
	defaultLogLevel   = "info"
	defaultRetries    = 2
)

func addPlanFlags(fs *pflag.FlagSet) {
	fs.String("stages", defaultStages, "stage policy (depth or serial)")
	fs.String("phantoms", defaultPhantoms, "unresolved dependency policy (placeholder or reject)")
	fs.String("duplicates", defaultDuplicates, "duplicate plugin name policy (replace or reject)")
	fs.String("log-format", defaultLogFormat, "log format (json or text)")
	fs.String("log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.Uint64("retries", defaultRetries, "connect retries for executable plugins")
}

func addRunFlags(fs *pflag.FlagSet) {
	fs.String("mode", defaultMode, "dispatch mode (parallel or sequential)")
	fs.Int("workers", 0, "worker pool size (0 = number of CPUs)")
	fs.Int("repeat", 1, "number of dispatches (0 = until interrupted when --interval is set)")
	fs.Duration("interval", 0, "delay between dispatches")
	fs.String("metrics-addr", "", "metrics/health HTTP address (empty = disabled)")
}

// loadConfig layers the config sources and applies the optional plugins
// directory argument.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg, err := config.Load(configFile, cmd.Flags(), flagKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if len(args) > 0 {
		cfg.Plugins.Dir = args[0]
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setupLogging configures the default slog logger.
func setupLogging(cfg *config.Config) error {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logging.SetDefault("sora", version, cfg.Log.Format, level)
	return nil
}

// newRouter wires a loader for every module kind.
func newRouter(cfg *config.Config) plugin.Loader {
	enforcer := capability.NewEnforcer()
	kv := hostfunc.NewMemoryKV()

	return plugin.NewRouter(version,
		plugin.WithSourceLoader(plugin.TypeNative, native.NewLoader()),
		plugin.WithSourceLoader(plugin.TypeBinary, goplugin.NewLoader(
			goplugin.WithRetries(cfg.Loader.Binary.Retries),
			goplugin.WithBackoff(cfg.Loader.Binary.Backoff),
		)),
		plugin.WithSourceLoader(plugin.TypeLua, lua.NewLoader(enforcer, kv)),
		plugin.WithSourceLoader(plugin.TypeWASM, wasm.NewLoader()),
	)
}

// buildPlan discovers, loads and plans the plugins in cfg.Plugins.Dir.
func buildPlan(ctx context.Context, cfg *config.Config, loader plugin.Loader, metrics *plugin.Metrics) (*plugin.Plan, error) {
	refs, err := plugin.Discover(cfg.Plugins.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to discover plugins: %w", err)
	}
	slog.Info("discovered plugin modules", "dir", cfg.Plugins.Dir, "count", len(refs))

	m := plugin.NewManager(loader,
		plugin.WithDuplicatePolicy(cfg.DuplicatePolicy()),
		plugin.WithManagerMetrics(metrics))
	if err := m.LoadAll(ctx, refs); err != nil {
		if cerr := m.Close(); cerr != nil {
			slog.Warn("failed to release modules", "error", cerr)
		}
		return nil, fmt.Errorf("failed to load plugins: %w", err)
	}

	plan, err := m.IntoStagePlan(cfg.PlanOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to plan plugins: %w", err)
	}
	return plan, nil
}
