// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads sora configuration from defaults, a YAML file,
// SORA_* environment variables and command-line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/sora/internal/logging"
	"github.com/holomush/sora/internal/plugin"
	"github.com/holomush/sora/internal/xdg"
)

// EnvPrefix is the prefix of environment variables read into the config.
// SORA_DISPATCH_WORKERS sets dispatch.workers.
const EnvPrefix = "SORA_"

// Config is the complete sora configuration.
type Config struct {
	Plugins  PluginsConfig  `koanf:"plugins"`
	Dispatch DispatchConfig `koanf:"dispatch"`
	Planner  PlannerConfig  `koanf:"planner"`
	Log      LogConfig      `koanf:"log"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Loader   LoaderConfig   `koanf:"loader"`
}

// PluginsConfig locates plugin modules.
type PluginsConfig struct {
	Dir string `koanf:"dir"`
}

// DispatchConfig controls how plans are run.
type DispatchConfig struct {
	Mode     string        `koanf:"mode"`
	Workers  int           `koanf:"workers"`
	Repeat   int           `koanf:"repeat"`
	Interval time.Duration `koanf:"interval"`
}

// PlannerConfig selects planning and loading policies.
type PlannerConfig struct {
	Stages     string `koanf:"stages"`
	Phantoms   string `koanf:"phantoms"`
	Duplicates string `koanf:"duplicates"`
}

// LogConfig configures the default logger.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// MetricsConfig configures the observability server. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// LoaderConfig holds per-kind loader settings.
type LoaderConfig struct {
	Binary BinaryLoaderConfig `koanf:"binary"`
}

// BinaryLoaderConfig configures out-of-process plugins.
type BinaryLoaderConfig struct {
	Retries uint64        `koanf:"retries"`
	Backoff time.Duration `koanf:"backoff"`
}

// Defaults returns the built-in values as flattened keys.
func Defaults() map[string]any {
	return map[string]any{
		"plugins.dir":           xdg.PluginsDir(),
		"dispatch.mode":         plugin.ModeParallel.String(),
		"dispatch.workers":      0,
		"dispatch.repeat":       1,
		"dispatch.interval":     time.Duration(0),
		"planner.stages":        plugin.StagePolicyDepth.String(),
		"planner.phantoms":      plugin.PhantomPlaceholder.String(),
		"planner.duplicates":    plugin.DuplicateReplace.String(),
		"log.format":            "json",
		"log.level":             "info",
		"metrics.addr":          "",
		"loader.binary.retries": uint64(2),
		"loader.binary.backoff": 100 * time.Millisecond,
	}
}

// Load builds the configuration. path names the config file; when empty
// the XDG config file is used if it exists. flags may be nil; flagKeys
// maps flag names to config keys and flags missing from it are ignored.
func Load(path string, flags *pflag.FlagSet, flagKeys map[string]string) (*Config, error) {
	k := koanf.New(".")

	for key, val := range Defaults() {
		if err := k.Set(key, val); err != nil {
			return nil, oops.In("config").With("key", key).Wrap(err)
		}
	}

	if path == "" {
		if candidate := xdg.ConfigFile(); fileExists(candidate) {
			path = candidate
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.In("config").With("path", path).Wrapf(err, "load config file")
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, oops.In("config").Wrapf(err, "load environment")
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.In("config").Wrapf(err, "load flags")
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.In("config").Wrapf(err, "decode config")
	}
	return &cfg, nil
}

// envKey maps SORA_LOADER_BINARY_RETRIES to loader.binary.retries.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Validate checks enum values and ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Plugins.Dir == "" {
		errs = append(errs, errors.New("plugins.dir is required"))
	}
	if _, err := plugin.ParseMode(c.Dispatch.Mode); err != nil {
		errs = append(errs, err)
	}
	if c.Dispatch.Workers < 0 {
		errs = append(errs, fmt.Errorf("dispatch.workers must be >= 0, got %d", c.Dispatch.Workers))
	}
	if c.Dispatch.Repeat < 0 {
		errs = append(errs, fmt.Errorf("dispatch.repeat must be >= 0, got %d", c.Dispatch.Repeat))
	}
	if c.Dispatch.Interval < 0 {
		errs = append(errs, fmt.Errorf("dispatch.interval must not be negative, got %s", c.Dispatch.Interval))
	}
	if _, err := plugin.ParseStagePolicy(c.Planner.Stages); err != nil {
		errs = append(errs, err)
	}
	if _, err := plugin.ParsePhantomPolicy(c.Planner.Phantoms); err != nil {
		errs = append(errs, err)
	}
	if _, err := plugin.ParseDuplicatePolicy(c.Planner.Duplicates); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format must be 'json' or 'text', got %q", c.Log.Format))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Loader.Binary.Backoff <= 0 {
		errs = append(errs, fmt.Errorf("loader.binary.backoff must be positive, got %s", c.Loader.Binary.Backoff))
	}
	return errors.Join(errs...)
}

// PlanOptions converts the planner settings. Call Validate first.
func (c *Config) PlanOptions() []plugin.PlanOption {
	stages, _ := plugin.ParseStagePolicy(c.Planner.Stages)
	phantoms, _ := plugin.ParsePhantomPolicy(c.Planner.Phantoms)
	return []plugin.PlanOption{
		plugin.WithStagePolicy(stages),
		plugin.WithPhantomPolicy(phantoms),
	}
}

// DuplicatePolicy returns the configured duplicate policy. Call Validate first.
func (c *Config) DuplicatePolicy() plugin.DuplicatePolicy {
	p, _ := plugin.ParseDuplicatePolicy(c.Planner.Duplicates)
	return p
}

// Mode returns the configured dispatch mode. Call Validate first.
func (c *Config) Mode() plugin.Mode {
	m, _ := plugin.ParseMode(c.Dispatch.Mode)
	return m
}
