// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/samber/oops"

	pluginapi "github.com/holomush/sora/pkg/plugin"
)

// DuplicatePolicy decides what Load does when a plugin reports a name that
// is already loaded.
type DuplicatePolicy int

const (
	// DuplicateReplace drops the earlier plugin in favour of the new one.
	// The earlier module stays open until the manager or dispatcher closes.
	DuplicateReplace DuplicatePolicy = iota
	// DuplicateReject fails the load and closes the new module.
	DuplicateReject
)

// String returns the configuration name of the policy.
func (p DuplicatePolicy) String() string {
	switch p {
	case DuplicateReplace:
		return "replace"
	case DuplicateReject:
		return "reject"
	default:
		return fmt.Sprintf("DuplicatePolicy(%d)", int(p))
	}
}

// ParseDuplicatePolicy parses "replace" or "reject".
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch s {
	case "replace":
		return DuplicateReplace, nil
	case "reject":
		return DuplicateReject, nil
	default:
		return 0, fmt.Errorf("duplicate policy must be 'replace' or 'reject', got %q", s)
	}
}

// Manager accumulates loaded plugins and the modules backing them until they
// are turned into a Plan.
type Manager struct {
	loader     Loader
	duplicates DuplicatePolicy
	metrics    *Metrics

	plugins  []pluginapi.Plugin
	names    []string
	index    map[string]int
	modules  []Module
	consumed bool
	mu       sync.Mutex
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithDuplicatePolicy sets how name collisions are handled.
func WithDuplicatePolicy(p DuplicatePolicy) ManagerOption {
	return func(m *Manager) {
		m.duplicates = p
	}
}

// WithManagerMetrics records load outcomes in metrics.
func WithManagerMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// NewManager creates a plugin manager that loads modules with loader.
// Panics if loader is nil.
func NewManager(loader Loader, opts ...ManagerOption) *Manager {
	if loader == nil {
		panic("plugin: loader cannot be nil")
	}
	m := &Manager{
		loader: loader,
		index:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load opens ref with the manager's loader and records the plugin it
// provides. A failed load leaves previously loaded plugins untouched.
func (m *Manager) Load(ctx context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.consumed {
		return oops.Code(CodeManagerConsumed).With("ref", ref).Wrap(ErrManagerConsumed)
	}

	mod, p, err := m.loader.Load(ctx, ref)
	if err == nil && (mod == nil || p == nil) {
		closeQuietly(mod)
		err = NewEntryPointError(ref, errors.New("loader returned no plugin"))
	}
	if err != nil {
		var le *LoadError
		if !errors.As(err, &le) {
			le = NewHandleError(ref, err)
			err = le
		}
		m.metrics.recordLoad(le.Kind.String())
		return oops.Code(le.Kind.String()).In("manager").With("ref", ref).Wrap(err)
	}

	name := pluginapi.NameOf(p)
	if prev, ok := m.index[name]; ok {
		if m.duplicates == DuplicateReject {
			closeQuietly(mod)
			m.metrics.recordLoad(CodeDuplicatePlugin)
			return oops.Code(CodeDuplicatePlugin).
				In("manager").
				With("plugin", name).
				With("ref", ref).
				Wrapf(ErrDuplicatePlugin, "%s", name)
		}
		slog.Warn("plugin name already loaded, replacing",
			"plugin", name,
			"ref", ref)
		m.plugins = slices.Delete(m.plugins, prev, prev+1)
		m.names = slices.Delete(m.names, prev, prev+1)
		m.reindex()
	}

	m.index[name] = len(m.plugins)
	m.plugins = append(m.plugins, p)
	m.names = append(m.names, name)
	m.modules = append(m.modules, mod)
	m.metrics.recordLoad("ok")

	slog.Info("loaded plugin",
		"plugin", name,
		"ref", ref,
		"dependencies", p.Dependencies())

	return nil
}

func (m *Manager) reindex() {
	clear(m.index)
	for i, name := range m.names {
		m.index[name] = i
	}
}

// LoadAll loads refs in order and stops at the first failure.
func (m *Manager) LoadAll(ctx context.Context, refs []string) error {
	for _, ref := range refs {
		if err := m.Load(ctx, ref); err != nil {
			return err
		}
	}
	return nil
}

// Plugins returns the names of loaded plugins in load order.
func (m *Manager) Plugins() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.names)
}

// Len returns the number of loaded plugins.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.plugins)
}

// IntoStagePlan consumes the manager and plans its plugins. The manager
// cannot be used afterwards, whatever the outcome. On failure every module
// is closed and the dropped plugins are listed in the error context.
func (m *Manager) IntoStagePlan(opts ...PlanOption) (*Plan, error) {
	m.mu.Lock()
	if m.consumed {
		m.mu.Unlock()
		return nil, oops.Code(CodeManagerConsumed).Wrap(ErrManagerConsumed)
	}
	m.consumed = true
	plugins, names, modules := m.plugins, m.names, m.modules
	m.plugins, m.names, m.modules = nil, nil, nil
	clear(m.index)
	m.mu.Unlock()

	if m.metrics != nil {
		opts = append([]PlanOption{WithPlanMetrics(m.metrics)}, opts...)
	}

	plan, err := NewPlanner(opts...).Plan(plugins)
	if err != nil {
		for _, name := range names {
			slog.Error("plugin dropped by failed planning", "plugin", name)
		}
		if cerr := closeModules(modules); cerr != nil {
			slog.Warn("failed to close modules after planning failure", "error", cerr)
		}
		return nil, oops.In("manager").With("plugins", names).Wrap(err)
	}

	plan.modules = modules
	return plan, nil
}

// Close releases every module of a manager that was never planned.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	modules := m.modules
	m.plugins, m.names, m.modules = nil, nil, nil
	clear(m.index)
	m.consumed = true
	return closeModules(modules)
}

// closeModules closes modules in reverse load order.
func closeModules(modules []Module) error {
	var errs []error
	for i := len(modules) - 1; i >= 0; i-- {
		mod := modules[i]
		if err := mod.Close(); err != nil {
			slog.Warn("failed to close module",
				"ref", mod.Ref(),
				"error", err)
			errs = append(errs, fmt.Errorf("close %s: %w", mod.Ref(), err))
		}
	}
	return errors.Join(errs...)
}

func closeQuietly(mod Module) {
	if mod == nil {
		return
	}
	if err := mod.Close(); err != nil {
		slog.Warn("failed to close module",
			"ref", mod.Ref(),
			"error", err)
	}
}
