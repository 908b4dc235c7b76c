// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package plugin provides plugin loading, dependency planning and dispatch.
package plugin

import (
	"context"

	pluginapi "github.com/holomush/sora/pkg/plugin"
)

// Module is the handle of a loaded unit of plugin code. A module must stay
// open for as long as any plugin it produced can still be run.
type Module interface {
	// Ref returns the module reference the handle was opened from.
	Ref() string

	// Close releases the module. Plugins produced by it must not be used
	// afterwards.
	Close() error
}

// Loader turns a module reference into an open module and the plugin it
// provides. Load is atomic: it returns both or neither. Failures should be
// reported as *LoadError so callers can tell a bad reference from a module
// that is not a plugin.
type Loader interface {
	Load(ctx context.Context, ref string) (Module, pluginapi.Plugin, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, ref string) (Module, pluginapi.Plugin, error)

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context, ref string) (Module, pluginapi.Plugin, error) {
	return f(ctx, ref)
}

// StaticModule is a Module with nothing to release, used for plugins linked
// into the host binary.
type StaticModule string

// Ref implements Module.
func (m StaticModule) Ref() string { return string(m) }

// Close implements Module.
func (m StaticModule) Close() error { return nil }

// Compile-time interface check.
var _ Module = StaticModule("")
