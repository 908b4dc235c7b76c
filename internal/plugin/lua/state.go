// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package lua loads plugins written in Lua and runs them in sandboxed
// states.
package lua

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// safeLibrary represents a Lua library that is safe to load in sandboxed state.
type safeLibrary struct {
	name string
	fn   lua.LGFunction
}

// defaultSafeLibraries returns the list of libraries safe to load.
// Safe: base, table, string, math.
// Blocked: os, io, debug, package, channel, coroutine.
func defaultSafeLibraries() []safeLibrary {
	return []safeLibrary{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
}

// Default VM limits for plugin states.
const (
	DefaultCallStackSize   = 256
	DefaultRegistryMaxSize = 256 * 1024
)

// StateFactory creates sandboxed Lua states with only safe libraries.
type StateFactory struct {
	libraries       []safeLibrary
	callStackSize   int
	registryMaxSize int
}

// StateOption configures a StateFactory.
type StateOption func(*StateFactory)

// WithCallStackSize limits the Lua call depth.
func WithCallStackSize(n int) StateOption {
	return func(f *StateFactory) {
		f.callStackSize = n
	}
}

// WithRegistryMaxSize limits how far the Lua registry may grow.
func WithRegistryMaxSize(n int) StateOption {
	return func(f *StateFactory) {
		f.registryMaxSize = n
	}
}

// NewStateFactory creates a new state factory.
func NewStateFactory(opts ...StateOption) *StateFactory {
	f := &StateFactory{
		libraries:       defaultSafeLibraries(),
		callStackSize:   DefaultCallStackSize,
		registryMaxSize: DefaultRegistryMaxSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// unsafeBaseFunctions lists base library functions that can reach the
// filesystem or compile arbitrary chunks.
var unsafeBaseFunctions = []string{"dofile", "loadfile", "loadstring", "load", "require", "module"}

// NewState creates a fresh Lua state with only safe libraries loaded. The
// state runs under ctx until the caller replaces or removes the context.
func (f *StateFactory) NewState(ctx context.Context) (*lua.LState, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       f.callStackSize,
		RegistryMaxSize:     f.registryMaxSize,
		IncludeGoStackTrace: false,
	})

	for _, lib := range f.libraries {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("failed to open library %s: %w", lib.name, err)
		}
	}

	for _, fn := range unsafeBaseFunctions {
		L.SetGlobal(fn, lua.LNil)
	}

	if ctx != nil {
		L.SetContext(ctx)
	}
	return L, nil
}
