// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/holomush/sora/internal/plugin"
	"github.com/holomush/sora/internal/plugin/capability"
	"github.com/holomush/sora/internal/plugin/hostfunc"
	pluginapi "github.com/holomush/sora/pkg/plugin"
)

// Globals a script defines. Only RunFunc is required.
const (
	RunFunc       = "run"
	NameGlobal    = "name"
	DependsGlobal = "dependencies"
)

// Loader opens Lua plugin scripts. Every module gets its own sandboxed
// state with the host functions registered under the manifest name and
// capabilities granted to the module reference.
type Loader struct {
	factory  *StateFactory
	funcs    *hostfunc.Functions
	enforcer *capability.Enforcer
}

// NewLoader creates a Lua loader. kv backs the kv_* host functions and may
// be nil.
// Panics if enforcer is nil.
func NewLoader(enforcer *capability.Enforcer, kv hostfunc.KVStore, opts ...StateOption) *Loader {
	if enforcer == nil {
		panic("lua.NewLoader: enforcer cannot be nil")
	}
	return &Loader{
		factory:  NewStateFactory(opts...),
		funcs:    hostfunc.New(kv, enforcer),
		enforcer: enforcer,
	}
}

// LoadSource implements plugin.SourceLoader. The script's top level runs
// once here; its run function is called on every dispatch.
func (l *Loader) LoadSource(ctx context.Context, src plugin.Source) (plugin.Module, pluginapi.Plugin, error) {
	code, err := os.ReadFile(src.Path)
	if err != nil {
		return nil, nil, plugin.NewHandleError(src.Ref, err)
	}

	// Grants are keyed by module reference, not plugin name.
	grantee := src.Ref
	if err := l.enforcer.SetGrants(grantee, src.Manifest.Capabilities); err != nil {
		return nil, nil, plugin.NewHandleError(src.Ref, fmt.Errorf("capabilities: %w", err))
	}

	L, err := l.factory.NewState(ctx)
	if err != nil {
		l.enforcer.RemoveGrants(grantee)
		return nil, nil, plugin.NewHandleError(src.Ref, err)
	}
	l.funcs.RegisterAs(L, src.Manifest.Name, grantee)

	fail := func(err error) (plugin.Module, pluginapi.Plugin, error) {
		L.Close()
		l.enforcer.RemoveGrants(grantee)
		return nil, nil, err
	}

	fn, err := L.LoadString(string(code))
	if err != nil {
		return fail(plugin.NewHandleError(src.Ref, fmt.Errorf("syntax error: %w", err)))
	}
	L.Push(fn)
	if err := L.PCall(0, 0, nil); err != nil {
		return fail(plugin.NewHandleError(src.Ref, fmt.Errorf("script error: %w", err)))
	}
	L.RemoveContext()

	p, err := newScriptPlugin(L, src.Manifest.Name)
	if err != nil {
		return fail(plugin.NewEntryPointError(src.Ref, err))
	}

	mod := &module{ref: src.Ref, grantee: grantee, plugin: p, enforcer: l.enforcer}
	return mod, p, nil
}

// scriptPlugin adapts the globals of a loaded script to pluginapi.Plugin.
// A state is not safe for concurrent use, so runs are serialized.
type scriptPlugin struct {
	name   string
	deps   []string
	state  *lua.LState
	run    *lua.LFunction
	closed bool
	mu     sync.Mutex
}

func newScriptPlugin(L *lua.LState, fallback string) (*scriptPlugin, error) {
	run, ok := L.GetGlobal(RunFunc).(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("script does not define a %s function", RunFunc)
	}

	p := &scriptPlugin{name: fallback, state: L, run: run}

	switch v := L.GetGlobal(NameGlobal).(type) {
	case *lua.LNilType:
	case lua.LString:
		if v != "" {
			p.name = string(v)
		}
	default:
		return nil, fmt.Errorf("%s must be a string, got %s", NameGlobal, v.Type())
	}

	switch v := L.GetGlobal(DependsGlobal).(type) {
	case *lua.LNilType:
	case *lua.LTable:
		var bad lua.LValue
		v.ForEach(func(_, dep lua.LValue) {
			s, ok := dep.(lua.LString)
			if !ok {
				bad = dep
				return
			}
			p.deps = append(p.deps, string(s))
		})
		if bad != nil {
			return nil, fmt.Errorf("%s must hold strings, got %s", DependsGlobal, bad.Type())
		}
	default:
		return nil, fmt.Errorf("%s must be a table, got %s", DependsGlobal, v.Type())
	}

	return p, nil
}

func (p *scriptPlugin) Name() string { return p.name }

func (p *scriptPlugin) Dependencies() []string { return p.deps }

// Run calls the script's run function. A Lua error is raised as a panic
// unless ctx ended first.
func (p *scriptPlugin) Run(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		panic(oops.In("lua").With("plugin", p.name).Errorf("state is closed"))
	}

	p.state.SetContext(ctx)
	defer p.state.RemoveContext()

	err := p.state.CallByParam(lua.P{Fn: p.run, NRet: 0, Protect: true})
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		slog.Warn("lua plugin interrupted",
			"plugin", p.name,
			"error", ctx.Err())
		return
	}
	panic(oops.In("lua").With("plugin", p.name).Wrapf(err, "run"))
}

func (p *scriptPlugin) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.state.Close()
}

// module owns a script's state and capability grants.
type module struct {
	ref      string
	grantee  string
	plugin   *scriptPlugin
	enforcer *capability.Enforcer
}

func (m *module) Ref() string { return m.ref }

// Close releases the Lua state and revokes the script's capabilities.
func (m *module) Close() error {
	m.plugin.close()
	m.enforcer.RemoveGrants(m.grantee)
	return nil
}

// Compile-time interface checks.
var (
	_ plugin.SourceLoader = (*Loader)(nil)
	_ pluginapi.Plugin    = (*scriptPlugin)(nil)
	_ plugin.Module       = (*module)(nil)
)
