// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package wasm loads WebAssembly plugins using Extism.
//
// A module exports run, and optionally name (returning the plugin name) and
// dependencies (returning a JSON array of names). The host provides
// sora_log(msg) in the default Extism host namespace.
package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	extism "github.com/extism/go-sdk"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/sora/internal/plugin"
	pluginapi "github.com/holomush/sora/pkg/plugin"
)

// Exports a module may define. Only RunExport is required.
const (
	RunExport          = "run"
	NameExport         = "name"
	DependenciesExport = "dependencies"
)

// Loader opens WebAssembly plugin modules.
type Loader struct {
	tracer trace.Tracer
	wasi   bool
}

// Option configures the Loader.
type Option func(*Loader)

// WithTracer sets the tracer used for load spans.
func WithTracer(t trace.Tracer) Option {
	return func(l *Loader) {
		l.tracer = t
	}
}

// WithWASI toggles WASI support for loaded modules.
func WithWASI(enabled bool) Option {
	return func(l *Loader) {
		l.wasi = enabled
	}
}

// NewLoader creates a WebAssembly loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		tracer: otel.Tracer("github.com/holomush/sora/internal/plugin/wasm"),
		wasi:   true,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadSource implements plugin.SourceLoader.
func (l *Loader) LoadSource(ctx context.Context, src plugin.Source) (plugin.Module, pluginapi.Plugin, error) {
	ctx, span := l.tracer.Start(ctx, "WASMLoader.Load",
		trace.WithAttributes(attribute.String("plugin.ref", src.Ref)))
	defer span.End()

	data, err := os.ReadFile(src.Path)
	if err != nil {
		span.RecordError(err)
		return nil, nil, plugin.NewHandleError(src.Ref, err)
	}

	manifest := extism.Manifest{
		Wasm: []extism.Wasm{
			extism.WasmData{Data: data, Name: src.Manifest.Name},
		},
	}
	config := extism.PluginConfig{
		EnableWasi: l.wasi,
	}

	ext, err := extism.NewPlugin(ctx, manifest, config, []extism.HostFunction{logFunction(src.Manifest.Name)})
	if err != nil {
		span.RecordError(err)
		return nil, nil, plugin.NewHandleError(src.Ref, err)
	}

	p, err := newModulePlugin(ctx, ext, src.Manifest.Name)
	if err != nil {
		span.RecordError(err)
		if cerr := ext.Close(ctx); cerr != nil {
			slog.Warn("failed to close wasm module", "ref", src.Ref, "error", cerr)
		}
		return nil, nil, plugin.NewEntryPointError(src.Ref, err)
	}

	slog.Debug("loaded wasm module",
		"ref", src.Ref,
		"plugin", p.name,
		"wasm_size", len(data))

	return &module{ref: src.Ref, plugin: p}, p, nil
}

func logFunction(pluginName string) extism.HostFunction {
	fn := extism.NewHostFunctionWithStack("sora_log",
		func(_ context.Context, cp *extism.CurrentPlugin, stack []uint64) {
			msg, err := cp.ReadString(stack[0])
			if err != nil {
				slog.Warn("wasm plugin passed an unreadable log message",
					"plugin", pluginName,
					"error", err)
				return
			}
			slog.Info(msg, "plugin", pluginName)
		},
		[]extism.ValueType{extism.ValueTypePTR},
		nil,
	)
	return fn
}

// modulePlugin adapts an Extism plugin to pluginapi.Plugin. Extism plugins
// are not safe for concurrent calls, so calls are serialized.
type modulePlugin struct {
	name   string
	deps   []string
	ext    *extism.Plugin
	closed bool
	mu     sync.Mutex
}

func newModulePlugin(ctx context.Context, ext *extism.Plugin, fallback string) (*modulePlugin, error) {
	if !ext.FunctionExists(RunExport) {
		return nil, fmt.Errorf("module does not export %s", RunExport)
	}

	p := &modulePlugin{name: fallback, ext: ext}

	if ext.FunctionExists(NameExport) {
		_, out, err := ext.CallWithContext(ctx, NameExport, nil)
		if err != nil {
			return nil, fmt.Errorf("call %s: %w", NameExport, err)
		}
		if len(out) > 0 {
			p.name = string(out)
		}
	}

	if ext.FunctionExists(DependenciesExport) {
		_, out, err := ext.CallWithContext(ctx, DependenciesExport, nil)
		if err != nil {
			return nil, fmt.Errorf("call %s: %w", DependenciesExport, err)
		}
		if len(out) > 0 {
			if err := json.Unmarshal(out, &p.deps); err != nil {
				return nil, fmt.Errorf("%s must return a JSON array of strings: %w", DependenciesExport, err)
			}
		}
	}

	return p, nil
}

func (p *modulePlugin) Name() string { return p.name }

func (p *modulePlugin) Dependencies() []string { return p.deps }

// Run calls the module's run export. A trap or non-zero exit code is raised
// as a panic unless ctx ended first.
func (p *modulePlugin) Run(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		panic(oops.In("wasm").With("plugin", p.name).Errorf("module is closed"))
	}

	rc, _, err := p.ext.CallWithContext(ctx, RunExport, nil)
	if err == nil && rc == 0 {
		return
	}
	if ctx.Err() != nil {
		slog.Warn("wasm plugin interrupted",
			"plugin", p.name,
			"error", ctx.Err())
		return
	}
	if err != nil {
		panic(oops.In("wasm").With("plugin", p.name).Wrapf(err, "run"))
	}
	panic(oops.In("wasm").With("plugin", p.name).With("exit_code", rc).Errorf("run exited with code %d", rc))
}

func (p *modulePlugin) close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.ext.Close(ctx)
}

type module struct {
	ref    string
	plugin *modulePlugin
}

func (m *module) Ref() string { return m.ref }

// Close releases the module's runtime.
func (m *module) Close() error {
	return m.plugin.close(context.Background())
}

// Compile-time interface checks.
var (
	_ plugin.SourceLoader = (*Loader)(nil)
	_ pluginapi.Plugin    = (*modulePlugin)(nil)
	_ plugin.Module       = (*module)(nil)
)
