// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package native loads plugins from Go shared objects built with
// -buildmode=plugin.
//
// A module exports NewPlugin with the signature func() plugin.Plugin, or a
// variable of type plugin.Plugin under the same name.
package native

import (
	"context"
	"fmt"
	goplugin "plugin"

	"github.com/holomush/sora/internal/plugin"
	pluginapi "github.com/holomush/sora/pkg/plugin"
)

// Symbol is the entry point every native module exports.
const Symbol = "NewPlugin"

// Library is an opened shared object.
type Library interface {
	Lookup(symName string) (goplugin.Symbol, error)
}

// Opener opens the shared object at path.
type Opener func(path string) (Library, error)

func openShared(path string) (Library, error) {
	return goplugin.Open(path)
}

// Loader opens native plugin modules.
type Loader struct {
	open Opener
}

// Option configures the Loader.
type Option func(*Loader)

// WithOpener replaces how shared objects are opened.
func WithOpener(o Opener) Option {
	return func(l *Loader) {
		l.open = o
	}
}

// NewLoader creates a native plugin loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{open: openShared}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadSource implements plugin.SourceLoader.
func (l *Loader) LoadSource(_ context.Context, src plugin.Source) (plugin.Module, pluginapi.Plugin, error) {
	lib, err := l.open(src.Path)
	if err != nil {
		return nil, nil, plugin.NewHandleError(src.Ref, err)
	}

	sym, err := lib.Lookup(Symbol)
	if err != nil {
		return nil, nil, plugin.NewEntryPointError(src.Ref, err)
	}

	p, err := construct(sym)
	if err != nil {
		return nil, nil, plugin.NewEntryPointError(src.Ref, err)
	}

	// The Go runtime cannot unload shared objects, so the handle has
	// nothing to release.
	return plugin.StaticModule(src.Ref), p, nil
}

func construct(sym goplugin.Symbol) (p pluginapi.Plugin, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", Symbol, r)
		}
	}()

	switch v := sym.(type) {
	case func() pluginapi.Plugin:
		p = v()
	case *func() pluginapi.Plugin:
		p = (*v)()
	case *pluginapi.Plugin:
		p = *v
	default:
		return nil, fmt.Errorf("%s has type %T, want func() plugin.Plugin", Symbol, sym)
	}
	if p == nil {
		return nil, fmt.Errorf("%s returned no plugin", Symbol)
	}
	return p, nil
}

// Compile-time interface check.
var _ plugin.SourceLoader = (*Loader)(nil)
