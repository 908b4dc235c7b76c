// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package plugin defines the contract every sora plugin satisfies.
//
// A plugin is an opaque unit with a name, an ordered list of plugin names it
// must run after, and an action. The host never looks inside a plugin beyond
// these three operations.
package plugin

import (
	"context"
	"reflect"
	"strings"
)

// Plugin is implemented by every extension loaded into the host.
type Plugin interface {
	// Name returns the identifier other plugins use to depend on this one.
	// An empty name is replaced by TypeName of the plugin value.
	Name() string

	// Dependencies lists the plugins that must finish before Run is called.
	// Names that no loaded plugin answers to are allowed.
	Dependencies() []string

	// Run performs the plugin's action once per dispatch. Failures are the
	// plugin's own business; the host treats Run as infallible.
	Run(ctx context.Context)
}

// NameOf returns p.Name(), falling back to TypeName(p) when it is empty.
func NameOf(p Plugin) string {
	if name := p.Name(); name != "" {
		return name
	}
	return TypeName(p)
}

// TypeName returns the bare type name of v, dereferencing pointers.
// A value of type *hello.Greeter yields "Greeter".
func TypeName(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if name := t.Name(); name != "" {
		return name
	}
	s := t.String()
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Func adapts an ordinary function into a Plugin.
type Func struct {
	name string
	deps []string
	fn   func(ctx context.Context)
}

// New creates a Plugin named name that runs fn after every plugin in deps.
// The deps slice is copied.
func New(name string, deps []string, fn func(ctx context.Context)) *Func {
	return &Func{
		name: name,
		deps: append([]string(nil), deps...),
		fn:   fn,
	}
}

// Name implements Plugin.
func (f *Func) Name() string { return f.name }

// Dependencies implements Plugin.
func (f *Func) Dependencies() []string { return f.deps }

// Run implements Plugin. A nil function is a no-op.
func (f *Func) Run(ctx context.Context) {
	if f.fn != nil {
		f.fn(ctx)
	}
}
