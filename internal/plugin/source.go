// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/oops"

	pluginapi "github.com/holomush/sora/pkg/plugin"
)

// Source is a module reference resolved to an entry file and a manifest.
// Bare files get a manifest synthesized from their file name.
type Source struct {
	Ref      string
	Path     string
	Manifest *Manifest
}

// SourceLoader opens one kind of module from a resolved source.
type SourceLoader interface {
	LoadSource(ctx context.Context, src Source) (Module, pluginapi.Plugin, error)
}

// SourceLoaderFunc adapts a function to the SourceLoader interface.
type SourceLoaderFunc func(ctx context.Context, src Source) (Module, pluginapi.Plugin, error)

// LoadSource implements SourceLoader.
func (f SourceLoaderFunc) LoadSource(ctx context.Context, src Source) (Module, pluginapi.Plugin, error) {
	return f(ctx, src)
}

// TypeForFile returns the module kind implied by a file extension.
func TypeForFile(path string) Type {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".so":
		return TypeNative
	case ".lua":
		return TypeLua
	case ".wasm":
		return TypeWASM
	default:
		return TypeBinary
	}
}

// Resolve turns ref into a Source. A directory must hold a plugin.yaml
// whose entry is resolved relative to it; any other path is a bare module
// file.
func Resolve(ref string) (Source, error) {
	info, err := os.Stat(ref)
	if err != nil {
		return Source{}, fmt.Errorf("stat module: %w", err)
	}

	if !info.IsDir() {
		base := filepath.Base(ref)
		return Source{
			Ref:  ref,
			Path: ref,
			Manifest: &Manifest{
				Name:    strings.TrimSuffix(base, filepath.Ext(base)),
				Version: "0.0.0",
				Type:    TypeForFile(ref),
				Entry:   base,
			},
		}, nil
	}

	data, err := os.ReadFile(filepath.Join(ref, ManifestFile)) //nolint:gosec // ref is an operator-supplied module path
	if err != nil {
		return Source{}, fmt.Errorf("read manifest: %w", err)
	}
	if err := ValidateSchema(data); err != nil {
		return Source{}, fmt.Errorf("manifest %s: %w", ref, err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return Source{}, fmt.Errorf("manifest %s: %w", ref, err)
	}

	entry := filepath.Clean(m.Entry)
	if filepath.IsAbs(entry) || strings.HasPrefix(entry, "..") {
		return Source{}, fmt.Errorf("manifest %s: entry %q escapes the plugin directory", ref, m.Entry)
	}

	return Source{Ref: ref, Path: filepath.Join(ref, entry), Manifest: m}, nil
}

// Router is a Loader that resolves module references and hands them to the
// SourceLoader registered for their kind.
type Router struct {
	loaders     map[Type]SourceLoader
	hostVersion string
}

// RouterOption configures the Router.
type RouterOption func(*Router)

// WithSourceLoader registers the loader used for modules of type t.
func WithSourceLoader(t Type, l SourceLoader) RouterOption {
	return func(r *Router) {
		r.loaders[t] = l
	}
}

// NewRouter creates a router. hostVersion is checked against the engine
// constraint of each manifest.
func NewRouter(hostVersion string, opts ...RouterOption) *Router {
	r := &Router{
		loaders:     make(map[Type]SourceLoader),
		hostVersion: hostVersion,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load implements Loader.
func (r *Router) Load(ctx context.Context, ref string) (Module, pluginapi.Plugin, error) {
	src, err := Resolve(ref)
	if err != nil {
		return nil, nil, NewHandleError(ref, err)
	}

	ok, err := src.Manifest.SupportsEngine(r.hostVersion)
	if err != nil {
		return nil, nil, NewHandleError(ref, err)
	}
	if !ok {
		return nil, nil, NewHandleError(ref, fmt.Errorf("requires engine %s, host is %s", src.Manifest.Engine, r.hostVersion))
	}

	l, found := r.loaders[src.Manifest.Type]
	if !found {
		return nil, nil, NewHandleError(ref, fmt.Errorf("no loader for %s modules", src.Manifest.Type))
	}

	slog.Debug("loading module",
		"ref", ref,
		"type", src.Manifest.Type,
		"entry", src.Path)

	mod, p, err := l.LoadSource(ctx, src)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			return nil, nil, err
		}
		return nil, nil, NewHandleError(ref, err)
	}
	return mod, p, nil
}

// Compile-time interface check.
var _ Loader = (*Router)(nil)

// Discover lists the module references in dir in name order. Directories
// need a plugin.yaml and are skipped with a warning otherwise. Files count
// when their extension names a module kind or they are executable. Entries
// starting with '.' are ignored. A missing dir yields no references.
func Discover(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, oops.In("discover").With("dir", dir).Wrapf(err, "read plugins directory")
	}

	var refs []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		if entry.IsDir() {
			if _, err := os.Stat(filepath.Join(path, ManifestFile)); err != nil {
				slog.Warn("skipping plugin directory without manifest",
					"dir", entry.Name(),
					"error", err)
				continue
			}
			refs = append(refs, path)
			continue
		}

		if !entry.Type().IsRegular() {
			continue
		}
		if TypeForFile(path) == TypeBinary {
			info, err := entry.Info()
			if err != nil || info.Mode().Perm()&0o111 == 0 {
				slog.Debug("skipping non-module file", "file", entry.Name())
				continue
			}
		}
		refs = append(refs, path)
	}

	return refs, nil
}
