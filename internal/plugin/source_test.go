// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	plugins "github.com/holomush/sora/internal/plugin"
	pluginapi "github.com/holomush/sora/pkg/plugin"
)

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
}

func writePluginDir(t *testing.T, root, name, manifest string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	writeFile(t, filepath.Join(dir, plugins.ManifestFile), manifest, 0o644)
	writeFile(t, filepath.Join(dir, "main.lua"), "function run() end\n", 0o644)
	return dir
}

func TestTypeForFile(t *testing.T) {
	tests := []struct {
		path string
		want plugins.Type
	}{
		{"hello.so", plugins.TypeNative},
		{"hello.SO", plugins.TypeNative},
		{"scripts/hello.lua", plugins.TypeLua},
		{"hello.wasm", plugins.TypeWASM},
		{"hello", plugins.TypeBinary},
		{"hello.exe", plugins.TypeBinary},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, plugins.TypeForFile(tt.path))
		})
	}
}

func TestResolve_BareFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "greeter.lua")
	writeFile(t, path, "function run() end\n", 0o644)

	src, err := plugins.Resolve(path)
	require.NoError(t, err)
	assert.Equal(t, path, src.Ref)
	assert.Equal(t, path, src.Path)
	assert.Equal(t, "greeter", src.Manifest.Name)
	assert.Equal(t, plugins.TypeLua, src.Manifest.Type)
	assert.Equal(t, "0.0.0", src.Manifest.Version)
	assert.Empty(t, src.Manifest.Capabilities)
}

func TestResolve_Directory(t *testing.T) {
	root := t.TempDir()
	dir := writePluginDir(t, root, "greeter", `
name: greeter
version: 1.2.0
type: lua
entry: main.lua
capabilities:
  - kv.read
`)

	src, err := plugins.Resolve(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "main.lua"), src.Path)
	assert.Equal(t, "greeter", src.Manifest.Name)
	assert.Equal(t, []string{"kv.read"}, src.Manifest.Capabilities)
}

func TestResolve_Errors(t *testing.T) {
	root := t.TempDir()
	noManifest := filepath.Join(root, "empty")
	require.NoError(t, os.Mkdir(noManifest, 0o755))

	tests := []struct {
		name    string
		ref     string
		wantErr string
	}{
		{
			name:    "missing path",
			ref:     filepath.Join(root, "nope"),
			wantErr: "stat module",
		},
		{
			name:    "directory without manifest",
			ref:     noManifest,
			wantErr: "read manifest",
		},
		{
			name:    "schema violation",
			ref:     writePluginDir(t, root, "bad-type", "name: bad\nversion: 1.0.0\ntype: python\nentry: main.py\n"),
			wantErr: "type",
		},
		{
			name:    "invalid version",
			ref:     writePluginDir(t, root, "bad-version", "name: bad\nversion: latest\ntype: lua\nentry: main.lua\n"),
			wantErr: "semver",
		},
		{
			name:    "entry escapes directory",
			ref:     writePluginDir(t, root, "escape", "name: escape\nversion: 1.0.0\ntype: lua\nentry: ../other/main.lua\n"),
			wantErr: "escapes",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := plugins.Resolve(tt.ref)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestResolve_SchemaErrorNamesField(t *testing.T) {
	ref := writePluginDir(t, t.TempDir(), "bad-type", "name: bad\nversion: 1.0.0\ntype: python\nentry: main.py\n")

	_, err := plugins.Resolve(ref)
	require.Error(t, err)
	var serr *plugins.SchemaError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, []string{"/type"}, serr.Fields)
	assert.Equal(t, "manifest "+ref+": does not match manifest schema at /type", err.Error())
}

func TestRouter_Load(t *testing.T) {
	root := t.TempDir()
	luaDir := writePluginDir(t, root, "greeter", "name: greeter\nversion: 1.0.0\ntype: lua\nentry: main.lua\nengine: \">= 1.0.0\"\n")

	var r recorder
	var got plugins.Source
	lua := plugins.SourceLoaderFunc(func(_ context.Context, src plugins.Source) (plugins.Module, pluginapi.Plugin, error) {
		got = src
		return plugins.StaticModule(src.Ref), r.plugin(src.Manifest.Name), nil
	})

	router := plugins.NewRouter("1.4.0", plugins.WithSourceLoader(plugins.TypeLua, lua))
	mod, p, err := router.Load(context.Background(), luaDir)
	require.NoError(t, err)
	assert.Equal(t, luaDir, mod.Ref())
	assert.Equal(t, "greeter", p.Name())
	assert.Equal(t, filepath.Join(luaDir, "main.lua"), got.Path)
}

func TestRouter_LoadErrors(t *testing.T) {
	root := t.TempDir()
	picky := writePluginDir(t, root, "picky", "name: picky\nversion: 1.0.0\ntype: lua\nentry: main.lua\nengine: \">= 2.0.0\"\n")
	wasmFile := filepath.Join(root, "mod.wasm")
	writeFile(t, wasmFile, "\x00asm", 0o644)
	luaFile := filepath.Join(root, "plain.lua")
	writeFile(t, luaFile, "function run() end\n", 0o644)
	soFile := filepath.Join(root, "lib.so")
	writeFile(t, soFile, "not elf", 0o644)

	cause := errors.New("syntax error")
	router := plugins.NewRouter("1.4.0",
		plugins.WithSourceLoader(plugins.TypeLua, plugins.SourceLoaderFunc(
			func(_ context.Context, src plugins.Source) (plugins.Module, pluginapi.Plugin, error) {
				return nil, nil, cause
			})),
		plugins.WithSourceLoader(plugins.TypeNative, plugins.SourceLoaderFunc(
			func(_ context.Context, src plugins.Source) (plugins.Module, pluginapi.Plugin, error) {
				return nil, nil, plugins.NewEntryPointError(src.Ref, errors.New("symbol NewPlugin not found"))
			})),
	)

	tests := []struct {
		name    string
		ref     string
		want    error
		wantMsg string
	}{
		{"missing module", filepath.Join(root, "nope.lua"), plugins.ErrHandleUnavailable, "stat module"},
		{"engine mismatch", picky, plugins.ErrHandleUnavailable, "requires engine"},
		{"no loader for type", wasmFile, plugins.ErrHandleUnavailable, "no loader for wasm"},
		{"plain loader error", luaFile, cause, "syntax error"},
		{"load error passes through", soFile, plugins.ErrEntryPointMissing, "NewPlugin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mod, p, err := router.Load(context.Background(), tt.ref)
			require.Error(t, err)
			assert.Nil(t, mod)
			assert.Nil(t, p)
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), tt.wantMsg)

			var le *plugins.LoadError
			require.ErrorAs(t, err, &le)
			assert.Equal(t, tt.ref, le.Ref)
		})
	}
}

func TestRouter_DevHostAcceptsAnyEngine(t *testing.T) {
	root := t.TempDir()
	picky := writePluginDir(t, root, "picky", "name: picky\nversion: 1.0.0\ntype: lua\nentry: main.lua\nengine: \">= 2.0.0\"\n")

	router := plugins.NewRouter("dev", plugins.WithSourceLoader(plugins.TypeLua, plugins.SourceLoaderFunc(
		func(_ context.Context, src plugins.Source) (plugins.Module, pluginapi.Plugin, error) {
			return plugins.StaticModule(src.Ref), pluginapi.New(src.Manifest.Name, nil, func(context.Context) {}), nil
		})))

	_, p, err := router.Load(context.Background(), picky)
	require.NoError(t, err)
	assert.Equal(t, "picky", p.Name())
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	writePluginDir(t, root, "b-dir", "name: b-dir\nversion: 1.0.0\ntype: lua\nentry: main.lua\n")
	require.NoError(t, os.Mkdir(filepath.Join(root, "no-manifest"), 0o755))
	writeFile(t, filepath.Join(root, "a.lua"), "function run() end\n", 0o644)
	writeFile(t, filepath.Join(root, "c.wasm"), "\x00asm", 0o644)
	writeFile(t, filepath.Join(root, "d-bin"), "#!/bin/sh\n", 0o755)
	writeFile(t, filepath.Join(root, "README.md"), "docs", 0o644)
	writeFile(t, filepath.Join(root, ".hidden.lua"), "", 0o644)
	writePluginDir(t, root, ".git", "name: git\nversion: 1.0.0\ntype: lua\nentry: main.lua\n")

	refs, err := plugins.Discover(root)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "a.lua"),
		filepath.Join(root, "b-dir"),
		filepath.Join(root, "c.wasm"),
		filepath.Join(root, "d-bin"),
	}, refs)
}

func TestDiscover_MissingDirectory(t *testing.T) {
	refs, err := plugins.Discover(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestDiscover_NotADirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	writeFile(t, path, "x", 0o644)

	_, err := plugins.Discover(path)
	require.Error(t, err)
}
