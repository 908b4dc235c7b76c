// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package hostfunc provides host functions to Lua plugins.
//
// Host functions are exposed as the global "sora" table. Functions that
// reach outside the sandbox require capability checks.
package hostfunc

import (
	"context"
	"log/slog"
	"os"

	"github.com/oklog/ulid/v2"
	lua "github.com/yuin/gopher-lua"

	"github.com/holomush/sora/internal/plugin/capability"
)

// GlobalName is the Lua global holding the host functions.
const GlobalName = "sora"

// KVStore provides namespaced key-value storage.
type KVStore interface {
	Get(ctx context.Context, namespace, key string) (string, bool)
	Set(ctx context.Context, namespace, key, value string)
	Delete(ctx context.Context, namespace, key string)
}

// Functions provides host functions to Lua plugins.
type Functions struct {
	kvStore  KVStore
	enforcer *capability.Enforcer
}

// New creates host functions. kv may be nil, in which case the kv_*
// functions report that no store is available.
// Panics if enforcer is nil.
func New(kv KVStore, enforcer *capability.Enforcer) *Functions {
	if enforcer == nil {
		panic("hostfunc.New: enforcer cannot be nil")
	}
	return &Functions{
		kvStore:  kv,
		enforcer: enforcer,
	}
}

// Register adds host functions to a Lua state on behalf of pluginName,
// checking capabilities granted to the same name.
func (f *Functions) Register(ls *lua.LState, pluginName string) {
	f.RegisterAs(ls, pluginName, pluginName)
}

// RegisterAs adds host functions to a Lua state. Logs and kv keys use
// pluginName; capability checks use grantee.
func (f *Functions) RegisterAs(ls *lua.LState, pluginName, grantee string) {
	mod := ls.NewTable()

	// No capability required.
	ls.SetField(mod, "log", ls.NewFunction(f.logFn(pluginName)))
	ls.SetField(mod, "new_run_id", ls.NewFunction(f.newRunIDFn()))

	ls.SetField(mod, "getenv", ls.NewFunction(f.getenvFn(grantee)))
	ls.SetField(mod, "kv_get", ls.NewFunction(f.wrap(grantee, capability.KVRead, f.kvGetFn(pluginName))))
	ls.SetField(mod, "kv_set", ls.NewFunction(f.wrap(grantee, capability.KVWrite, f.kvSetFn(pluginName))))
	ls.SetField(mod, "kv_delete", ls.NewFunction(f.wrap(grantee, capability.KVWrite, f.kvDeleteFn(pluginName))))

	ls.SetGlobal(GlobalName, mod)
}

func (f *Functions) wrap(plugin, capName string, fn lua.LGFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		if !f.enforcer.Check(plugin, capName) {
			L.RaiseError("capability denied: %s requires %s", plugin, capName)
			return 0
		}
		return fn(L)
	}
}

func (f *Functions) logFn(pluginName string) lua.LGFunction {
	return func(L *lua.LState) int {
		level := L.CheckString(1)
		message := L.CheckString(2)

		logger := slog.Default().With("plugin", pluginName)
		switch level {
		case "debug":
			logger.Debug(message)
		case "info":
			logger.Info(message)
		case "warn":
			logger.Warn(message)
		case "error":
			logger.Error(message)
		default:
			L.ArgError(1, "log level must be debug, info, warn or error, got "+level)
		}
		return 0
	}
}

func (f *Functions) newRunIDFn() lua.LGFunction {
	return func(L *lua.LState) int {
		L.Push(lua.LString(ulid.Make().String()))
		return 1
	}
}

// getenvFn checks "env.<NAME>" for the variable being read.
func (f *Functions) getenvFn(pluginName string) lua.LGFunction {
	return func(L *lua.LState) int {
		name := L.CheckString(1)
		if !f.enforcer.Check(pluginName, capability.EnvPrefix+name) {
			L.RaiseError("capability denied: %s requires %s%s", pluginName, capability.EnvPrefix, name)
			return 0
		}
		value, ok := os.LookupEnv(name)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LString(value))
		return 1
	}
}

func (f *Functions) kvGetFn(pluginName string) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)

		if f.kvStore == nil {
			L.Push(lua.LNil)
			L.Push(lua.LString("kv store not available"))
			return 2
		}

		value, ok := f.kvStore.Get(ctxOf(L), pluginName, key)
		if !ok {
			L.Push(lua.LNil)
			L.Push(lua.LNil)
			return 2
		}
		L.Push(lua.LString(value))
		L.Push(lua.LNil)
		return 2
	}
}

func (f *Functions) kvSetFn(pluginName string) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)
		value := L.CheckString(2)

		if f.kvStore == nil {
			L.Push(lua.LString("kv store not available"))
			return 1
		}
		f.kvStore.Set(ctxOf(L), pluginName, key, value)
		return 0
	}
}

func (f *Functions) kvDeleteFn(pluginName string) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)

		if f.kvStore == nil {
			L.Push(lua.LString("kv store not available"))
			return 1
		}
		f.kvStore.Delete(ctxOf(L), pluginName, key)
		return 0
	}
}

// ctxOf returns the context the state is running under.
func ctxOf(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
