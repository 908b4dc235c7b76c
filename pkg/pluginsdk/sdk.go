// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package pluginsdk provides the SDK for building sora binary plugins.
//
// Binary plugins run out of process and talk to the host over net/rpc using
// the HashiCorp go-plugin framework. A plugin binary wraps any plugin.Plugin:
//
//	package main
//
//	import (
//		"context"
//
//		"github.com/holomush/sora/pkg/plugin"
//		"github.com/holomush/sora/pkg/pluginsdk"
//	)
//
//	func main() {
//		pluginsdk.Serve(plugin.New("hello", nil, func(ctx context.Context) {
//			// work
//		}))
//	}
package pluginsdk

import (
	"context"
	"fmt"
	"log/slog"
	"net/rpc"
	"sync"

	hashiplug "github.com/hashicorp/go-plugin"

	"github.com/holomush/sora/pkg/plugin"
)

// PluginKey is the name the plugin is dispensed under.
const PluginKey = "plugin"

// HandshakeConfig is the go-plugin handshake configuration.
// Both host and plugins must use the same values.
var HandshakeConfig = hashiplug.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "SORA_PLUGIN",
	MagicCookieValue: "sora-v1",
}

// Info describes a served plugin.
type Info struct {
	Name         string
	Dependencies []string
}

// Serve starts the plugin server. This should be called from main().
// It blocks and never returns under normal operation.
func Serve(p plugin.Plugin) {
	if p == nil {
		panic("pluginsdk: plugin cannot be nil")
	}
	hashiplug.Serve(&hashiplug.ServeConfig{
		HandshakeConfig: HandshakeConfig,
		Plugins:         PluginMap(p),
	})
}

// PluginMap returns the plugin set served by a binary. The host passes a
// nil impl.
func PluginMap(impl plugin.Plugin) map[string]hashiplug.Plugin {
	return map[string]hashiplug.Plugin{
		PluginKey: &RPCPlugin{Impl: impl},
	}
}

// RPCPlugin implements go-plugin's Plugin interface for net/rpc.
type RPCPlugin struct {
	// Impl is used by the plugin side only.
	Impl plugin.Plugin
}

// Server returns the RPC server (called by plugin process).
func (p *RPCPlugin) Server(*hashiplug.MuxBroker) (interface{}, error) {
	if p.Impl == nil {
		return nil, fmt.Errorf("pluginsdk: plugin implementation is nil")
	}
	return &RPCServer{Impl: p.Impl}, nil
}

// Client returns a plugin.Plugin backed by the RPC connection (called by
// host process). The plugin's identity is fetched once here.
func (p *RPCPlugin) Client(_ *hashiplug.MuxBroker, c *rpc.Client) (interface{}, error) {
	return NewRPCClient(c)
}

// RPCServer exposes a plugin.Plugin over net/rpc.
type RPCServer struct {
	Impl plugin.Plugin
}

// Info reports the plugin's name and dependencies.
func (s *RPCServer) Info(_ interface{}, resp *Info) error {
	*resp = Info{
		Name:         plugin.NameOf(s.Impl),
		Dependencies: s.Impl.Dependencies(),
	}
	return nil
}

// Run runs the plugin once. A panic is returned as an error.
func (s *RPCServer) Run(_ interface{}, resp *bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin panicked: %v", r)
		}
	}()
	s.Impl.Run(context.Background())
	*resp = true
	return nil
}

// RPCClient is the host-side view of a binary plugin. Runs on one client
// never overlap.
type RPCClient struct {
	client *rpc.Client
	info   Info
	mu     sync.Mutex
}

// NewRPCClient fetches the plugin's identity over c.
func NewRPCClient(c *rpc.Client) (*RPCClient, error) {
	var info Info
	if err := c.Call("Plugin.Info", new(interface{}), &info); err != nil {
		return nil, fmt.Errorf("fetch plugin info: %w", err)
	}
	return &RPCClient{client: c, info: info}, nil
}

// Name implements plugin.Plugin.
func (c *RPCClient) Name() string { return c.info.Name }

// Dependencies implements plugin.Plugin.
func (c *RPCClient) Dependencies() []string { return c.info.Dependencies }

// Run implements plugin.Plugin. A remote failure is raised as a panic so
// the host treats it like any other failing plugin. The remote process
// cannot be interrupted, so when ctx ends first Run still waits for the
// call to finish.
func (c *RPCClient) Run(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ok bool
	call := c.client.Go("Plugin.Run", new(interface{}), &ok, nil)
	select {
	case <-call.Done:
	case <-ctx.Done():
		slog.Warn("waiting for remote plugin run after cancellation",
			"plugin", c.info.Name,
			"error", ctx.Err())
		<-call.Done
	}
	if call.Error != nil {
		panic(fmt.Errorf("plugin %s: %w", c.info.Name, call.Error))
	}
}

// Compile-time interface checks.
var (
	_ hashiplug.Plugin = (*RPCPlugin)(nil)
	_ plugin.Plugin    = (*RPCClient)(nil)
)
