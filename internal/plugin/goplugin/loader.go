// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package goplugin loads binary plugins as child processes using
// HashiCorp's go-plugin system over net/rpc.
package goplugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	hashiplug "github.com/hashicorp/go-plugin"
	"github.com/sethvargo/go-retry"

	"github.com/holomush/sora/internal/plugin"
	pluginapi "github.com/holomush/sora/pkg/plugin"
	"github.com/holomush/sora/pkg/pluginsdk"
)

// Defaults for connecting to a freshly started plugin process.
const (
	DefaultRetries = 2
	DefaultBackoff = 100 * time.Millisecond
)

// PluginClient wraps go-plugin client for testability.
type PluginClient interface {
	// Client starts the process if needed and returns the RPC protocol.
	Client() (hashiplug.ClientProtocol, error)
	// Kill terminates the plugin process.
	Kill()
}

// ClientFactory creates plugin clients.
type ClientFactory interface {
	// NewClient creates a client for the given executable path.
	NewClient(execPath string) PluginClient
}

// DefaultClientFactory creates real go-plugin clients.
type DefaultClientFactory struct{}

// NewClient creates a real go-plugin client.
func (f *DefaultClientFactory) NewClient(execPath string) PluginClient {
	return hashiplug.NewClient(&hashiplug.ClientConfig{
		HandshakeConfig:  pluginsdk.HandshakeConfig,
		Plugins:          pluginsdk.PluginMap(nil),
		Cmd:              exec.Command(execPath), // #nosec G204 -- execPath is an operator-supplied module reference
		AllowedProtocols: []hashiplug.Protocol{hashiplug.ProtocolNetRPC},
		Managed:          false,
	})
}

// Loader opens binary plugins. Each module handle owns one plugin process.
type Loader struct {
	factory ClientFactory
	retries uint64
	backoff time.Duration
}

// Option configures the Loader.
type Option func(*Loader)

// WithClientFactory replaces the go-plugin client factory.
func WithClientFactory(f ClientFactory) Option {
	return func(l *Loader) {
		l.factory = f
	}
}

// WithRetries sets how many times a failed connect is retried.
func WithRetries(n uint64) Option {
	return func(l *Loader) {
		l.retries = n
	}
}

// WithBackoff sets the base delay between connect attempts.
func WithBackoff(d time.Duration) Option {
	return func(l *Loader) {
		l.backoff = d
	}
}

// NewLoader creates a binary plugin loader.
// Panics if a nil client factory is supplied.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		factory: &DefaultClientFactory{},
		retries: DefaultRetries,
		backoff: DefaultBackoff,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.factory == nil {
		panic("goplugin: factory cannot be nil")
	}
	return l
}

// LoadSource implements plugin.SourceLoader.
func (l *Loader) LoadSource(ctx context.Context, src plugin.Source) (plugin.Module, pluginapi.Plugin, error) {
	if _, err := os.Stat(src.Path); err != nil {
		return nil, nil, plugin.NewHandleError(src.Ref, fmt.Errorf("plugin executable: %w", err))
	}

	var (
		client PluginClient
		proto  hashiplug.ClientProtocol
	)
	attempt := 0
	backoff := retry.WithMaxRetries(l.retries, retry.NewExponential(l.backoff))
	err := retry.Do(ctx, backoff, func(_ context.Context) error {
		attempt++
		c := l.factory.NewClient(src.Path)
		p, err := c.Client()
		if err != nil {
			c.Kill()
			slog.Debug("plugin connect failed",
				"ref", src.Ref,
				"attempt", attempt,
				"error", err)
			return retry.RetryableError(err)
		}
		client, proto = c, p
		return nil
	})
	if err != nil {
		return nil, nil, plugin.NewHandleError(src.Ref, fmt.Errorf("connect after %d attempts: %w", attempt, err))
	}

	raw, err := proto.Dispense(pluginsdk.PluginKey)
	if err != nil {
		client.Kill()
		return nil, nil, plugin.NewEntryPointError(src.Ref, fmt.Errorf("dispense: %w", err))
	}

	p, ok := raw.(pluginapi.Plugin)
	if !ok || p == nil {
		client.Kill()
		return nil, nil, plugin.NewEntryPointError(src.Ref, fmt.Errorf("dispensed %T is not a plugin", raw))
	}

	return &module{ref: src.Ref, client: client}, p, nil
}

// module is the handle of a running plugin process.
type module struct {
	ref    string
	client PluginClient
}

func (m *module) Ref() string { return m.ref }

// Close kills the plugin process.
func (m *module) Close() error {
	m.client.Kill()
	return nil
}

// Compile-time interface checks.
var (
	_ plugin.SourceLoader = (*Loader)(nil)
	_ plugin.Module       = (*module)(nil)
)
