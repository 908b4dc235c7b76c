// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pluginsdk

import (
	"context"
	"net"
	"net/rpc"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/sora/pkg/plugin"
)

// pipeClient serves impl over an in-memory connection and returns the
// host-side client.
func pipeClient(t *testing.T, impl plugin.Plugin) *RPCClient {
	t.Helper()

	srv := rpc.NewServer()
	raw, err := (&RPCPlugin{Impl: impl}).Server(nil)
	require.NoError(t, err)
	require.NoError(t, srv.RegisterName("Plugin", raw))

	serverConn, clientConn := net.Pipe()
	go srv.ServeConn(serverConn)

	c := rpc.NewClient(clientConn)
	t.Cleanup(func() { _ = c.Close() })

	client, err := (&RPCPlugin{}).Client(nil, c)
	require.NoError(t, err)
	rc, ok := client.(*RPCClient)
	require.True(t, ok)
	return rc
}

func TestRPCPlugin_ServerRequiresImpl(t *testing.T) {
	_, err := (&RPCPlugin{}).Server(nil)
	assert.Error(t, err)
}

func TestRPCClient_Info(t *testing.T) {
	rc := pipeClient(t, plugin.New("world", []string{"hello"}, nil))

	assert.Equal(t, "world", rc.Name())
	assert.Equal(t, []string{"hello"}, rc.Dependencies())
}

func TestRPCClient_RunCallsRemote(t *testing.T) {
	var runs atomic.Int32
	rc := pipeClient(t, plugin.New("hello", nil, func(context.Context) {
		runs.Add(1)
	}))

	rc.Run(context.Background())
	rc.Run(context.Background())

	assert.Equal(t, int32(2), runs.Load())
}

func TestRPCClient_RemotePanicIsRaised(t *testing.T) {
	rc := pipeClient(t, plugin.New("boom", nil, func(context.Context) {
		panic("kaboom")
	}))

	assert.PanicsWithError(t, "plugin boom: plugin panicked: kaboom", func() {
		rc.Run(context.Background())
	})
}

func TestPluginMap(t *testing.T) {
	m := PluginMap(nil)
	require.Contains(t, m, PluginKey)
	_, ok := m[PluginKey].(*RPCPlugin)
	assert.True(t, ok)
}

func TestServe_PanicsOnNilPlugin(t *testing.T) {
	assert.Panics(t, func() { Serve(nil) })
}

// blocking counts overlapping runs and holds each run until release closes.
type blocking struct {
	active  atomic.Int32
	peak    atomic.Int32
	started chan struct{}
	release chan struct{}
}

func newBlocking() *blocking {
	return &blocking{started: make(chan struct{}, 8), release: make(chan struct{})}
}

func (b *blocking) run(context.Context) {
	n := b.active.Add(1)
	for {
		peak := b.peak.Load()
		if n <= peak || b.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	b.started <- struct{}{}
	<-b.release
	b.active.Add(-1)
}

func TestRPCClient_CancelledRunWaitsForRemote(t *testing.T) {
	b := newBlocking()
	rc := pipeClient(t, plugin.New("slow", nil, b.run))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		rc.Run(ctx)
		close(done)
	}()

	<-b.started
	<-ctx.Done()
	assert.Never(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond, "Run returned while the remote call was still running")

	close(b.release)
	<-done

	rc.Run(context.Background())
	assert.Equal(t, int32(1), b.peak.Load())
}

func TestRPCClient_OverlappingRunsAreSerialized(t *testing.T) {
	b := newBlocking()
	rc := pipeClient(t, plugin.New("slow", nil, b.run))

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rc.Run(context.Background())
		}()
	}

	<-b.started
	assert.Never(t, func() bool { return b.active.Load() > 1 },
		30*time.Millisecond, 5*time.Millisecond)
	close(b.release)
	wg.Wait()

	assert.Equal(t, int32(1), b.peak.Load())
}
