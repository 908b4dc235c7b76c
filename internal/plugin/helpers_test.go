// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin_test

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/stretchr/testify/mock"

	plugins "github.com/holomush/sora/internal/plugin"
	pluginapi "github.com/holomush/sora/pkg/plugin"
)

// recorder collects plugin runs in the order they happen.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name)
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *recorder) index(name string) int {
	return slices.Index(r.Events(), name)
}

// plugin returns a plugin that records its name when run.
func (r *recorder) plugin(name string, deps ...string) pluginapi.Plugin {
	return pluginapi.New(name, deps, func(context.Context) { r.add(name) })
}

// mockLoader implements plugins.Loader for testing.
type mockLoader struct {
	mock.Mock
}

func (m *mockLoader) Load(ctx context.Context, ref string) (plugins.Module, pluginapi.Plugin, error) {
	args := m.Called(ctx, ref)
	mod, _ := args.Get(0).(plugins.Module)
	p, _ := args.Get(1).(pluginapi.Plugin)
	return mod, p, args.Error(2)
}

// mockModule implements plugins.Module for testing.
type mockModule struct {
	mock.Mock
	ref string
}

func newMockModule(ref string) *mockModule {
	m := &mockModule{ref: ref}
	m.On("Close").Return(nil).Maybe()
	return m
}

func (m *mockModule) Ref() string { return m.ref }

func (m *mockModule) Close() error {
	return m.Called().Error(0)
}

// closeLog records module closes in order.
type closeLog struct {
	mu   sync.Mutex
	refs []string
}

func (c *closeLog) Refs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.refs)
}

type loggedModule struct {
	ref string
	log *closeLog
}

func (m loggedModule) Ref() string { return m.ref }

func (m loggedModule) Close() error {
	m.log.mu.Lock()
	defer m.log.mu.Unlock()
	m.log.refs = append(m.log.refs, m.ref)
	return nil
}

// staticLoader serves plugins by ref and logs module closes.
func staticLoader(log *closeLog, byRef map[string]pluginapi.Plugin) plugins.Loader {
	return plugins.LoaderFunc(func(_ context.Context, ref string) (plugins.Module, pluginapi.Plugin, error) {
		p, ok := byRef[ref]
		if !ok {
			return nil, nil, plugins.NewHandleError(ref, fmt.Errorf("no such module"))
		}
		return loggedModule{ref: ref, log: log}, p, nil
	})
}

// planFor loads plugins in order through a Manager and plans them.
func planFor(ps []pluginapi.Plugin, opts ...plugins.PlanOption) (*plugins.Plan, error) {
	byRef := make(map[string]pluginapi.Plugin, len(ps))
	refs := make([]string, len(ps))
	for i, p := range ps {
		refs[i] = fmt.Sprintf("mod-%d", i)
		byRef[refs[i]] = p
	}
	m := plugins.NewManager(staticLoader(&closeLog{}, byRef))
	if err := m.LoadAll(context.Background(), refs); err != nil {
		return nil, err
	}
	return m.IntoStagePlan(opts...)
}

// stageNames lists the runnable names of every stage.
func stageNames(p *plugins.Plan) [][]string {
	var out [][]string
	for _, s := range p.Stages() {
		out = append(out, s.Names())
	}
	return out
}
