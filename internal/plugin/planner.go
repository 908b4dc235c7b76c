// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/samber/oops"

	pluginapi "github.com/holomush/sora/pkg/plugin"
)

// StagePolicy selects how a topological order is cut into stages.
type StagePolicy int

const (
	// StagePolicyDepth puts a node one stage after its deepest dependency,
	// giving the fewest stages and the most parallelism.
	StagePolicyDepth StagePolicy = iota
	// StagePolicySerial gives every node its own stage in topological order.
	StagePolicySerial
)

// String returns the configuration name of the policy.
func (p StagePolicy) String() string {
	switch p {
	case StagePolicyDepth:
		return "depth"
	case StagePolicySerial:
		return "serial"
	default:
		return fmt.Sprintf("StagePolicy(%d)", int(p))
	}
}

// ParseStagePolicy parses "depth" or "serial".
func ParseStagePolicy(s string) (StagePolicy, error) {
	switch s {
	case "depth":
		return StagePolicyDepth, nil
	case "serial":
		return StagePolicySerial, nil
	default:
		return 0, fmt.Errorf("stage policy must be 'depth' or 'serial', got %q", s)
	}
}

// PhantomPolicy decides what happens to dependency names no plugin answers to.
type PhantomPolicy int

const (
	// PhantomPlaceholder keeps such names as inert entries in the plan.
	PhantomPlaceholder PhantomPolicy = iota
	// PhantomReject fails planning with ErrUnresolvedDependency.
	PhantomReject
)

// String returns the configuration name of the policy.
func (p PhantomPolicy) String() string {
	switch p {
	case PhantomPlaceholder:
		return "placeholder"
	case PhantomReject:
		return "reject"
	default:
		return fmt.Sprintf("PhantomPolicy(%d)", int(p))
	}
}

// ParsePhantomPolicy parses "placeholder" or "reject".
func ParsePhantomPolicy(s string) (PhantomPolicy, error) {
	switch s {
	case "placeholder":
		return PhantomPlaceholder, nil
	case "reject":
		return PhantomReject, nil
	default:
		return 0, fmt.Errorf("phantom policy must be 'placeholder' or 'reject', got %q", s)
	}
}

// Planner turns a set of plugins into a staged execution plan.
type Planner struct {
	stages   StagePolicy
	phantoms PhantomPolicy
	metrics  *Metrics
}

// PlanOption configures a Planner.
type PlanOption func(*Planner)

// WithStagePolicy sets the stage partitioning policy.
func WithStagePolicy(p StagePolicy) PlanOption {
	return func(pl *Planner) {
		pl.stages = p
	}
}

// WithPhantomPolicy sets the policy for unresolved dependency names.
func WithPhantomPolicy(p PhantomPolicy) PlanOption {
	return func(pl *Planner) {
		pl.phantoms = p
	}
}

// WithPlanMetrics records planning outcomes in m.
func WithPlanMetrics(m *Metrics) PlanOption {
	return func(pl *Planner) {
		pl.metrics = m
	}
}

// NewPlanner creates a planner. The defaults are StagePolicyDepth and
// PhantomPlaceholder.
func NewPlanner(opts ...PlanOption) *Planner {
	p := &Planner{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan builds the dependency graph of plugins, orders it topologically and
// partitions the order into stages. Plugins are identified by NameOf; when two
// plugins share a name the later one wins.
func (p *Planner) Plan(plugins []pluginapi.Plugin) (*Plan, error) {
	plan, err := p.plan(plugins)
	if err != nil {
		p.metrics.recordPlan("error", 0)
		return nil, err
	}
	p.metrics.recordPlan("ok", len(plan.stages))
	return plan, nil
}

func (p *Planner) plan(plugins []pluginapi.Plugin) (*Plan, error) {
	var names []string
	byName := make(map[string]pluginapi.Plugin, len(plugins))
	for _, pl := range plugins {
		name := pluginapi.NameOf(pl)
		if _, ok := byName[name]; !ok {
			names = append(names, name)
		}
		byName[name] = pl
	}

	g := newDependencyGraph()
	for _, name := range names {
		g.addPlugin(name, byName[name].Dependencies())
	}

	if phantoms := g.phantoms(); len(phantoms) > 0 && p.phantoms == PhantomReject {
		missing := make([]string, len(phantoms))
		for i, id := range phantoms {
			missing[i] = g.names[id]
		}
		return nil, oops.Code(CodeUnresolvedDependency).
			In("planner").
			With("missing", missing).
			Wrapf(ErrUnresolvedDependency, "unresolved: %s", strings.Join(missing, ", "))
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, oops.Code(CodeCyclicDependency).
			In("planner").
			With("cycle", cycleOf(err)).
			Wrap(err)
	}

	level := make([]int, len(g.names))
	for pos, id := range order {
		switch p.stages {
		case StagePolicySerial:
			level[id] = pos
		default:
			for _, dep := range g.pred[id] {
				level[id] = max(level[id], level[dep]+1)
			}
		}
	}

	plan := &Plan{
		order:   make([]string, 0, len(order)),
		stageOf: make(map[string]int, len(order)),
	}
	for _, id := range order {
		name := g.names[id]
		idx := level[id]
		for len(plan.stages) <= idx {
			plan.stages = append(plan.stages, Stage{index: len(plan.stages)})
		}
		stage := &plan.stages[idx]
		if g.backed[id] {
			stage.plugins = append(stage.plugins, byName[name])
			stage.names = append(stage.names, name)
		} else {
			stage.placeholders = append(stage.placeholders, name)
			slog.Debug("dependency has no plugin, keeping placeholder",
				"dependency", name,
				"stage", idx)
		}
		plan.order = append(plan.order, name)
		plan.stageOf[name] = idx
	}

	return plan, nil
}

func cycleOf(err error) []string {
	var ce *CycleError
	if errors.As(err, &ce) {
		return ce.Cycle
	}
	return nil
}

// Plan is an ordered sequence of stages. It is never mutated after planning.
// A plan that came from a Manager also carries the module handles of its
// plugins until a Dispatcher claims it.
type Plan struct {
	stages  []Stage
	order   []string
	stageOf map[string]int
	modules []Module
	claimed atomic.Bool
}

// Stage is a set of plugins with no dependency path among them.
type Stage struct {
	index        int
	plugins      []pluginapi.Plugin
	names        []string
	placeholders []string
}

// Index returns the stage's position in the plan.
func (s Stage) Index() int { return s.index }

// Len returns the number of runnable plugins in the stage.
func (s Stage) Len() int { return len(s.plugins) }

// Names returns the runnable plugin names in dispatch order.
func (s Stage) Names() []string { return append([]string(nil), s.names...) }

// Placeholders returns dependency names that occupy this stage without a
// plugin behind them.
func (s Stage) Placeholders() []string { return append([]string(nil), s.placeholders...) }

// Stages returns the stages in execution order.
func (p *Plan) Stages() []Stage { return append([]Stage(nil), p.stages...) }

// Len returns the number of stages.
func (p *Plan) Len() int { return len(p.stages) }

// Order returns every node name, placeholders included, in topological order.
func (p *Plan) Order() []string { return append([]string(nil), p.order...) }

// StageOf returns the stage index of a plugin or placeholder.
func (p *Plan) StageOf(name string) (int, bool) {
	idx, ok := p.stageOf[name]
	return idx, ok
}

// String renders the plan one stage per line.
func (p *Plan) String() string {
	var b strings.Builder
	for _, s := range p.stages {
		fmt.Fprintf(&b, "stage %d: %s", s.index, strings.Join(s.names, ", "))
		if len(s.placeholders) > 0 {
			fmt.Fprintf(&b, " (unresolved: %s)", strings.Join(s.placeholders, ", "))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// claim hands the plan's modules to a single owner.
func (p *Plan) claim() ([]Module, bool) {
	if !p.claimed.CompareAndSwap(false, true) {
		return nil, false
	}
	mods := p.modules
	p.modules = nil
	return mods, true
}

// Close releases the modules of a plan no Dispatcher has claimed. It is a
// no-op for claimed plans.
func (p *Plan) Close() error {
	mods, ok := p.claim()
	if !ok {
		return nil
	}
	return closeModules(mods)
}
