// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	pluginapi "github.com/holomush/sora/pkg/plugin"
)

const tracerName = "github.com/holomush/sora/internal/plugin"

// poolReleaseTimeout bounds how long Close waits for idle workers to exit.
const poolReleaseTimeout = 5 * time.Second

// Mode selects how plugins inside a stage are run.
type Mode int

const (
	// ModeParallel runs a stage's plugins concurrently on the worker pool.
	ModeParallel Mode = iota
	// ModeSequential runs a stage's plugins one at a time in plan order.
	ModeSequential
)

// String returns the configuration name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeParallel:
		return "parallel"
	case ModeSequential:
		return "sequential"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses "parallel" or "sequential".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "parallel":
		return ModeParallel, nil
	case "sequential":
		return ModeSequential, nil
	default:
		return 0, fmt.Errorf("dispatch mode must be 'parallel' or 'sequential', got %q", s)
	}
}

// RunStats summarises the runs of one plugin across dispatches.
type RunStats struct {
	Runs         uint64
	Panics       uint64
	LastDuration time.Duration
	LastRunID    string
}

// Dispatcher runs a Plan. It owns the plan's module handles and keeps them
// open until Close, after the plugins themselves have been dropped.
//
// Dispatcher is safe for concurrent use; overlapping dispatch calls are
// serialized so a plugin never runs twice at the same time.
type Dispatcher struct {
	plan    *Plan
	pool    *ants.Pool
	workers int
	tracer  trace.Tracer
	metrics *Metrics
	stats   cmap.ConcurrentMap[string, RunStats]
	modules []Module
	mu      sync.Mutex
	closed  bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithWorkers sets the worker pool size. Values below 1 keep the default of
// runtime.NumCPU().
func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithTracer sets the tracer used for dispatch, stage and plugin spans.
func WithTracer(t trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) {
		if t != nil {
			d.tracer = t
		}
	}
}

// WithDispatchMetrics records dispatch outcomes in m.
func WithDispatchMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// NewDispatcher claims plan and creates the worker pool shared by every
// dispatch call. A plan can be claimed only once.
// Panics if plan is nil.
func NewDispatcher(plan *Plan, opts ...DispatcherOption) (*Dispatcher, error) {
	if plan == nil {
		panic("plugin: plan cannot be nil")
	}

	d := &Dispatcher{
		workers: runtime.NumCPU(),
		tracer:  otel.Tracer(tracerName),
		stats:   cmap.New[RunStats](),
	}
	for _, opt := range opts {
		opt(d)
	}

	modules, ok := plan.claim()
	if !ok {
		return nil, oops.Code(CodePlanClaimed).In("dispatcher").Wrap(ErrPlanClaimed)
	}

	pool, err := ants.NewPool(d.workers)
	if err != nil {
		if cerr := closeModules(modules); cerr != nil {
			slog.Warn("failed to close modules after pool creation failure", "error", cerr)
		}
		return nil, oops.In("dispatcher").With("workers", d.workers).Hint("failed to create worker pool").Wrap(err)
	}

	d.plan = plan
	d.pool = pool
	d.modules = modules
	return d, nil
}

// Workers returns the size of the worker pool.
func (d *Dispatcher) Workers() int {
	return d.workers
}

// DispatchSequential runs every stage in order, and every plugin of a stage
// one after another in plan order.
func (d *Dispatcher) DispatchSequential(ctx context.Context) error {
	return d.Dispatch(ctx, ModeSequential)
}

// DispatchParallel runs every stage in order. The plugins of a stage are
// submitted to the worker pool and the next stage starts only after all of
// them have returned.
func (d *Dispatcher) DispatchParallel(ctx context.Context) error {
	return d.Dispatch(ctx, ModeParallel)
}

// Dispatch runs the whole plan once from stage zero.
//
// A plugin panic is recovered. In sequential mode it stops the rest of the
// stage; in parallel mode the other plugins of the stage finish first. Either
// way no later stage starts and an ErrPluginPanic error is returned.
// Cancelling ctx stops dispatch before the next stage (or, sequentially, the
// next plugin); a stage already handed to the pool always completes.
func (d *Dispatcher) Dispatch(ctx context.Context, mode Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return oops.Code(CodeDispatcherClosed).In("dispatcher").Wrap(ErrDispatcherClosed)
	}

	runID := ulid.Make().String()
	ctx, span := d.tracer.Start(ctx, "Dispatcher.Dispatch",
		trace.WithAttributes(
			attribute.String("dispatch.mode", mode.String()),
			attribute.String("dispatch.run_id", runID),
			attribute.Int("dispatch.stages", d.plan.Len()),
		))
	defer span.End()

	logger := slog.Default().With("run_id", runID, "mode", mode.String())
	logger.DebugContext(ctx, "dispatch started", "stages", d.plan.Len())

	start := time.Now()
	err := d.runStages(ctx, mode, runID, logger)
	elapsed := time.Since(start)

	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		result = "cancelled"
	default:
		result = "error"
	}
	d.metrics.recordDispatch(mode, result, elapsed)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.WarnContext(ctx, "dispatch stopped", "error", err, "duration", elapsed)
		return err
	}

	logger.DebugContext(ctx, "dispatch complete", "duration", elapsed)
	return nil
}

func (d *Dispatcher) runStages(ctx context.Context, mode Mode, runID string, logger *slog.Logger) error {
	for _, stage := range d.plan.stages {
		if err := ctx.Err(); err != nil {
			return oops.Code(CodeDispatchCancelled).
				In("dispatcher").
				With("stage", stage.index).
				With("run_id", runID).
				Wrap(err)
		}
		if stage.Len() == 0 {
			continue
		}

		stageCtx, span := d.tracer.Start(ctx, "Dispatcher.Stage",
			trace.WithAttributes(
				attribute.Int("stage.index", stage.index),
				attribute.Int("stage.plugins", stage.Len()),
			))
		start := time.Now()

		var panics []string
		var err error
		if mode == ModeSequential {
			panics, err = d.runSequential(stageCtx, stage, runID)
		} else {
			panics, err = d.runParallel(stageCtx, stage, runID)
		}

		d.metrics.recordStage(mode, time.Since(start))
		span.End()
		logger.DebugContext(ctx, "stage complete",
			"stage", stage.index,
			"plugins", stage.names,
			"duration", time.Since(start))

		if err != nil {
			return oops.In("dispatcher").With("stage", stage.index).With("run_id", runID).Wrap(err)
		}
		if len(panics) > 0 {
			return oops.Code(CodePluginPanic).
				In("dispatcher").
				With("stage", stage.index).
				With("plugins", panics).
				With("run_id", runID).
				Wrapf(ErrPluginPanic, "stage %d: %s", stage.index, strings.Join(panics, ", "))
		}
	}
	return nil
}

func (d *Dispatcher) runSequential(ctx context.Context, stage Stage, runID string) ([]string, error) {
	for i, p := range stage.plugins {
		if err := ctx.Err(); err != nil {
			return nil, oops.Code(CodeDispatchCancelled).With("plugin", stage.names[i]).Wrap(err)
		}
		if d.runPlugin(ctx, stage.names[i], p, runID) {
			return []string{stage.names[i]}, nil
		}
	}
	return nil, nil
}

func (d *Dispatcher) runParallel(ctx context.Context, stage Stage, runID string) ([]string, error) {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		panics []string
	)

	for i, p := range stage.plugins {
		name := stage.names[i]
		wg.Add(1)
		err := d.pool.Submit(func() {
			defer wg.Done()
			if d.runPlugin(ctx, name, p, runID) {
				mu.Lock()
				panics = append(panics, name)
				mu.Unlock()
			}
		})
		if err != nil {
			wg.Done()
			wg.Wait()
			return nil, oops.With("plugin", name).Hint("failed to submit plugin to worker pool").Wrap(err)
		}
	}

	wg.Wait()
	slices.Sort(panics)
	return panics, nil
}

// runPlugin calls p.Run and reports whether it panicked.
func (d *Dispatcher) runPlugin(ctx context.Context, name string, p pluginapi.Plugin, runID string) (panicked bool) {
	ctx, span := d.tracer.Start(ctx, "Plugin.Run",
		trace.WithAttributes(attribute.String("plugin.name", name)))
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			span.SetStatus(codes.Error, fmt.Sprint(r))
			slog.ErrorContext(ctx, "plugin panicked",
				"plugin", name,
				"run_id", runID,
				"panic", r,
				"stack", string(debug.Stack()))
		}
		elapsed := time.Since(start)
		d.metrics.recordRun(name, elapsed, panicked)
		d.stats.Upsert(name, RunStats{}, func(_ bool, cur, _ RunStats) RunStats {
			cur.Runs++
			if panicked {
				cur.Panics++
			}
			cur.LastDuration = elapsed
			cur.LastRunID = runID
			return cur
		})
	}()

	p.Run(ctx)
	return false
}

// Stats returns a snapshot of per-plugin run statistics.
func (d *Dispatcher) Stats() map[string]RunStats {
	return d.stats.Items()
}

// Close drops the plan, stops the worker pool and then closes every module
// in reverse load order. Close is idempotent.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.plan = nil

	if err := d.pool.ReleaseTimeout(poolReleaseTimeout); err != nil {
		slog.Warn("worker pool did not stop in time", "error", err)
	}

	modules := d.modules
	d.modules = nil
	return closeModules(modules)
}
