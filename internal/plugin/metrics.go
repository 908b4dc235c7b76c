// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains Prometheus metrics for loading, planning and dispatch.
// A nil *Metrics records nothing.
type Metrics struct {
	LoadsTotal        *prometheus.CounterVec
	PlansTotal        *prometheus.CounterVec
	PlanStages        prometheus.Gauge
	DispatchesTotal   *prometheus.CounterVec
	DispatchDuration  *prometheus.HistogramVec
	StageDuration     *prometheus.HistogramVec
	PluginRunDuration *prometheus.HistogramVec
	PluginPanicsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers plugin metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sora_plugin_loads_total",
				Help: "Total number of plugin module loads by result",
			},
			[]string{"result"},
		),
		PlansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sora_plans_total",
				Help: "Total number of stage planning attempts by result",
			},
			[]string{"result"},
		),
		PlanStages: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sora_plan_stages",
				Help: "Number of stages in the most recent plan",
			},
		),
		DispatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sora_dispatches_total",
				Help: "Total number of dispatch runs by mode and result",
			},
			[]string{"mode", "result"},
		),
		DispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sora_dispatch_duration_seconds",
				Help:    "Duration of complete dispatch runs",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sora_stage_duration_seconds",
				Help:    "Duration of a single stage including its barrier",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
		PluginRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sora_plugin_run_duration_seconds",
				Help:    "Duration of plugin Run calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"plugin"},
		),
		PluginPanicsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sora_plugin_panics_total",
				Help: "Total number of recovered plugin panics",
			},
			[]string{"plugin"},
		),
	}

	reg.MustRegister(
		m.LoadsTotal,
		m.PlansTotal,
		m.PlanStages,
		m.DispatchesTotal,
		m.DispatchDuration,
		m.StageDuration,
		m.PluginRunDuration,
		m.PluginPanicsTotal,
	)

	return m
}

func (m *Metrics) recordLoad(result string) {
	if m == nil {
		return
	}
	m.LoadsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) recordPlan(result string, stages int) {
	if m == nil {
		return
	}
	m.PlansTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		m.PlanStages.Set(float64(stages))
	}
}

func (m *Metrics) recordDispatch(mode Mode, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.DispatchesTotal.WithLabelValues(mode.String(), result).Inc()
	m.DispatchDuration.WithLabelValues(mode.String()).Observe(elapsed.Seconds())
}

func (m *Metrics) recordStage(mode Mode, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(mode.String()).Observe(elapsed.Seconds())
}

func (m *Metrics) recordRun(plugin string, elapsed time.Duration, panicked bool) {
	if m == nil {
		return
	}
	m.PluginRunDuration.WithLabelValues(plugin).Observe(elapsed.Seconds())
	if panicked {
		m.PluginPanicsTotal.WithLabelValues(plugin).Inc()
	}
}
