// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/holomush/sora/internal/config"
	"github.com/holomush/sora/internal/observability"
	"github.com/holomush/sora/internal/plugin"
)

// Deps contains injectable dependencies for the run and plan commands.
// All fields with nil values will use their default implementations.
type Deps struct {
	// LoaderFactory builds the loader used for every discovered module.
	// Default: newRouter
	LoaderFactory func(cfg *config.Config) plugin.Loader

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer
}

func (d *Deps) withDefaults() *Deps {
	out := Deps{}
	if d != nil {
		out = *d
	}
	if out.LoaderFactory == nil {
		out.LoaderFactory = newRouter
	}
	if out.ObservabilityServerFactory == nil {
		out.ObservabilityServerFactory = func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, readinessChecker)
		}
	}
	return &out
}

// ObservabilityServer interface wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Registry() *prometheus.Registry
	SetBuildInfo(version, commit string)
}
