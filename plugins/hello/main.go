// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Command hello is an example sora plugin that runs as its own process.
//
// Build it into a plugins directory and sora picks it up as an executable
// module:
//
//	go build -o ~/.local/share/sora/plugins/hello ./plugins/hello
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/holomush/sora/pkg/pluginsdk"
)

// greeter logs a greeting on every dispatch. It runs after the counter
// Lua example when both are installed.
type greeter struct {
	logger *slog.Logger
	runs   int
}

func (g *greeter) Name() string { return "hello" }

func (g *greeter) Dependencies() []string { return []string{"counter"} }

func (g *greeter) Run(ctx context.Context) {
	g.runs++
	g.logger.InfoContext(ctx, "hello from an out-of-process plugin", "run", g.runs)
}

func main() {
	// stderr is forwarded to the host log.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	pluginsdk.Serve(&greeter{logger: logger})
}
