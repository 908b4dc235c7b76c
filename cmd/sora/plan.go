// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewPlanCmd creates the plan subcommand.
func NewPlanCmd() *cobra.Command {
	return newPlanCmd(nil)
}

func newPlanCmd(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan [plugins-dir]",
		Short: "Print the stage plan without dispatching",
		Long: `Discover and load the plugins in a directory and print the stages
they would be dispatched in. Unresolved dependencies are listed per stage.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps := deps.withDefaults()

			cfg, err := loadConfig(cmd, args)
			if err != nil {
				return err
			}
			if err := setupLogging(cfg); err != nil {
				return fmt.Errorf("failed to set up logging: %w", err)
			}

			plan, err := buildPlan(cmd.Context(), cfg, deps.LoaderFactory(cfg), nil)
			if err != nil {
				return err
			}
			defer func() { _ = plan.Close() }()

			cmd.Printf("%d plugins in %d stages\n", countPlugins(plan), plan.Len())
			cmd.Print(plan.String())
			return nil
		},
	}

	addPlanFlags(cmd.Flags())

	return cmd
}
