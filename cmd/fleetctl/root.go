package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"fleet-orchestrator/internal/app"
	"fleet-orchestrator/internal/config"
	"fleet-orchestrator/internal/logging"
)

const actor = "fleetctl"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "fleetctl",
		Short:        "Operate the fleet orchestrator",
		SilenceUsage: true,
	}
	root.AddCommand(
		newDLQCommand(),
		newHealthCommand(),
		newReportCommand(),
		newRulesCommand(),
		newMaintenanceCommand(),
	)
	return root
}

// withStack opens the runtime stack for the duration of one command.
func withStack(cmd *cobra.Command, fn func(ctx context.Context, s *app.Stack) error) error {
	cfg := config.Load()
	log := logging.New(cfg)
	log.SetOutput(cmd.ErrOrStderr())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	stack, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer stack.Close()
	return fn(ctx, stack)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

