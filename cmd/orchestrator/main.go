package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ktr0328/orchestrator-core/pkg/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:   "orchestrator",
		Short: "Core orchestrator: recipe catalog, job engine, worker supervisor, control plane.",
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(newRecipesCommand())

	if err := root.ExecuteContext(ctx); err != nil {
		logging.Errorf("orchestrator exited: %v", err)
		os.Exit(1)
	}
}
