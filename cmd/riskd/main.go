// Command riskd runs the compliance risk scoring service.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:   "riskd",
		Short: "Compliance risk scoring service",
		Long: `riskd scores compliance assessments against framework catalogs,
supervises the scoring agent and exposes results over HTTP.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML config (defaults to $RISK_CONFIG or configs/risk.yaml)")

	root.AddCommand(
		newServeCmd(&configPath),
		newScoreCmd(),
		newFrameworksCmd(&configPath),
	)
	return root
}
