package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"OpenGRC-Risk/internal/config"
	"OpenGRC-Risk/pkg/logger"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and the scoring job processor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.ResolvePath(*configPath))
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := logger.Init(cfg.Log); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	app, err := newApp(ctx, cfg)
	if err != nil {
		logger.L().Error("riskd startup failed", slog.Any("error", err))
		return err
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- app.processor.Start(ctx) }()
	go func() { errCh <- app.server.Start(ctx) }()

	logger.L().Info("riskd started",
		slog.String("address", cfg.Server.Address),
		slog.String("store", cfg.Store.Driver),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("events", cfg.Events.Driver),
	)

	err = <-errCh
	cancel()
	<-errCh
	if errors.Is(err, context.Canceled) {
		logger.L().Info("riskd stopped")
		return nil
	}
	if err != nil {
		logger.L().Error("riskd exited", slog.Any("error", err))
	}
	return err
}
