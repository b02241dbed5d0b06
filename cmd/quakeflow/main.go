package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/quakeflow/quakeflow"
	_ "github.com/quakeflow/quakeflow/transport/transports"
)

func main() {
	logger := quakeflow.NewSlogServiceLogger(
		slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
	)

	conf, err := quakeflow.FromEnv()
	if err != nil {
		logger.Error("Invalid configuration", err, nil)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := quakeflow.Dependencies{}
	if conf.DatabaseDriver != "" {
		store, err := quakeflow.OpenStore(ctx, conf.DatabaseDriver, conf.DatabaseURL)
		if err != nil {
			logger.Error("Failed to open detection store", err, quakeflow.LogFields{
				"driver": conf.DatabaseDriver,
			})
			os.Exit(1)
		}
		deps.Store = store
	} else {
		logger.Info("No database configured, persistence disabled", nil)
	}

	svc, err := quakeflow.NewService(conf, logger, ctx, deps)
	if err != nil {
		logger.Error("Failed to create service", err, nil)
		os.Exit(1)
	}

	if err := svc.Start(ctx); err != nil {
		logger.Error("Service stopped", err, nil)
		os.Exit(1)
	}
}
