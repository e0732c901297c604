package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/overloewner/trade-bot/configs"
	"github.com/overloewner/trade-bot/internal/archive"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	appConfig := configs.AppLoad()

	storage, err := archive.NewClickHouseStorage(appConfig.ClickHouseDSN)
	if err != nil {
		logger.Error("Failed to connect to ClickHouse", "error", err)
		os.Exit(1)
	}
	defer storage.Close()

	reader := archive.NewReader(appConfig.Kafka)
	defer reader.Close()

	svc := archive.New(reader, storage, logger, appConfig.Archiver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Archiver started successfully")

	if err := svc.Start(ctx); err != nil && ctx.Err() == nil {
		logger.Error("Archiver stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("Archiver shutdown complete")
}
