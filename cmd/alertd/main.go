package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/overloewner/trade-bot/configs"
	"github.com/overloewner/trade-bot/internal/notify"
	"github.com/overloewner/trade-bot/internal/ops"
	"github.com/overloewner/trade-bot/internal/service"
	"github.com/overloewner/trade-bot/internal/store"
	"github.com/overloewner/trade-bot/pkg/faulttolerance"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	appConfig := configs.AppLoad()

	if appConfig.TelegramToken == "" {
		logger.Error("TELEGRAM_BOT_TOKEN is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ftLogger := logrus.New()

	var pg *store.PostgresStore
	connect := faulttolerance.NewRetryer(faulttolerance.DefaultRetryConfig("postgres-connect"), ftLogger)
	err := connect.Execute(ctx, func() error {
		var err error
		pg, err = store.NewPostgresStore(ctx, appConfig.DatabaseDSN)
		return err
	})
	if err != nil {
		logger.Error("Failed to connect to preset store", "error", err)
		os.Exit(1)
	}
	buffered := store.NewBuffered(pg, logger)
	defer buffered.Close()

	notifier := notify.NewTelegramNotifier(appConfig.TelegramToken)
	svc := service.New(appConfig, buffered, notifier, logger)

	monitor := faulttolerance.NewHealthMonitor(ftLogger, 30*time.Second)
	monitor.AddCheck("store", pg.Ping)
	monitor.AddCheck("stream", svc.StreamHealth)
	monitor.AddCheck("registry", svc.VerifyRegistry)
	monitor.Start()
	defer monitor.Stop()

	opsServer := ops.NewServer(appConfig.OpsAddr, svc, monitor, logger)
	opsErr := make(chan error, 1)
	go func() {
		opsErr <- opsServer.Run(ctx)
	}()

	logger.Info("Alert engine starting")

	if err := svc.Run(ctx); err != nil {
		logger.Error("Alert engine stopped with error", "error", err)
		os.Exit(1)
	}

	if err := <-opsErr; err != nil {
		logger.Error("Ops server stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("Alert engine shutdown complete")
}
