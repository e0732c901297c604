package main

import (
	"database/sql"
	"flag"
	"log/slog"
	"os"

	_ "github.com/ClickHouse/clickhouse-go/v2" // ClickHouse driver
	_ "github.com/jackc/pgx/v5/stdlib"         // Postgres driver
	"github.com/pressly/goose/v3"

	"github.com/overloewner/trade-bot/configs"
)

func main() {
	target := flag.String("target", "postgres", "migration target: postgres or clickhouse")
	flag.Parse()

	cfg := configs.AppLoad()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	var driver, dsn, dialect, dir string
	switch *target {
	case "postgres":
		driver, dsn, dialect, dir = "pgx", cfg.DatabaseDSN, "postgres", "migrations/postgres"
	case "clickhouse":
		driver, dsn, dialect, dir = "clickhouse", cfg.ClickHouseDSN, "clickhouse", "migrations/clickhouse"
	default:
		logger.Error("Unknown migration target", "target", *target)
		os.Exit(1)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Error("Failed to ping database", "error", err)
		os.Exit(1)
	}

	if err := goose.SetDialect(dialect); err != nil {
		logger.Error("Goose: failed to set dialect", "error", err)
		os.Exit(1)
	}

	logger.Info("Running database migrations...", "target", *target)
	if err := goose.Up(db, dir); err != nil {
		logger.Error("Goose migration failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Migrations completed successfully")
}
