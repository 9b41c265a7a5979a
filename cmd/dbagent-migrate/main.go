package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/duckmesh/dbagent/internal/config"
	"github.com/duckmesh/dbagent/internal/database/postgres"
	"github.com/duckmesh/dbagent/internal/migrations"
	"github.com/duckmesh/dbagent/internal/observability"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up|down|status")
	steps := flag.Int("steps", 0, "number of migration steps; 0 means all for up, 1 for down")
	timeout := flag.Duration("timeout", time.Minute, "overall deadline, including waiting for the migration lock")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		slog.Error("failed to load .env", slog.Any("error", err))
		os.Exit(1)
	}
	cfg, err := config.LoadFromEnv("dbagent-migrate")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stderr)
	if cfg.Checkpoint.DSN == "" {
		logger.Error("DBAGENT_CHECKPOINT_DSN is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := postgres.Open(ctx, postgres.DBConfig{DSN: cfg.Checkpoint.DSN, ApplicationName: "dbagent-migrate", MaxOpenConns: 2})
	if err != nil {
		logger.Error("failed to open checkpoint database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := migrate(ctx, logger, db, *direction, *steps); err != nil {
		logger.Error("migration failed", slog.String("direction", *direction), slog.Any("error", err))
		os.Exit(1)
	}
}

func migrate(ctx context.Context, logger *slog.Logger, db *sql.DB, direction string, steps int) error {
	runner := migrations.NewRunner()
	switch direction {
	case "up":
		applied, err := runner.Up(ctx, db, steps)
		if err != nil {
			return err
		}
		logger.Info("migrations applied", slog.Int("count", applied))
	case "down":
		rolledBack, err := runner.Down(ctx, db, steps)
		if err != nil {
			return err
		}
		logger.Info("migrations rolled back", slog.Int("count", rolledBack))
	case "status":
		status, err := runner.Status(ctx, db)
		if err != nil {
			return err
		}
		logger.Info("migration status",
			slog.Any("applied", status.Applied),
			slog.Any("pending", status.Pending),
		)
	default:
		return fmt.Errorf("invalid direction %q (expected up|down|status)", direction)
	}
	return nil
}
