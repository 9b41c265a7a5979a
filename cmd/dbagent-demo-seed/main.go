package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/duckmesh/dbagent/internal/config"
	"github.com/duckmesh/dbagent/internal/database/duckdb"
	"github.com/duckmesh/dbagent/internal/database/postgres"
	"github.com/duckmesh/dbagent/internal/database/sqlite"
	"github.com/duckmesh/dbagent/internal/demo/seed"
	"github.com/duckmesh/dbagent/internal/observability"
	s3store "github.com/duckmesh/dbagent/internal/storage/s3"
)

func main() {
	toObjects := flag.Bool("parquet", false, "export parquet objects to the object store instead of loading the target database")
	prefix := flag.String("prefix", "demo", "object key prefix for -parquet")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		slog.Error("failed to load .env", slog.Any("error", err))
		os.Exit(1)
	}
	cfg, err := config.LoadFromEnv("dbagent-demo-seed")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	ds, err := seed.Generate(cfg.Demo.Seed, cfg.Demo.Employees, cfg.Demo.Orders)
	if err != nil {
		logger.Error("failed to generate demo dataset", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if *toObjects {
		store, err := s3store.New(ctx, s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		result, err := seed.ExportParquet(ctx, store, *prefix, ds)
		if err != nil {
			logger.Error("failed to export demo dataset", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("demo dataset exported",
			slog.Int64("seed", ds.Seed),
			slog.String("DBAGENT_TARGET_DUCKDB_DATASETS", result.DatasetsSpec()),
		)
		return
	}

	if err := seedTarget(ctx, cfg, ds); err != nil {
		logger.Error("failed to seed target database", slog.Any("error", err), slog.String("driver", cfg.Target.Driver))
		os.Exit(1)
	}
	logger.Info("demo dataset loaded",
		slog.String("driver", cfg.Target.Driver),
		slog.Int64("seed", ds.Seed),
		slog.Int("employees", len(ds.Employees)),
		slog.Int("orders", len(ds.Orders)),
	)
}

func seedTarget(ctx context.Context, cfg config.Config, ds seed.Dataset) error {
	switch cfg.Target.Driver {
	case config.TargetPostgres:
		db, err := postgres.Open(ctx, postgres.DBConfig{DSN: cfg.Target.DSN, MaxOpenConns: 2})
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		return seed.SeedSQL(ctx, db, seed.DialectPostgres, ds)
	case config.TargetDuckDB:
		adapter, err := duckdb.Open(ctx, duckdb.Config{DSN: cfg.Target.DSN}, nil)
		if err != nil {
			return err
		}
		defer func() { _ = adapter.Close() }()
		return seed.SeedSQL(ctx, adapter.DB(), seed.DialectDuckDB, ds)
	default:
		adapter, err := sqlite.Open(ctx, sqlite.Config{DSN: cfg.Target.DSN, MaxOpenConns: 1})
		if err != nil {
			return err
		}
		defer func() { _ = adapter.Close() }()
		return seed.SeedSQL(ctx, adapter.DB(), seed.DialectSQLite, ds)
	}
}
