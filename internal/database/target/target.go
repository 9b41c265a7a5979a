// Package target opens the database.Adapter selected by configuration.
package target

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/duckmesh/dbagent/internal/config"
	"github.com/duckmesh/dbagent/internal/database"
	"github.com/duckmesh/dbagent/internal/database/duckdb"
	"github.com/duckmesh/dbagent/internal/database/postgres"
	"github.com/duckmesh/dbagent/internal/database/sqlite"
	"github.com/duckmesh/dbagent/internal/storage"
)

// Target is an adapter plus the lifecycle hooks the binaries need.
type Target interface {
	database.Adapter
	Ping(ctx context.Context) error
	Close() error
}

// SQLTarget additionally exposes the pool for seeding demo data.
type SQLTarget interface {
	Target
	DB() *sql.DB
}

func Open(ctx context.Context, cfg config.TargetConfig, store storage.ObjectStore) (Target, error) {
	switch cfg.Driver {
	case config.TargetSQLite:
		adapter, err := sqlite.Open(ctx, sqlite.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		return adapter, nil
	case config.TargetPostgres:
		db, err := postgres.Open(ctx, postgres.DBConfig{
			DSN:             cfg.DSN,
			ApplicationName: "dbagent-target",
			ReadOnly:        true,
			MaxOpenConns:    cfg.MaxOpenConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		return postgres.NewAdapter(db, cfg.PostgresSchema), nil
	case config.TargetDuckDB:
		datasets, err := duckdb.ParseDatasets(cfg.DuckDBDatasets)
		if err != nil {
			return nil, err
		}
		adapter, err := duckdb.Open(ctx, duckdb.Config{DSN: cfg.DSN, Datasets: datasets}, store)
		if err != nil {
			return nil, err
		}
		return adapter, nil
	default:
		return nil, fmt.Errorf("unsupported target driver %q", cfg.Driver)
	}
}
