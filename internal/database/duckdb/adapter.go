// Package duckdb adapts an embedded DuckDB database to database.Adapter.
// Parquet datasets held in the object store can be attached as views so the
// agent can answer questions about lake data.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/duckmesh/dbagent/internal/database"
	"github.com/duckmesh/dbagent/internal/schema"
	"github.com/duckmesh/dbagent/internal/storage"
)

// Dataset exposes one or more parquet objects as a view named Table.
type Dataset struct {
	Table      string
	ObjectKeys []string
}

type Config struct {
	// DSN is a database file path. Empty opens an in-memory database.
	DSN      string
	Datasets []Dataset
}

type Adapter struct {
	db      *sql.DB
	workDir string
}

func Open(ctx context.Context, cfg Config, store storage.ObjectStore) (*Adapter, error) {
	db, err := sql.Open("duckdb", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	// Views reference files by local path; one connection keeps the
	// in-memory catalog consistent.
	db.SetMaxOpenConns(1)

	adapter := &Adapter{db: db}
	if len(cfg.Datasets) > 0 {
		if err := adapter.attachDatasets(ctx, store, cfg.Datasets); err != nil {
			_ = adapter.Close()
			return nil, err
		}
	}
	return adapter, nil
}

func (a *Adapter) DB() *sql.DB {
	return a.db
}

func (a *Adapter) Close() error {
	err := a.db.Close()
	if a.workDir != "" {
		_ = os.RemoveAll(a.workDir)
	}
	return err
}

func (a *Adapter) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

func (a *Adapter) attachDatasets(ctx context.Context, store storage.ObjectStore, datasets []Dataset) error {
	if store == nil {
		return fmt.Errorf("object store is required for duckdb datasets")
	}
	workDir, err := os.MkdirTemp("", "dbagent-duckdb-")
	if err != nil {
		return fmt.Errorf("create dataset temp dir: %w", err)
	}
	a.workDir = workDir

	for _, dataset := range datasets {
		if dataset.Table == "" || len(dataset.ObjectKeys) == 0 {
			return fmt.Errorf("dataset requires a table name and at least one object key")
		}
		keys, err := expandKeys(ctx, store, dataset.ObjectKeys)
		if err != nil {
			return fmt.Errorf("dataset %q: %w", dataset.Table, err)
		}
		localPaths := make([]string, 0, len(keys))
		for index, key := range keys {
			localPath := filepath.Join(workDir, fmt.Sprintf("%s_%d.parquet", sanitizeFileComponent(dataset.Table), index))
			if err := stageObject(ctx, store, key, localPath); err != nil {
				return fmt.Errorf("dataset %q: %w", dataset.Table, err)
			}
			localPaths = append(localPaths, localPath)
		}

		viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet(%s)`,
			database.QuoteIdent(dataset.Table), quoteStringArray(localPaths))
		if _, err := a.db.ExecContext(ctx, viewSQL); err != nil {
			return fmt.Errorf("create view for dataset %q: %w", dataset.Table, err)
		}
	}
	return nil
}

func (a *Adapter) Run(ctx context.Context, statement string) ([]database.Row, error) {
	return database.QueryRows(ctx, a.db, statement, classify)
}

func (a *Adapter) Introspect(ctx context.Context) (schema.Snapshot, error) {
	rows, err := a.db.QueryContext(ctx, `
SELECT table_name, column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = 'main'
ORDER BY table_name, ordinal_position
`)
	if err != nil {
		return schema.Snapshot{}, fmt.Errorf("list duckdb columns: %w", err)
	}
	tables := map[string]*schema.Table{}
	for rows.Next() {
		var tableName, columnName, dataType, nullable string
		if err := rows.Scan(&tableName, &columnName, &dataType, &nullable); err != nil {
			_ = rows.Close()
			return schema.Snapshot{}, fmt.Errorf("scan duckdb column: %w", err)
		}
		table, ok := tables[tableName]
		if !ok {
			table = &schema.Table{Name: tableName}
			tables[tableName] = table
		}
		table.Columns = append(table.Columns, schema.Column{
			Name:     columnName,
			Type:     dataType,
			Nullable: nullable == "YES",
		})
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return schema.Snapshot{}, fmt.Errorf("iterate duckdb columns: %w", err)
	}
	_ = rows.Close()

	if err := a.loadConstraints(ctx, tables); err != nil {
		return schema.Snapshot{}, err
	}

	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]schema.Table, 0, len(names))
	for _, name := range names {
		out = append(out, *tables[name])
	}
	return schema.NewSnapshot(out), nil
}

func (a *Adapter) loadConstraints(ctx context.Context, tables map[string]*schema.Table) error {
	rows, err := a.db.QueryContext(ctx, `
SELECT
  table_name,
  constraint_type,
  array_to_string(constraint_column_names, ','),
  coalesce(referenced_table, ''),
  coalesce(array_to_string(referenced_column_names, ','), '')
FROM duckdb_constraints()
WHERE schema_name = 'main' AND constraint_type IN ('PRIMARY KEY', 'FOREIGN KEY')
ORDER BY table_name, constraint_index
`)
	if err != nil {
		return fmt.Errorf("list duckdb constraints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var tableName, constraintType, columns, refTable, refColumns string
		if err := rows.Scan(&tableName, &constraintType, &columns, &refTable, &refColumns); err != nil {
			return fmt.Errorf("scan duckdb constraint: %w", err)
		}
		table, ok := tables[tableName]
		if !ok {
			continue
		}
		switch constraintType {
		case "PRIMARY KEY":
			table.PrimaryKey = splitList(columns)
		case "FOREIGN KEY":
			table.ForeignKeys = append(table.ForeignKeys, schema.ForeignKey{
				Columns:    splitList(columns),
				RefTable:   refTable,
				RefColumns: splitList(refColumns),
			})
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate duckdb constraints: %w", err)
	}
	return nil
}

// classify reads the error class DuckDB prefixes its messages with, so
// "Catalog Error: Table with name x does not exist!" becomes "CatalogError".
func classify(err error) string {
	message := err.Error()
	prefix, _, found := strings.Cut(message, ": ")
	if !found || !strings.HasSuffix(prefix, " Error") || strings.ContainsAny(prefix, "\n") {
		return "DuckDBError"
	}
	return strings.ReplaceAll(prefix, " ", "")
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func quoteStringArray(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, `'`+strings.ReplaceAll(value, `'`, `''`)+`'`)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

func sanitizeFileComponent(value string) string {
	value = strings.ReplaceAll(value, "/", "_")
	value = strings.ReplaceAll(value, "..", "_")
	if value == "" {
		return "table"
	}
	return value
}

// ParseDatasets reads "table=key1|key2,other=key3" into datasets.
func ParseDatasets(raw string) ([]Dataset, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []Dataset
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		table, keys, ok := strings.Cut(entry, "=")
		table = strings.TrimSpace(table)
		if !ok || table == "" || strings.TrimSpace(keys) == "" {
			return nil, fmt.Errorf("invalid dataset entry %q, expected table=object_key", entry)
		}
		dataset := Dataset{Table: table}
		for _, key := range strings.Split(keys, "|") {
			if key = strings.TrimSpace(key); key != "" {
				dataset.ObjectKeys = append(dataset.ObjectKeys, key)
			}
		}
		out = append(out, dataset)
	}
	return out, nil
}
