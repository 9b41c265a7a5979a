// Package postgres adapts a PostgreSQL schema to database.Adapter through the
// pgx stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/duckmesh/dbagent/internal/database"
	"github.com/duckmesh/dbagent/internal/schema"
)

type Adapter struct {
	db     *sql.DB
	schema string
}

// NewAdapter introspects tables of the given schema, "public" when empty.
func NewAdapter(db *sql.DB, schemaName string) *Adapter {
	if schemaName == "" {
		schemaName = "public"
	}
	return &Adapter{db: db, schema: schemaName}
}

func (a *Adapter) DB() *sql.DB {
	return a.db
}

func (a *Adapter) Close() error {
	return a.db.Close()
}

func (a *Adapter) Ping(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping target db: %w", err)
	}
	return nil
}

func (a *Adapter) Run(ctx context.Context, statement string) ([]database.Row, error) {
	return database.QueryRows(ctx, a.db, statement, classify)
}

func (a *Adapter) Introspect(ctx context.Context) (schema.Snapshot, error) {
	tables, order, err := a.loadColumns(ctx)
	if err != nil {
		return schema.Snapshot{}, err
	}
	if err := a.loadPrimaryKeys(ctx, tables); err != nil {
		return schema.Snapshot{}, err
	}
	if err := a.loadForeignKeys(ctx, tables); err != nil {
		return schema.Snapshot{}, err
	}

	out := make([]schema.Table, 0, len(order))
	for _, name := range order {
		out = append(out, *tables[name])
	}
	return schema.NewSnapshot(out), nil
}

func (a *Adapter) loadColumns(ctx context.Context) (map[string]*schema.Table, []string, error) {
	query := `
SELECT c.table_name, c.column_name, c.data_type, c.is_nullable
FROM information_schema.columns c
JOIN information_schema.tables t
  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
WHERE c.table_schema = $1 AND t.table_type = 'BASE TABLE'
ORDER BY c.table_name, c.ordinal_position`
	rows, err := a.db.QueryContext(ctx, query, a.schema)
	if err != nil {
		return nil, nil, fmt.Errorf("list columns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tables := map[string]*schema.Table{}
	order := make([]string, 0)
	for rows.Next() {
		var tableName, columnName, dataType, nullable string
		if err := rows.Scan(&tableName, &columnName, &dataType, &nullable); err != nil {
			return nil, nil, fmt.Errorf("scan column: %w", err)
		}
		table, ok := tables[tableName]
		if !ok {
			table = &schema.Table{Name: tableName}
			tables[tableName] = table
			order = append(order, tableName)
		}
		table.Columns = append(table.Columns, schema.Column{
			Name:     columnName,
			Type:     dataType,
			Nullable: nullable == "YES",
		})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate columns: %w", err)
	}
	return tables, order, nil
}

func (a *Adapter) loadPrimaryKeys(ctx context.Context, tables map[string]*schema.Table) error {
	query := `
SELECT tc.table_name, kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_schema = tc.constraint_schema AND kcu.constraint_name = tc.constraint_name
WHERE tc.table_schema = $1 AND tc.constraint_type = 'PRIMARY KEY'
ORDER BY tc.table_name, kcu.ordinal_position`
	rows, err := a.db.QueryContext(ctx, query, a.schema)
	if err != nil {
		return fmt.Errorf("list primary keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var tableName, columnName string
		if err := rows.Scan(&tableName, &columnName); err != nil {
			return fmt.Errorf("scan primary key: %w", err)
		}
		if table, ok := tables[tableName]; ok {
			table.PrimaryKey = append(table.PrimaryKey, columnName)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate primary keys: %w", err)
	}
	return nil
}

func (a *Adapter) loadForeignKeys(ctx context.Context, tables map[string]*schema.Table) error {
	query := `
SELECT kcu.constraint_name, kcu.table_name, kcu.column_name, ref.table_name, ref.column_name
FROM information_schema.referential_constraints rc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_schema = rc.constraint_schema AND kcu.constraint_name = rc.constraint_name
JOIN information_schema.key_column_usage ref
  ON ref.constraint_schema = rc.unique_constraint_schema
 AND ref.constraint_name = rc.unique_constraint_name
 AND ref.ordinal_position = kcu.position_in_unique_constraint
WHERE kcu.table_schema = $1
ORDER BY kcu.table_name, kcu.constraint_name, kcu.ordinal_position`
	rows, err := a.db.QueryContext(ctx, query, a.schema)
	if err != nil {
		return fmt.Errorf("list foreign keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type fkKey struct{ table, constraint string }
	index := map[fkKey]int{}
	for rows.Next() {
		var constraintName, tableName, columnName, refTable, refColumn string
		if err := rows.Scan(&constraintName, &tableName, &columnName, &refTable, &refColumn); err != nil {
			return fmt.Errorf("scan foreign key: %w", err)
		}
		table, ok := tables[tableName]
		if !ok {
			continue
		}
		key := fkKey{table: tableName, constraint: constraintName}
		i, seen := index[key]
		if !seen {
			table.ForeignKeys = append(table.ForeignKeys, schema.ForeignKey{RefTable: refTable})
			i = len(table.ForeignKeys) - 1
			index[key] = i
		}
		table.ForeignKeys[i].Columns = append(table.ForeignKeys[i].Columns, columnName)
		table.ForeignKeys[i].RefColumns = append(table.ForeignKeys[i].RefColumns, refColumn)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate foreign keys: %w", err)
	}
	return nil
}

// classify reports the SQLSTATE of server errors, e.g. 42P01 for an
// undefined table.
func classify(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return "SQLSTATE " + pgErr.Code
	}
	return "PostgresError"
}
