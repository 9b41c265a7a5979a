// Package sqlite adapts an embedded SQLite database to database.Adapter.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"

	"github.com/duckmesh/dbagent/internal/database"
	"github.com/duckmesh/dbagent/internal/schema"
)

type Config struct {
	DSN             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

type Adapter struct {
	db *sql.DB
}

func Open(ctx context.Context, cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlite dsn is required")
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return &Adapter{db: db}, nil
}

func NewAdapter(db *sql.DB) *Adapter {
	return &Adapter{db: db}
}

func (a *Adapter) DB() *sql.DB {
	return a.db
}

func (a *Adapter) Close() error {
	return a.db.Close()
}

func (a *Adapter) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

func (a *Adapter) Run(ctx context.Context, statement string) ([]database.Row, error) {
	return database.QueryRows(ctx, a.db, statement, classify)
}

func (a *Adapter) Introspect(ctx context.Context) (schema.Snapshot, error) {
	names, err := a.tableNames(ctx)
	if err != nil {
		return schema.Snapshot{}, err
	}

	tables := make([]schema.Table, 0, len(names))
	for _, name := range names {
		table := schema.Table{Name: name}
		if err := a.loadColumns(ctx, &table); err != nil {
			return schema.Snapshot{}, err
		}
		if err := a.loadForeignKeys(ctx, &table); err != nil {
			return schema.Snapshot{}, err
		}
		tables = append(tables, table)
	}
	return schema.NewSnapshot(tables), nil
}

func (a *Adapter) tableNames(ctx context.Context) ([]string, error) {
	rows, err := a.db.QueryContext(ctx, `
SELECT name
FROM sqlite_master
WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
ORDER BY name
`)
	if err != nil {
		return nil, fmt.Errorf("list sqlite tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan sqlite table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sqlite tables: %w", err)
	}
	return names, nil
}

func (a *Adapter) loadColumns(ctx context.Context, table *schema.Table) error {
	rows, err := a.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", database.QuoteIdent(table.Name)))
	if err != nil {
		return fmt.Errorf("table_info %q: %w", table.Name, err)
	}
	defer func() { _ = rows.Close() }()

	type pkColumn struct {
		name     string
		position int
	}
	var pk []pkColumn
	for rows.Next() {
		var (
			cid        int
			name       string
			declType   string
			notNull    int
			defaultVal sql.NullString
			pkPosition int
		)
		if err := rows.Scan(&cid, &name, &declType, &notNull, &defaultVal, &pkPosition); err != nil {
			return fmt.Errorf("scan table_info %q: %w", table.Name, err)
		}
		table.Columns = append(table.Columns, schema.Column{
			Name:     name,
			Type:     declType,
			Nullable: notNull == 0 && pkPosition == 0,
		})
		if pkPosition > 0 {
			pk = append(pk, pkColumn{name: name, position: pkPosition})
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate table_info %q: %w", table.Name, err)
	}

	if len(pk) > 0 {
		table.PrimaryKey = make([]string, len(pk))
		for _, column := range pk {
			if column.position-1 < len(pk) {
				table.PrimaryKey[column.position-1] = column.name
			}
		}
	}
	return nil
}

func (a *Adapter) loadForeignKeys(ctx context.Context, table *schema.Table) error {
	rows, err := a.db.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%s)", database.QuoteIdent(table.Name)))
	if err != nil {
		return fmt.Errorf("foreign_key_list %q: %w", table.Name, err)
	}
	defer func() { _ = rows.Close() }()

	byID := map[int]int{}
	for rows.Next() {
		var (
			id       int
			seq      int
			refTable string
			from     string
			to       sql.NullString
			onUpdate string
			onDelete string
			match    string
		)
		if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return fmt.Errorf("scan foreign_key_list %q: %w", table.Name, err)
		}
		index, ok := byID[id]
		if !ok {
			table.ForeignKeys = append(table.ForeignKeys, schema.ForeignKey{RefTable: refTable})
			index = len(table.ForeignKeys) - 1
			byID[id] = index
		}
		fk := &table.ForeignKeys[index]
		fk.Columns = append(fk.Columns, from)
		fk.RefColumns = append(fk.RefColumns, to.String)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate foreign_key_list %q: %w", table.Name, err)
	}
	return nil
}

// classify turns a SQLite result code into its symbolic name, for example
// SQLITE_ERROR or SQLITE_CONSTRAINT_FOREIGNKEY.
func classify(err error) string {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return "SQLiteError"
	}
	code := sqliteErr.Code()
	if name := codeName(code); name != "" {
		return name
	}
	if name := codeName(code & 0xff); name != "" {
		return name
	}
	return fmt.Sprintf("SQLITE_%d", code)
}

func codeName(code int) string {
	desc, ok := sqlite.ErrorCodeString[code]
	if !ok {
		return ""
	}
	open := strings.LastIndex(desc, "(")
	closing := strings.LastIndex(desc, ")")
	if open < 0 || closing <= open {
		return ""
	}
	return desc[open+1 : closing]
}
