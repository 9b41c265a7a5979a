// Package migrations owns the Postgres schema of the checkpoint store.
package migrations

import (
	"cmp"
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

const (
	migrationTable = "dbagent_schema_migrations"
	// advisoryLockID serializes concurrent migrate runs against one database.
	advisoryLockID int64 = 0x64626167656e74
)

var migrationNamePattern = regexp.MustCompile(`^([0-9]+)_.+\.(up|down)\.sql$`)

// Runner applies the embedded checkpoint schema migrations.
type Runner struct {
	fsys fs.FS
}

func NewRunner() *Runner {
	return &Runner{fsys: embeddedFS}
}

type migration struct {
	Version int64
	UpSQL   string
	DownSQL string
}

// Status reports which embedded migrations are applied.
type Status struct {
	Applied []int64
	Pending []int64
}

// session is satisfied by both *sql.DB and *sql.Conn.
type session interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Up applies pending migrations in version order. steps <= 0 applies all of them.
func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) (int, error) {
	migrations, err := loadMigrations(r.fsys)
	if err != nil {
		return 0, err
	}
	count := 0
	err = withMigrationLock(ctx, db, func(s session) error {
		applied, err := prepare(ctx, s, false)
		if err != nil {
			return err
		}
		done := versionSet(applied)
		for _, item := range migrations {
			if _, ok := done[item.Version]; ok {
				continue
			}
			if steps > 0 && count >= steps {
				break
			}
			if err := runStep(ctx, s, "apply", item.Version, item.UpSQL,
				`INSERT INTO `+migrationTable+` (version) VALUES ($1)`); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// Down rolls back the most recent migrations. steps <= 0 rolls back one.
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) (int, error) {
	steps = max(steps, 1)
	migrations, err := loadMigrations(r.fsys)
	if err != nil {
		return 0, err
	}
	byVersion := make(map[int64]migration, len(migrations))
	for _, item := range migrations {
		byVersion[item.Version] = item
	}

	count := 0
	err = withMigrationLock(ctx, db, func(s session) error {
		applied, err := prepare(ctx, s, true)
		if err != nil {
			return err
		}
		for _, version := range applied {
			if count >= steps {
				break
			}
			item, ok := byVersion[version]
			if !ok {
				return fmt.Errorf("applied migration %d is missing from source", version)
			}
			if err := runStep(ctx, s, "rollback", item.Version, item.DownSQL,
				`DELETE FROM `+migrationTable+` WHERE version = $1`); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

func (r *Runner) Status(ctx context.Context, db *sql.DB) (Status, error) {
	migrations, err := loadMigrations(r.fsys)
	if err != nil {
		return Status{}, err
	}
	applied, err := prepare(ctx, db, false)
	if err != nil {
		return Status{}, err
	}
	done := versionSet(applied)

	status := Status{Applied: applied}
	for _, item := range migrations {
		if _, ok := done[item.Version]; !ok {
			status.Pending = append(status.Pending, item.Version)
		}
	}
	return status, nil
}

// withMigrationLock pins one connection and holds a session advisory lock on
// it while fn runs.
func withMigrationLock(ctx context.Context, db *sql.DB, fn func(session) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	runErr := fn(conn)
	if _, err := conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, advisoryLockID); err != nil && runErr == nil {
		return fmt.Errorf("release migration lock: %w", err)
	}
	return runErr
}

// prepare creates the bookkeeping table if needed and returns applied versions.
func prepare(ctx context.Context, s session, descending bool) ([]int64, error) {
	if _, err := s.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS `+migrationTable+` (
	version BIGINT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return nil, fmt.Errorf("ensure migration table: %w", err)
	}

	order := "ASC"
	if descending {
		order = "DESC"
	}
	rows, err := s.QueryContext(ctx, `SELECT version FROM `+migrationTable+` ORDER BY version `+order)
	if err != nil {
		return nil, fmt.Errorf("query applied versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var versions []int64
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read applied versions: %w", err)
	}
	return versions, nil
}

// runStep executes one script and its bookkeeping statement in a single
// transaction.
func runStep(ctx context.Context, s session, verb string, version int64, script, mark string) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s of migration %d: %w", verb, version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("%s migration %d: %w", verb, version, err)
	}
	if _, err := tx.ExecContext(ctx, mark, version); err != nil {
		return fmt.Errorf("record %s of migration %d: %w", verb, version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s of migration %d: %w", verb, version, err)
	}
	return nil
}

func versionSet(versions []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(versions))
	for _, version := range versions {
		set[version] = struct{}{}
	}
	return set
}

func loadMigrations(fsys fs.FS) ([]migration, error) {
	names, err := fs.Glob(fsys, "sql/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := map[int64]*migration{}
	for _, name := range names {
		base := strings.TrimPrefix(name, "sql/")
		matches := migrationNamePattern.FindStringSubmatch(base)
		if matches == nil {
			continue
		}
		version, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version for %q: %w", base, err)
		}
		script, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", base, err)
		}
		item, ok := byVersion[version]
		if !ok {
			item = &migration{Version: version}
			byVersion[version] = item
		}
		if matches[2] == "up" {
			item.UpSQL = string(script)
		} else {
			item.DownSQL = string(script)
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, item := range byVersion {
		switch {
		case strings.TrimSpace(item.UpSQL) == "":
			return nil, fmt.Errorf("migration %d missing up SQL", item.Version)
		case strings.TrimSpace(item.DownSQL) == "":
			return nil, fmt.Errorf("migration %d missing down SQL", item.Version)
		}
		out = append(out, *item)
	}
	slices.SortFunc(out, func(a, b migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}
