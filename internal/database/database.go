// Package database defines the adapter contract the agent uses to talk to the
// target relational store.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/duckmesh/dbagent/internal/schema"
)

// Row maps column name to value. Zero rows is a successful result.
type Row map[string]any

type Adapter interface {
	Introspect(ctx context.Context) (schema.Snapshot, error)
	Run(ctx context.Context, statement string) ([]Row, error)
}

// Error is returned by Run for any engine-side failure. Kind is the engine's
// error classification, for example "SQLITE_ERROR" or "42P01".
type Error struct {
	Kind      string
	Statement string
	Err       error
}

func (e *Error) Error() string {
	kind := e.Kind
	if kind == "" {
		kind = "DatabaseError"
	}
	return fmt.Sprintf("%s: %v", kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Querier is the subset of *sql.DB used by QueryRows.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ClassifyFunc maps a driver error to an error kind.
type ClassifyFunc func(err error) string

// QueryRows runs one statement and collects every row it produces. DDL and
// DML statements return an empty slice. Failures are wrapped in *Error unless
// the context was cancelled, in which case the context error is returned.
func QueryRows(ctx context.Context, db Querier, statement string, classify ClassifyFunc) ([]Row, error) {
	sqlText := StripTrailingSemicolons(statement)
	if sqlText == "" {
		return nil, &Error{Kind: "EmptyStatement", Statement: statement, Err: fmt.Errorf("statement is empty")}
	}

	rows, err := db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, wrapError(ctx, statement, err, classify)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, wrapError(ctx, statement, err, classify)
	}

	out := make([]Row, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, wrapError(ctx, statement, err, classify)
		}
		row := make(Row, len(columns))
		for i, column := range columns {
			row[column] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(ctx, statement, err, classify)
	}
	return out, nil
}

func wrapError(ctx context.Context, statement string, err error, classify ClassifyFunc) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	kind := ""
	if classify != nil {
		kind = classify(err)
	}
	return &Error{Kind: kind, Statement: statement, Err: err}
}

func normalizeValue(value any) any {
	switch typed := value.(type) {
	case []byte:
		return string(typed)
	default:
		return typed
	}
}

func StripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}

func QuoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
