package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/duckmesh/dbagent/internal/database"
)

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), DBConfig{})
	if err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestConnConfigSetsRuntimeParams(t *testing.T) {
	cfg, err := connConfig(DBConfig{
		DSN:             "postgres://reader:pw@db.internal:5432/sales?sslmode=disable",
		ApplicationName: "dbagent-api",
		ReadOnly:        true,
	})
	if err != nil {
		t.Fatalf("connConfig() error = %v", err)
	}
	if cfg.Host != "db.internal" || cfg.Database != "sales" || cfg.User != "reader" {
		t.Fatalf("connConfig() host/db/user = %s/%s/%s", cfg.Host, cfg.Database, cfg.User)
	}
	if cfg.RuntimeParams["application_name"] != "dbagent-api" {
		t.Fatalf("application_name = %q", cfg.RuntimeParams["application_name"])
	}
	if cfg.RuntimeParams["default_transaction_read_only"] != "on" {
		t.Fatalf("default_transaction_read_only = %q", cfg.RuntimeParams["default_transaction_read_only"])
	}

	writable, err := connConfig(DBConfig{DSN: "postgres://localhost/dbagent"})
	if err != nil {
		t.Fatalf("connConfig() error = %v", err)
	}
	if _, ok := writable.RuntimeParams["default_transaction_read_only"]; ok {
		t.Fatal("read-only param set without ReadOnly")
	}
}

func TestConnConfigRejectsMalformedDSN(t *testing.T) {
	if _, err := connConfig(DBConfig{DSN: "postgres://%zz"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestIntrospectAssemblesTables(t *testing.T) {
	db, mock := newSQLMock(t)
	adapter := NewAdapter(db, "")

	mock.ExpectQuery(regexp.QuoteMeta("FROM information_schema.columns c")).
		WithArgs("public").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name", "data_type", "is_nullable"}).
			AddRow("departments", "id", "integer", "NO").
			AddRow("departments", "name", "text", "NO").
			AddRow("employees", "id", "integer", "NO").
			AddRow("employees", "department_id", "integer", "YES"))
	mock.ExpectQuery(regexp.QuoteMeta("tc.constraint_type = 'PRIMARY KEY'")).
		WithArgs("public").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name"}).
			AddRow("departments", "id").
			AddRow("employees", "id"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM information_schema.referential_constraints rc")).
		WithArgs("public").
		WillReturnRows(sqlmock.NewRows([]string{"constraint_name", "table_name", "column_name", "table_name", "column_name"}).
			AddRow("employees_department_id_fkey", "employees", "department_id", "departments", "id").
			AddRow("orphan_fkey", "missing", "x", "departments", "id"))

	snapshot, err := adapter.Introspect(context.Background())
	if err != nil {
		t.Fatalf("Introspect() error = %v", err)
	}
	employees, ok := snapshot.Table("employees")
	if !ok {
		t.Fatal("employees table missing")
	}
	if len(employees.Columns) != 2 || !employees.Columns[1].Nullable || employees.Columns[0].Nullable {
		t.Fatalf("columns = %#v", employees.Columns)
	}
	if len(employees.PrimaryKey) != 1 || employees.PrimaryKey[0] != "id" {
		t.Fatalf("PrimaryKey = %v", employees.PrimaryKey)
	}
	if len(employees.ForeignKeys) != 1 || employees.ForeignKeys[0].RefTable != "departments" {
		t.Fatalf("ForeignKeys = %#v", employees.ForeignKeys)
	}
	if snapshot.Len() != 2 {
		t.Fatalf("Len() = %d", snapshot.Len())
	}
	assertSQLMock(t, mock)
}

func TestIntrospectPropagatesQueryErrors(t *testing.T) {
	db, mock := newSQLMock(t)
	adapter := NewAdapter(db, "sales")

	mock.ExpectQuery(regexp.QuoteMeta("FROM information_schema.columns c")).
		WithArgs("sales").
		WillReturnError(errors.New("permission denied"))

	if _, err := adapter.Introspect(context.Background()); err == nil {
		t.Fatal("expected introspection error")
	}
	assertSQLMock(t, mock)
}

func TestRunClassifiesPgErrors(t *testing.T) {
	db, mock := newSQLMock(t)
	adapter := NewAdapter(db, "public")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM employes")).
		WillReturnError(&pgconn.PgError{Code: "42P01", Message: `relation "employes" does not exist`})

	_, err := adapter.Run(context.Background(), "SELECT * FROM employes;")
	var dbErr *database.Error
	if !errors.As(err, &dbErr) {
		t.Fatalf("Run() error = %v, want *database.Error", err)
	}
	if dbErr.Kind != "SQLSTATE 42P01" {
		t.Fatalf("Kind = %q", dbErr.Kind)
	}
	assertSQLMock(t, mock)
}

func TestRunReturnsRows(t *testing.T) {
	db, mock := newSQLMock(t)
	adapter := NewAdapter(db, "public")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) AS total FROM employees")).
		WillReturnRows(sqlmock.NewRows([]string{"total"}).AddRow(int64(12)))

	rows, err := adapter.Run(context.Background(), "SELECT count(*) AS total FROM employees")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(rows) != 1 || rows[0]["total"] != int64(12) {
		t.Fatalf("rows = %#v", rows)
	}
	assertSQLMock(t, mock)
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
