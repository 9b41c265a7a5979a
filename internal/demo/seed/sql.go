package seed

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Dialect selects the placeholder style of the target driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectDuckDB   Dialect = "duckdb"
)

type tableData struct {
	name    string
	ddl     string
	columns []string
	rows    [][]any
}

// tables lists the dataset in foreign key order.
func (ds Dataset) tables() []tableData {
	departmentRows := make([][]any, 0, len(ds.Departments))
	for _, d := range ds.Departments {
		departmentRows = append(departmentRows, []any{d.ID, d.Name, d.Location, d.Budget})
	}
	employeeRows := make([][]any, 0, len(ds.Employees))
	for _, e := range ds.Employees {
		employeeRows = append(employeeRows, []any{e.ID, e.Name, e.Email, e.DepartmentID, e.Title, e.Salary, e.HiredOn})
	}
	orderRows := make([][]any, 0, len(ds.Orders))
	for _, o := range ds.Orders {
		orderRows = append(orderRows, []any{o.ID, o.EmployeeID, o.Customer, o.Amount, o.Status, o.OrderedOn})
	}

	return []tableData{
		{
			name: "departments",
			ddl: `
CREATE TABLE departments (
	id BIGINT PRIMARY KEY,
	name TEXT NOT NULL,
	location TEXT NOT NULL,
	budget NUMERIC(12, 2) NOT NULL
)`,
			columns: []string{"id", "name", "location", "budget"},
			rows:    departmentRows,
		},
		{
			name: "employees",
			ddl: `
CREATE TABLE employees (
	id BIGINT PRIMARY KEY,
	name TEXT NOT NULL,
	email TEXT NOT NULL,
	department_id BIGINT NOT NULL REFERENCES departments (id),
	title TEXT NOT NULL,
	salary NUMERIC(12, 2) NOT NULL,
	hired_on DATE NOT NULL
)`,
			columns: []string{"id", "name", "email", "department_id", "title", "salary", "hired_on"},
			rows:    employeeRows,
		},
		{
			name: "orders",
			ddl: `
CREATE TABLE orders (
	id BIGINT PRIMARY KEY,
	employee_id BIGINT NOT NULL REFERENCES employees (id),
	customer TEXT NOT NULL,
	amount NUMERIC(12, 2) NOT NULL,
	status TEXT NOT NULL,
	ordered_on DATE NOT NULL
)`,
			columns: []string{"id", "employee_id", "customer", "amount", "status", "ordered_on"},
			rows:    orderRows,
		},
	}
}

// SeedSQL recreates the demo tables in db and loads ds into them in one
// transaction.
func SeedSQL(ctx context.Context, db *sql.DB, dialect Dialect, ds Dataset) error {
	switch dialect {
	case DialectSQLite, DialectPostgres, DialectDuckDB:
	default:
		return fmt.Errorf("unsupported dialect %q", dialect)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	tables := ds.tables()
	for i := len(tables) - 1; i >= 0; i-- {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+tables[i].name); err != nil {
			return fmt.Errorf("drop %s: %w", tables[i].name, err)
		}
	}
	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, table.ddl); err != nil {
			return fmt.Errorf("create %s: %w", table.name, err)
		}
		insert := insertStatement(dialect, table.name, table.columns)
		for _, row := range table.rows {
			if _, err := tx.ExecContext(ctx, insert, row...); err != nil {
				return fmt.Errorf("insert into %s: %w", table.name, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit seed tx: %w", err)
	}
	return nil
}

func insertStatement(dialect Dialect, table string, columns []string) string {
	placeholders := make([]string, len(columns))
	for i := range columns {
		if dialect == DialectPostgres {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		} else {
			placeholders[i] = "?"
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), strings.Join(placeholders, ", "))
}
