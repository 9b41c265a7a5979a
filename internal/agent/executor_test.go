package agent

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/duckmesh/dbagent/internal/database"
)

func TestExecuteRunsStatementsInOrder(t *testing.T) {
	db := newFakeDB()
	db.results["CREATE TEMP TABLE x (id INT)"] = runResult{}
	db.results["SELECT id FROM x"] = runResult{rows: []database.Row{{"id": 1}}}
	x := NewQueryExecutor(db)

	outcome, err := x.Execute(context.Background(), []string{"CREATE TEMP TABLE x (id INT)", "SELECT id FROM x"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if outcome.Failure != nil {
		t.Fatalf("Failure = %+v", outcome.Failure)
	}
	if len(outcome.Sets) != 2 || len(outcome.Sets[0]) != 0 || len(outcome.Sets[1]) != 1 {
		t.Fatalf("Sets = %+v", outcome.Sets)
	}
	if !reflect.DeepEqual(db.calls, []string{"CREATE TEMP TABLE x (id INT)", "SELECT id FROM x"}) {
		t.Fatalf("calls = %v", db.calls)
	}
}

func TestExecuteStopsAtFirstFailure(t *testing.T) {
	db := newFakeDB()
	db.results["SELECT 1"] = runResult{rows: []database.Row{{"1": 1}}}
	db.results["SELECT nme FROM employees"] = runResult{err: columnError("nme")}
	x := NewQueryExecutor(db)

	outcome, err := x.Execute(context.Background(), []string{"SELECT 1", "SELECT nme FROM employees", "SELECT 1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if outcome.Failure == nil || outcome.Failure.Kind != "SQLITE_ERROR" || outcome.Failure.Message != "no such column: nme" {
		t.Fatalf("Failure = %+v", outcome.Failure)
	}
	if outcome.Sets != nil {
		t.Fatalf("Sets = %+v, want partial results discarded", outcome.Sets)
	}
	if db.callCount() != 2 {
		t.Fatalf("calls = %d, want 2", db.callCount())
	}
}

func TestExecuteEmptyListSucceeds(t *testing.T) {
	outcome, err := NewQueryExecutor(newFakeDB()).Execute(context.Background(), nil)
	if err != nil || outcome.Failure != nil || len(outcome.Sets) != 0 {
		t.Fatalf("Execute(nil) = %+v, %v", outcome, err)
	}
}

func TestExecuteIsRepeatable(t *testing.T) {
	db := newFakeDB()
	db.results["SELECT name FROM employees"] = runResult{rows: []database.Row{{"name": "Ada"}}}
	x := NewQueryExecutor(db)

	first, err := x.Execute(context.Background(), []string{"SELECT name FROM employees"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	second, err := x.Execute(context.Background(), []string{"SELECT name FROM employees"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("Execute() results differ: %+v vs %+v", first, second)
	}
}

func TestExecuteClassifiesPlainErrors(t *testing.T) {
	db := newFakeDB()
	db.results["SELECT 1"] = runResult{err: errors.New("driver: bad connection")}
	outcome, err := NewQueryExecutor(db).Execute(context.Background(), []string{"SELECT 1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if outcome.Failure.Kind != "DatabaseError" || outcome.Failure.Message != "driver: bad connection" {
		t.Fatalf("Failure = %+v", outcome.Failure)
	}
}

func TestExecuteReturnsContextErrorWhenCancelled(t *testing.T) {
	db := newFakeDB()
	db.onRun = func(ctx context.Context, _ string) ([]database.Row, error) {
		return nil, ctx.Err()
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewQueryExecutor(db).Execute(ctx, []string{"SELECT 1"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute() error = %v, want context.Canceled", err)
	}
}
