package agent

import (
	"context"
	"errors"

	"github.com/duckmesh/dbagent/internal/database"
)

// Outcome of one execution attempt. Failure is set when a statement failed;
// Sets then holds nothing.
type Outcome struct {
	Sets    [][]database.Row
	Failure *Failure
}

// QueryExecutor runs statements in order and stops at the first failure. It
// knows nothing about retries.
type QueryExecutor struct {
	db database.Adapter
}

func NewQueryExecutor(db database.Adapter) *QueryExecutor {
	return &QueryExecutor{db: db}
}

// Execute returns a non-nil error only when ctx ends; statement failures are
// reported through Outcome.Failure.
func (x *QueryExecutor) Execute(ctx context.Context, statements []string) (Outcome, error) {
	sets := make([][]database.Row, 0, len(statements))
	for _, statement := range statements {
		rows, err := x.db.Run(ctx, statement)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Outcome{}, ctxErr
			}
			return Outcome{Failure: failureFrom(err)}, nil
		}
		if rows == nil {
			rows = []database.Row{}
		}
		sets = append(sets, rows)
	}
	return Outcome{Sets: sets}, nil
}

func failureFrom(err error) *Failure {
	var dbErr *database.Error
	if errors.As(err, &dbErr) {
		kind := dbErr.Kind
		if kind == "" {
			kind = "DatabaseError"
		}
		message := err.Error()
		if dbErr.Err != nil {
			message = dbErr.Err.Error()
		}
		return &Failure{Kind: kind, Message: message}
	}
	return &Failure{Kind: "DatabaseError", Message: err.Error()}
}
