package agent

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"sync"

	"github.com/duckmesh/dbagent/internal/database"
	"github.com/duckmesh/dbagent/internal/llm"
	"github.com/duckmesh/dbagent/internal/schema"
)

// generation is one scripted structured answer. raw, when set, is decoded
// as the model's literal reply.
type generation struct {
	statements []string
	raw        string
	err        error
}

// fakeLLM answers Complete with intents, CompleteStructured with generations
// and Stream with summary chunks, in call order.
type fakeLLM struct {
	mu sync.Mutex

	intents     []string
	intentErr   error
	generations []generation
	summary     []string
	summaryErr  error

	intentPrompts   []string
	generatePrompts []string
	summaryPrompts  []string
}

func (f *fakeLLM) Complete(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intentPrompts = append(f.intentPrompts, prompt)
	if f.intentErr != nil {
		return "", f.intentErr
	}
	if len(f.intents) == 0 {
		return "", errors.New("no scripted intent")
	}
	intent := f.intents[0]
	if len(f.intents) > 1 {
		f.intents = f.intents[1:]
	}
	return intent, nil
}

func (f *fakeLLM) CompleteStructured(ctx context.Context, prompt string, _ llm.Schema, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generatePrompts = append(f.generatePrompts, prompt)
	if len(f.generations) == 0 {
		return errors.New("no scripted generation")
	}
	next := f.generations[0]
	if len(f.generations) > 1 {
		f.generations = f.generations[1:]
	}
	if next.err != nil {
		return next.err
	}
	if next.raw != "" {
		return llm.DecodeStructured(next.raw, out)
	}
	body, err := json.Marshal(map[string]any{"query": next.statements})
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (f *fakeLLM) Stream(ctx context.Context, prompt string) iter.Seq2[string, error] {
	f.mu.Lock()
	f.summaryPrompts = append(f.summaryPrompts, prompt)
	chunks := append([]string(nil), f.summary...)
	summaryErr := f.summaryErr
	f.mu.Unlock()

	return func(yield func(string, error) bool) {
		for _, chunk := range chunks {
			if !yield(chunk, nil) {
				return
			}
		}
		if summaryErr != nil {
			yield("", summaryErr)
		}
	}
}

func (f *fakeLLM) counts() (intents, generations, summaries int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.intentPrompts), len(f.generatePrompts), len(f.summaryPrompts)
}

type runResult struct {
	rows []database.Row
	err  error
}

// fakeDB returns scripted results per statement. Unknown statements fail
// with a SQLITE_ERROR.
type fakeDB struct {
	mu sync.Mutex

	snapshot      schema.Snapshot
	introspectErr error
	results       map[string]runResult
	onRun         func(ctx context.Context, statement string) ([]database.Row, error)

	calls []string
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		snapshot: schema.NewSnapshot([]schema.Table{
			{
				Name: "employees",
				Columns: []schema.Column{
					{Name: "id", Type: "INTEGER"},
					{Name: "name", Type: "TEXT"},
				},
				PrimaryKey: []string{"id"},
			},
		}),
		results: map[string]runResult{},
	}
}

func (f *fakeDB) Introspect(ctx context.Context) (schema.Snapshot, error) {
	if f.introspectErr != nil {
		return schema.Snapshot{}, f.introspectErr
	}
	return f.snapshot, nil
}

func (f *fakeDB) Run(ctx context.Context, statement string) ([]database.Row, error) {
	f.mu.Lock()
	f.calls = append(f.calls, statement)
	onRun := f.onRun
	result, ok := f.results[statement]
	f.mu.Unlock()

	if onRun != nil {
		return onRun(ctx, statement)
	}
	if !ok {
		return nil, &database.Error{Kind: "SQLITE_ERROR", Statement: statement, Err: errors.New("no such table: " + statement)}
	}
	return result.rows, result.err
}

func (f *fakeDB) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func columnError(column string) error {
	return &database.Error{Kind: "SQLITE_ERROR", Err: errors.New("no such column: " + column)}
}
