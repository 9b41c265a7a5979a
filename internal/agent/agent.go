// Package agent runs the natural-language-to-SQL loop: intent extraction,
// query generation, execution and validation with a bounded retry budget.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/duckmesh/dbagent/internal/checkpoint"
	"github.com/duckmesh/dbagent/internal/database"
	"github.com/duckmesh/dbagent/internal/llm"
	"github.com/duckmesh/dbagent/internal/observability"
	"github.com/duckmesh/dbagent/internal/schema"
)

const (
	DefaultMaxRetries   = 2
	DefaultStageTimeout = 60 * time.Second
)

// Dependencies are injected into New. Database and LLM are required.
type Dependencies struct {
	Database     database.Adapter
	LLM          llm.Client
	Checkpoints  checkpoint.Store
	Logger       *slog.Logger
	MaxRetries   int
	StageTimeout time.Duration
	Now          func() time.Time
}

type Agent struct {
	checkpoints  checkpoint.Store
	logger       *slog.Logger
	maxRetries   int
	stageTimeout time.Duration
	now          func() time.Time

	snapshot   schema.Snapshot
	schemaText string

	intent    *IntentExtractor
	generator *QueryGenerator
	executor  *QueryExecutor
	validator *RetryController

	locks *threadLocks
}

// New introspects the database once and caches the formatted schema. An
// introspection failure is returned as *schema.IntrospectionError.
func New(ctx context.Context, deps Dependencies) (*Agent, error) {
	if deps.Database == nil {
		return nil, fmt.Errorf("database adapter is required")
	}
	if deps.LLM == nil {
		return nil, fmt.Errorf("llm client is required")
	}

	snapshot, err := schema.Fetch(ctx, deps.Database)
	if err != nil {
		return nil, err
	}

	maxRetries := deps.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	stageTimeout := deps.StageTimeout
	if stageTimeout <= 0 {
		stageTimeout = DefaultStageTimeout
	}
	store := deps.Checkpoints
	if store == nil {
		store = checkpoint.NewMemoryStore()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Agent{
		checkpoints:  store,
		logger:       logger,
		maxRetries:   maxRetries,
		stageTimeout: stageTimeout,
		now:          now,
		snapshot:     snapshot,
		schemaText:   schema.Format(snapshot),
		intent:       NewIntentExtractor(deps.LLM),
		generator:    NewQueryGenerator(deps.LLM),
		executor:     NewQueryExecutor(deps.Database),
		validator:    NewRetryController(deps.LLM, maxRetries),
		locks:        newThreadLocks(),
	}, nil
}

func (a *Agent) Schema() schema.Snapshot { return a.snapshot }

func (a *Agent) SchemaText() string { return a.schemaText }

func (a *Agent) MaxRetries() int { return a.maxRetries }

// Run processes one turn to completion and returns the final state. Terminal
// failures still return the state, which then ends with a message naming the
// failure.
func (a *Agent) Run(ctx context.Context, turn Turn) (*State, error) {
	return a.run(ctx, turn, nil)
}

// Stream processes one turn and yields its events in order, ending with a
// done event that carries the final state and the turn error, if any. The
// turn runs to completion even when the consumer stops early.
func (a *Agent) Stream(ctx context.Context, turn Turn) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		open := true
		emit := func(ev Event) {
			if open && !yield(ev, nil) {
				open = false
			}
		}
		state, err := a.run(ctx, turn, emit)
		if !open {
			return
		}
		yield(Event{Kind: EventDone, State: state}, err)
	}
}

// Thread returns the last checkpointed state of a thread, or
// checkpoint.ErrNotFound.
func (a *Agent) Thread(ctx context.Context, threadID string) (*State, error) {
	body, err := a.checkpoints.Load(ctx, threadID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return decodeState(threadID, body)
}

// Threads lists checkpointed threads whose id starts with prefix, most
// recently updated first.
func (a *Agent) Threads(ctx context.Context, prefix string) ([]checkpoint.Entry, error) {
	entries, err := a.checkpoints.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return entries, nil
}

// DeleteThread waits for any running turn on the thread, then drops its
// checkpoint.
func (a *Agent) DeleteThread(ctx context.Context, threadID string) error {
	unlock, err := a.locks.acquire(ctx, threadID)
	if err != nil {
		return fmt.Errorf("wait for thread %s: %w", threadID, err)
	}
	defer unlock()
	if err := a.checkpoints.Delete(ctx, threadID); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

func (a *Agent) run(ctx context.Context, turn Turn, emit func(Event)) (*State, error) {
	threadID := strings.TrimSpace(turn.ThreadID)
	message := strings.TrimSpace(turn.Message)
	if threadID == "" {
		return nil, fmt.Errorf("%w: thread id is required", ErrInvalidTurn)
	}
	if message == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidTurn)
	}
	if emit == nil {
		emit = func(Event) {}
	}

	unlock, err := a.locks.acquire(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("wait for thread %s: %w", threadID, err)
	}
	defer unlock()

	state, err := a.load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	state.beginTurn(message)

	r := &turnRun{
		agent:   a,
		state:   state,
		emit:    emit,
		emitted: len(state.Messages),
		logger:  a.logger.With("thread_id", threadID),
	}
	start := time.Now()
	outcome, err := r.execute(ctx)
	observability.ObserveTurn(outcome, state.Attempts)
	r.logger.InfoContext(ctx, "turn finished",
		"outcome", outcome,
		"attempts", state.Attempts,
		"retries", state.Retries,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return state, err
}

func (a *Agent) load(ctx context.Context, threadID string) (*State, error) {
	body, err := a.checkpoints.Load(ctx, threadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return &State{ThreadID: threadID, Status: StatusDone}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return decodeState(threadID, body)
}

func (a *Agent) save(ctx context.Context, state *State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state.UpdatedAt = a.now().UTC()
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := a.checkpoints.Save(ctx, state.ThreadID, body); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func decodeState(threadID string, body []byte) (*State, error) {
	var state State
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	state.ThreadID = threadID
	return &state, nil
}
