package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/duckmesh/dbagent/internal/llm"
	"github.com/duckmesh/dbagent/internal/observability"
)

// Turn outcomes as reported to metrics and logs.
const (
	outcomeAnswered  = "answered"
	outcomeNoData    = "no_data"
	outcomeNoAction  = "no_action"
	outcomeExhausted = "exhausted"
	outcomeFailed    = "failed"
	outcomeCancelled = "cancelled"
)

// turnRun drives one turn through the stages. Only one turnRun per thread is
// active at a time.
type turnRun struct {
	agent   *Agent
	state   *State
	emit    func(Event)
	emitted int
	logger  *slog.Logger
}

func (r *turnRun) execute(ctx context.Context) (string, error) {
	a := r.agent
	state := r.state
	latest, index := state.latestUserMessage()

	err := r.stage(ctx, StageIntent, func(stageCtx context.Context) error {
		intent, err := a.intent.Extract(stageCtx, state.Messages[:index], latest)
		if err != nil {
			return err
		}
		state.Intent = intent
		state.say(StageIntent, intent)
		return nil
	})
	if err != nil {
		return r.fail(ctx, StageIntent, err)
	}
	r.logger.InfoContext(ctx, "intent extracted", "actionable", !isNoActionable(state.Intent))

	var prior *Failure
	for {
		state.Attempts = state.Retries + 1
		noAction := false

		err := r.stage(ctx, StageGenerate, func(stageCtx context.Context) error {
			query, err := a.generator.Generate(stageCtx, state.Intent, a.schemaText, prior)
			switch {
			case errors.Is(err, ErrNoActionableRequest):
				noAction = true
				state.Query = nil
				state.Result = &Result{Notice: []string{NoActionableNotice}}
				state.Status = StatusDone
				state.say(StageGenerate, NoActionableNotice)
				return nil
			case err != nil:
				failure := r.retryableGenerationFailure(ctx, err)
				if failure == nil {
					return err
				}
				state.Query = nil
				state.Result = nil
				state.Error = failure
				state.say(StageGenerate, "Query generation failed with error: "+failure.String())
				return nil
			}
			state.Query = query.Statements
			state.Error = nil
			state.say(StageGenerate, formatStatements(query.Statements))
			return nil
		})
		if err != nil {
			return r.fail(ctx, StageGenerate, err)
		}
		if noAction {
			r.logger.WarnContext(ctx, "no actionable request", "attempt", state.Attempts)
			return outcomeNoAction, nil
		}

		if state.Error == nil {
			r.logger.InfoContext(ctx, "query generated", "attempt", state.Attempts, "statements", len(state.Query))
			if err := r.stage(ctx, StageExecute, r.executeQuery); err != nil {
				return r.fail(ctx, StageExecute, err)
			}
		}
		if state.Error != nil {
			r.logger.WarnContext(ctx, "query attempt failed",
				"attempt", state.Attempts,
				"error_kind", state.Error.Kind,
				"error", state.Error.Message,
			)
		}

		exhausting := state.Error != nil && state.Retries >= a.maxRetries
		var decision Decision
		err = r.stage(ctx, StageValidate, func(stageCtx context.Context) error {
			d, err := a.validator.Validate(stageCtx, state, r.chunk)
			if err != nil {
				return err
			}
			decision = d
			return nil
		})
		if err != nil {
			return r.fail(ctx, StageValidate, err)
		}

		switch d := decision.(type) {
		case Regenerate:
			observability.IncrementRetries()
			prior = &d.Failure
			continue
		case Terminate:
			switch {
			case exhausting:
				r.logger.ErrorContext(ctx, "retry budget exhausted", "attempts", state.Attempts)
				return outcomeExhausted, nil
			case state.Result.Empty():
				return outcomeNoData, nil
			default:
				return outcomeAnswered, nil
			}
		default:
			return r.fail(ctx, StageValidate, fmt.Errorf("unexpected decision %T", decision))
		}
	}
}

func (r *turnRun) executeQuery(stageCtx context.Context) error {
	state := r.state
	state.Error = nil
	outcome, err := r.agent.executor.Execute(stageCtx, state.Query)
	if err != nil {
		if !r.stageTimedOut(stageCtx, err) {
			return err
		}
		outcome = Outcome{Failure: &Failure{
			Kind:    "Timeout",
			Message: fmt.Sprintf("execution did not finish within %s", r.agent.stageTimeout),
		}}
	}
	if outcome.Failure != nil {
		state.Result = nil
		state.Error = outcome.Failure
		state.say(StageExecute, "Query failed with error: "+outcome.Failure.String())
		return nil
	}
	state.Result = &Result{Sets: outcome.Sets}
	state.say(StageExecute, executionSummary(state.Result))
	return nil
}

// stage runs fn under the stage timeout, publishes the messages it appended
// and checkpoints the state once it succeeds.
func (r *turnRun) stage(ctx context.Context, stage Stage, fn func(context.Context) error) error {
	stageCtx, cancel := context.WithTimeoutCause(ctx, r.agent.stageTimeout, errStageTimeout)
	start := time.Now()
	err := fn(stageCtx)
	cancel()
	observability.ObserveStage(string(stage), err, time.Since(start))
	r.flush()
	if err != nil {
		return err
	}
	return r.agent.save(ctx, r.state)
}

var errStageTimeout = errors.New("stage timeout")

// stageTimedOut reports whether err comes from the stage deadline while the
// turn itself is still live. stageCtx is the stage context, which carries
// errStageTimeout as its cause.
func (r *turnRun) stageTimedOut(stageCtx context.Context, err error) bool {
	if !errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(context.Cause(stageCtx), errStageTimeout)
}

// retryableGenerationFailure returns the failure to record for a generation
// error that counts against the retry budget, or nil when err ends the turn.
func (r *turnRun) retryableGenerationFailure(ctx context.Context, err error) *Failure {
	if ctx.Err() != nil {
		return nil
	}
	var structured *llm.StructuredOutputError
	if errors.As(err, &structured) {
		return &Failure{Kind: "StructuredOutputError", Message: structured.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{
			Kind:    "Timeout",
			Message: fmt.Sprintf("generation did not finish within %s", r.agent.stageTimeout),
		}
	}
	return nil
}

// fail ends the turn on a non-retryable error. A cancelled turn is not
// checkpointed so the last saved state stays intact.
func (r *turnRun) fail(ctx context.Context, stage Stage, err error) (string, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		r.logger.WarnContext(ctx, "turn cancelled", "stage", string(stage), "attempt", r.state.Attempts)
		return outcomeCancelled, fmt.Errorf("turn cancelled during %s: %w", stage, ctxErr)
	}

	r.logger.ErrorContext(ctx, "turn failed", "stage", string(stage), "attempt", r.state.Attempts, "error", err)
	r.state.Status = StatusDone
	r.state.say(stage, "The request could not be completed: "+err.Error())
	r.flush()
	if saveErr := r.agent.save(ctx, r.state); saveErr != nil {
		r.logger.ErrorContext(ctx, "checkpoint failed turn", "error", saveErr)
	}
	return outcomeFailed, err
}

func (r *turnRun) chunk(text string) {
	r.emit(Event{Kind: EventChunk, Stage: StageValidate, Text: text})
}

// flush publishes assistant messages appended since the last flush.
func (r *turnRun) flush() {
	for ; r.emitted < len(r.state.Messages); r.emitted++ {
		msg := r.state.Messages[r.emitted]
		if msg.Role != RoleAssistant {
			continue
		}
		r.emit(Event{Kind: EventMessage, Stage: msg.Stage, Text: msg.Content})
	}
}

func formatStatements(statements []string) string {
	if len(statements) == 0 {
		return "No SQL statements were generated."
	}
	return strings.Join(statements, "\n")
}
