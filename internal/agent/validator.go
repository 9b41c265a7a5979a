package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/duckmesh/dbagent/internal/llm"
)

const noDataReply = "The query ran successfully but returned no data."

// Decision is what the orchestrator does after validation: Terminate or
// Regenerate.
type Decision interface {
	decision()
}

// Terminate ends the turn with Reply as the final assistant message.
type Terminate struct {
	Reply string
}

// Regenerate sends Failure back to the query generator.
type Regenerate struct {
	Failure Failure
}

func (Terminate) decision()  {}
func (Regenerate) decision() {}

type routeAction int

const (
	routeFinish routeAction = iota
	routeRetry
	routeExhausted
)

func route(errorPresent bool, retries, maxRetries int) routeAction {
	switch {
	case !errorPresent:
		return routeFinish
	case retries < maxRetries:
		return routeRetry
	default:
		return routeExhausted
	}
}

// RetryController decides whether a failed attempt is retried and turns a
// successful one into the reply.
type RetryController struct {
	llm        llm.Client
	maxRetries int
}

func NewRetryController(client llm.Client, maxRetries int) *RetryController {
	return &RetryController{llm: client, maxRetries: maxRetries}
}

// Validate updates state for the decision it returns. Summary text is passed
// to emit as it streams in; emit may be nil.
func (c *RetryController) Validate(ctx context.Context, state *State, emit func(string)) (Decision, error) {
	switch route(state.Error != nil, state.Retries, c.maxRetries) {
	case routeRetry:
		failure := *state.Error
		state.Retries++
		state.Status = StatusPending
		state.say(StageValidate, fmt.Sprintf("Retry %d/%d due to error: %s", state.Retries+1, c.maxRetries+1, failure))
		return Regenerate{Failure: failure}, nil

	case routeExhausted:
		reply := fmt.Sprintf("Query failed after %d attempts. Last error: %s", c.maxRetries+1, *state.Error)
		state.Error = nil
		state.Status = StatusDone
		state.say(StageValidate, reply)
		return Terminate{Reply: reply}, nil
	}

	if state.Result.Empty() {
		state.Status = StatusDone
		state.say(StageValidate, noDataReply)
		return Terminate{Reply: noDataReply}, nil
	}

	reply, err := c.summarize(ctx, state, emit)
	if err != nil {
		return nil, err
	}
	state.Status = StatusDone
	state.say(StageValidate, reply)
	return Terminate{Reply: reply}, nil
}

func (c *RetryController) summarize(ctx context.Context, state *State, emit func(string)) (string, error) {
	question, _ := state.latestUserMessage()
	prompt, err := buildSummaryPrompt(question.Content, state.Intent, state.Result)
	if err != nil {
		return "", &SummarizationError{Err: err}
	}

	var reply strings.Builder
	for chunk, err := range c.llm.Stream(ctx, prompt) {
		if err != nil {
			return "", &SummarizationError{Err: err}
		}
		reply.WriteString(chunk)
		if emit != nil && chunk != "" {
			emit(chunk)
		}
	}
	text := strings.TrimSpace(reply.String())
	if text == "" {
		return "", &SummarizationError{Err: errors.New("model returned an empty summary")}
	}
	return text, nil
}
