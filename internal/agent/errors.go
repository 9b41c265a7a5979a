package agent

import (
	"errors"
	"fmt"
)

// NoActionableRequest is the intent the extractor returns when the user's
// message cannot be turned into a database request.
const NoActionableRequest = "No prompt generated."

// NoActionableNotice is stored as the result when nothing was executed.
const NoActionableNotice = "No actionable query."

var (
	ErrNoActionableRequest = errors.New("no actionable request")
	ErrInvalidTurn         = errors.New("invalid turn")
)

type IntentExtractionError struct {
	Err error
}

func (e *IntentExtractionError) Error() string {
	return fmt.Sprintf("intent extraction failed: %v", e.Err)
}

func (e *IntentExtractionError) Unwrap() error { return e.Err }

// QueryGenerationError wraps any failure of the generation call. When the
// cause is an *llm.StructuredOutputError the turn retries instead of ending.
type QueryGenerationError struct {
	Err error
}

func (e *QueryGenerationError) Error() string {
	return fmt.Sprintf("query generation failed: %v", e.Err)
}

func (e *QueryGenerationError) Unwrap() error { return e.Err }

type SummarizationError struct {
	Err error
}

func (e *SummarizationError) Error() string {
	return fmt.Sprintf("summarization failed: %v", e.Err)
}

func (e *SummarizationError) Unwrap() error { return e.Err }
