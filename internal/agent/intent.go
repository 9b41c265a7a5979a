package agent

import (
	"context"
	"strings"

	"github.com/duckmesh/dbagent/internal/llm"
)

// IntentExtractor turns the latest user message, read in the context of the
// user's earlier turns, into a self-contained request.
type IntentExtractor struct {
	llm llm.Client
}

func NewIntentExtractor(client llm.Client) *IntentExtractor {
	return &IntentExtractor{llm: client}
}

// Extract returns the clarified intent or NoActionableRequest. Only user turns
// from prior are included in the prompt.
func (e *IntentExtractor) Extract(ctx context.Context, prior []Message, latest Message) (string, error) {
	answer, err := e.llm.Complete(ctx, buildIntentPrompt(prior, latest.Content))
	if err != nil {
		return "", &IntentExtractionError{Err: err}
	}
	intent := strings.TrimSpace(answer)
	if intent == "" || isNoActionable(intent) {
		return NoActionableRequest, nil
	}
	return intent, nil
}

func isNoActionable(intent string) bool {
	return strings.Trim(intent, "\"'` \t\r\n") == NoActionableRequest
}
