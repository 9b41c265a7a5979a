package llm

import (
	"context"
	"iter"
	"time"

	"github.com/duckmesh/dbagent/internal/observability"
)

type instrumented struct {
	next     Client
	provider string
}

// WithMetrics records call latency per operation for every call made through
// client.
func WithMetrics(client Client, provider string) Client {
	return &instrumented{next: client, provider: provider}
}

func (c *instrumented) Complete(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	text, err := c.next.Complete(ctx, prompt)
	observability.ObserveLLMCall(c.provider, "complete", err, time.Since(start))
	return text, err
}

func (c *instrumented) CompleteStructured(ctx context.Context, prompt string, schema Schema, out any) error {
	start := time.Now()
	err := c.next.CompleteStructured(ctx, prompt, schema, out)
	observability.ObserveLLMCall(c.provider, "complete_structured", err, time.Since(start))
	return err
}

func (c *instrumented) Stream(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		start := time.Now()
		var streamErr error
		defer func() {
			observability.ObserveLLMCall(c.provider, "stream", streamErr, time.Since(start))
		}()
		for chunk, err := range c.next.Stream(ctx, prompt) {
			if err != nil {
				streamErr = err
			}
			if !yield(chunk, err) {
				return
			}
		}
	}
}
