package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/duckmesh/dbagent/internal/agent"
)

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// streamTurn writes the turn as server-sent events: message and chunk events
// while it runs, then done with the thread, or error followed by done.
func streamTurn(ctx context.Context, deps Dependencies, w http.ResponseWriter, r *http.Request, threadID string, turn agent.Turn) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(r.Context(), w, http.StatusNotAcceptable, "STREAMING_UNSUPPORTED", "response writer does not support streaming", false, nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev, err := range deps.Agent.Stream(ctx, turn) {
		if err != nil {
			status, code, retryable := classifyTurnError(err)
			body := errorBody(r.Context(), code, "agent turn failed", retryable, map[string]any{
				"thread_id": threadID,
				"status":    status,
				"details":   err.Error(),
			})
			if writeEvent(w, flusher, "error", body) != nil {
				return
			}
		}
		var payload any = ev
		if ev.Kind == agent.EventDone {
			state := ev.State
			if state == nil {
				// the turn never started, e.g. cancelled while waiting for the thread
				state = &agent.State{}
			}
			payload = newThreadResponse(threadID, state)
		}
		if writeEvent(w, flusher, string(ev.Kind), payload) != nil {
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", name, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
