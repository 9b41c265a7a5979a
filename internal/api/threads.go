package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/duckmesh/dbagent/internal/agent"
	"github.com/duckmesh/dbagent/internal/auth"
	"github.com/duckmesh/dbagent/internal/checkpoint"
)

const (
	roleAgentUser      = "agent_user"
	anonymousPrincipal = "anonymous"
)

// Thread ids and principals may not contain '.', which separates them in the
// checkpoint key.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

type messageRequest struct {
	Message string `json:"message"`
}

type threadResponse struct {
	ThreadID  string          `json:"thread_id"`
	Status    agent.Status    `json:"status"`
	Reply     string          `json:"reply"`
	Intent    string          `json:"intent,omitempty"`
	Query     []string        `json:"query,omitempty"`
	Result    *agent.Result   `json:"result,omitempty"`
	Retries   int             `json:"retries"`
	Attempts  int             `json:"attempts"`
	Messages  []agent.Message `json:"messages"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func newThreadResponse(threadID string, state *agent.State) threadResponse {
	messages := state.Messages
	if messages == nil {
		messages = []agent.Message{}
	}
	return threadResponse{
		ThreadID:  threadID,
		Status:    state.Status,
		Reply:     state.Reply(),
		Intent:    state.Intent,
		Query:     state.Query,
		Result:    state.Result,
		Retries:   state.Retries,
		Attempts:  state.Attempts,
		Messages:  messages,
		UpdatedAt: state.UpdatedAt,
	}
}

type threadSummary struct {
	ThreadID  string    `json:"thread_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// handleListThreads only ever shows the caller's own threads; the principal
// prefix is stripped before ids leave the server.
func handleListThreads(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	principal, ok := authorize(w, r)
	if !ok {
		return
	}
	if deps.Agent == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "AGENT_NOT_CONFIGURED", "agent is not configured", false, nil)
		return
	}
	scope := principal + "."
	entries, err := deps.Agent.Threads(r.Context(), scope)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "CHECKPOINT_ERROR", "failed to list threads", true, map[string]any{"details": err.Error()})
		return
	}
	threads := make([]threadSummary, 0, len(entries))
	for _, entry := range entries {
		threadID, ok := strings.CutPrefix(entry.ThreadID, scope)
		if !ok {
			continue
		}
		threads = append(threads, threadSummary{ThreadID: threadID, UpdatedAt: entry.UpdatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

func handleCreateThread(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if _, ok := authorize(w, r); !ok {
		return
	}
	newID := deps.NewThreadID
	if newID == nil {
		newID = uuid.NewString
	}
	writeJSON(w, http.StatusCreated, map[string]any{"thread_id": newID()})
}

func handleGetThread(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	threadID, key, ok := threadFromRequest(deps, w, r)
	if !ok {
		return
	}
	state, err := deps.Agent.Thread(r.Context(), key)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "THREAD_NOT_FOUND", "thread has no messages", false, map[string]any{"thread_id": threadID})
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "CHECKPOINT_ERROR", "failed to load thread", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, newThreadResponse(threadID, state))
}

func handleDeleteThread(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	_, key, ok := threadFromRequest(deps, w, r)
	if !ok {
		return
	}
	if err := deps.Agent.DeleteThread(r.Context(), key); err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "CHECKPOINT_ERROR", "failed to delete thread", true, map[string]any{"details": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handlePostMessage(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	threadID, key, ok := threadFromRequest(deps, w, r)
	if !ok {
		return
	}

	var request messageRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid message request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.Message) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "MESSAGE_REQUIRED", "message is required", false, nil)
		return
	}

	ctx := r.Context()
	if deps.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deps.TurnTimeout)
		defer cancel()
	}
	turn := agent.Turn{ThreadID: key, Message: request.Message}

	if wantsEventStream(r) {
		streamTurn(ctx, deps, w, r, threadID, turn)
		return
	}

	state, err := deps.Agent.Run(ctx, turn)
	if err != nil {
		writeTurnError(r.Context(), w, threadID, state, err)
		return
	}
	writeJSON(w, http.StatusOK, newThreadResponse(threadID, state))
}

// threadFromRequest resolves the public thread id and the principal-scoped
// key the agent stores it under.
func threadFromRequest(deps Dependencies, w http.ResponseWriter, r *http.Request) (string, string, bool) {
	principal, ok := authorize(w, r)
	if !ok {
		return "", "", false
	}
	if deps.Agent == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "AGENT_NOT_CONFIGURED", "agent is not configured", false, nil)
		return "", "", false
	}
	threadID := strings.TrimSpace(r.PathValue("thread"))
	if !idPattern.MatchString(threadID) {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_THREAD_ID", "thread id must match "+idPattern.String(), false, map[string]any{"thread_id": threadID})
		return "", "", false
	}
	return threadID, principal + "." + threadID, true
}

func authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	principal, err := principalFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "PRINCIPAL_REQUIRED", err.Error(), false, nil)
		return "", false
	}
	if err := requireRole(r, roleAgentUser); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return "", false
	}
	return principal, true
}

func principalFromRequest(r *http.Request) (string, error) {
	principal := anonymousPrincipal
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && strings.TrimSpace(identity.Principal) != "" {
		principal = strings.TrimSpace(identity.Principal)
	} else if header := strings.TrimSpace(r.Header.Get("X-Principal")); header != "" {
		principal = header
	}
	if !idPattern.MatchString(principal) {
		return "", fmt.Errorf("invalid principal %q", principal)
	}
	return principal, nil
}

func requireRole(r *http.Request, role string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	if identity.HasRole(role) {
		return nil
	}
	return fmt.Errorf("missing required role %q", role)
}

func writeTurnError(ctx context.Context, w http.ResponseWriter, threadID string, state *agent.State, err error) {
	status, code, retryable := classifyTurnError(err)
	extra := map[string]any{"thread_id": threadID, "details": err.Error()}
	if state != nil {
		extra["reply"] = state.Reply()
	}
	writeError(ctx, w, status, code, "agent turn failed", retryable, extra)
}

func classifyTurnError(err error) (int, string, bool) {
	var (
		intentErr  *agent.IntentExtractionError
		genErr     *agent.QueryGenerationError
		summaryErr *agent.SummarizationError
	)
	switch {
	case errors.Is(err, agent.ErrInvalidTurn):
		return http.StatusBadRequest, "INVALID_TURN", false
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TURN_TIMEOUT", true
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "TURN_CANCELLED", true
	case errors.As(err, &intentErr):
		return http.StatusBadGateway, "INTENT_EXTRACTION_FAILED", true
	case errors.As(err, &genErr):
		return http.StatusBadGateway, "QUERY_GENERATION_FAILED", true
	case errors.As(err, &summaryErr):
		return http.StatusBadGateway, "SUMMARIZATION_FAILED", true
	default:
		return http.StatusInternalServerError, "AGENT_ERROR", true
	}
}
