package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/duckmesh/dbagent/internal/agent"
	"github.com/duckmesh/dbagent/internal/auth"
	"github.com/duckmesh/dbagent/internal/checkpoint"
	"github.com/duckmesh/dbagent/internal/schema"
)

const fakeSchemaText = "Table: employees\n  Columns: id (INTEGER)"

type fakeAgent struct {
	mu      sync.Mutex
	threads map[string]*agent.State
	turns   []agent.Turn
	runErr  error
	// startErr ends Stream before the turn starts, without a state.
	startErr error
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{threads: map[string]*agent.State{}}
}

func (f *fakeAgent) Run(_ context.Context, turn agent.Turn) (*agent.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, turn)
	state := &agent.State{
		ThreadID: turn.ThreadID,
		Messages: []agent.Message{
			{Role: agent.RoleUser, Content: turn.Message},
			{Role: agent.RoleAssistant, Content: "There are 5 employees.", Stage: agent.StageValidate},
		},
		Query:    []string{"SELECT COUNT(*) FROM employees"},
		Status:   agent.StatusDone,
		Attempts: 1,
	}
	f.threads[turn.ThreadID] = state
	return state, f.runErr
}

func (f *fakeAgent) Stream(ctx context.Context, turn agent.Turn) iter.Seq2[agent.Event, error] {
	return func(yield func(agent.Event, error) bool) {
		if f.startErr != nil {
			yield(agent.Event{Kind: agent.EventDone}, f.startErr)
			return
		}
		for _, chunk := range []string{"There are ", "5 employees."} {
			if !yield(agent.Event{Kind: agent.EventChunk, Stage: agent.StageValidate, Text: chunk}, nil) {
				return
			}
		}
		state, err := f.Run(ctx, turn)
		yield(agent.Event{Kind: agent.EventDone, State: state}, err)
	}
}

func (f *fakeAgent) Thread(_ context.Context, threadID string) (*agent.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.threads[threadID]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	return state, nil
}

func (f *fakeAgent) DeleteThread(_ context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.threads, threadID)
	return nil
}

func (f *fakeAgent) Threads(_ context.Context, prefix string) ([]checkpoint.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var entries []checkpoint.Entry
	for id, state := range f.threads {
		if strings.HasPrefix(id, prefix) {
			entries = append(entries, checkpoint.Entry{ThreadID: id, UpdatedAt: state.UpdatedAt})
		}
	}
	checkpoint.SortEntries(entries)
	return entries, nil
}

func (f *fakeAgent) Schema() schema.Snapshot {
	return schema.NewSnapshot([]schema.Table{{
		Name:    "employees",
		Columns: []schema.Column{{Name: "id", Type: "INTEGER"}},
	}})
}

func (f *fakeAgent) SchemaText() string { return fakeSchemaText }

func TestCreateThreadReturnsNewID(t *testing.T) {
	h := NewHandler(loadTestConfig(t, nil), Dependencies{
		Agent:       newFakeAgent(),
		NewThreadID: func() string { return "thread-1" },
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/threads", nil))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["thread_id"] != "thread-1" {
		t.Fatalf("thread_id = %v", body["thread_id"])
	}
}

func TestListThreadsShowsOnlyCallerThreads(t *testing.T) {
	fake := newFakeAgent()
	fake.threads["anonymous.t1"] = &agent.State{ThreadID: "anonymous.t1", UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	fake.threads["anonymous.t2"] = &agent.State{ThreadID: "anonymous.t2", UpdatedAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)}
	fake.threads["mallory.t3"] = &agent.State{ThreadID: "mallory.t3"}
	h := NewHandler(loadTestConfig(t, nil), Dependencies{Agent: fake})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/threads", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	var body struct {
		Threads []struct {
			ThreadID  string    `json:"thread_id"`
			UpdatedAt time.Time `json:"updated_at"`
		} `json:"threads"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Threads) != 2 {
		t.Fatalf("threads = %+v", body.Threads)
	}
	if body.Threads[0].ThreadID != "t2" || body.Threads[1].ThreadID != "t1" {
		t.Fatalf("thread order = %q, %q", body.Threads[0].ThreadID, body.Threads[1].ThreadID)
	}
}

func TestPostMessageRunsTurnInPrincipalScope(t *testing.T) {
	fake := newFakeAgent()
	h := NewHandler(loadTestConfig(t, nil), Dependencies{Agent: fake})

	rr := postMessage(h, "t1", `{"message":"How many employees are there?"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["thread_id"] != "t1" || body["reply"] != "There are 5 employees." || body["status"] != "done" {
		t.Fatalf("body = %v", body)
	}
	if len(fake.turns) != 1 || fake.turns[0].ThreadID != "anonymous.t1" {
		t.Fatalf("turns = %+v", fake.turns)
	}
}

func TestThreadsAreIsolatedByPrincipal(t *testing.T) {
	cfg := loadTestConfig(t, map[string]string{"DBAGENT_AUTH_REQUIRED": "true"})
	validator, err := auth.NewStaticAPIKeyValidator("ka:alice:agent_user,kb:bob:agent_user")
	if err != nil {
		t.Fatalf("validator setup failed: %v", err)
	}
	fake := newFakeAgent()
	h := NewHandler(cfg, Dependencies{AuthMiddleware: auth.Middleware(nil, validator), Agent: fake})

	rr := postMessage(h, "t1", `{"message":"hi"}`, map[string]string{"X-API-Key": "ka"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if fake.turns[0].ThreadID != "alice.t1" {
		t.Fatalf("ThreadID = %q", fake.turns[0].ThreadID)
	}

	own := getThread(h, "t1", map[string]string{"X-API-Key": "ka"})
	if own.Code != http.StatusOK {
		t.Fatalf("owner status = %d", own.Code)
	}
	other := getThread(h, "t1", map[string]string{"X-API-Key": "kb"})
	if other.Code != http.StatusNotFound {
		t.Fatalf("other principal status = %d, want 404", other.Code)
	}
}

func TestPostMessageValidatesInput(t *testing.T) {
	h := NewHandler(loadTestConfig(t, nil), Dependencies{Agent: newFakeAgent()})
	tests := []struct {
		thread string
		body   string
		code   string
	}{
		{"bad.id", `{"message":"hi"}`, "INVALID_THREAD_ID"},
		{"t1", `{"message":"  "}`, "MESSAGE_REQUIRED"},
		{"t1", `{"message":"hi","extra":1}`, "INVALID_JSON"},
	}
	for _, tt := range tests {
		rr := postMessage(h, tt.thread, tt.body, nil)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("thread=%q body=%s status = %d", tt.thread, tt.body, rr.Code)
		}
		if body := decodeBody(t, rr); body["error_code"] != tt.code {
			t.Fatalf("error_code = %v, want %s", body["error_code"], tt.code)
		}
	}
}

func TestPostMessageMapsTurnFailures(t *testing.T) {
	fake := newFakeAgent()
	fake.runErr = &agent.QueryGenerationError{Err: errors.New("status=500 body=upstream")}
	h := NewHandler(loadTestConfig(t, nil), Dependencies{Agent: fake})

	rr := postMessage(h, "t1", `{"message":"hi"}`, nil)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["error_code"] != "QUERY_GENERATION_FAILED" || body["retryable"] != true {
		t.Fatalf("body = %v", body)
	}
	extra, _ := body["context"].(map[string]any)
	if extra["reply"] != "There are 5 employees." {
		t.Fatalf("context = %v", extra)
	}
}

func TestClassifyTurnError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{agent.ErrInvalidTurn, http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{&agent.IntentExtractionError{Err: errors.New("x")}, http.StatusBadGateway},
		{&agent.SummarizationError{Err: errors.New("x")}, http.StatusBadGateway},
		{errors.New("save checkpoint: disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if status, _, _ := classifyTurnError(tt.err); status != tt.status {
			t.Fatalf("classifyTurnError(%v) status = %d, want %d", tt.err, status, tt.status)
		}
	}
}

func TestPostMessageStreamsServerSentEvents(t *testing.T) {
	h := NewHandler(loadTestConfig(t, nil), Dependencies{Agent: newFakeAgent()})

	rr := postMessage(h, "t1", `{"message":"hi"}`, map[string]string{"Accept": "text/event-stream"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	body := rr.Body.String()
	first := strings.Index(body, "event: chunk\ndata: ")
	done := strings.Index(body, "event: done\ndata: ")
	if first < 0 || done < first {
		t.Fatalf("unexpected event stream: %s", body)
	}
	if !strings.Contains(body[done:], `"reply":"There are 5 employees."`) {
		t.Fatalf("done event missing reply: %s", body[done:])
	}
}

func TestStreamReportsErrorBeforeDone(t *testing.T) {
	fake := newFakeAgent()
	fake.runErr = &agent.SummarizationError{Err: errors.New("stream reset")}
	h := NewHandler(loadTestConfig(t, nil), Dependencies{Agent: fake})

	rr := postMessage(h, "t1", `{"message":"hi"}`, map[string]string{"Accept": "text/event-stream"})
	body := rr.Body.String()
	errIdx := strings.Index(body, "event: error\ndata: ")
	doneIdx := strings.Index(body, "event: done\ndata: ")
	if errIdx < 0 || doneIdx < errIdx {
		t.Fatalf("unexpected event stream: %s", body)
	}
	if !strings.Contains(body[errIdx:doneIdx], "SUMMARIZATION_FAILED") {
		t.Fatalf("error event = %s", body[errIdx:doneIdx])
	}
}

func TestStreamEndsWithDoneWhenTurnNeverStarts(t *testing.T) {
	fake := newFakeAgent()
	fake.startErr = fmt.Errorf("wait for thread: %w", context.Canceled)
	h := NewHandler(loadTestConfig(t, nil), Dependencies{Agent: fake})

	rr := postMessage(h, "t1", `{"message":"hi"}`, map[string]string{"Accept": "text/event-stream"})
	body := rr.Body.String()
	errIdx := strings.Index(body, "event: error\ndata: ")
	doneIdx := strings.Index(body, "event: done\ndata: ")
	if errIdx < 0 || doneIdx < errIdx {
		t.Fatalf("unexpected event stream: %s", body)
	}
	if !strings.Contains(body[doneIdx:], `"thread_id":"t1"`) || !strings.Contains(body[doneIdx:], `"messages":[]`) {
		t.Fatalf("done event = %s", body[doneIdx:])
	}
}

func TestDeleteThreadDropsState(t *testing.T) {
	h := NewHandler(loadTestConfig(t, nil), Dependencies{Agent: newFakeAgent()})
	if rr := postMessage(h, "t1", `{"message":"hi"}`, nil); rr.Code != http.StatusOK {
		t.Fatalf("post status = %d", rr.Code)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/v1/threads/t1", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rr.Code)
	}
	if got := getThread(h, "t1", nil); got.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", got.Code)
	}
}

func TestThreadRoutesRequireAgent(t *testing.T) {
	h := NewHandler(loadTestConfig(t, nil), Dependencies{})
	if rr := getThread(h, "t1", nil); rr.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", rr.Code)
	}
}

func postMessage(h http.Handler, thread, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/threads/"+thread+"/messages", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func getThread(h http.Handler, thread string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/threads/"+thread, nil)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v body=%s", err, rr.Body.String())
	}
	return body
}

func contains(haystack, needle string) bool {
	return strings.Contains(haystack, needle)
}
