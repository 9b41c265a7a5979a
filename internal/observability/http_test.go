package observability

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestTraceMiddlewarePreservesIncomingTraceID(t *testing.T) {
	h := TraceMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := TraceIDFromContext(r.Context()); got != "trace-1" {
			t.Fatalf("TraceIDFromContext() = %q", got)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set(traceHeader, "trace-1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get(traceHeader); got != "trace-1" {
		t.Fatalf("trace header = %q", got)
	}
}

func TestTraceMiddlewareGeneratesTraceID(t *testing.T) {
	h := TraceMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if TraceIDFromContext(r.Context()) == "" {
			t.Fatal("expected generated trace id")
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if rr.Header().Get(traceHeader) == "" {
		t.Fatal("expected X-Trace-ID header")
	}
}

func TestTraceMiddlewareReadsTraceparent(t *testing.T) {
	var got string
	h := TraceMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = TraceIDFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set("traceparent", "00-4BF92F3577B34DA6A3CE929D0E0E4736-00f067aa0ba902b7-01")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("TraceIDFromContext() = %q", got)
	}
}

func TestTraceMiddlewareReplacesMalformedTraceID(t *testing.T) {
	var got string
	h := TraceMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = TraceIDFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set(traceHeader, "bad id\nwith newline")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got == "" || strings.Contains(got, " ") {
		t.Fatalf("TraceIDFromContext() = %q, want a generated id", got)
	}
}

func TestRecoverMiddlewareWritesErrorEnvelope(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	h := RecoverMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/schema", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"error_code":"INTERNAL"`) {
		t.Fatalf("body = %s", rr.Body.String())
	}
	if !strings.Contains(logs.String(), "handler panic") {
		t.Fatalf("logs = %s", logs.String())
	}
}

func TestRecoverMiddlewareLeavesStartedResponses(t *testing.T) {
	h := RecoverMiddleware(slog.New(slog.DiscardHandler))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("event: chunk\n\n"))
		panic("mid-stream")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/threads/t1/messages", nil))
	if rr.Code != http.StatusOK || strings.Contains(rr.Body.String(), "INTERNAL") {
		t.Fatalf("status = %d, body = %q", rr.Code, rr.Body.String())
	}
}

func TestTraceIDContextHelpers(t *testing.T) {
	ctx := ContextWithTraceID(context.Background(), "abc123")
	if got := TraceIDFromContext(ctx); got != "abc123" {
		t.Fatalf("TraceIDFromContext() = %q", got)
	}
}

func TestLoggingMiddlewareDoesNotPanic(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	h := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
}

func TestStatusRecorderForwardsFlush(t *testing.T) {
	rr := httptest.NewRecorder()
	h := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("expected wrapped writer to implement http.Flusher")
		}
		_, _ = w.Write([]byte("data: hi\n\n"))
		flusher.Flush()
	}))
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/threads/t1/messages", nil))
	if !rr.Flushed {
		t.Fatal("expected recorder to be flushed")
	}
}

func TestRouteLabelFallsBackForUnmatchedRequests(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/threads/abc", nil)
	if got := routeLabel(req); got != "unmatched" {
		t.Fatalf("routeLabel() = %q", got)
	}
	req.Pattern = "GET /v1/threads/{thread}"
	if got := routeLabel(req); got != "GET /v1/threads/{thread}" {
		t.Fatalf("routeLabel() = %q", got)
	}
}

func TestMetricsMiddlewareTracksInFlightRequests(t *testing.T) {
	var during float64
	h := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = inFlight(t)
		w.WriteHeader(http.StatusNoContent)
	}))
	before := inFlight(t)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if during != before+1 {
		t.Fatalf("in-flight during request = %v, want %v", during, before+1)
	}
	if after := inFlight(t); after != before {
		t.Fatalf("in-flight after request = %v, want %v", after, before)
	}
}

func inFlight(t *testing.T) float64 {
	t.Helper()
	var metric dto.Metric
	if err := httpInFlightRequests.Write(&metric); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return metric.GetGauge().GetValue()
}
