package dbagentctl

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRunAskCommand(t *testing.T) {
	var gotMethod, gotPath, gotAPIKey, gotPrincipal, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("X-API-Key")
		gotPrincipal = r.Header.Get("X-Principal")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"thread_id":"t1","reply":"There are 5 employees."}`))
	}))
	defer srv.Close()

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := Run(context.Background(), []string{
		"-base-url", srv.URL,
		"-api-key", "k1",
		"-principal", "alice",
		"ask", "t1", "How", "many", "employees?",
	}, Options{
		Stdout:  &stdout,
		Stderr:  &stderr,
		Timeout: 2 * time.Second,
	})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if gotMethod != http.MethodPost || gotPath != "/v1/threads/t1/messages" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
	if gotAPIKey != "k1" || gotPrincipal != "alice" {
		t.Fatalf("headers api_key=%q principal=%q", gotAPIKey, gotPrincipal)
	}
	if gotBody != `{"message":"How many employees?"}` {
		t.Fatalf("body = %s", gotBody)
	}
	if !strings.Contains(stdout.String(), "There are 5 employees.") {
		t.Fatalf("stdout = %s", stdout.String())
	}
}

func TestRunAskStreamsEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("Accept = %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: message\ndata: {\"kind\":\"message\",\"stage\":\"generate\",\"text\":\"Generated query: SELECT 1\"}\n\n")
		_, _ = io.WriteString(w, "event: chunk\ndata: {\"kind\":\"chunk\",\"stage\":\"validate\",\"text\":\"There are \"}\n\n")
		_, _ = io.WriteString(w, "event: chunk\ndata: {\"kind\":\"chunk\",\"stage\":\"validate\",\"text\":\"5 employees.\"}\n\n")
		_, _ = io.WriteString(w, "event: message\ndata: {\"kind\":\"message\",\"stage\":\"validate\",\"text\":\"There are 5 employees.\"}\n\n")
		_, _ = io.WriteString(w, "event: done\ndata: {\"thread_id\":\"t1\",\"reply\":\"There are 5 employees.\"}\n\n")
	}))
	defer srv.Close()

	var stdout bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "-stream", "ask", "t1", "hi"}, Options{Stdout: &stdout})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	want := "[generate] Generated query: SELECT 1\nThere are 5 employees.\n"
	if stdout.String() != want {
		t.Fatalf("stdout = %q, want %q", stdout.String(), want)
	}
}

func TestRunStreamErrorEventFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "event: error\ndata: {\"error_code\":\"SUMMARIZATION_FAILED\",\"context\":{\"details\":\"stream reset\"}}\n\n")
		_, _ = io.WriteString(w, "event: done\ndata: {\"thread_id\":\"t1\"}\n\n")
	}))
	defer srv.Close()

	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "-stream", "ask", "t1", "hi"}, Options{Stderr: &stderr})
	if code != 1 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(stderr.String(), "SUMMARIZATION_FAILED: stream reset") {
		t.Fatalf("stderr = %s", stderr.String())
	}
}

func TestRunThreadCommands(t *testing.T) {
	tests := []struct {
		args   []string
		method string
		path   string
	}{
		{[]string{"schema"}, http.MethodGet, "/v1/schema"},
		{[]string{"threads"}, http.MethodGet, "/v1/threads"},
		{[]string{"new-thread"}, http.MethodPost, "/v1/threads"},
		{[]string{"thread", "t1"}, http.MethodGet, "/v1/threads/t1"},
		{[]string{"delete-thread", "t1"}, http.MethodDelete, "/v1/threads/t1"},
	}
	for _, tt := range tests {
		var gotMethod, gotPath string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotMethod = r.Method
			gotPath = r.URL.Path
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		}))
		code := Run(context.Background(), append([]string{"-base-url", srv.URL}, tt.args...), Options{})
		srv.Close()
		if code != 0 {
			t.Fatalf("%v exit code = %d", tt.args, code)
		}
		if gotMethod != tt.method || gotPath != tt.path {
			t.Fatalf("%v request = %s %s", tt.args, gotMethod, gotPath)
		}
	}
}

func TestRunReturnsErrorOnHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error_code":"FORBIDDEN"}`))
	}))
	defer srv.Close()

	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "schema"}, Options{Stderr: &stderr})
	if code != 1 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
}

func TestRunRejectsBadArguments(t *testing.T) {
	for _, args := range [][]string{{"unknown"}, {"ask", "t1"}, {"thread"}} {
		var stderr bytes.Buffer
		code := Run(context.Background(), args, Options{Stderr: &stderr})
		if code != 2 {
			t.Fatalf("%v exit code = %d", args, code)
		}
		if stderr.Len() == 0 {
			t.Fatal("expected usage output")
		}
	}
}
