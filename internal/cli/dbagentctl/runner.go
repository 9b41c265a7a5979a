package dbagentctl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Principal  string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

type request struct {
	method string
	path   string
	body   []byte
	stream bool
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("dbagentctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "dbagent API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	principal := fs.String("principal", defaults.Principal, "X-Principal header (used when auth is disabled)")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 2*time.Minute), "HTTP timeout (e.g. 90s)")
	stream := fs.Bool("stream", false, "stream the answer of ask as it is generated")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	req, err := buildRequest(strings.TrimSpace(fs.Arg(0)), fs.Args()[1:], *stream)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n\n", err)
		writeUsage(stderr)
		return 2
	}

	endpoint := strings.TrimRight(*baseURL, "/") + req.path
	resp, err := doRequest(ctx, client, req, endpoint, *apiKey, *principal)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", resp.StatusCode, strings.TrimSpace(string(body)))
		return 1
	}
	if req.stream {
		return printEvents(resp.Body, stdout, stderr)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "read response: %v\n", err)
		return 1
	}
	if pretty, ok := prettyJSON(body); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(body) > 0 {
		_, _ = fmt.Fprintln(stdout, string(body))
	}
	return 0
}

func buildRequest(command string, args []string, stream bool) (request, error) {
	switch command {
	case "health":
		return request{method: http.MethodGet, path: "/v1/health"}, nil
	case "ready":
		return request{method: http.MethodGet, path: "/v1/ready"}, nil
	case "schema":
		return request{method: http.MethodGet, path: "/v1/schema"}, nil
	case "threads":
		return request{method: http.MethodGet, path: "/v1/threads"}, nil
	case "new-thread":
		return request{method: http.MethodPost, path: "/v1/threads"}, nil
	case "thread", "delete-thread":
		if len(args) != 1 {
			return request{}, fmt.Errorf("%s requires a thread id", command)
		}
		method := http.MethodGet
		if command == "delete-thread" {
			method = http.MethodDelete
		}
		return request{method: method, path: "/v1/threads/" + url.PathEscape(args[0])}, nil
	case "ask":
		if len(args) < 2 {
			return request{}, fmt.Errorf("ask requires a thread id and a message")
		}
		body, err := json.Marshal(map[string]string{"message": strings.Join(args[1:], " ")})
		if err != nil {
			return request{}, err
		}
		return request{
			method: http.MethodPost,
			path:   "/v1/threads/" + url.PathEscape(args[0]) + "/messages",
			body:   body,
			stream: stream,
		}, nil
	default:
		return request{}, fmt.Errorf("unknown command %q", command)
	}
}

func doRequest(ctx context.Context, client *http.Client, r request, endpoint, apiKey, principal string) (*http.Response, error) {
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, endpoint, body)
	if err != nil {
		return nil, err
	}
	if r.stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}
	if strings.TrimSpace(principal) != "" {
		req.Header.Set("X-Principal", strings.TrimSpace(principal))
	}
	return client.Do(req)
}

// printEvents renders a server-sent event stream: stage messages on their
// own line, summary chunks inline, errors to stderr.
func printEvents(r io.Reader, stdout, stderr io.Writer) int {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	code := 0
	chunked := false
	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var payload struct {
				Text      string `json:"text"`
				Stage     string `json:"stage"`
				Reply     string `json:"reply"`
				ErrorCode string `json:"error_code"`
				Context   struct {
					Details string `json:"details"`
				} `json:"context"`
			}
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &payload); err != nil {
				_, _ = fmt.Fprintf(stderr, "decode %s event: %v\n", event, err)
				return 1
			}
			switch event {
			case "message":
				if payload.Stage == "validate" && chunked {
					continue
				}
				_, _ = fmt.Fprintf(stdout, "[%s] %s\n", payload.Stage, payload.Text)
			case "chunk":
				chunked = true
				_, _ = fmt.Fprint(stdout, payload.Text)
			case "error":
				code = 1
				_, _ = fmt.Fprintf(stderr, "%s: %s\n", payload.ErrorCode, payload.Context.Details)
			case "done":
				if chunked {
					_, _ = fmt.Fprintln(stdout)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		_, _ = fmt.Fprintf(stderr, "read stream: %v\n", err)
		return 1
	}
	return code
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: dbagentctl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                      GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                       GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  schema                      GET /v1/schema")
	_, _ = fmt.Fprintln(w, "  threads                     GET /v1/threads")
	_, _ = fmt.Fprintln(w, "  new-thread                  POST /v1/threads")
	_, _ = fmt.Fprintln(w, "  ask <thread> <message...>   POST /v1/threads/{thread}/messages")
	_, _ = fmt.Fprintln(w, "  thread <thread>             GET /v1/threads/{thread}")
	_, _ = fmt.Fprintln(w, "  delete-thread <thread>      DELETE /v1/threads/{thread}")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
