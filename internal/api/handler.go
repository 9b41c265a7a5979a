package api

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/duckmesh/dbagent/internal/agent"
	"github.com/duckmesh/dbagent/internal/checkpoint"
	"github.com/duckmesh/dbagent/internal/config"
	"github.com/duckmesh/dbagent/internal/observability"
	"github.com/duckmesh/dbagent/internal/schema"
)

type ReadinessCheck func(ctx context.Context) error

// Agent is the part of *agent.Agent the HTTP surface needs.
type Agent interface {
	Run(ctx context.Context, turn agent.Turn) (*agent.State, error)
	Stream(ctx context.Context, turn agent.Turn) iter.Seq2[agent.Event, error]
	Thread(ctx context.Context, threadID string) (*agent.State, error)
	DeleteThread(ctx context.Context, threadID string) error
	Threads(ctx context.Context, prefix string) ([]checkpoint.Entry, error)
	Schema() schema.Snapshot
	SchemaText() string
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Agent             Agent
	TurnTimeout       time.Duration
	NewThreadID       func() string
	UI                http.Handler
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protectedRoutes := map[string]http.HandlerFunc{
		"GET /v1/schema": func(w http.ResponseWriter, r *http.Request) {
			handleSchema(deps, w, r)
		},
		"GET /v1/threads": func(w http.ResponseWriter, r *http.Request) {
			handleListThreads(deps, w, r)
		},
		"POST /v1/threads": func(w http.ResponseWriter, r *http.Request) {
			handleCreateThread(deps, w, r)
		},
		"GET /v1/threads/{thread}": func(w http.ResponseWriter, r *http.Request) {
			handleGetThread(deps, w, r)
		},
		"DELETE /v1/threads/{thread}": func(w http.ResponseWriter, r *http.Request) {
			handleDeleteThread(deps, w, r)
		},
		"POST /v1/threads/{thread}/messages": func(w http.ResponseWriter, r *http.Request) {
			handlePostMessage(deps, w, r)
		},
	}

	protected := http.NewServeMux()
	for pattern, handler := range protectedRoutes {
		protected.HandleFunc(pattern, handler)
	}

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	for pattern := range protectedRoutes {
		mux.Handle(pattern, protectedHandler)
	}
	if deps.UI != nil {
		mux.Handle("GET /{path...}", deps.UI)
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	logger := deps.Logger
	if logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(logger))
	} else {
		logger = slog.New(slog.DiscardHandler)
	}
	middlewares = append(middlewares, observability.RecoverMiddleware(logger))
	return chain(mux, middlewares...)
}

// HealthChecker is implemented by dependencies that can probe their backend.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckHealth adapts checker into a ReadinessCheck. A value that does not
// implement HealthChecker is always ready.
func CheckHealth(checker any) ReadinessCheck {
	hc, ok := checker.(HealthChecker)
	if !ok {
		return nil
	}
	return hc.HealthCheck
}

// CheckPinger adapts a database handle, e.g. the target adapter, into a
// ReadinessCheck.
func CheckPinger(pinger interface{ Ping(ctx context.Context) error }) ReadinessCheck {
	if pinger == nil {
		return nil
	}
	return pinger.Ping
}

func CheckAIConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.AI.APIKey == "" {
			return errors.New("ai api key is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, errorBody(ctx, code, message, retryable, extra))
}

func errorBody(ctx context.Context, code, message string, retryable bool, extra map[string]any) map[string]any {
	return map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	}
}
