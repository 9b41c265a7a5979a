package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	agentTurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbagent_turns_total",
			Help: "Total number of completed agent turns by outcome.",
		},
		[]string{"outcome"},
	)
	agentAttemptsPerTurn = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dbagent_attempts_per_turn",
			Help:    "Number of query execution attempts per agent turn.",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 8},
		},
	)
	agentRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dbagent_retries_total",
			Help: "Total number of query regenerations triggered by failures.",
		},
	)
	agentStageLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbagent_stage_latency_ms",
			Help:    "Agent pipeline stage latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"stage", "status"},
	)
	llmCallLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbagent_llm_call_latency_ms",
			Help:    "LLM call latency in milliseconds by operation.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		},
		[]string{"provider", "operation", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		agentTurnsTotal,
		agentAttemptsPerTurn,
		agentRetriesTotal,
		agentStageLatencyMs,
		llmCallLatencyMs,
	)
}

func ObserveTurn(outcome string, attempts int) {
	agentTurnsTotal.WithLabelValues(outcome).Inc()
	if attempts < 0 {
		attempts = 0
	}
	agentAttemptsPerTurn.Observe(float64(attempts))
}

func IncrementRetries() {
	agentRetriesTotal.Inc()
}

func ObserveStage(stage string, err error, elapsed time.Duration) {
	agentStageLatencyMs.WithLabelValues(stage, statusLabel(err)).Observe(float64(elapsed.Milliseconds()))
}

func ObserveLLMCall(provider, operation string, err error, elapsed time.Duration) {
	llmCallLatencyMs.WithLabelValues(provider, operation, statusLabel(err)).Observe(float64(elapsed.Milliseconds()))
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
