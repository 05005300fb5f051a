// Package observability holds the prometheus metric surface. Collectors
// are package-level and registered on the default registry; the server
// exposes them on /metrics.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_jobs_started_total",
		Help: "Pipeline jobs enqueued, by chain.",
	}, []string{"chain"})

	jobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_jobs_completed_total",
		Help: "Pipeline jobs that reached the final stage, by chain.",
	}, []string{"chain"})

	jobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_jobs_failed_total",
		Help: "Pipeline jobs that failed terminally, by chain and error type.",
	}, []string{"chain", "error_type"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quarry_stage_duration_seconds",
		Help:    "Wall time of one pipeline stage attempt.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 180, 600},
	}, []string{"chain", "stage"})

	llmTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_llm_tokens_total",
		Help: "Tokens consumed, by model and direction (input/output).",
	}, []string{"model", "direction"})

	llmCost = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_llm_cost_usd_total",
		Help: "Estimated spend in USD, by model.",
	}, []string{"model"})

	retrievalLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quarry_retrieval_latency_seconds",
		Help:    "End-to-end hybrid search latency including rerank.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	retrievalChunks = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quarry_retrieval_chunks",
		Help:    "Chunks returned per search after rerank and expansion.",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 40, 80},
	})

	workflowDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quarry_workflow_run_seconds",
		Help:    "Full workflow generation latency, by template.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"template", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quarry_http_request_seconds",
		Help:    "HTTP request latency, by route and status class.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"route", "status"})
)

func JobStarted(chain string) { jobsStarted.WithLabelValues(chain).Inc() }

func JobCompleted(chain string) { jobsCompleted.WithLabelValues(chain).Inc() }

func JobFailed(chain, errorType string) { jobsFailed.WithLabelValues(chain, errorType).Inc() }

func ObserveStage(chain, stage string, d time.Duration) {
	stageDuration.WithLabelValues(chain, stage).Observe(d.Seconds())
}

func CountTokens(model string, input, output int) {
	llmTokens.WithLabelValues(model, "input").Add(float64(input))
	llmTokens.WithLabelValues(model, "output").Add(float64(output))
}

func CountCost(model string, usd float64) { llmCost.WithLabelValues(model).Add(usd) }

func ObserveRetrieval(d time.Duration, chunks int) {
	retrievalLatency.Observe(d.Seconds())
	retrievalChunks.Observe(float64(chunks))
}

// ObserveWorkflow records the single end-to-end latency sample for a run.
func ObserveWorkflow(template, status string, d time.Duration) {
	workflowDuration.WithLabelValues(template, status).Observe(d.Seconds())
}

func ObserveHTTP(route, status string, d time.Duration) {
	httpDuration.WithLabelValues(route, status).Observe(d.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }
