package metrics

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sparql_agent_stage_duration_seconds",
		Help:    "Duration of each pipeline stage",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"stage"})

	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sparql_agent_cache_hits_total",
		Help: "Query cache hits",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sparql_agent_cache_misses_total",
		Help: "Query cache misses",
	})

	retrievalStrategy = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sparql_agent_retrieval_strategy_total",
		Help: "Similarity scoring strategy used per retrieval",
	}, []string{"strategy"})

	pipelineOutcome = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sparql_agent_pipeline_outcome_total",
		Help: "Terminal outcome of resolution requests",
	}, []string{"outcome"})

	llmTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sparql_agent_llm_tokens_total",
		Help: "Tokens consumed by language model calls",
	}, []string{"kind"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sparql_agent_http_requests_total",
		Help: "HTTP requests by route and status",
	}, []string{"route", "status"})
)

func ObserveStageDuration(stage string, d time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func RecordCacheHit()  { cacheHits.Inc() }
func RecordCacheMiss() { cacheMisses.Inc() }

func RecordRetrievalStrategy(strategy string) {
	retrievalStrategy.WithLabelValues(strategy).Inc()
}

func RecordPipelineOutcome(outcome string) {
	pipelineOutcome.WithLabelValues(outcome).Inc()
}

func RecordLLMTokens(prompt, completion int) {
	llmTokens.WithLabelValues("prompt").Add(float64(prompt))
	llmTokens.WithLabelValues("completion").Add(float64(completion))
}

func RecordHTTPRequest(route string, status string) {
	httpRequests.WithLabelValues(route, status).Inc()
}

// Handler exposes the Prometheus scrape endpoint on a Fiber route.
func Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
