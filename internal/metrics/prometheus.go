// Registers:
//
//	#MarketGate_requests_total
//	#MarketGate_cache_hits_total / #MarketGate_cache_misses_total
//	#MarketGate_failovers_total
//	#go_* and process_* system metrics
//
// The handler is served by the dashboard under /metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once          sync.Once
	requestsTotal *prometheus.CounterVec
	cacheHits     *prometheus.CounterVec
	cacheMisses   prometheus.Counter
	failoverTotal *prometheus.CounterVec
)

// InitPrometheus registers the gateway collectors exactly once.
func InitPrometheus() {
	once.Do(func() {
		requestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "MarketGate_requests_total",
				Help: "Number of fetch requests, by source and outcome",
			},
			[]string{"source", "outcome"},
		)

		cacheHits = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "MarketGate_cache_hits_total",
				Help: "Number of cache hits, by level",
			},
			[]string{"level"},
		)

		cacheMisses = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "MarketGate_cache_misses_total",
				Help: "Number of cache misses across both levels",
			},
		)

		failoverTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "MarketGate_failovers_total",
				Help: "Number of requests served by an alternative source",
			},
			[]string{"source"},
		)

		_ = prometheus.Register(requestsTotal)
		_ = prometheus.Register(cacheHits)
		_ = prometheus.Register(cacheMisses)
		_ = prometheus.Register(failoverTotal)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// PrometheusHandler returns the HTTP handler exposing registered collectors.
func PrometheusHandler() http.Handler {
	return promhttp.Handler()
}

// CountRequest increases the request counter for a source and outcome
// ("success" or "failure").
func CountRequest(source, outcome string) {
	if requestsTotal != nil {
		requestsTotal.WithLabelValues(source, outcome).Inc()
	}
}

// CountCacheHit increases the hit counter for a cache level ("l1" or "l2").
func CountCacheHit(level string) {
	if cacheHits != nil {
		cacheHits.WithLabelValues(level).Inc()
	}
}

// CountCacheMiss increases the global miss counter.
func CountCacheMiss() {
	if cacheMisses != nil {
		cacheMisses.Inc()
	}
}

// CountFailover increases the failover counter for the source that finally
// served the request.
func CountFailover(source string) {
	if failoverTotal != nil {
		failoverTotal.WithLabelValues(source).Inc()
	}
}
