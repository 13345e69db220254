package metrics

import (
	"math"
	"sync"
	"time"
)

// SourceMetrics keeps rolling performance counters for one registered data
// source. Latencies are measured in seconds.
type SourceMetrics struct {
	mu sync.RWMutex

	totalRequests  int64
	successCount   int64
	failureCount   int64
	avgLatency     float64
	minLatency     float64
	maxLatency     float64
	qualityScore   float64
	lastUpdated    time.Time
	latencySamples int64
}

// NewSourceMetrics creates a metrics record for a freshly registered source.
// Quality starts at 1.0; it only drops when callers report data problems.
func NewSourceMetrics() *SourceMetrics {
	return &SourceMetrics{
		minLatency:   math.Inf(1),
		qualityScore: 1.0,
		lastUpdated:  time.Now(),
	}
}

// RecordSuccess updates counters and latency statistics after a successful
// fetch.
func (m *SourceMetrics) RecordSuccess(latency float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalRequests++
	m.successCount++
	m.observeLatency(latency)
	m.lastUpdated = time.Now()
}

// RecordFailure updates counters after a failed fetch. Latency statistics are
// only touched when a measurable latency was supplied; an immediate rejection
// has none.
func (m *SourceMetrics) RecordFailure(latency float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalRequests++
	m.failureCount++
	if latency > 0 {
		m.observeLatency(latency)
	}
	m.lastUpdated = time.Now()
}

// observeLatency folds one sample into the running average using the online
// mean formula. Callers must hold m.mu.
func (m *SourceMetrics) observeLatency(latency float64) {
	n := float64(m.latencySamples)
	m.avgLatency = (m.avgLatency*n + latency) / (n + 1)
	m.latencySamples++
	if latency < m.minLatency {
		m.minLatency = latency
	}
	if latency > m.maxLatency {
		m.maxLatency = latency
	}
}

// SetQuality overrides the quality sub-score. Values are clamped to [0,1].
func (m *SourceMetrics) SetQuality(q float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q < 0 {
		q = 0
	} else if q > 1 {
		q = 1
	}
	m.qualityScore = q
	m.lastUpdated = time.Now()
}

// SuccessRate returns successes over total requests, 0 when nothing has been
// recorded yet.
func (m *SourceMetrics) SuccessRate() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.successRateLocked()
}

func (m *SourceMetrics) successRateLocked() float64 {
	if m.totalRequests == 0 {
		return 0
	}
	return float64(m.successCount) / float64(m.totalRequests)
}

// Score combines success rate, speed and quality into one composite value
// used to rank candidate sources:
//
//	0.4*successRate + 0.4*speedScore + 0.2*quality
//
// Speed contributes a flat 0.4 while the average latency stays at or below
// one second, then decays linearly by 0.1 per extra second. The step at
// exactly 1.0s matches the observed behaviour of the scored sources and is
// asserted by tests; do not smooth it.
func (m *SourceMetrics) Score() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	speedScore := 0.4
	if m.latencySamples > 0 && m.avgLatency > 1.0 {
		speedScore = math.Max(0, 1.0-(m.avgLatency-1.0)*0.1) * 0.4
	}

	return 0.4*m.successRateLocked() + speedScore + 0.2*m.qualityScore
}

// HasActivity reports whether any fetch attempt has been recorded. Sources
// without activity are ranked with a neutral score by the router so new
// registrations get a fair trial.
func (m *SourceMetrics) HasActivity() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalRequests > 0
}

// AvgLatency returns the running average latency in seconds.
func (m *SourceMetrics) AvgLatency() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.avgLatency
}

// Snapshot returns the counters as a map for the pull-based observability
// endpoints.
func (m *SourceMetrics) Snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	minLatency := m.minLatency
	if math.IsInf(minLatency, 1) {
		minLatency = 0
	}

	return map[string]interface{}{
		"total_requests": m.totalRequests,
		"success_count":  m.successCount,
		"failure_count":  m.failureCount,
		"success_rate":   m.successRateLocked(),
		"avg_latency":    m.avgLatency,
		"min_latency":    minLatency,
		"max_latency":    m.maxLatency,
		"quality_score":  m.qualityScore,
		"last_updated":   m.lastUpdated,
	}
}
