package models

import (
	"time"
)

// Error codes carried on DataResponse. The fetch pipeline never returns a
// Go error to its caller; every outcome maps onto one of these.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNoDataSource       = "NO_DATA_SOURCE"
	ErrCodeSourcesUnavailable = "ALL_SOURCES_UNAVAILABLE"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// FallbackSuffix marks a response that was served by an alternative source
// after the primary choice failed or was gated off.
const FallbackSuffix = " (fallback)"

// DataResponse is the result of one fetch through the gateway. It is
// created once per request and never mutated after being handed back.
type DataResponse struct {
	Success   bool          `json:"success"`
	Data      interface{}   `json:"data,omitempty"`
	ErrorCode string        `json:"error_code,omitempty"`
	Message   string        `json:"message,omitempty"`
	Source    string        `json:"source,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
	FromCache bool          `json:"from_cache"`
	CacheKey  string        `json:"cache_key,omitempty"`
}

// ErrorResponse builds a failed DataResponse with a stable code and message.
func ErrorResponse(code, message string) *DataResponse {
	return &DataResponse{
		Success:   false,
		ErrorCode: code,
		Message:   message,
	}
}

// HealthState enumerates provider health as reported by HealthCheck.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthStatus is the result of a provider health probe.
type HealthStatus struct {
	State     HealthState `json:"state"`
	Message   string      `json:"message,omitempty"`
	Latency   float64     `json:"latency_seconds,omitempty"`
	CheckedAt time.Time   `json:"checked_at"`
}
