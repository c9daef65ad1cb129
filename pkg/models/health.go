package models

import "time"

// ProviderStatus is a provider's health state.
type ProviderStatus string

const (
	StatusHealthy  ProviderStatus = "HEALTHY"
	StatusDegraded ProviderStatus = "DEGRADED"
	StatusDown     ProviderStatus = "DOWN"
)

// HealthRecord is a point-in-time copy of a provider's health counters.
type HealthRecord struct {
	Provider            string         `json:"provider"`
	Status              ProviderStatus `json:"status"`
	Attempts            int64          `json:"attempts"`
	Successes           int64          `json:"successes"`
	Failures            int64          `json:"failures"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	LastFailureKind     ErrorKind      `json:"last_failure_kind,omitempty"`
	LastFailureAt       time.Time      `json:"last_failure_at,omitempty"`
	CooldownUntil       time.Time      `json:"cooldown_until,omitempty"`
	AvgLatencyMs        float64        `json:"avg_latency_ms"`
}

// ErrorKind classifies a provider failure.
type ErrorKind string

const (
	ErrTransient      ErrorKind = "transient"
	ErrRateLimited    ErrorKind = "rate_limited"
	ErrAuth           ErrorKind = "auth"
	ErrQuota          ErrorKind = "quota"
	ErrInvalidRequest ErrorKind = "invalid_request"
	ErrTimeout        ErrorKind = "timeout"
	ErrUnknown        ErrorKind = "unknown"
	// ErrCanceled marks an attempt abandoned because the caller went away.
	ErrCanceled ErrorKind = "canceled"
)

// Attempt records a single provider call made during a dispatch.
type Attempt struct {
	CorrelationID string        `json:"correlation_id"`
	Number        int           `json:"number"`
	Provider      string        `json:"provider"`
	Model         string        `json:"model"`
	Kind          ErrorKind     `json:"kind,omitempty"`
	Error         string        `json:"error,omitempty"`
	Billable      bool          `json:"billable,omitempty"`
	Usage         Usage         `json:"usage"`
	Latency       time.Duration `json:"latency"`
	StartedAt     time.Time     `json:"started_at"`
}

// OK reports whether the attempt succeeded.
func (a Attempt) OK() bool {
	return a.Kind == "" && a.Error == ""
}
