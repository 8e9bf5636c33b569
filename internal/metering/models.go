package metering

import "time"

// CallRecord is one metered tool invocation. Distinct from the ledger's
// synchronous transaction log: these rows are usage telemetry, buffered and
// written in batches.
type CallRecord struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"account_id"` // empty for guest calls
	Tool           string    `json:"tool"`
	Transport      string    `json:"transport"` // "http", "stream", "pipe"
	Outcome        string    `json:"outcome"`   // dispatch outcome code or "success"
	CreditsCharged int64     `json:"credits_charged"`
	LatencyMs      int64     `json:"latency_ms"`
	Timestamp      time.Time `json:"timestamp"`
	Error          string    `json:"error,omitempty"`
}

// UsageSummary holds aggregate metrics for an account over a period.
type UsageSummary struct {
	PeriodDays      int     `json:"period_days"`
	TotalCalls      int64   `json:"total_calls"`
	SuccessfulCalls int64   `json:"successful_calls"`
	FailedCalls     int64   `json:"failed_calls"`
	CreditsCharged  int64   `json:"credits_charged"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
}
