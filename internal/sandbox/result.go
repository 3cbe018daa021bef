package sandbox

import "time"

// ExecutionResult is the report of one finished run. It is built once when
// the run terminates and never modified afterwards.
type ExecutionResult struct {
	ID                 string             `json:"id"`
	ProjectID          string             `json:"projectId"`
	VersionID          string             `json:"versionId,omitempty"`
	Status             Status             `json:"status"`
	Reason             Reason             `json:"reason,omitempty"`
	ExecutionTimeMs    int64              `json:"executionTimeMs"`
	CreatedAt          time.Time          `json:"createdAt"`
	Logs               []string           `json:"logs"`
	Errors             []string           `json:"errors"`
	APICallCount       int64              `json:"apiCallCount"`
	PerformanceMetrics PerformanceMetrics `json:"performanceMetrics"`
	SecurityEvents     []SecurityEvent    `json:"securityEvents,omitempty"`

	Outcome Outcome `json:"-"`
}

type PerformanceMetrics struct {
	ExecutionTimeMs          int64   `json:"executionTimeMs"`
	MemoryUsageBytes         int64   `json:"memoryUsageBytes"`
	APICallCount             int64   `json:"apiCallCount"`
	AverageAPIResponseTimeMs float64 `json:"averageApiResponseTimeMs"`
}

// SecurityEvent is a finding attached to a run by static or output analysis.
type SecurityEvent struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}
