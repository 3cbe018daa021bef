package api

import (
	"time"

	"script-harness/internal/harness"
)

// TestRequest is the body of POST /tests. Timeout is an alternative to
// config.timeoutMs written as a duration string such as "5s".
type TestRequest struct {
	harness.ExecutionRequest
	Timeout Duration `json:"timeout,omitempty"`
}

// toHarness returns the service request. An explicit config.timeoutMs wins
// over Timeout.
func (r TestRequest) toHarness() harness.ExecutionRequest {
	req := r.ExecutionRequest
	if r.Timeout.Duration <= 0 {
		return req
	}
	cfg := harness.ExecutionConfig{}
	if req.Config != nil {
		cfg = *req.Config
	}
	if cfg.TimeoutMs == nil {
		ms := r.Timeout.Milliseconds()
		cfg.TimeoutMs = &ms
	}
	req.Config = &cfg
	return req
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// ActiveResponse lists running test ids.
type ActiveResponse struct {
	IDs []string `json:"ids"`
}

// CancelResponse reports whether a cancel took effect.
type CancelResponse struct {
	ID        string `json:"id"`
	Cancelled bool   `json:"cancelled"`
}

// MockDataResponse acknowledges a collection update.
type MockDataResponse struct {
	Key     string `json:"key"`
	Records int    `json:"records"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status      string `json:"status"`
	Scripts     bool   `json:"scripts"`
	ActiveTests int    `json:"active_tests"`
	Uptime      string `json:"uptime"`
}
