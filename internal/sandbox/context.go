package sandbox

import (
	"sync"
	"sync/atomic"
	"time"
)

// LogSink receives every captured log line as it is emitted.
type LogSink func(line string)

// ExecutionContext is the mutable state of one run. The manager owns it;
// callers only ever see a ContextSnapshot.
type ExecutionContext struct {
	ID        string
	ProjectID string
	VersionID string
	StartedAt time.Time

	governor *Governor
	sink     LogSink

	mu         sync.Mutex
	logs       []string
	errors     []string
	apiCalls   int64
	apiLatency time.Duration

	cancelled atomic.Bool
	charged   atomic.Int64
}

// ContextSnapshot is a point-in-time copy of an ExecutionContext.
type ContextSnapshot struct {
	ID                     string    `json:"id"`
	ProjectID              string    `json:"projectId"`
	VersionID              string    `json:"versionId,omitempty"`
	StartedAt              time.Time `json:"startedAt"`
	Logs                   []string  `json:"logs"`
	Errors                 []string  `json:"errors"`
	APICallCount           int64     `json:"apiCallCount"`
	CumulativeAPILatencyMs float64   `json:"cumulativeApiLatencyMs"`
	Cancelled              bool      `json:"cancelled"`
}

func newExecutionContext(id, projectID, versionID string, g *Governor, sink LogSink) *ExecutionContext {
	return &ExecutionContext{
		ID:        id,
		ProjectID: projectID,
		VersionID: versionID,
		StartedAt: time.Now().UTC(),
		governor:  g,
		sink:      sink,
		logs:      []string{},
		errors:    []string{},
	}
}

// Log appends a line to the run's output.
func (c *ExecutionContext) Log(line string) {
	c.mu.Lock()
	c.logs = append(c.logs, line)
	c.mu.Unlock()
	c.Charge(int64(len(line)))

	if c.sink != nil {
		c.sink(line)
	}
}

// RecordError appends an error message.
func (c *ExecutionContext) RecordError(msg string) {
	c.mu.Lock()
	c.errors = append(c.errors, msg)
	c.mu.Unlock()
	c.Charge(int64(len(msg)))
}

// AcquireCall asks the governor for one API call and counts it when granted.
func (c *ExecutionContext) AcquireCall() error {
	if err := c.governor.AcquireCall(); err != nil {
		return err
	}
	c.mu.Lock()
	c.apiCalls++
	c.mu.Unlock()
	return nil
}

// ObserveCall adds the latency of a completed call.
func (c *ExecutionContext) ObserveCall(latency time.Duration) {
	c.mu.Lock()
	c.apiLatency += latency
	c.mu.Unlock()
}

// Charge adds n bytes to the run's memory account. The account only holds
// what this run produced or received: source, test data, log lines, errors
// and API payloads.
func (c *ExecutionContext) Charge(n int64) {
	if n <= 0 {
		return
	}
	total := c.charged.Add(n)
	if c.governor != nil {
		c.governor.ObserveCharge(total)
	}
}

// Charged returns the bytes charged so far.
func (c *ExecutionContext) Charged() int64 {
	return c.charged.Load()
}

// Cancelled reports whether the run was cancelled.
func (c *ExecutionContext) Cancelled() bool {
	return c.cancelled.Load()
}

func (c *ExecutionContext) markCancelled() bool {
	if c.governor != nil && !c.governor.markCancelled() {
		return false
	}
	return c.cancelled.CompareAndSwap(false, true)
}

// Snapshot copies the current state.
func (c *ExecutionContext) Snapshot() ContextSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ContextSnapshot{
		ID:                     c.ID,
		ProjectID:              c.ProjectID,
		VersionID:              c.VersionID,
		StartedAt:              c.StartedAt,
		Logs:                   append([]string{}, c.logs...),
		Errors:                 append([]string{}, c.errors...),
		APICallCount:           c.apiCalls,
		CumulativeAPILatencyMs: float64(c.apiLatency.Microseconds()) / 1000,
		Cancelled:              c.cancelled.Load(),
	}
}
