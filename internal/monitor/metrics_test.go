package monitor

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordExecution(t *testing.T) {
	m := NewMetrics()

	m.RecordExecution("passed", "", 0.2, 1<<20)
	m.RecordExecution("error", "timeout", 0.1, 1<<20)
	m.RecordExecution("error", "cancelled", 0.05, 0)

	if got := testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("passed", "")); got != 1 {
		t.Errorf("passed executions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LimitViolations.WithLabelValues("timeout")); got != 1 {
		t.Errorf("timeout violations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Cancellations); got != 1 {
		t.Errorf("cancellations = %v, want 1", got)
	}
}

func TestObserveAPICall(t *testing.T) {
	m := NewMetrics()

	m.ObserveAPICall("query", "ok", 20*time.Millisecond)
	m.ObserveAPICall("query", "quota_exceeded", 0)

	if got := testutil.ToFloat64(m.APICalls.WithLabelValues("query", "ok")); got != 1 {
		t.Errorf("ok calls = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.APICalls.WithLabelValues("query", "quota_exceeded")); got != 1 {
		t.Errorf("quota calls = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.APILatency); n != 1 {
		t.Errorf("latency series = %d, want 1", n)
	}
}
