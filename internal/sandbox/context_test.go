package sandbox

import (
	"errors"
	"strings"
	"testing"
	"time"

	"script-harness/internal/platform"
)

func TestExecutionContextSnapshotIsCopy(t *testing.T) {
	ec := newExecutionContext("e1", "p1", "", NewGovernor(DefaultLimits()), nil)
	ec.Log("one")
	ec.RecordError("bad")

	snap := ec.Snapshot()
	snap.Logs[0] = "changed"
	snap.Errors = append(snap.Errors, "extra")

	again := ec.Snapshot()
	if again.Logs[0] != "one" || len(again.Errors) != 1 {
		t.Errorf("snapshot shares state with context: %+v", again)
	}
}

func TestExecutionContextCallAccounting(t *testing.T) {
	ec := newExecutionContext("e1", "p1", "", NewGovernor(Limits{Timeout: time.Second, MemoryBytes: 1 << 20, APICallLimit: 2}), nil)

	for i := 0; i < 3; i++ {
		err := ec.AcquireCall()
		if i < 2 && err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if i == 2 && !errors.Is(err, platform.ErrQuotaExceeded) {
			t.Fatalf("third call err = %v", err)
		}
		if err == nil {
			ec.ObserveCall(10 * time.Millisecond)
		}
	}

	snap := ec.Snapshot()
	if snap.APICallCount != 2 {
		t.Errorf("apiCallCount = %d, want 2", snap.APICallCount)
	}
	if snap.CumulativeAPILatencyMs != 20 {
		t.Errorf("latency = %v, want 20", snap.CumulativeAPILatencyMs)
	}
}

func TestExecutionContextSinkAndCharge(t *testing.T) {
	var lines []string
	ec := newExecutionContext("e1", "p1", "", NewGovernor(DefaultLimits()), func(l string) { lines = append(lines, l) })

	ec.Log("hello")
	ec.Charge(10)
	ec.Charge(-5)

	if len(lines) != 1 || lines[0] != "hello" {
		t.Errorf("sink got %v", lines)
	}
	if ec.Charged() != int64(len("hello"))+10 {
		t.Errorf("charged = %d", ec.Charged())
	}
}

func TestExecutionContextMarkCancelledOnce(t *testing.T) {
	ec := newExecutionContext("e1", "p1", "", NewGovernor(DefaultLimits()), nil)

	if !ec.markCancelled() {
		t.Fatal("first mark returned false")
	}
	if ec.markCancelled() {
		t.Error("second mark returned true")
	}
	if !ec.Cancelled() || !ec.Snapshot().Cancelled {
		t.Error("context not reported cancelled")
	}
}

func TestExecutionContextChargeEnforcesOwnLimit(t *testing.T) {
	g := NewGovernor(Limits{Timeout: time.Second, MemoryBytes: 64, APICallLimit: 1})
	var tripped []Signal
	g.OnTrip(func(s Signal) { tripped = append(tripped, s) })

	other := newExecutionContext("e2", "p1", "", NewGovernor(Limits{Timeout: time.Second, MemoryBytes: 64, APICallLimit: 1}), nil)
	ec := newExecutionContext("e1", "p1", "", g, nil)

	other.Charge(1 << 20)
	if len(tripped) != 0 {
		t.Fatalf("charges of another context tripped this one: %v", tripped)
	}

	ec.Log(strings.Repeat("x", 40))
	if len(tripped) != 0 {
		t.Fatalf("tripped at 40 of 64 bytes")
	}
	ec.Log(strings.Repeat("y", 40))
	if len(tripped) != 1 || tripped[0] != SignalMemoryExceeded {
		t.Errorf("tripped = %v, want one memory_exceeded", tripped)
	}
	if g.PeakMemory() != 80 {
		t.Errorf("peak = %d, want 80", g.PeakMemory())
	}
}
