package sandbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"script-harness/internal/platform"
)

// Signal is the single terminal verdict a Governor records for a run.
type Signal string

const (
	SignalSuccess        Signal = "success"
	SignalTimeout        Signal = "timeout"
	SignalMemoryExceeded Signal = "memory_exceeded"
	SignalQuotaExceeded  Signal = "quota_exceeded"
)

// DefaultSampleInterval is the memory sampling cadence used when none is
// configured.
const DefaultSampleInterval = 10 * time.Millisecond

// Governor enforces the timeout, memory ceiling and API call budget of one
// run. It is never shared between runs.
type Governor struct {
	limits Limits
	calls  atomic.Int64
	peak   atomic.Int64

	mu      sync.Mutex
	signal  Signal
	hard    bool // timeout or memory already recorded
	stopped bool // cancelled by a caller; no hard abort can follow
	handler func(Signal)
}

// NewGovernor returns a governor enforcing l.
func NewGovernor(l Limits) *Governor {
	return &Governor{limits: l, signal: SignalSuccess}
}

// Limits returns the limits being enforced.
func (g *Governor) Limits() Limits {
	return g.limits
}

// AcquireCall reserves one API call. Once the budget is spent every further
// call is rejected with platform.ErrQuotaExceeded and is not counted.
func (g *Governor) AcquireCall() error {
	for {
		n := g.calls.Load()
		if n >= g.limits.APICallLimit {
			g.record(SignalQuotaExceeded)
			return fmt.Errorf("%w: limit of %d calls reached", platform.ErrQuotaExceeded, g.limits.APICallLimit)
		}
		if g.calls.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// Calls returns the number of permitted calls.
func (g *Governor) Calls() int64 {
	return g.calls.Load()
}

// ObserveMemory folds a usage sample into the peak and reports whether the
// ceiling has been crossed. The peak never decreases.
func (g *Governor) ObserveMemory(used int64) bool {
	for {
		cur := g.peak.Load()
		if used <= cur || g.peak.CompareAndSwap(cur, used) {
			break
		}
	}
	return g.peak.Load() > g.limits.MemoryBytes
}

// OnTrip registers the abort handler used when a memory charge crosses the
// ceiling outside Supervise. It must be set before the run starts charging.
func (g *Governor) OnTrip(fn func(Signal)) {
	g.mu.Lock()
	g.handler = fn
	g.mu.Unlock()
}

// ObserveCharge checks the run's memory account after a charge and aborts
// the run as soon as it is over the ceiling.
func (g *Governor) ObserveCharge(total int64) {
	if !g.ObserveMemory(total) {
		return
	}
	g.mu.Lock()
	fn := g.handler
	g.mu.Unlock()
	g.trip(SignalMemoryExceeded, fn)
}

// PeakMemory returns the highest usage observed.
func (g *Governor) PeakMemory() int64 {
	return g.peak.Load()
}

// Signal returns the terminal signal recorded so far.
func (g *Governor) Signal() Signal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.signal
}

// record stores s and reports whether it was the first hard abort. A timeout
// or memory abort replaces an earlier quota signal; nothing replaces a hard
// abort.
func (g *Governor) record(s Signal) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch s {
	case SignalQuotaExceeded:
		if g.signal == SignalSuccess {
			g.signal = s
		}
		return false
	case SignalTimeout, SignalMemoryExceeded:
		if g.hard || g.stopped {
			return false
		}
		g.hard = true
		g.signal = s
		return true
	}
	return false
}

// Supervise runs the timeout timer and the memory sampler until done is
// closed, ctx is cancelled or a limit trips. onTrip is called at most once.
func (g *Governor) Supervise(ctx context.Context, done <-chan struct{}, sample func() int64, interval time.Duration, onTrip func(Signal)) {
	timer := time.NewTimer(g.limits.Timeout)
	defer timer.Stop()

	var tick <-chan time.Time
	if sample != nil {
		if interval <= 0 {
			interval = DefaultSampleInterval
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			g.trip(SignalTimeout, onTrip)
			return
		case <-tick:
			if g.ObserveMemory(sample()) {
				g.trip(SignalMemoryExceeded, onTrip)
				return
			}
		}
	}
}

// markCancelled claims the terminal outcome for a caller cancellation. It
// fails once a timeout or memory abort has been recorded, and after it
// succeeds neither can be recorded.
func (g *Governor) markCancelled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.hard || g.stopped {
		return false
	}
	g.stopped = true
	return true
}

func (g *Governor) trip(s Signal, onTrip func(Signal)) {
	if g.record(s) && onTrip != nil {
		onTrip(s)
	}
}
