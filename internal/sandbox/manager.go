package sandbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"script-harness/internal/platform"
)

// State is the lifecycle position of a run. Transitions are one-way:
// pending, running, then exactly one of completed, aborted or cancelled.
type State int

const (
	StatePending State = iota
	StateRunning
	StateCompleted
	StateAborted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Options configures a Manager.
type Options struct {
	MaxConcurrent   int
	GracePeriod     time.Duration // between cooperative abort and forced interrupt
	TeardownTimeout time.Duration // extra wait for the VM after the interrupt
	SampleInterval  time.Duration
	MaxCallStack    int
}

// DefaultOptions returns the manager defaults.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent:   100,
		GracePeriod:     50 * time.Millisecond,
		TeardownTimeout: time.Second,
		SampleInterval:  DefaultSampleInterval,
		MaxCallStack:    DefaultMaxCallStack,
	}
}

// RunRequest is everything the manager needs for one run.
type RunRequest struct {
	ProjectID string
	VersionID string
	Filename  string
	Source    string
	Limits    Limits
	TestData  map[string]any
	// Session configures error simulation and identity. Its Log field is
	// set by the manager.
	Session        platform.SessionOptions
	LogSink        LogSink
	SecurityEvents []SecurityEvent
}

type run struct {
	ec     *ExecutionContext
	engine *engine
	state  State // guarded by Manager.mu
	cancel context.CancelFunc

	stopOnce sync.Once
	stopped  chan struct{}

	mu        sync.Mutex
	interrupt *time.Timer
	torn      bool
}

// Manager runs scripts, each in its own context, and tracks the active set.
type Manager struct {
	api  *platform.API
	opts Options
	sem  chan struct{} // Concurrency limiter

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup
	active atomic.Int64
}

// NewManager creates a manager whose runs call api.
func NewManager(api *platform.API, opts Options) *Manager {
	def := DefaultOptions()
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = def.MaxConcurrent
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = def.GracePeriod
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = def.TeardownTimeout
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = def.SampleInterval
	}
	if opts.MaxCallStack <= 0 {
		opts.MaxCallStack = def.MaxCallStack
	}

	return &Manager{
		api:  api,
		opts: opts,
		sem:  make(chan struct{}, opts.MaxConcurrent),
		runs: make(map[string]*run),
	}
}

// Run executes req and returns its result. Every accepted run yields exactly
// one result; an error is returned only when the run could not start.
// Cancelling ctx while the run is active cancels the run.
func (m *Manager) Run(ctx context.Context, req RunRequest) (*ExecutionResult, error) {
	execID := uuid.New().String()

	logger := log.With().
		Str("exec_id", execID).
		Str("project_id", req.ProjectID).
		Str("version_id", req.VersionID).
		Logger()

	if err := req.Limits.Validate(); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, &ExecutionError{ExecID: execID, Op: "start", Err: ErrManagerClosed}
	}
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	case <-ctx.Done():
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ctx.Err()}
	}

	gov := NewGovernor(req.Limits)
	ec := newExecutionContext(execID, req.ProjectID, req.VersionID, gov, req.LogSink)

	// The run keeps the caller's values (identity, trace span) but not its
	// cancellation; caller cancellation goes through the cancel path below.
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()

	sessionOpts := req.Session
	sessionOpts.Log = ec.Log
	session := m.api.NewSession(ec, sessionOpts)

	filename := req.Filename
	if filename == "" {
		filename = req.ProjectID + ".js"
	}
	eng, err := newEngine(runCtx, ec, session, engineConfig{
		Filename:     filename,
		Limits:       req.Limits,
		TestData:     req.TestData,
		MaxCallStack: m.opts.MaxCallStack,
	})
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "init_vm", Err: err}
	}

	r := &run{
		ec:      ec,
		engine:  eng,
		state:   StatePending,
		cancel:  cancelRun,
		stopped: make(chan struct{}),
	}
	m.register(r)
	m.active.Add(1)
	defer m.active.Add(-1)

	logger.Info().
		Dur("timeout", req.Limits.Timeout).
		Int64("memory_limit", req.Limits.MemoryBytes).
		Int64("api_call_limit", req.Limits.APICallLimit).
		Msg("execution started")

	start := time.Now()
	onTrip := func(sig Signal) {
		logger.Warn().Str("signal", string(sig)).Msg("resource limit exceeded, aborting")
		m.stop(r, string(sig))
	}
	gov.OnTrip(onTrip)

	done := make(chan runReport, 1)
	go func() { done <- eng.run(req.Source) }()

	supervisorDone := make(chan struct{})
	go gov.Supervise(runCtx, supervisorDone, ec.Charged, m.opts.SampleInterval, onTrip)

	stopWatch := context.AfterFunc(ctx, func() {
		if m.cancelRun(r) {
			logger.Info().Msg("caller context done, execution cancelled")
		}
	})

	var rep runReport
	select {
	case rep = <-done:
	case <-r.stopped:
		wait := time.NewTimer(m.opts.GracePeriod + m.opts.TeardownTimeout)
		select {
		case rep = <-done:
		case <-wait.C:
			rep = runReport{interrupted: true}
			logger.Error().Msg("script did not stop within teardown timeout, abandoning VM")
		}
		wait.Stop()
	}

	stopWatch()
	close(supervisorDone)
	r.teardown()
	gov.OnTrip(nil)
	gov.ObserveMemory(ec.Charged())

	result := m.finalize(r, gov, rep, start, req.SecurityEvents)

	logger.Info().
		Str("status", string(result.Status)).
		Str("reason", string(result.Reason)).
		Int64("api_calls", result.APICallCount).
		Int64("peak_memory", result.PerformanceMetrics.MemoryUsageBytes).
		Dur("duration", time.Since(start)).
		Msg("execution completed")

	return result, nil
}

func (m *Manager) register(r *run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ec.ID] = r
	r.state = StateRunning
}

// stop aborts r: the run context is cancelled at once so cooperative
// checkpoints return, and the VM is interrupted after the grace period.
func (m *Manager) stop(r *run, reason string) {
	r.stopOnce.Do(func() {
		r.cancel()
		r.mu.Lock()
		if !r.torn {
			r.interrupt = time.AfterFunc(m.opts.GracePeriod, func() {
				r.engine.interrupt(reason)
			})
		}
		r.mu.Unlock()
		close(r.stopped)
	})
}

func (r *run) teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.torn = true
	if r.interrupt != nil {
		r.interrupt.Stop()
	}
	r.cancel()
}

// finalize classifies the run, moves it to its terminal state and removes
// it from the active set in one step.
func (m *Manager) finalize(r *run, gov *Governor, rep runReport, start time.Time, events []SecurityEvent) *ExecutionResult {
	ec := r.ec
	limits := gov.Limits()

	m.mu.Lock()
	var (
		outcome Outcome
		state   = StateCompleted
	)
	switch sig := gov.Signal(); {
	case ec.Cancelled():
		ec.RecordError(ErrCancelled.Error())
		outcome = Errored{Reason: ReasonCancelled, Message: ErrCancelled.Error()}
		state = StateCancelled
	case sig == SignalTimeout:
		msg := fmt.Sprintf("%s: exceeded %dms limit", ErrTimeout, limits.Timeout.Milliseconds())
		ec.RecordError(msg)
		outcome = Errored{Reason: ReasonTimeout, Message: msg}
		state = StateAborted
	case sig == SignalMemoryExceeded:
		msg := fmt.Sprintf("%s: used %d of %d bytes", ErrMemoryExceeded, gov.PeakMemory(), limits.MemoryBytes)
		ec.RecordError(msg)
		outcome = Errored{Reason: ReasonMemoryExceeded, Message: msg}
		state = StateAborted
	case rep.internalErr != nil:
		msg := "internal error: " + rep.internalErr.Error()
		ec.RecordError(msg)
		outcome = Errored{Reason: ReasonInternal, Message: msg}
		state = StateAborted
	case rep.loadErr != nil:
		outcome = Errored{Reason: ReasonLoadFailed, Message: rep.loadErr.Error()}
	case sig == SignalQuotaExceeded:
		msg := fmt.Sprintf("%s: limit of %d calls", platform.ErrQuotaExceeded, limits.APICallLimit)
		ec.RecordError(msg)
		outcome = Failed{Reason: ReasonQuotaExceeded, Message: msg}
	case rep.scriptErrors > 0:
		outcome = Failed{Reason: ReasonScriptError, Message: firstError(ec)}
	case rep.assertions > 0:
		outcome = Failed{Reason: ReasonAssertion, Message: firstError(ec)}
	default:
		outcome = Passed{}
	}
	r.state = state
	delete(m.runs, ec.ID)
	m.mu.Unlock()

	snap := ec.Snapshot()
	elapsed := time.Since(start).Milliseconds()

	var avg float64
	if snap.APICallCount > 0 {
		avg = snap.CumulativeAPILatencyMs / float64(snap.APICallCount)
	}

	return &ExecutionResult{
		ID:              snap.ID,
		ProjectID:       snap.ProjectID,
		VersionID:       snap.VersionID,
		Status:          outcome.Status(),
		Reason:          ReasonOf(outcome),
		ExecutionTimeMs: elapsed,
		CreatedAt:       time.Now().UTC(),
		Logs:            snap.Logs,
		Errors:          snap.Errors,
		APICallCount:    snap.APICallCount,
		PerformanceMetrics: PerformanceMetrics{
			ExecutionTimeMs:          elapsed,
			MemoryUsageBytes:         gov.PeakMemory(),
			APICallCount:             snap.APICallCount,
			AverageAPIResponseTimeMs: avg,
		},
		SecurityEvents: events,
		Outcome:        outcome,
	}
}

func firstError(ec *ExecutionContext) string {
	snap := ec.Snapshot()
	if len(snap.Errors) == 0 {
		return ""
	}
	return snap.Errors[0]
}

// Active returns the ids of running executions in sorted order.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.runs))
	for id, r := range m.runs {
		if r.state == StateRunning {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ActiveCount returns the number of currently running executions.
func (m *Manager) ActiveCount() int64 {
	return m.active.Load()
}

// Context returns a snapshot of a running execution.
func (m *Manager) Context(id string) (ContextSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok || r.state != StateRunning {
		return ContextSnapshot{}, false
	}
	return r.ec.Snapshot(), true
}

// Cancel stops a running execution. It returns true only for the first
// cancel of a running id.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	r, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	if !m.cancelRun(r) {
		return false
	}
	log.Info().Str("exec_id", id).Msg("execution cancelled")
	return true
}

func (m *Manager) cancelRun(r *run) bool {
	m.mu.Lock()
	if r.state != StateRunning || !r.ec.markCancelled() {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	m.stop(r, ErrCancelled.Error())
	return true
}

// Close refuses new runs and waits for active ones. When ctx expires first
// the remaining runs are cancelled.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
	}

	for _, id := range m.Active() {
		m.Cancel(id)
	}
	<-drained
	return ctx.Err()
}
