// Package platform mocks the hosted business-data API that scripts call.
package platform

import (
	"math/rand/v2"
	"time"

	"script-harness/internal/mockdata"
	"script-harness/internal/monitor"
)

const (
	OpQuery  = "query"
	OpCreate = "create"
	OpUpdate = "update"
)

const (
	DefaultMinLatency = 10 * time.Millisecond
	DefaultMaxLatency = 50 * time.Millisecond
)

// Query is the filter accepted by Session.Query.
type Query = mockdata.Query

// Meter gates and accounts every call made through a session. The sandbox
// execution context implements it.
type Meter interface {
	AcquireCall() error
	ObserveCall(latency time.Duration)
}

// Recorder receives one observation per completed call.
type Recorder interface {
	ObserveAPICall(operation, result string, latency time.Duration)
}

// Config configures an API.
type Config struct {
	MinLatency time.Duration
	MaxLatency time.Duration
	Recorder   Recorder
	Tracer     *monitor.Tracer
}

// API serves mocked responses from a shared mock data store. It is safe for
// concurrent use; per-run state lives in Session.
type API struct {
	store      *mockdata.Store
	minLatency time.Duration
	maxLatency time.Duration
	recorder   Recorder
	tracer     *monitor.Tracer
}

// New returns an API bound to store. Non-positive latencies fall back to the
// defaults.
func New(store *mockdata.Store, cfg Config) *API {
	minL, maxL := cfg.MinLatency, cfg.MaxLatency
	if minL <= 0 {
		minL = DefaultMinLatency
	}
	if maxL <= 0 {
		maxL = DefaultMaxLatency
	}
	if maxL < minL {
		maxL = minL
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = monitor.NewTracer()
	}
	return &API{
		store:      store,
		minLatency: minL,
		maxLatency: maxL,
		recorder:   cfg.Recorder,
		tracer:     tracer,
	}
}

// Store returns the backing mock data store.
func (a *API) Store() *mockdata.Store {
	return a.store
}

// NewSession starts the per-run view of the API. Every call made through the
// session is metered by m.
func (a *API) NewSession(m Meter, opts SessionOptions) *Session {
	return &Session{
		api:      a,
		meter:    m,
		opts:     opts,
		ruleHits: make([]int, len(opts.Rules)),
	}
}

func (a *API) latency() time.Duration {
	span := a.maxLatency - a.minLatency
	if span <= 0 {
		return a.minLatency
	}
	return a.minLatency + rand.N(span+1)
}

func (a *API) observe(op, result string, d time.Duration) {
	if a.recorder != nil {
		a.recorder.ObserveAPICall(op, result, d)
	}
}
