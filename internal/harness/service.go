package harness

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"

	"script-harness/internal/mockdata"
	"script-harness/internal/monitor"
	"script-harness/internal/sandbox"
	"script-harness/internal/storage"
)

// Options bounds the requests a Service accepts.
type Options struct {
	Defaults       sandbox.Limits // applied to unset config values
	Max            sandbox.Limits // ceilings; zero fields are unbounded
	MaxScriptBytes int
}

// Service is the entry point for test runs: it validates requests, resolves
// scripts and shapes sandbox results into reports.
type Service struct {
	manager  *sandbox.Manager
	store    *mockdata.Store
	scripts  storage.ScriptStore
	analyzer *monitor.ScriptAnalyzer
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
	opts     Options
}

// NewService wires a service. metrics may be nil.
func NewService(manager *sandbox.Manager, store *mockdata.Store, scripts storage.ScriptStore, metrics *monitor.Metrics, opts Options) *Service {
	if opts.Defaults == (sandbox.Limits{}) {
		opts.Defaults = sandbox.DefaultLimits()
	}
	return &Service{
		manager:  manager,
		store:    store,
		scripts:  scripts,
		analyzer: monitor.NewScriptAnalyzer(),
		metrics:  metrics,
		tracer:   monitor.NewTracer(),
		opts:     opts,
	}
}

// ExecuteTest runs one script version and returns its report. Script failures
// are reported in the result; the error is non-nil only when no run happened,
// and is then always a *RequestError.
func (s *Service) ExecuteTest(ctx context.Context, req ExecutionRequest) (*sandbox.ExecutionResult, error) {
	return s.execute(ctx, req, nil)
}

// StreamTest is ExecuteTest with every log line also delivered to sink as it
// is emitted.
func (s *Service) StreamTest(ctx context.Context, req ExecutionRequest, sink sandbox.LogSink) (*sandbox.ExecutionResult, error) {
	return s.execute(ctx, req, sink)
}

func (s *Service) execute(ctx context.Context, req ExecutionRequest, sink sandbox.LogSink) (*sandbox.ExecutionResult, error) {
	ctx, span := s.tracer.StartSpan(ctx, "execute_test",
		monitor.AttrProjectID.String(req.ProjectID),
		monitor.AttrVersionID.String(req.VersionID),
	)
	defer span.End()

	logger := log.With().
		Str("project_id", req.ProjectID).
		Str("version_id", req.VersionID).
		Logger()

	fail := func(err *RequestError, kind string) (*sandbox.ExecutionResult, error) {
		s.recordError(kind)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		logger.Warn().Err(err).Str("op", err.Op).Msg("test request rejected")
		return nil, err
	}

	if err := req.Validate(); err != nil {
		var reqErr *RequestError
		errors.As(err, &reqErr)
		return fail(reqErr, "invalid_request")
	}

	limits := req.limits(s.opts.Defaults)
	if err := limits.Within(s.opts.Max); err != nil {
		return fail(invalidf("validate", "%v", err), "invalid_request")
	}

	logger.Info().Msg("test execution requested")

	script, err := s.scripts.GetScript(ctx, req.ProjectID, req.VersionID)
	if err != nil {
		if errors.Is(err, storage.ErrScriptNotFound) {
			return fail(&RequestError{Op: "load_script", Err: err}, "not_found")
		}
		return fail(&RequestError{Op: "load_script", Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}, "unavailable")
	}

	src, err := prepareSource(script.Filename, script.Source, s.opts.MaxScriptBytes)
	if err != nil {
		var reqErr *RequestError
		errors.As(err, &reqErr)
		return fail(reqErr, "invalid_script")
	}

	events := s.securityEvents(s.analyzer.AnalyzeSource(src))
	if s.metrics != nil {
		s.metrics.ScriptSizeBytes.Observe(float64(len(src)))
		s.metrics.ActiveExecutions.Inc()
		defer s.metrics.ActiveExecutions.Dec()
	}

	result, err := s.manager.Run(ctx, sandbox.RunRequest{
		ProjectID:      script.ProjectID,
		VersionID:      script.VersionID,
		Filename:       script.Filename,
		Source:         src,
		Limits:         limits,
		TestData:       req.TestData,
		Session:        req.sessionOptions(),
		LogSink:        sink,
		SecurityEvents: events,
	})
	if err != nil {
		if errors.Is(err, sandbox.ErrInvalidRequest) {
			return fail(invalidf("run", "%v", err), "invalid_request")
		}
		return fail(&RequestError{Op: "run", Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}, "unavailable")
	}

	if leaks := s.analyzer.AnalyzeLogs(result.Logs); len(leaks) > 0 {
		shaped := *result
		shaped.SecurityEvents = append(append([]sandbox.SecurityEvent(nil), result.SecurityEvents...), s.securityEvents(leaks)...)
		result = &shaped
	}

	if s.metrics != nil {
		s.metrics.RecordExecution(string(result.Status), string(result.Reason),
			float64(result.ExecutionTimeMs)/1000, result.PerformanceMetrics.MemoryUsageBytes)
	}

	span.SetAttributes(
		monitor.AttrExecID.String(result.ID),
		monitor.AttrStatus.String(string(result.Status)),
		monitor.AttrReason.String(string(result.Reason)),
		monitor.AttrAPICalls.Int64(result.APICallCount),
		monitor.AttrDurationMS.Int64(result.ExecutionTimeMs),
	)
	if result.Status == sandbox.StatusError {
		span.SetStatus(codes.Error, string(result.Reason))
	}

	logger.Info().
		Str("exec_id", result.ID).
		Str("status", string(result.Status)).
		Int("security_events", len(result.SecurityEvents)).
		Msg("test execution finished")

	return result, nil
}

func (s *Service) securityEvents(findings []monitor.Finding) []sandbox.SecurityEvent {
	if len(findings) == 0 {
		return nil
	}
	events := make([]sandbox.SecurityEvent, len(findings))
	for i, f := range findings {
		events[i] = sandbox.SecurityEvent{
			Type:     f.Pattern,
			Severity: f.Severity,
			Detail:   f.Detail,
			Line:     f.Line,
		}
		if s.metrics != nil {
			s.metrics.RecordSecurityEvent(f.Pattern)
		}
	}
	return events
}

func (s *Service) recordError(kind string) {
	if s.metrics != nil {
		s.metrics.RecordError(kind)
	}
}

// GetActiveTests returns the ids of running tests.
func (s *Service) GetActiveTests() []string {
	return s.manager.Active()
}

// GetTestContext returns a snapshot of a running test.
func (s *Service) GetTestContext(id string) (sandbox.ContextSnapshot, bool) {
	return s.manager.Context(id)
}

// CancelTest cancels a running test. It returns false when id is unknown or
// already finished or cancelled.
func (s *Service) CancelTest(id string) bool {
	return s.manager.Cancel(id)
}

// UpdateMockData replaces the records of one collection.
func (s *Service) UpdateMockData(key string, data []mockdata.Record) error {
	if err := s.store.Put(key, data); err != nil {
		return &RequestError{Op: "update_mock_data", Err: fmt.Errorf("%w: %v", ErrInvalidRequest, err)}
	}
	log.Info().Str("collection", key).Int("records", len(data)).Msg("mock data updated")
	return nil
}

// GetMockData returns one collection.
func (s *Service) GetMockData(key string) ([]mockdata.Record, bool) {
	return s.store.Get(key)
}

// AllMockData returns every collection.
func (s *Service) AllMockData() map[string][]mockdata.Record {
	return s.store.All()
}

// Healthy reports whether the script store is reachable.
func (s *Service) Healthy(ctx context.Context) bool {
	if h, ok := s.scripts.(interface{ Healthy(context.Context) bool }); ok {
		return h.Healthy(ctx)
	}
	return true
}

// Close stops accepting tests and waits for active ones until ctx expires.
func (s *Service) Close(ctx context.Context) error {
	return s.manager.Close(ctx)
}

