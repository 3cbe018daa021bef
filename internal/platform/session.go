package platform

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"script-harness/internal/mockdata"
	"script-harness/internal/monitor"
)

// ErrorRule makes matching calls fail with a chosen platform error so scripts
// can be exercised against negative paths.
type ErrorRule struct {
	// Operation is query, create or update. Empty matches every operation.
	Operation string `json:"operation,omitempty" yaml:"operation"`
	// Collection restricts the rule to one collection. Empty matches all.
	Collection string `json:"collection,omitempty" yaml:"collection"`
	Code       Code   `json:"code" yaml:"code"`
	Message    string `json:"message,omitempty" yaml:"message"`
	// OnCall fails only the nth matching call (1-based). Zero fails every
	// matching call.
	OnCall int `json:"onCall,omitempty" yaml:"on_call"`
}

// Validate checks that the rule can be applied.
func (r ErrorRule) Validate() error {
	switch r.Operation {
	case "", OpQuery, OpCreate, OpUpdate:
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrBadRule, r.Operation)
	}
	if !validCode(r.Code) {
		return fmt.Errorf("%w: code %q cannot be simulated", ErrBadRule, r.Code)
	}
	if r.OnCall < 0 {
		return fmt.Errorf("%w: on_call must be >= 0, got %d", ErrBadRule, r.OnCall)
	}
	return nil
}

func (r ErrorRule) matches(op, collection string) bool {
	return (r.Operation == "" || r.Operation == op) &&
		(r.Collection == "" || r.Collection == collection)
}

// SessionOptions configures a Session.
type SessionOptions struct {
	Rules           []ErrorRule
	Identity        string
	RequireIdentity bool
	// Log receives one line per call.
	Log func(line string)
}

// Session is the API as seen by a single run.
type Session struct {
	api   *API
	meter Meter
	opts  SessionOptions

	mu       sync.Mutex
	ruleHits []int
}

// Query returns the records of collection matching q.
func (s *Session) Query(ctx context.Context, collection string, q Query) ([]mockdata.Record, error) {
	var out []mockdata.Record
	err := s.call(ctx, OpQuery, collection, func() (string, error) {
		recs, err := s.api.store.Query(collection, q)
		if err != nil {
			return "", err
		}
		out = recs
		return fmt.Sprintf("%d record(s)", len(recs)), nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Create inserts rec into collection and returns the stored record.
func (s *Session) Create(ctx context.Context, collection string, rec mockdata.Record) (mockdata.Record, error) {
	var out mockdata.Record
	err := s.call(ctx, OpCreate, collection, func() (string, error) {
		stored, err := s.api.store.Insert(collection, rec)
		if err != nil {
			return "", err
		}
		out = stored
		return fmt.Sprintf("id=%v", stored[mockdata.IDField]), nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update merges fields into the record id of collection.
func (s *Session) Update(ctx context.Context, collection, id string, fields mockdata.Record) (mockdata.Record, error) {
	var out mockdata.Record
	err := s.call(ctx, OpUpdate, collection, func() (string, error) {
		if id == "" {
			return "", &Error{Code: CodeInvalidRequest, Message: "record id is required"}
		}
		updated, err := s.api.store.Update(collection, id, fields)
		if err != nil {
			return "", err
		}
		out = updated
		return "id=" + id, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Session) call(ctx context.Context, op, collection string, fn func() (string, error)) error {
	ctx, span := s.api.tracer.StartSpan(ctx, "platform."+op,
		monitor.AttrOperation.String(op),
		monitor.AttrCollection.String(collection),
	)
	defer span.End()

	if ctx.Err() != nil {
		return s.finish(span, op, collection, 0, false, &Error{Code: CodeAborted, Message: "run aborted"})
	}

	if err := s.meter.AcquireCall(); err != nil {
		code := CodeAborted
		if errors.Is(err, ErrQuotaExceeded) {
			code = CodeQuotaExceeded
		}
		return s.finish(span, op, collection, 0, false, &Error{Code: code, Message: err.Error()})
	}

	start := time.Now()
	timer := time.NewTimer(s.api.latency())
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		return s.finish(span, op, collection, time.Since(start), true, &Error{Code: CodeAborted, Message: "run aborted"})
	}

	var (
		summary string
		err     error
	)
	if collection == "" {
		err = &Error{Code: CodeInvalidRequest, Message: "collection is required"}
	} else if err = s.simulated(ctx, op, collection); err == nil {
		summary, err = fn()
	}
	if err != nil {
		return s.finish(span, op, collection, time.Since(start), true, toError(err))
	}

	elapsed := time.Since(start)
	s.meter.ObserveCall(elapsed)
	s.api.observe(op, "ok", elapsed)
	s.logf("[api] %s %s -> %s", op, collection, summary)
	return nil
}

// finish records a failed call and returns it with op and collection filled in.
func (s *Session) finish(span trace.Span, op, collection string, elapsed time.Duration, counted bool, perr *Error) error {
	perr.Op = op
	perr.Collection = collection
	if counted {
		s.meter.ObserveCall(elapsed)
	}
	s.api.observe(op, string(perr.Code), elapsed)
	span.RecordError(perr)
	span.SetStatus(codes.Error, string(perr.Code))
	s.logf("[api] %s %s -> %s", op, collection, perr.Code)
	return perr
}

// simulated applies identity enforcement and the configured error rules.
func (s *Session) simulated(ctx context.Context, op, collection string) error {
	if s.opts.RequireIdentity {
		token := s.opts.Identity
		if token == "" {
			token = IdentityFromContext(ctx)
		}
		if token == "" {
			return &Error{Code: CodePermissionDenied, Message: "identity token required"}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, rule := range s.opts.Rules {
		if !rule.matches(op, collection) {
			continue
		}
		s.ruleHits[i]++
		if rule.OnCall == 0 || rule.OnCall == s.ruleHits[i] {
			msg := rule.Message
			if msg == "" {
				msg = "simulated " + string(rule.Code)
			}
			return &Error{Code: rule.Code, Message: msg}
		}
	}
	return nil
}

func (s *Session) logf(format string, args ...any) {
	if s.opts.Log != nil {
		s.opts.Log(fmt.Sprintf(format, args...))
	}
}

func toError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	code := CodeInvalidRequest
	if errors.Is(err, mockdata.ErrCollectionNotFound) || errors.Is(err, mockdata.ErrRecordNotFound) {
		code = CodeNotFound
	}
	return &Error{Code: code, Message: err.Error()}
}
