package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"script-harness/internal/config"
	"script-harness/internal/harness"
	"script-harness/internal/mockdata"
	"script-harness/internal/monitor"
	"script-harness/internal/platform"
	"script-harness/internal/sandbox"
	"script-harness/internal/storage"
)

// fakeHarness implements Harness for handler tests.
type fakeHarness struct {
	result    *sandbox.ExecutionResult
	err       error
	lines     []string
	got       harness.ExecutionRequest
	gotCtx    context.Context
	active    []string
	snapshots map[string]sandbox.ContextSnapshot
	cancelled map[string]bool
	data      map[string][]mockdata.Record
	healthy   bool
}

func (f *fakeHarness) ExecuteTest(ctx context.Context, req harness.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	f.got, f.gotCtx = req, ctx
	return f.result, f.err
}

func (f *fakeHarness) StreamTest(ctx context.Context, req harness.ExecutionRequest, sink sandbox.LogSink) (*sandbox.ExecutionResult, error) {
	f.got, f.gotCtx = req, ctx
	if f.err != nil {
		return nil, f.err
	}
	for _, l := range f.lines {
		sink(l)
	}
	return f.result, nil
}

func (f *fakeHarness) GetActiveTests() []string { return f.active }

func (f *fakeHarness) GetTestContext(id string) (sandbox.ContextSnapshot, bool) {
	s, ok := f.snapshots[id]
	return s, ok
}

func (f *fakeHarness) CancelTest(id string) bool {
	if f.cancelled == nil {
		f.cancelled = map[string]bool{}
	}
	if f.cancelled[id] || id != "running" {
		return false
	}
	f.cancelled[id] = true
	return true
}

func (f *fakeHarness) UpdateMockData(key string, data []mockdata.Record) error {
	if err := mockdata.ValidateKey(key); err != nil {
		return &harness.RequestError{Op: "update_mock_data", Err: fmt.Errorf("%w: %v", harness.ErrInvalidRequest, err)}
	}
	if f.data == nil {
		f.data = map[string][]mockdata.Record{}
	}
	f.data[key] = data
	return nil
}

func (f *fakeHarness) GetMockData(key string) ([]mockdata.Record, bool) {
	d, ok := f.data[key]
	return d, ok
}

func (f *fakeHarness) AllMockData() map[string][]mockdata.Record { return f.data }

func (f *fakeHarness) Healthy(context.Context) bool { return f.healthy }

func newTestServer(h Harness) http.Handler {
	cfg := config.DefaultConfig()
	cfg.Security.AllowUnauthenticated = true
	return NewServer(cfg, h, monitor.NewMetrics()).Handler()
}

func do(t *testing.T, handler http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleExecute_Success(t *testing.T) {
	f := &fakeHarness{result: &sandbox.ExecutionResult{
		ID:           "exec-1",
		ProjectID:    "p1",
		Status:       sandbox.StatusPassed,
		Logs:         []string{"hello"},
		Errors:       []string{},
		APICallCount: 2,
	}}
	srv := newTestServer(f)

	rec := do(t, srv, http.MethodPost, "/tests", map[string]any{"projectId": "p1", "timeout": "5s"},
		"X-Identity-Token", "user-token")

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", rec.Code, rec.Body)
	}
	var resp sandbox.ExecutionResult
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != "exec-1" || resp.Status != sandbox.StatusPassed || resp.APICallCount != 2 {
		t.Errorf("resp = %+v", resp)
	}
	if f.got.ProjectID != "p1" || f.got.Config == nil || *f.got.Config.TimeoutMs != 5000 {
		t.Errorf("request passed to harness = %+v", f.got)
	}
	if platform.IdentityFromContext(f.gotCtx) != "user-token" {
		t.Error("identity token not attached to request context")
	}
}

func TestHandleExecute_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		err        error
		wantStatus int
		wantCode   string
	}{
		{"bad json", "{", nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"invalid request", map[string]any{}, &harness.RequestError{Op: "validate", Err: harness.ErrInvalidRequest}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"script not found", map[string]any{"projectId": "p1"}, &harness.RequestError{Op: "load_script", Err: storage.ErrScriptNotFound}, http.StatusNotFound, "SCRIPT_NOT_FOUND"},
		{"unavailable", map[string]any{"projectId": "p1"}, &harness.RequestError{Op: "run", Err: harness.ErrUnavailable}, http.StatusServiceUnavailable, "UNAVAILABLE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(&fakeHarness{err: tt.err})
			rec := do(t, srv, http.MethodPost, "/tests", tt.body)

			if rec.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d", rec.Code, tt.wantStatus)
			}
			var resp ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.Code != tt.wantCode {
				t.Errorf("got code %q, want %q", resp.Code, tt.wantCode)
			}
			if resp.RequestID == "" {
				t.Error("missing request id")
			}
		})
	}
}

func TestHandleExecute_HarnessUnavailable(t *testing.T) {
	h := NewHandlers(nil)
	req := httptest.NewRequest(http.MethodPost, "/tests", strings.NewReader(`{"projectId":"p1"}`))
	rec := httptest.NewRecorder()
	h.HandleExecute(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("got status %d, want 503", rec.Code)
	}
}

// readEvents parses an SSE body into (event, data) pairs.
func readEvents(t *testing.T, body string) [][2]string {
	t.Helper()
	var events [][2]string
	var event string
	var data []string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		case line == "":
			if event != "" {
				events = append(events, [2]string{event, strings.Join(data, "\n")})
			}
			event, data = "", nil
		}
	}
	return events
}

func TestHandleExecuteStream(t *testing.T) {
	f := &fakeHarness{
		lines:  []string{"first", "two\nlines"},
		result: &sandbox.ExecutionResult{ID: "exec-1", Status: sandbox.StatusPassed},
	}
	srv := newTestServer(f)

	rec := do(t, srv, http.MethodPost, "/tests/stream", map[string]any{"projectId": "p1"})
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	events := readEvents(t, rec.Body.String())
	if len(events) != 3 {
		t.Fatalf("events = %v", events)
	}
	if events[0] != [2]string{"log", "first"} || events[1] != [2]string{"log", "two\nlines"} {
		t.Errorf("log events = %v", events[:2])
	}
	if events[2][0] != "done" || !strings.Contains(events[2][1], `"id":"exec-1"`) {
		t.Errorf("done event = %v", events[2])
	}
}

func TestHandleExecuteStream_Rejected(t *testing.T) {
	srv := newTestServer(&fakeHarness{err: &harness.RequestError{Op: "load_script", Err: storage.ErrScriptNotFound}})

	rec := do(t, srv, http.MethodPost, "/tests/stream", map[string]any{"projectId": "p1"})
	events := readEvents(t, rec.Body.String())
	if len(events) != 1 || events[0][0] != "error" || !strings.Contains(events[0][1], "SCRIPT_NOT_FOUND") {
		t.Errorf("events = %v", events)
	}
}

func TestActiveContextCancelRoutes(t *testing.T) {
	f := &fakeHarness{
		active:    []string{"running"},
		snapshots: map[string]sandbox.ContextSnapshot{"running": {ID: "running", ProjectID: "p1", Logs: []string{"x"}}},
	}
	srv := newTestServer(f)

	rec := do(t, srv, http.MethodGet, "/tests/active", nil)
	var active ActiveResponse
	_ = json.NewDecoder(rec.Body).Decode(&active)
	if rec.Code != http.StatusOK || len(active.IDs) != 1 || active.IDs[0] != "running" {
		t.Errorf("active = %d %+v", rec.Code, active)
	}

	rec = do(t, srv, http.MethodGet, "/tests/running", nil)
	var snap sandbox.ContextSnapshot
	_ = json.NewDecoder(rec.Body).Decode(&snap)
	if rec.Code != http.StatusOK || snap.ProjectID != "p1" {
		t.Errorf("context = %d %+v", rec.Code, snap)
	}
	if rec := do(t, srv, http.MethodGet, "/tests/other", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown context status = %d, want 404", rec.Code)
	}

	tests := []struct {
		id         string
		wantStatus int
		want       bool
	}{
		{"running", http.StatusAccepted, true},
		{"running", http.StatusNotFound, false},
		{"unknown", http.StatusNotFound, false},
	}
	for _, tt := range tests {
		rec := do(t, srv, http.MethodDelete, "/tests/"+tt.id, nil)
		var resp CancelResponse
		_ = json.NewDecoder(rec.Body).Decode(&resp)
		if rec.Code != tt.wantStatus || resp.Cancelled != tt.want {
			t.Errorf("DELETE %s = %d %+v, want %d cancelled=%v", tt.id, rec.Code, resp, tt.wantStatus, tt.want)
		}
	}
}

func TestMockDataRoutes(t *testing.T) {
	srv := newTestServer(&fakeHarness{})

	rec := do(t, srv, http.MethodPut, "/mock-data/widgets", []map[string]any{{"id": "w1"}, {"id": "w2"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT status = %d: %s", rec.Code, rec.Body)
	}

	rec = do(t, srv, http.MethodGet, "/mock-data/widgets", nil)
	var got []map[string]any
	_ = json.NewDecoder(rec.Body).Decode(&got)
	if rec.Code != http.StatusOK || len(got) != 2 || got[1]["id"] != "w2" {
		t.Errorf("GET = %d %v", rec.Code, got)
	}

	rec = do(t, srv, http.MethodGet, "/mock-data", nil)
	var all map[string][]map[string]any
	_ = json.NewDecoder(rec.Body).Decode(&all)
	if len(all["widgets"]) != 2 {
		t.Errorf("GET all = %v", all)
	}

	if rec := do(t, srv, http.MethodGet, "/mock-data/missing", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing key status = %d, want 404", rec.Code)
	}
	if rec := do(t, srv, http.MethodPut, "/mock-data/widgets", `{"id":"not-an-array"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("non-array body status = %d, want 400", rec.Code)
	}
	if rec := do(t, srv, http.MethodPut, "/mock-data/bad%20key", `[]`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad key status = %d, want 400", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		healthy    bool
		wantStatus int
		want       string
	}{
		{true, http.StatusOK, "ok"},
		{false, http.StatusServiceUnavailable, "degraded"},
	}
	for _, tt := range tests {
		srv := newTestServer(&fakeHarness{healthy: tt.healthy, active: []string{"a"}})
		rec := do(t, srv, http.MethodGet, "/health", nil)
		var resp HealthResponse
		_ = json.NewDecoder(rec.Body).Decode(&resp)
		if rec.Code != tt.wantStatus || resp.Status != tt.want || resp.ActiveTests != 1 {
			t.Errorf("health = %d %+v", rec.Code, resp)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(&fakeHarness{healthy: true})
	rec := do(t, srv, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "harness_api_requests_in_flight") {
		t.Errorf("metrics = %d", rec.Code)
	}
}

func TestEndToEnd(t *testing.T) {
	store, err := mockdata.NewSeededStore("")
	if err != nil {
		t.Fatal(err)
	}
	scripts := storage.NewMemoryStore()
	_ = scripts.PutScript(context.Background(), &storage.Script{
		ProjectID: "p1",
		VersionID: "v1",
		Source: `
const customers = await api.query("customers");
const orders = await api.query("orders", { where: { customerId: customers[0].id } });
console.log(customers[0].name, orders.length);`,
	})

	platformAPI := platform.New(store, platform.Config{MinLatency: time.Millisecond, MaxLatency: 2 * time.Millisecond})
	manager := sandbox.NewManager(platformAPI, sandbox.DefaultOptions())
	defer manager.Close(context.Background())
	metrics := monitor.NewMetrics()
	svc := harness.NewService(manager, store, scripts, metrics, harness.Options{})

	cfg := config.DefaultConfig()
	cfg.Security.AllowedKeys = []string{"secret"}
	srv := NewServer(cfg, svc, metrics).Handler()

	if rec := do(t, srv, http.MethodPost, "/tests", map[string]any{"projectId": "p1"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", rec.Code)
	}

	rec := do(t, srv, http.MethodPost, "/tests", map[string]any{
		"projectId": "p1",
		"config":    map[string]any{"timeoutMs": 5000, "apiCallLimit": 3},
	}, "X-API-Key", "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	var res map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res["status"] != "passed" || res["apiCallCount"] != float64(2) {
		t.Errorf("result = %v", res)
	}
	if _, ok := res["performanceMetrics"].(map[string]any); !ok {
		t.Errorf("performanceMetrics missing: %v", res)
	}
}
