package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"script-harness/internal/harness"
	"script-harness/internal/mockdata"
	"script-harness/internal/sandbox"
	"script-harness/internal/storage"
)

// Harness is the service surface the HTTP layer needs.
type Harness interface {
	ExecuteTest(ctx context.Context, req harness.ExecutionRequest) (*sandbox.ExecutionResult, error)
	StreamTest(ctx context.Context, req harness.ExecutionRequest, sink sandbox.LogSink) (*sandbox.ExecutionResult, error)
	GetActiveTests() []string
	GetTestContext(id string) (sandbox.ContextSnapshot, bool)
	CancelTest(id string) bool
	UpdateMockData(key string, data []mockdata.Record) error
	GetMockData(key string) ([]mockdata.Record, bool)
	AllMockData() map[string][]mockdata.Record
	Healthy(ctx context.Context) bool
}

type Handlers struct {
	harness Harness
}

func NewHandlers(h Harness) *Handlers {
	return &Handlers{harness: h}
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req TestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.harness == nil {
		writeError(w, "harness unavailable", "UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	result, err := h.harness.ExecuteTest(r.Context(), req.toHarness())
	if err != nil {
		writeRequestError(w, err, r)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) HandleExecuteStream(w http.ResponseWriter, r *http.Request) {
	var req TestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.harness == nil {
		writeError(w, "harness unavailable", "UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	stream := NewSSEWriter(w)
	if stream == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	result, err := h.harness.StreamTest(r.Context(), req.toHarness(), func(line string) {
		_ = stream.Send("log", line)
	})
	if err != nil {
		log.Warn().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("streaming test rejected")
		data, _ := json.Marshal(errorBody(err, r))
		_ = stream.Send("error", string(data))
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode result")
		_ = stream.Send("error", `{"error":"encoding failed","code":"INTERNAL"}`)
		return
	}
	_ = stream.Send("done", string(data))
}

func (h *Handlers) HandleActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ActiveResponse{IDs: h.harness.GetActiveTests()})
}

func (h *Handlers) HandleGetTest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, ok := h.harness.GetTestContext(id)
	if !ok {
		writeError(w, "no running test "+id, "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.harness.CancelTest(id) {
		writeJSON(w, http.StatusNotFound, CancelResponse{ID: id, Cancelled: false})
		return
	}
	log.Info().Str("exec_id", id).Str("request_id", RequestIDFromContext(r.Context())).Msg("cancel requested for test")
	writeJSON(w, http.StatusAccepted, CancelResponse{ID: id, Cancelled: true})
}

func (h *Handlers) HandleAllMockData(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.harness.AllMockData())
}

func (h *Handlers) HandleGetMockData(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	data, ok := h.harness.GetMockData(key)
	if !ok {
		writeError(w, "no mock data for "+key, "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (h *Handlers) HandlePutMockData(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	var data []mockdata.Record
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, "invalid JSON: expected an array of records", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if err := h.harness.UpdateMockData(key, data); err != nil {
		writeRequestError(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, MockDataResponse{Key: key, Records: len(data)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}

// errorStatus maps a service error to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, harness.ErrInvalidRequest):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, storage.ErrScriptNotFound):
		return http.StatusNotFound, "SCRIPT_NOT_FOUND"
	case errors.Is(err, harness.ErrUnavailable):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func errorBody(err error, r *http.Request) ErrorResponse {
	_, code := errorStatus(err)
	return ErrorResponse{
		Error:     err.Error(),
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
}

func writeRequestError(w http.ResponseWriter, err error, r *http.Request) {
	status, _ := errorStatus(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("request failed")
	}
	writeJSON(w, status, errorBody(err, r))
}
