package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

var errStreamClosed = errors.New("event stream closed")

// SSEWriter writes Server-Sent Events and flushes each one immediately.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
	closed  bool
}

// NewSSEWriter returns nil if the ResponseWriter does not support flushing.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return &SSEWriter{w: w, flusher: flusher}
}

// Send writes one event. Each line of data gets its own "data:" prefix so a
// newline in script output cannot end the event early.
func (s *SSEWriter) Send(event, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errStreamClosed
	}

	fmt.Fprintf(s.w, "event: %s\n", event)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(s.w, "data: %s\n", line)
	}
	if _, err := fmt.Fprint(s.w, "\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Close makes later Sends fail. Lines from a run that outlives the handler
// are dropped instead of written to a finished response.
func (s *SSEWriter) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
