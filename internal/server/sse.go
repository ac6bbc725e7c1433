package server

import (
	"fmt"
	"net/http"
)

// doneSentinel terminates a successfully completed event stream. It is
// distinguishable from content events, whose data is always a JSON object.
const doneSentinel = "[DONE]"

// sseWriter frames server-sent events onto a response, flushing after each
// event so increments reach the client as they arrive.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

// newSSEWriter prepares the response for event streaming. It returns false if
// the underlying writer cannot flush.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &sseWriter{w: w, f: f}, true
}

// event writes one named event with the given data payload.
func (s *sseWriter) event(name string, data []byte) error {
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// data writes one unnamed (default "message") event.
func (s *sseWriter) data(data []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// done writes the end-of-stream sentinel.
func (s *sseWriter) done() error {
	return s.data([]byte(doneSentinel))
}
