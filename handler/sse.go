package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"support-assistant/internal/domain"
)

// SetSSEHeaders must be called before the first body write.
func SetSSEHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// sseSink writes each event as one "data:" frame and flushes it when the
// writer supports flushing.
type sseSink struct {
	w       io.Writer
	flusher http.Flusher
}

func newSSESink(w io.Writer) *sseSink {
	s := &sseSink{w: w}
	if f, ok := w.(http.Flusher); ok {
		s.flusher = f
	}
	return s
}

func (s *sseSink) Send(ev domain.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("handler: encode event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("handler: write event: %w", err)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
