package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/sitzung-dev/sitzung/pkg/api"
)

// writerState tracks the state of an SSE stream writer.
type writerState int

const (
	writerIdle      writerState = iota // no writes yet
	writerStreaming                    // at least one frame written
	writerCompleted                    // [DONE] sent
)

// sseWriter serializes stream frames onto an HTTP response in SSE framing.
// Each frame becomes one "data: {json}" record; the terminator frame becomes
// "data: [DONE]". Every record is flushed immediately.
type sseWriter struct {
	w     http.ResponseWriter
	rc    *http.ResponseController
	state writerState
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

// writeFrame sends one frame. The first write sets the SSE headers. After a
// Done frame the writer refuses further writes.
func (s *sseWriter) writeFrame(frame api.StreamFrame) error {
	if s.state == writerCompleted {
		return errors.New("cannot write frame: stream is completed")
	}

	if s.state == writerIdle {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache, no-store, must-revalidate, max-age=0")
		h.Set("Connection", "keep-alive")
		// Disable proxy buffering so heartbeats actually reach the client.
		h.Set("X-Accel-Buffering", "no")
		s.state = writerStreaming
	}

	switch {
	case frame.Done:
		if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
			return fmt.Errorf("failed to write terminator: %w", err)
		}
		s.state = writerCompleted

	case frame.Err != nil:
		data, err := json.Marshal(api.ErrorResponse{Error: frame.Err})
		if err != nil {
			return fmt.Errorf("failed to marshal error frame: %w", err)
		}
		if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
			return fmt.Errorf("failed to write error frame: %w", err)
		}

	case frame.Chunk != nil:
		data, err := json.Marshal(frame.Chunk)
		if err != nil {
			return fmt.Errorf("failed to marshal chunk: %w", err)
		}
		if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
			return fmt.Errorf("failed to write chunk: %w", err)
		}

	default:
		return nil
	}

	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// started reports whether any SSE output has been written; once true the
// response headers are committed and errors can no longer change the status
// code.
func (s *sseWriter) started() bool {
	return s.state != writerIdle
}
