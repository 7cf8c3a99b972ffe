package http

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sitzung-dev/sitzung/pkg/api"
)

func TestSSEWriterHeadersOnFirstFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := newSSEWriter(rec)

	content := "hi"
	err := sw.writeFrame(api.ChunkFrame(&api.ChatCompletionChunk{
		ID:      "chatcmpl-x",
		Choices: []api.ChunkChoice{{Delta: api.Delta{Content: &content}}},
	}))
	if err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	if rec.Header().Get("X-Accel-Buffering") != "no" {
		t.Error("proxy buffering not disabled")
	}
	if !strings.HasPrefix(rec.Body.String(), "data: {") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestSSEWriterTerminatorCompletesStream(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := newSSEWriter(rec)

	if err := sw.writeFrame(api.DoneFrame()); err != nil {
		t.Fatalf("writeFrame done: %v", err)
	}
	if got := rec.Body.String(); got != "data: [DONE]\n\n" {
		t.Errorf("body = %q", got)
	}

	if err := sw.writeFrame(api.DoneFrame()); err == nil {
		t.Error("write after terminator must fail")
	}
}

func TestSSEWriterErrorFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := newSSEWriter(rec)

	if err := sw.writeFrame(api.ErrFrame(api.NewUpstreamError(502, "backend gone"))); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `"error"`) || !strings.Contains(body, "backend gone") {
		t.Errorf("body = %q", body)
	}
	if !sw.started() {
		t.Error("writer should report started after an error frame")
	}
}

func TestSSEWriterEmptyFrameIgnored(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := newSSEWriter(rec)

	if err := sw.writeFrame(api.StreamFrame{}); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	// An empty frame commits headers but writes no record.
	if got := rec.Body.Len(); got != 0 {
		t.Errorf("body length = %d, want 0", got)
	}
}
