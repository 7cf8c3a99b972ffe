package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MetricsMiddleware records the request counter, the latency histogram, and
// the active-streaming gauge for every request it serves. Streaming is
// detected from the Content-Type the handler commits, so the gauge reflects
// responses that actually stream rather than clients that merely asked to.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}

		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start).Seconds()

		if rec.streaming {
			StreamingConnections.Dec()
		}

		// The model is only known after body parsing; handlers record
		// model-labeled metrics themselves.
		class := strconv.Itoa(rec.status/100) + "xx"
		RequestsTotal.WithLabelValues(r.Method, class, "unknown").Inc()
		RequestDuration.WithLabelValues(r.Method, "unknown").Observe(elapsed)
	})
}

// responseRecorder captures the committed status code and raises the
// streaming gauge the moment the handler opens an event stream, so the gauge
// covers the whole write phase of a streamed response.
type responseRecorder struct {
	http.ResponseWriter
	status    int
	committed bool
	streaming bool
}

func (rec *responseRecorder) WriteHeader(status int) {
	rec.commit(status)
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *responseRecorder) Write(b []byte) (int, error) {
	rec.commit(http.StatusOK)
	return rec.ResponseWriter.Write(b)
}

// commit runs once, on whichever of WriteHeader or Write fires first. That
// is the last point where the handler's response headers are still readable
// before they go out on the wire.
func (rec *responseRecorder) commit(status int) {
	if rec.committed {
		return
	}
	rec.committed = true
	rec.status = status
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "text/event-stream") {
		rec.streaming = true
		StreamingConnections.Inc()
	}
}

// Flush keeps the wrapped writer usable for server-sent events.
func (rec *responseRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the original writer.
func (rec *responseRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}
