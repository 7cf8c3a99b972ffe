package stream

import (
	"strings"
	"time"
)

// ChunkAggregator buffers raw transport chunks and releases them only at
// newline boundaries, once either a minimum size or a maximum hold time is
// reached. This preserves the backend's line framing and never severs an
// encoded image payload mid-token.
type ChunkAggregator struct {
	minSize int
	maxHold time.Duration

	buf      strings.Builder
	lastEmit time.Time

	totalIn  int
	totalOut int

	now func() time.Time
}

// NewChunkAggregator creates an aggregator. Zero values default to 256 bytes
// and 100ms.
func NewChunkAggregator(minSize int, maxHold time.Duration) *ChunkAggregator {
	if minSize <= 0 {
		minSize = 256
	}
	if maxHold <= 0 {
		maxHold = 100 * time.Millisecond
	}
	a := &ChunkAggregator{
		minSize: minSize,
		maxHold: maxHold,
		now:     time.Now,
	}
	a.lastEmit = a.now()
	return a
}

// Feed appends a raw chunk and returns the segment ready for parsing, or ""
// when everything is still held. The returned segment always ends at a
// newline; bytes after the last newline stay buffered.
func (a *ChunkAggregator) Feed(chunk string) string {
	a.totalIn += len(chunk)
	a.buf.WriteString(chunk)

	now := a.now()
	if a.buf.Len() < a.minSize && now.Sub(a.lastEmit) < a.maxHold {
		return ""
	}

	buffered := a.buf.String()
	idx := strings.LastIndexByte(buffered, '\n')
	if idx < 0 {
		// No safe boundary yet; hold everything.
		return ""
	}

	out := buffered[:idx+1]
	rest := buffered[idx+1:]
	a.buf.Reset()
	a.buf.WriteString(rest)
	a.lastEmit = now
	a.totalOut += len(out)
	return out
}

// Flush returns whatever is still buffered. Called once at end-of-stream.
func (a *ChunkAggregator) Flush() string {
	out := a.buf.String()
	a.buf.Reset()
	a.totalOut += len(out)
	return out
}

// Buffered reports how many bytes are currently held.
func (a *ChunkAggregator) Buffered() int { return a.buf.Len() }
