package stream

import (
	"log/slog"
	"sort"
)

type pathKey struct {
	index   int
	thought bool
}

type channelState struct {
	content   string
	committed int
	emitted   int
}

// PathTracker deduplicates and orders the backend's concurrent text
// channels. Each (path index, thought) pair is tracked independently; the
// backend resends the full accumulated text per channel, so emission is the
// suffix beyond what was already committed. Committed length never rewinds:
// a shorter update is a stale backtrack and produces no output.
type PathTracker struct {
	channels  map[pathKey]*channelState
	lastIndex int

	updates    int
	duplicates int
	backtracks int
	outOfOrder int

	logger *slog.Logger
}

// NewPathTracker creates an empty tracker.
func NewPathTracker(logger *slog.Logger) *PathTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PathTracker{
		channels:  make(map[pathKey]*channelState),
		lastIndex: -1,
		logger:    logger,
	}
}

// Process compares the channel's new full text against its committed length
// and returns the unseen suffix. ok is false for duplicates, backtracks, and
// negative path indexes.
func (t *PathTracker) Process(pathIndex int, text string, thought bool) (delta string, ok bool) {
	if pathIndex < 0 {
		return "", false
	}

	key := pathKey{index: pathIndex, thought: thought}
	ch := t.channels[key]
	if ch == nil {
		ch = &channelState{}
		t.channels[key] = ch
	}

	if !thought && pathIndex < t.lastIndex {
		t.outOfOrder++
	}

	switch {
	case len(text) > ch.committed:
		delta = text[ch.committed:]
		ch.content = text
		ch.committed = len(text)
		ch.emitted = len(text)
		if !thought && pathIndex > t.lastIndex {
			t.lastIndex = pathIndex
		}
		t.updates++
		return delta, true

	case len(text) < ch.committed:
		// Stale resend. Keep committed progress; retain the text for the
		// end-of-stream flush comparison only.
		t.backtracks++
		ch.content = text
		t.logger.Warn("path tracker backtrack",
			"path_index", pathIndex,
			"thought", thought,
			"committed", ch.committed,
			"received", len(text))
		return "", false

	default:
		t.duplicates++
		return "", false
	}
}

// PendingDelta is an unemitted remainder found at end-of-stream.
type PendingDelta struct {
	PathIndex int
	Text      string
	Thought   bool
}

// Pending returns every channel whose accumulated content exceeds what was
// emitted, answer channels first in path order, thought channels last. It
// marks the returned content emitted.
func (t *PathTracker) Pending() []PendingDelta {
	keys := make([]pathKey, 0, len(t.channels))
	for k := range t.channels {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].thought != keys[j].thought {
			return !keys[i].thought
		}
		return keys[i].index < keys[j].index
	})

	var pending []PendingDelta
	for _, k := range keys {
		ch := t.channels[k]
		if len(ch.content) > ch.emitted {
			pending = append(pending, PendingDelta{
				PathIndex: k.index,
				Text:      ch.content[ch.emitted:],
				Thought:   k.thought,
			})
			ch.emitted = len(ch.content)
		}
	}
	return pending
}

// TrackerStats summarizes tracker activity for logging and metrics.
type TrackerStats struct {
	Channels   int
	Updates    int
	Duplicates int
	Backtracks int
	OutOfOrder int
}

// Stats returns a point-in-time summary.
func (t *PathTracker) Stats() TrackerStats {
	return TrackerStats{
		Channels:   len(t.channels),
		Updates:    t.updates,
		Duplicates: t.duplicates,
		Backtracks: t.backtracks,
		OutOfOrder: t.outOfOrder,
	}
}
