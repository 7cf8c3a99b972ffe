package stream

import "strings"

// Fenced search/replace markers used by code-editing tools. A block must
// reach the client in one piece or the tool on the other side cannot apply
// it.
const (
	diffOpenMarker  = "<<<<<<< SEARCH"
	diffSeparator   = "======="
	diffCloseMarker = ">>>>>>> REPLACE"
)

type diffState int

const (
	diffNormal diffState = iota
	diffInBlock
)

// Segment is one unit of diff-handler output: plain text, or a complete
// diff block that must not be split further.
type Segment struct {
	Text string
	Diff bool
}

// DiffHandler is a two-state machine that withholds a diff block's content
// from the moment its open marker appears until its close marker arrives,
// then releases the whole span as one segment. Bytes that could be the start
// of a marker are held back until disambiguated.
type DiffHandler struct {
	state   diffState
	pending string // unclassified tail, possibly a partial marker
	block   string // accumulated diff content since the open marker
}

// NewDiffHandler creates a handler in the normal state.
func NewDiffHandler() *DiffHandler {
	return &DiffHandler{}
}

// Process consumes text and returns the segments that are safe to release.
func (d *DiffHandler) Process(text string) []Segment {
	var out []Segment
	d.pending += text

	for d.pending != "" {
		switch d.state {
		case diffNormal:
			if pos := strings.Index(d.pending, diffOpenMarker); pos >= 0 {
				if pos > 0 {
					out = append(out, Segment{Text: d.pending[:pos]})
				}
				d.pending = d.pending[pos:]
				d.state = diffInBlock
				continue
			}
			// Release everything except a tail that could still grow into
			// the open marker.
			hold := partialMarkerLen(d.pending, diffOpenMarker)
			if safe := len(d.pending) - hold; safe > 0 {
				out = append(out, Segment{Text: d.pending[:safe]})
				d.pending = d.pending[safe:]
			}
			return out

		case diffInBlock:
			if pos := strings.Index(d.pending, diffCloseMarker); pos >= 0 {
				end := pos + len(diffCloseMarker)
				d.block += d.pending[:end]
				out = append(out, Segment{Text: d.block, Diff: true})
				d.block = ""
				d.pending = d.pending[end:]
				d.state = diffNormal
				continue
			}
			hold := partialMarkerLen(d.pending, diffCloseMarker)
			if safe := len(d.pending) - hold; safe > 0 {
				d.block += d.pending[:safe]
				d.pending = d.pending[safe:]
			}
			return out
		}
	}
	return out
}

// Flush releases whatever the handler still holds at end-of-stream. An open
// diff block is force-closed: a missing separator and the close marker are
// synthesized so the block stays applicable, and it is still tagged as a
// diff.
func (d *DiffHandler) Flush() (Segment, bool) {
	switch d.state {
	case diffInBlock:
		content := d.block + d.pending
		d.block = ""
		d.pending = ""
		d.state = diffNormal
		if !hasSeparatorLine(content) {
			content += "\n" + diffSeparator
		}
		content += "\n" + diffCloseMarker
		return Segment{Text: content, Diff: true}, true
	default:
		if d.pending == "" {
			return Segment{}, false
		}
		content := d.pending
		d.pending = ""
		return Segment{Text: content}, true
	}
}

// InDiff reports whether an open diff block is being accumulated.
func (d *DiffHandler) InDiff() bool { return d.state == diffInBlock }

// partialMarkerLen returns the length of the longest proper prefix of marker
// that ends text, so a marker split across chunks is never released early.
func partialMarkerLen(text, marker string) int {
	max := len(marker) - 1
	if len(text) < max {
		max = len(text)
	}
	for i := max; i > 0; i-- {
		if strings.HasSuffix(text, marker[:i]) {
			return i
		}
	}
	return 0
}

// hasSeparatorLine reports whether any line of content is the diff
// separator.
func hasSeparatorLine(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) == diffSeparator {
			return true
		}
	}
	return false
}
