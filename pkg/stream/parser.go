package stream

import (
	"encoding/json"
	"strings"
)

// JSONParser reassembles complete JSON values from arbitrary text fragments.
// The primary strategy splits on newlines (the backend emits line-delimited
// JSON); when no newline boundary exists yet, a fallback scans for a
// balanced value and decodes it incrementally. Unparsed input is retained
// across calls, so a value may span many fragments.
type JSONParser struct {
	buf string

	parsed      int
	parseErrors int
}

// NewJSONParser creates an empty parser.
func NewJSONParser() *JSONParser {
	return &JSONParser{}
}

// Feed appends data and returns every JSON value that is fully parsable so
// far, in input order. Malformed or incomplete input is never an error; it
// stays buffered awaiting more data.
func (p *JSONParser) Feed(data string) []json.RawMessage {
	p.buf += data

	var out []json.RawMessage

	// Primary: consume complete lines.
	if idx := strings.LastIndexByte(p.buf, '\n'); idx >= 0 {
		lines := strings.Split(p.buf[:idx], "\n")
		p.buf = p.buf[idx+1:]

		for i, line := range lines {
			line = strings.TrimSpace(line)
			// Array-format streams interleave bare brackets and commas.
			line = strings.Trim(line, ",")
			line = strings.TrimSpace(line)
			if line == "" || line == "[" || line == "]" {
				continue
			}

			if json.Valid([]byte(line)) {
				out = append(out, json.RawMessage(line))
				p.parsed++
				continue
			}

			// Incomplete value spanning lines: put this line and everything
			// after it back in front of the buffer and wait for more data.
			p.parseErrors++
			p.buf = strings.Join(lines[i:], "\n") + "\n" + p.buf
			break
		}
	}

	// Fallback: no line boundary produced anything, but the buffer may hold
	// one or more complete values without trailing newlines.
	if len(out) == 0 {
		out = append(out, p.drainBalanced()...)
	}

	return out
}

// drainBalanced repeatedly decodes leading values from the buffer as long as
// a quick brace/bracket balance check says one is likely complete.
func (p *JSONParser) drainBalanced() []json.RawMessage {
	var out []json.RawMessage
	for {
		p.buf = strings.TrimLeft(p.buf, " \t\r\n")
		if p.buf == "" {
			return out
		}
		// The backend's values are objects; leading brackets and commas are
		// array framing and can be skipped.
		if c := p.buf[0]; c == '[' || c == ',' || c == ']' {
			p.buf = p.buf[1:]
			continue
		}

		candidate := p.buf
		if i := strings.IndexByte(candidate, '\n'); i >= 0 {
			candidate = candidate[:i]
		}
		if !balanced(candidate) && !balanced(p.buf) {
			return out
		}

		raw, rest, ok := decodeLeading(p.buf)
		if !ok {
			p.parseErrors++
			return out
		}
		out = append(out, raw)
		p.parsed++
		p.buf = rest
	}
}

// Flush makes a final parse attempt on whatever is buffered. Called once at
// end-of-stream.
func (p *JSONParser) Flush() []json.RawMessage {
	var out []json.RawMessage
	p.buf = strings.TrimLeft(p.buf, " \t\r\n,[]")
	for p.buf != "" {
		raw, rest, ok := decodeLeading(p.buf)
		if !ok {
			p.parseErrors++
			break
		}
		out = append(out, raw)
		p.parsed++
		p.buf = strings.TrimLeft(rest, " \t\r\n,]")
	}
	return out
}

// Remaining returns the unparsed buffer, for diagnostics.
func (p *JSONParser) Remaining() string { return p.buf }

// decodeLeading decodes one JSON value from the front of s and returns the
// value, the unconsumed remainder, and whether decoding succeeded.
func decodeLeading(s string) (json.RawMessage, string, bool) {
	dec := json.NewDecoder(strings.NewReader(s))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, s, false
	}
	return raw, s[dec.InputOffset():], true
}

// balanced is a cheap completeness check: the text starts a JSON container
// and its braces and brackets pair up. It ignores braces inside strings, so
// it can report false negatives; the real decoder has the final word.
func balanced(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return false
	}
	return strings.Count(s, "{") == strings.Count(s, "}") &&
		strings.Count(s, "[") == strings.Count(s, "]")
}
