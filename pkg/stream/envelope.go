package stream

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Envelope is one top-level value from the backend stream. Only the fields
// needed to extract content and error signals are modeled.
type Envelope struct {
	Error   json.RawMessage `json:"error,omitempty"`
	Results []Result        `json:"results,omitempty"`
}

// Result is one entry in an envelope. Its path identifies the logical output
// channel the entry belongs to.
type Result struct {
	Path   []json.RawMessage `json:"path,omitempty"`
	Errors []ResultError     `json:"errors,omitempty"`
	Data   *ResultData       `json:"data,omitempty"`
}

// ResultError is a backend-reported error entry.
type ResultError struct {
	Message string `json:"message"`
}

// ResultData carries the generation payload of a result.
type ResultData struct {
	Candidates []Candidate `json:"candidates,omitempty"`
}

// Candidate is one generation candidate.
type Candidate struct {
	Content      *Content `json:"content,omitempty"`
	FinishReason string   `json:"finishReason,omitempty"`
}

// Content holds the candidate's ordered parts.
type Content struct {
	Parts []Part `json:"parts,omitempty"`
}

// Part is one content fragment: text (optionally on the thought channel),
// inline binary data, or a bare URI.
type Part struct {
	Text       string      `json:"text,omitempty"`
	Thought    bool        `json:"thought,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
	URI        string      `json:"uri,omitempty"`
}

// InlineData is an embedded binary payload.
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// PathIndex extracts the channel index from the result's path, the third
// path element. Results without a usable index report -1.
func (r *Result) PathIndex() int {
	if len(r.Path) < 3 {
		return -1
	}
	raw := r.Path[2]

	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return -1
}

// isAuthFailureMessage applies the backend's authentication-failure
// heuristics: challenge, token, or authentication keywords in an error
// message mean the session credentials were rejected.
func isAuthFailureMessage(msg string) bool {
	return strings.Contains(msg, "Recaptcha") ||
		strings.Contains(strings.ToLower(msg), "token") ||
		strings.Contains(msg, "Authentication")
}
