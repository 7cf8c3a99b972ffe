package credential

import (
	"encoding/json"
	"errors"
	"strings"
)

// reauthHeader is the header the vendor web app rotates between full
// harvests. UpdateToken rewrites it in place on the active slot.
const reauthHeader = "X-Goog-First-Party-Reauth"

// Harvest is one captured authenticated-session snapshot: everything needed
// to replay a single backend call. It is produced by the browser-side
// harvester and validated at the pool boundary.
type Harvest struct {
	Headers map[string]string `json:"headers"`
	Cookie  string            `json:"cookie,omitempty"`
	URL     string            `json:"url"`
	Body    json.RawMessage   `json:"body"`
}

// Validate checks that the harvest is complete enough to replay a request.
func (h *Harvest) Validate() error {
	if h == nil {
		return errors.New("harvest is nil")
	}
	if strings.TrimSpace(h.URL) == "" {
		return errors.New("harvest: url is required")
	}
	if len(h.Headers) == 0 {
		return errors.New("harvest: headers are required")
	}
	if len(h.Body) == 0 {
		return errors.New("harvest: body template is required")
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(h.Body, &probe); err != nil {
		// The harvester sometimes captures the body as a JSON-encoded
		// string; accept that form too.
		var s string
		if err2 := json.Unmarshal(h.Body, &s); err2 != nil {
			return errors.New("harvest: body template is not a JSON object")
		}
		if err2 := json.Unmarshal([]byte(s), &probe); err2 != nil {
			return errors.New("harvest: body template is not a JSON object")
		}
	}
	return nil
}

// BodyObject returns the body template decoded into a generic map,
// unwrapping the string-encoded form if necessary.
func (h *Harvest) BodyObject() (map[string]any, error) {
	raw := h.Body
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		raw = []byte(s)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// CloneHeaders returns a copy of the header map so callers can strip and
// override entries without mutating the stored credential.
func (h *Harvest) CloneHeaders() map[string]string {
	out := make(map[string]string, len(h.Headers))
	for k, v := range h.Headers {
		out[k] = v
	}
	return out
}

// formatReauthToken wraps a bare reauth token the way the vendor frontend
// sends it: a JSON array holding the single token string.
func formatReauthToken(token string) string {
	b, _ := json.Marshal([]string{token})
	return string(b)
}
