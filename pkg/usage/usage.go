// Package usage estimates token counts and accumulates per-process usage
// totals for the accounting frame appended to each response.
package usage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/sitzung-dev/sitzung/pkg/api"
)

var (
	codec     tokenizer.Codec
	codecOnce sync.Once
	codecErr  error
)

// getCodec returns the cl100k_base tokenizer, a reasonable approximation for
// the backend's models.
func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// EstimateTokens returns an approximate token count for text. When the
// tokenizer cannot be loaded it falls back to a characters/4 heuristic.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	c, err := getCodec()
	if err != nil {
		return len(text) / 4
	}
	ids, _, err := c.Encode(text)
	if err != nil {
		return len(text) / 4
	}
	return len(ids)
}

// EstimateMessages sums the token estimate over a conversation, adding a
// small per-message framing overhead.
func EstimateMessages(messages []api.Message) int {
	const perMessageOverhead = 4
	total := 0
	for _, m := range messages {
		total += perMessageOverhead
		total += EstimateTokens(m.Content.Flatten())
	}
	return total
}

// Build fills a Usage record from prompt and completion text.
func Build(messages []api.Message, completion string) *api.Usage {
	prompt := EstimateMessages(messages)
	done := EstimateTokens(completion)
	return &api.Usage{
		PromptTokens:     prompt,
		CompletionTokens: done,
		TotalTokens:      prompt + done,
	}
}

// Tracker accumulates process-wide usage totals across requests.
type Tracker struct {
	mu               sync.Mutex
	requests         int64
	promptTokens     int64
	completionTokens int64
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Record adds one completed request's usage.
func (t *Tracker) Record(u *api.Usage) {
	if u == nil {
		return
	}
	t.mu.Lock()
	t.requests++
	t.promptTokens += int64(u.PromptTokens)
	t.completionTokens += int64(u.CompletionTokens)
	t.mu.Unlock()
}

// Totals is a point-in-time copy of the accumulated counters.
type Totals struct {
	Requests         int64 `json:"requests"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Totals returns the current totals.
func (t *Tracker) Totals() Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Totals{
		Requests:         t.requests,
		PromptTokens:     t.promptTokens,
		CompletionTokens: t.completionTokens,
		TotalTokens:      t.promptTokens + t.completionTokens,
	}
}

// Persist writes the current totals to path as JSON, replacing any previous
// contents via a temp-file rename.
func (t *Tracker) Persist(path string) error {
	data, err := json.MarshalIndent(t.Totals(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling usage totals: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating stats directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".usage-*.json")
	if err != nil {
		return fmt.Errorf("creating temp stats file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing stats: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing stats file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing stats file: %w", err)
	}
	return nil
}

// Load restores totals previously written by Persist. A missing file leaves
// the tracker untouched.
func (t *Tracker) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading stats file: %w", err)
	}
	var totals Totals
	if err := json.Unmarshal(data, &totals); err != nil {
		return fmt.Errorf("parsing stats file: %w", err)
	}
	t.mu.Lock()
	t.requests = totals.Requests
	t.promptTokens = totals.PromptTokens
	t.completionTokens = totals.CompletionTokens
	t.mu.Unlock()
	return nil
}
