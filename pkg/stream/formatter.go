package stream

import (
	"time"

	"github.com/sitzung-dev/sitzung/pkg/api"
)

// finishReasonMap translates backend finish codes to the output protocol.
// Unknown codes map to "stop".
var finishReasonMap = map[string]string{
	"STOP":       "stop",
	"MAX_TOKENS": "length",
	"SAFETY":     "content_filter",
	"RECITATION": "stop",
	"OTHER":      "stop",
}

// MapFinishReason translates a backend finish code.
func MapFinishReason(reason string) string {
	if mapped, ok := finishReasonMap[reason]; ok {
		return mapped
	}
	return "stop"
}

// Formatter builds the outgoing chat-completion chunks for one response.
// Every chunk in a response shares the same ID.
type Formatter struct {
	id    string
	model string
	now   func() time.Time
}

// NewFormatter creates a formatter with a fresh stream ID.
func NewFormatter(model string) *Formatter {
	return &Formatter{
		id:    api.NewStreamID(),
		model: model,
		now:   time.Now,
	}
}

// ID returns the response's stream ID.
func (f *Formatter) ID() string { return f.id }

func (f *Formatter) chunk(delta api.Delta, finish *string) *api.ChatCompletionChunk {
	return &api.ChatCompletionChunk{
		ID:      f.id,
		Object:  "chat.completion.chunk",
		Created: f.now().Unix(),
		Model:   f.model,
		Choices: []api.ChunkChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finish,
		}},
	}
}

// RoleChunk is the initial frame announcing the assistant role. Emitted
// exactly once per response, before any content.
func (f *Formatter) RoleChunk() *api.ChatCompletionChunk {
	return f.chunk(api.Delta{Role: "assistant"}, nil)
}

// ContentChunk carries an answer-channel text delta.
func (f *Formatter) ContentChunk(text string) *api.ChatCompletionChunk {
	return f.chunk(api.Delta{Content: &text}, nil)
}

// ReasoningChunk carries a thought-channel text delta.
func (f *Formatter) ReasoningChunk(text string) *api.ChatCompletionChunk {
	return f.chunk(api.Delta{ReasoningContent: &text}, nil)
}

// FinishChunk carries the mapped finish reason and an empty delta.
func (f *Formatter) FinishChunk(backendReason string) *api.ChatCompletionChunk {
	mapped := MapFinishReason(backendReason)
	return f.chunk(api.Delta{}, &mapped)
}

// Heartbeat is an empty-delta frame that keeps the connection alive while
// the backend is silent.
func (f *Formatter) Heartbeat() *api.ChatCompletionChunk {
	return f.chunk(api.Delta{}, nil)
}

// UsageChunk is the final accounting frame: no choices, usage only.
func (f *Formatter) UsageChunk(usage *api.Usage) *api.ChatCompletionChunk {
	return &api.ChatCompletionChunk{
		ID:      f.id,
		Object:  "chat.completion.chunk",
		Created: f.now().Unix(),
		Model:   f.model,
		Choices: []api.ChunkChoice{},
		Usage:   usage,
	}
}
