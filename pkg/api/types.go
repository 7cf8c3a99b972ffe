package api

import (
	"encoding/json"
	"fmt"
)

// Role values used in chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatCompletionRequest is the body of POST /v1/chat/completions.
type ChatCompletionRequest struct {
	Model       string     `json:"model"`
	Messages    []Message  `json:"messages"`
	Stream      bool       `json:"stream,omitempty"`
	Temperature *float64   `json:"temperature,omitempty"`
	TopP        *float64   `json:"top_p,omitempty"`
	TopK        *int       `json:"top_k,omitempty"`
	MaxTokens   *int       `json:"max_tokens,omitempty"`
	Stop        StopValue  `json:"stop,omitempty"`
	Tools       []Tool     `json:"tools,omitempty"`
}

// Message is a single conversation entry. Content may be a plain string or
// an array of typed parts (text and image_url), per the Chat Completions
// multimodal convention.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent holds either a plain string or a list of content parts.
// Exactly one of Text/Parts is meaningful; IsParts distinguishes an empty
// string from an empty array.
type MessageContent struct {
	Text    string
	Parts   []ContentPart
	IsParts bool
}

// UnmarshalJSON accepts both the string and the array form.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &c.Text)
	}
	if len(data) > 0 && data[0] == '[' {
		c.IsParts = true
		return json.Unmarshal(data, &c.Parts)
	}
	// null or unexpected scalar: treat as empty text.
	if string(data) == "null" {
		return nil
	}
	return fmt.Errorf("message content must be a string or an array")
}

// MarshalJSON emits the form the content was parsed from.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.IsParts {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// Flatten returns the textual content: the plain string, or the
// concatenation of all text parts.
func (c MessageContent) Flatten() string {
	if !c.IsParts {
		return c.Text
	}
	var b []byte
	for _, p := range c.Parts {
		if p.Type == "text" {
			b = append(b, p.Text...)
		}
	}
	return string(b)
}

// ContentPart is one element of a multimodal message content array.
type ContentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an image reference, typically a data: URL.
type ImageURL struct {
	URL string `json:"url"`
}

// StopValue accepts either a single stop string or a list of them.
type StopValue []string

// UnmarshalJSON accepts both the string and the array form.
func (s *StopValue) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var one string
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*s = StopValue{one}
		return nil
	}
	if string(data) == "null" {
		*s = nil
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = StopValue(many)
	return nil
}

// Tool declares a function the model may call. The gateway injects tool
// schemas into the system instruction as text; it never executes them.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes one callable function.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatCompletionChunk is one streamed chat.completion.chunk object.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// ChunkChoice is one choice entry inside a chunk.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta carries the incremental payload of a chunk. Content and
// ReasoningContent are never both set in the same frame. A delta with all
// fields unset is a heartbeat.
type Delta struct {
	Role             string  `json:"role,omitempty"`
	Content          *string `json:"content,omitempty"`
	ReasoningContent *string `json:"reasoning_content,omitempty"`
}

// ChatCompletion is the aggregate non-streaming response object.
type ChatCompletion struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice is one completed choice of a non-streaming response.
type Choice struct {
	Index        int              `json:"index"`
	Message      AssistantMessage `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

// AssistantMessage is the message body of a completed choice.
type AssistantMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token accounting for one request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ImageGeneration is the aggregate response when a completion resolved to a
// generated image and the caller asked for the raw payload.
type ImageGeneration struct {
	Created int64       `json:"created"`
	Data    []ImageDatum `json:"data"`
}

// ImageDatum is one generated image payload.
type ImageDatum struct {
	B64JSON string `json:"b64_json"`
}

// StreamFrame is the unit the request orchestrator yields to the transport
// boundary. Exactly one of Chunk, Err, or Done is set. A Done frame is the
// terminator sentinel ("data: [DONE]" on the wire) and is always the last
// frame of a stream.
type StreamFrame struct {
	Chunk *ChatCompletionChunk
	Err   *APIError
	Done  bool
}

// ChunkFrame wraps a chunk in a StreamFrame.
func ChunkFrame(c *ChatCompletionChunk) StreamFrame {
	return StreamFrame{Chunk: c}
}

// ErrFrame wraps an error in a StreamFrame.
func ErrFrame(e *APIError) StreamFrame {
	return StreamFrame{Err: e}
}

// DoneFrame returns the terminator sentinel frame.
func DoneFrame() StreamFrame {
	return StreamFrame{Done: true}
}
