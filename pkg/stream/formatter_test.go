package stream

import (
	"strings"
	"testing"
)

func TestMapFinishReason(t *testing.T) {
	cases := map[string]string{
		"STOP":       "stop",
		"MAX_TOKENS": "length",
		"SAFETY":     "content_filter",
		"RECITATION": "stop",
		"OTHER":      "stop",
		"WHO_KNOWS":  "stop",
		"":           "stop",
	}
	for in, want := range cases {
		if got := MapFinishReason(in); got != want {
			t.Errorf("MapFinishReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatterChunkShape(t *testing.T) {
	f := NewFormatter("test-model")

	role := f.RoleChunk()
	if role.Choices[0].Delta.Role != "assistant" {
		t.Errorf("role delta = %+v", role.Choices[0].Delta)
	}
	if role.Object != "chat.completion.chunk" {
		t.Errorf("object = %q", role.Object)
	}
	if !strings.HasPrefix(role.ID, "chatcmpl-") {
		t.Errorf("id = %q, want chatcmpl- prefix", role.ID)
	}

	content := f.ContentChunk("hi")
	if content.Choices[0].Delta.Content == nil || *content.Choices[0].Delta.Content != "hi" {
		t.Errorf("content delta = %+v", content.Choices[0].Delta)
	}
	if content.Choices[0].Delta.ReasoningContent != nil {
		t.Error("content chunk must not carry reasoning_content")
	}
	if content.ID != role.ID {
		t.Errorf("chunk IDs differ within one response: %q vs %q", content.ID, role.ID)
	}

	reasoning := f.ReasoningChunk("hm")
	if reasoning.Choices[0].Delta.Content != nil {
		t.Error("reasoning chunk must not carry content")
	}
	if reasoning.Choices[0].Delta.ReasoningContent == nil || *reasoning.Choices[0].Delta.ReasoningContent != "hm" {
		t.Errorf("reasoning delta = %+v", reasoning.Choices[0].Delta)
	}

	finish := f.FinishChunk("MAX_TOKENS")
	if finish.Choices[0].FinishReason == nil || *finish.Choices[0].FinishReason != "length" {
		t.Errorf("finish reason = %v", finish.Choices[0].FinishReason)
	}

	hb := f.Heartbeat()
	d := hb.Choices[0].Delta
	if d.Role != "" || d.Content != nil || d.ReasoningContent != nil {
		t.Errorf("heartbeat delta not empty: %+v", d)
	}
	if hb.Choices[0].FinishReason != nil {
		t.Error("heartbeat must not carry a finish reason")
	}
}
