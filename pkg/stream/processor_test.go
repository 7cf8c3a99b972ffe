package stream

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"testing"

	"github.com/sitzung-dev/sitzung/pkg/api"
)

func collector() (EmitFunc, *[]*api.ChatCompletionChunk) {
	var chunks []*api.ChatCompletionChunk
	return func(c *api.ChatCompletionChunk) {
		chunks = append(chunks, c)
	}, &chunks
}

// envLine builds one line of the backend's stream format.
func envLine(t *testing.T, pathIndex int, part Part) string {
	t.Helper()
	result := Result{
		Data: &ResultData{Candidates: []Candidate{{
			Content: &Content{Parts: []Part{part}},
		}}},
	}
	if pathIndex >= 0 {
		result.Path = []json.RawMessage{
			json.RawMessage("null"),
			json.RawMessage("null"),
			json.RawMessage(strconv.Itoa(pathIndex)),
		}
	}
	b, err := json.Marshal(Envelope{Results: []Result{result}})
	if err != nil {
		t.Fatal(err)
	}
	return string(b) + "\n"
}

func contentOf(c *api.ChatCompletionChunk) string {
	if len(c.Choices) == 0 || c.Choices[0].Delta.Content == nil {
		return ""
	}
	return *c.Choices[0].Delta.Content
}

func TestProcessorRoleFirstThenContent(t *testing.T) {
	p := NewProcessor(ProcessorOptions{Model: "m"})
	emit, chunks := collector()

	if err := p.Feed(envLine(t, 0, Part{Text: "hello"}), emit); err != nil {
		t.Fatalf("Feed: %v", err)
	}

	if len(*chunks) != 2 {
		t.Fatalf("chunk count = %d, want role + content", len(*chunks))
	}
	if (*chunks)[0].Choices[0].Delta.Role != "assistant" {
		t.Errorf("first chunk is not the role frame: %+v", (*chunks)[0])
	}
	if got := contentOf((*chunks)[1]); got != "hello" {
		t.Errorf("content = %q, want %q", got, "hello")
	}
	if !p.ContentSent() {
		t.Error("ContentSent should be true after a content delta")
	}
}

func TestProcessorTrackerDeduplicates(t *testing.T) {
	p := NewProcessor(ProcessorOptions{Model: "m"})
	emit, chunks := collector()

	p.Feed(envLine(t, 0, Part{Text: "hello"}), emit)
	p.Feed(envLine(t, 0, Part{Text: "hello"}), emit)
	p.Feed(envLine(t, 0, Part{Text: "hello world"}), emit)

	var got strings.Builder
	for _, c := range (*chunks)[1:] {
		got.WriteString(contentOf(c))
	}
	if got.String() != "hello world" {
		t.Errorf("concatenated content = %q, want %q", got.String(), "hello world")
	}
}

func TestProcessorTrailingWindowTrim(t *testing.T) {
	p := NewProcessor(ProcessorOptions{Model: "m"})
	emit, chunks := collector()

	// Untracked results (no path) bypass the tracker, exercising the window.
	p.Feed(envLine(t, -1, Part{Text: "hello wor"}), emit)
	p.Feed(envLine(t, -1, Part{Text: "world"}), emit)

	if got := contentOf((*chunks)[2]); got != "ld" {
		t.Errorf("trimmed delta = %q, want %q", got, "ld")
	}

	p.Feed(envLine(t, -1, Part{Text: "xyz"}), emit)
	if got := contentOf((*chunks)[3]); got != "xyz" {
		t.Errorf("non-overlapping delta = %q, want unchanged", got)
	}
}

func TestProcessorThoughtChannel(t *testing.T) {
	p := NewProcessor(ProcessorOptions{Model: "m"})
	emit, chunks := collector()

	p.Feed(envLine(t, 0, Part{Text: "pondering", Thought: true}), emit)
	p.Feed(envLine(t, 0, Part{Text: "answer"}), emit)

	reasoning := (*chunks)[1].Choices[0].Delta
	if reasoning.ReasoningContent == nil || *reasoning.ReasoningContent != "pondering" {
		t.Errorf("reasoning delta = %+v", reasoning)
	}
	if reasoning.Content != nil {
		t.Error("reasoning frame must not carry content")
	}

	answer := (*chunks)[2].Choices[0].Delta
	if answer.Content == nil || *answer.Content != "answer" {
		t.Errorf("answer delta = %+v", answer)
	}
}

func TestProcessorAuthErrorSurfaces(t *testing.T) {
	p := NewProcessor(ProcessorOptions{Model: "m"})
	emit, _ := collector()

	line := `{"results":[{"errors":[{"message":"Recaptcha challenge required"}]}]}` + "\n"
	err := p.Feed(line, emit)
	if err == nil {
		t.Fatal("expected an authentication error")
	}
	if !api.IsAuthentication(err) {
		t.Errorf("error type = %T %v, want authentication", err, err)
	}
}

func TestProcessorNonAuthErrorSkipped(t *testing.T) {
	p := NewProcessor(ProcessorOptions{Model: "m"})
	emit, chunks := collector()

	line := `{"results":[{"errors":[{"message":"internal hiccup"}]}]}` + "\n"
	if err := p.Feed(line, emit); err != nil {
		t.Fatalf("non-auth backend error must not abort the stream: %v", err)
	}

	// The stream keeps flowing afterwards.
	p.Feed(envLine(t, 0, Part{Text: "still here"}), emit)
	if len(*chunks) != 2 || contentOf((*chunks)[1]) != "still here" {
		t.Errorf("chunks after skipped error = %+v", *chunks)
	}
}

func TestProcessorInlineImagePadded(t *testing.T) {
	p := NewProcessor(ProcessorOptions{Model: "m"})
	emit, chunks := collector()

	// Payload length 10 (≡ 2 mod 4): two padding chars must be added.
	raw := "iVBORw0KGg"
	p.Feed(envLine(t, 0, Part{InlineData: &InlineData{MimeType: "image/png", Data: raw}}), emit)

	content := contentOf((*chunks)[1])
	if !strings.HasPrefix(content, "![Generated Image](data:image/png;base64,") {
		t.Fatalf("image marker = %q", content)
	}
	payload := strings.TrimSuffix(strings.TrimPrefix(content, "![Generated Image](data:image/png;base64,"), ")")
	if len(payload)%4 != 0 {
		t.Errorf("payload length %d is not a multiple of 4", len(payload))
	}
	if _, err := base64.StdEncoding.DecodeString(payload); err != nil {
		t.Errorf("padded payload does not decode: %v", err)
	}
}

func TestProcessorImageBypassesWindow(t *testing.T) {
	p := NewProcessor(ProcessorOptions{Model: "m"})
	emit, chunks := collector()

	p.Feed(envLine(t, -1, Part{Text: "abcd"}), emit)
	p.Feed(envLine(t, 0, Part{URI: "https://img.example/abcd"}), emit)

	// The URI contains the window's tail but must be emitted untrimmed.
	if got := contentOf((*chunks)[2]); got != "![Generated Image](https://img.example/abcd)" {
		t.Errorf("image delta = %q", got)
	}
}

func TestProcessorFinishReasonMapped(t *testing.T) {
	p := NewProcessor(ProcessorOptions{Model: "m"})
	emit, chunks := collector()

	line := `{"results":[{"data":{"candidates":[{"content":{"parts":[{"text":"done"}]},"finishReason":"MAX_TOKENS"}]}}]}` + "\n"
	if err := p.Feed(line, emit); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	last := (*chunks)[len(*chunks)-1]
	if last.Choices[0].FinishReason == nil || *last.Choices[0].FinishReason != "length" {
		t.Errorf("finish reason = %v, want length", last.Choices[0].FinishReason)
	}

	// Finish must not emit a second terminal frame.
	before := len(*chunks)
	if err := p.Finish(emit); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	for _, c := range (*chunks)[before:] {
		if len(c.Choices) > 0 && c.Choices[0].FinishReason != nil {
			t.Errorf("duplicate finish frame: %+v", c)
		}
	}
}

func TestProcessorPathlessFinishAppliesLast(t *testing.T) {
	p := NewProcessor(ProcessorOptions{Model: "m"})
	emit, chunks := collector()

	// The backend can bundle the terminal result, which carries no path,
	// ahead of the indexed content in one envelope.
	line := `{"results":[` +
		`{"data":{"candidates":[{"finishReason":"STOP"}]}},` +
		`{"path":[null,null,0],"data":{"candidates":[{"content":{"parts":[{"text":"hello"}]}}]}}` +
		`]}` + "\n"
	if err := p.Feed(line, emit); err != nil {
		t.Fatalf("Feed: %v", err)
	}

	contentAt, finishAt := -1, -1
	for i, c := range *chunks {
		if contentOf(c) == "hello" {
			contentAt = i
		}
		if len(c.Choices) > 0 && c.Choices[0].FinishReason != nil {
			finishAt = i
		}
	}
	if contentAt == -1 || finishAt == -1 {
		t.Fatalf("missing content or finish frame: %+v", *chunks)
	}
	if finishAt < contentAt {
		t.Errorf("finish frame at index %d precedes content at %d", finishAt, contentAt)
	}
}

func TestProcessorEmptyStreamFallback(t *testing.T) {
	p := NewProcessor(ProcessorOptions{Model: "m"})
	emit, chunks := collector()

	if err := p.Finish(emit); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if len(*chunks) != 3 {
		t.Fatalf("chunk count = %d, want role + empty content + stop: %+v", len(*chunks), *chunks)
	}
	if (*chunks)[0].Choices[0].Delta.Role != "assistant" {
		t.Error("fallback must start with the role frame")
	}
	if c := (*chunks)[1].Choices[0].Delta.Content; c == nil || *c != "" {
		t.Errorf("fallback content = %v, want empty string", c)
	}
	if fr := (*chunks)[2].Choices[0].FinishReason; fr == nil || *fr != "stop" {
		t.Errorf("fallback finish = %v, want stop", fr)
	}
	if p.ContentSent() {
		t.Error("fallback frames must not count as real content")
	}
}

func TestProcessorDiffBlockAcrossEnvelopes(t *testing.T) {
	p := NewProcessor(ProcessorOptions{Model: "m"})
	emit, chunks := collector()

	full := "a<<<<<<< SEARCH\nX\n=======\nY\n>>>>>>> REPLACE\nb"
	// The backend resends the growing accumulated text per path.
	p.Feed(envLine(t, 0, Part{Text: full[:20]}), emit)
	p.Feed(envLine(t, 0, Part{Text: full}), emit)
	p.Finish(emit)

	var texts []string
	for _, c := range *chunks {
		if s := contentOf(c); s != "" {
			texts = append(texts, s)
		}
	}
	joined := strings.Join(texts, "")
	if joined != full {
		t.Fatalf("reassembled content = %q, want %q", joined, full)
	}

	// The block itself must appear in exactly one frame.
	block := "<<<<<<< SEARCH\nX\n=======\nY\n>>>>>>> REPLACE"
	found := false
	for _, s := range texts {
		if strings.Contains(s, block) {
			found = true
		}
	}
	if !found {
		t.Errorf("diff block was split across frames: %q", texts)
	}
}

func TestProcessorUnterminatedDiffForceClosed(t *testing.T) {
	p := NewProcessor(ProcessorOptions{Model: "m"})
	emit, chunks := collector()

	p.Feed(envLine(t, 0, Part{Text: "<<<<<<< SEARCH\nold\n"}), emit)
	p.Finish(emit)

	var all strings.Builder
	for _, c := range *chunks {
		all.WriteString(contentOf(c))
	}
	if !strings.Contains(all.String(), "=======") {
		t.Errorf("force close missing separator: %q", all.String())
	}
	if !strings.Contains(all.String(), ">>>>>>> REPLACE") {
		t.Errorf("force close missing close marker: %q", all.String())
	}
}

func TestProcessorEnvelopeErrorSkipped(t *testing.T) {
	p := NewProcessor(ProcessorOptions{Model: "m"})
	emit, chunks := collector()

	if err := p.Feed(`{"error":{"code":500}}`+"\n", emit); err != nil {
		t.Fatalf("envelope error must be absorbed: %v", err)
	}
	if len(*chunks) != 0 {
		t.Errorf("envelope error produced chunks: %+v", *chunks)
	}
	if got := p.Stats().SkippedErrors; got != 1 {
		t.Errorf("skipped errors = %d, want 1", got)
	}
}
