package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sitzung-dev/sitzung/pkg/api"
	"github.com/sitzung-dev/sitzung/pkg/config"
	"github.com/sitzung-dev/sitzung/pkg/credential"
	"github.com/sitzung-dev/sitzung/pkg/usage"
)

// fakeService stubs the upstream client.
type fakeService struct {
	frames     []api.StreamFrame
	completion *api.ChatCompletion
	image      *api.ImageGeneration
	err        error
	lastReq    *api.ChatCompletionRequest
}

func (f *fakeService) StreamChat(ctx context.Context, req *api.ChatCompletionRequest) <-chan api.StreamFrame {
	f.lastReq = req
	ch := make(chan api.StreamFrame, len(f.frames)+1)
	for _, fr := range f.frames {
		ch <- fr
	}
	close(ch)
	return ch
}

func (f *fakeService) CompleteChat(ctx context.Context, req *api.ChatCompletionRequest) (*api.ChatCompletion, error) {
	f.lastReq = req
	return f.completion, f.err
}

func (f *fakeService) CompleteImage(ctx context.Context, req *api.ChatCompletionRequest) (*api.ImageGeneration, error) {
	f.lastReq = req
	return f.image, f.err
}

func newTestServer(t *testing.T, svc ChatService, mutate func(*config.Config)) *httptest.Server {
	t.Helper()
	cfg := config.Defaults()
	if mutate != nil {
		mutate(&cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := credential.NewPool(credential.Options{Size: 2, Logger: logger})
	adapter := NewAdapter(Options{
		Client: svc,
		Pool:   pool,
		Config: &cfg,
		Logger: logger,
	})
	srv := httptest.NewServer(adapter.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func chunkWith(content string) api.StreamFrame {
	return api.ChunkFrame(&api.ChatCompletionChunk{
		ID:     "chatcmpl-test",
		Object: "chat.completion.chunk",
		Model:  "gemini-3-pro",
		Choices: []api.ChunkChoice{{
			Delta: api.Delta{Content: &content},
		}},
	})
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestChatCompletionsNonStream(t *testing.T) {
	svc := &fakeService{completion: &api.ChatCompletion{
		ID:     "chatcmpl-abc",
		Object: "chat.completion",
		Model:  "gemini-3-pro",
		Choices: []api.Choice{{
			Message:      api.AssistantMessage{Role: "assistant", Content: "hi there"},
			FinishReason: "stop",
		}},
		Usage: &api.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	}}
	srv := newTestServer(t, svc, nil)

	resp := postJSON(t, srv.URL+"/v1/chat/completions",
		`{"model":"gemini-3-pro","messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var got api.ChatCompletion
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Choices[0].Message.Content != "hi there" {
		t.Errorf("content = %q", got.Choices[0].Message.Content)
	}
	if svc.lastReq.Model != "gemini-3-pro" {
		t.Errorf("model passed through = %q", svc.lastReq.Model)
	}
}

func TestChatCompletionsUpstreamErrorStatus(t *testing.T) {
	svc := &fakeService{err: api.NewUpstreamError(500, "backend exploded")}
	srv := newTestServer(t, svc, nil)

	resp := postJSON(t, srv.URL+"/v1/chat/completions",
		`{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}

	var body api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Type != api.ErrorTypeUpstream {
		t.Errorf("error type = %q", body.Error.Type)
	}
	if !strings.Contains(body.Error.Message, "backend exploded") {
		t.Errorf("message = %q, want backend text preserved", body.Error.Message)
	}
}

func TestChatCompletionsNoCredentialStatus(t *testing.T) {
	svc := &fakeService{err: api.NewNoCredentialError("no credentials available")}
	srv := newTestServer(t, svc, nil)

	resp := postJSON(t, srv.URL+"/v1/chat/completions",
		`{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestChatCompletionsStream(t *testing.T) {
	svc := &fakeService{frames: []api.StreamFrame{
		chunkWith("hello "),
		chunkWith("world"),
		api.DoneFrame(),
	}}
	srv := newTestServer(t, svc, nil)

	resp := postJSON(t, srv.URL+"/v1/chat/completions",
		`{"model":"m","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	text := string(body)
	if !strings.Contains(text, `"content":"hello "`) || !strings.Contains(text, `"content":"world"`) {
		t.Errorf("missing content records:\n%s", text)
	}
	if !strings.HasSuffix(text, "data: [DONE]\n\n") {
		t.Errorf("stream does not end with terminator:\n%s", text)
	}
}

func TestChatCompletionsStreamSilentEnd(t *testing.T) {
	// Channel closes without a Done frame; the response ends without a
	// terminator record.
	svc := &fakeService{frames: []api.StreamFrame{chunkWith("partial")}}
	srv := newTestServer(t, svc, nil)

	resp := postJSON(t, srv.URL+"/v1/chat/completions",
		`{"model":"m","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	text := string(body)
	if !strings.Contains(text, `"content":"partial"`) {
		t.Errorf("missing partial content:\n%s", text)
	}
	if strings.Contains(text, "[DONE]") {
		t.Errorf("silent end must not carry a terminator:\n%s", text)
	}
}

func TestChatCompletionsStreamErrorFrame(t *testing.T) {
	svc := &fakeService{frames: []api.StreamFrame{
		api.ErrFrame(api.NewUpstreamError(500, "boom")),
		api.DoneFrame(),
	}}
	srv := newTestServer(t, svc, nil)

	resp := postJSON(t, srv.URL+"/v1/chat/completions",
		`{"model":"m","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	body, _ := io.ReadAll(resp.Body)
	text := string(body)
	if !strings.Contains(text, `"type":"upstream_error"`) {
		t.Errorf("error frame not serialized:\n%s", text)
	}
	if !strings.HasSuffix(text, "data: [DONE]\n\n") {
		t.Errorf("missing terminator after error frame:\n%s", text)
	}
}

func TestChatCompletionsEmptyMessages(t *testing.T) {
	srv := newTestServer(t, &fakeService{}, nil)

	resp := postJSON(t, srv.URL+"/v1/chat/completions", `{"model":"m","messages":[]}`)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got api.ChatCompletion
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Choices[0].FinishReason != "stop" || got.Choices[0].Message.Content != "" {
		t.Errorf("unexpected empty completion: %+v", got.Choices[0])
	}
}

func TestChatCompletionsEmptyMessagesStream(t *testing.T) {
	srv := newTestServer(t, &fakeService{}, nil)

	resp := postJSON(t, srv.URL+"/v1/chat/completions",
		`{"model":"m","stream":true,"messages":[]}`)
	body, _ := io.ReadAll(resp.Body)
	text := string(body)
	if !strings.Contains(text, `"finish_reason":"stop"`) {
		t.Errorf("missing finish_reason in empty stream:\n%s", text)
	}
	if !strings.HasSuffix(text, "data: [DONE]\n\n") {
		t.Errorf("empty stream must still terminate:\n%s", text)
	}
}

func TestChatCompletionsInvalidJSON(t *testing.T) {
	srv := newTestServer(t, &fakeService{}, nil)

	resp := postJSON(t, srv.URL+"/v1/chat/completions", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestListModels(t *testing.T) {
	srv := newTestServer(t, &fakeService{}, func(cfg *config.Config) {
		cfg.Models.Default = "gemini-3-pro"
		cfg.Models.Aliases = map[string]string{"fast": "gemini-3-flash"}
	})

	resp, err := http.Get(srv.URL + "/v1/models")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var list modelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Object != "list" {
		t.Errorf("object = %q", list.Object)
	}
	ids := make(map[string]bool)
	for _, m := range list.Data {
		ids[m.ID] = true
		if m.Object != "model" || m.OwnedBy != "google" {
			t.Errorf("bad entry: %+v", m)
		}
	}
	if !ids["gemini-3-pro"] || !ids["fast"] {
		t.Errorf("model ids = %v", ids)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &fakeService{}, nil)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestPoolStatusEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeService{}, nil)

	resp, err := http.Get(srv.URL + "/internal/pool/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var status struct {
		Version uint64            `json:"pool_version"`
		Slots   []json.RawMessage `json:"slots"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(status.Slots) != 2 {
		t.Errorf("slots = %d, want 2", len(status.Slots))
	}
}

func TestImageGenerations(t *testing.T) {
	svc := &fakeService{image: &api.ImageGeneration{
		Created: 1,
		Data:    []api.ImageDatum{{B64JSON: "QUJD"}},
	}}
	srv := newTestServer(t, svc, nil)

	resp := postJSON(t, srv.URL+"/v1/images/generations",
		`{"prompt":"a red square","model":"gemini-3-pro-image"}`)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var got api.ImageGeneration
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Data[0].B64JSON != "QUJD" {
		t.Errorf("payload = %q", got.Data[0].B64JSON)
	}
	if svc.lastReq.Messages[0].Content.Flatten() != "a red square" {
		t.Errorf("prompt = %q", svc.lastReq.Messages[0].Content.Flatten())
	}
}

func TestImageGenerationsMissingPrompt(t *testing.T) {
	srv := newTestServer(t, &fakeService{}, nil)

	resp := postJSON(t, srv.URL+"/v1/images/generations", `{"model":"m"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	mutate := func(cfg *config.Config) {
		cfg.Auth.Type = "apikey"
		cfg.Auth.APIKeys = []config.APIKeyConfig{{Key: "sk-test", Subject: "dev"}}
	}
	srv := newTestServer(t, &fakeService{completion: &api.ChatCompletion{
		Choices: []api.Choice{{Message: api.AssistantMessage{Content: "ok"}}},
	}}, mutate)

	// No key: rejected.
	resp := postJSON(t, srv.URL+"/v1/chat/completions",
		`{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status without key = %d, want 401", resp.StatusCode)
	}

	// Bearer key: accepted.
	req, _ := http.NewRequest("POST", srv.URL+"/v1/chat/completions",
		strings.NewReader(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer sk-test")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != 200 {
		t.Errorf("status with key = %d, want 200", resp2.StatusCode)
	}

	// Bare key without the Bearer prefix also works.
	req3, _ := http.NewRequest("POST", srv.URL+"/v1/chat/completions",
		strings.NewReader(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`))
	req3.Header.Set("Content-Type", "application/json")
	req3.Header.Set("Authorization", "sk-test")
	resp3, err := http.DefaultClient.Do(req3)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp3.Body.Close()
	if resp3.StatusCode != 200 {
		t.Errorf("status with bare key = %d, want 200", resp3.StatusCode)
	}

	// Health and model listing bypass the check.
	for _, path := range []string{"/healthz", "/v1/models"} {
		r, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		r.Body.Close()
		if r.StatusCode != 200 {
			t.Errorf("GET %s = %d, want 200 without key", path, r.StatusCode)
		}
	}
}

func TestUsageEndpoint(t *testing.T) {
	tracker := usage.NewTracker()
	tracker.Record(&api.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10})

	cfg := config.Defaults()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := credential.NewPool(credential.Options{Size: 2, Logger: logger})
	adapter := NewAdapter(Options{
		Client: &fakeService{},
		Pool:   pool,
		Config: &cfg,
		Usage:  tracker,
		Logger: logger,
	})
	srv := httptest.NewServer(adapter.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/internal/usage")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var totals usage.Totals
	if err := json.NewDecoder(resp.Body).Decode(&totals); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if totals.Requests != 1 || totals.TotalTokens != 10 {
		t.Errorf("totals = %+v", totals)
	}
}

func TestUsageEndpointDisabled(t *testing.T) {
	srv := newTestServer(t, &fakeService{}, nil)

	resp, err := http.Get(srv.URL + "/internal/usage")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeService{}, nil)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "sitzung_") {
		t.Error("metrics exposition does not carry gateway metrics")
	}
}
