// Package http serves the OpenAI-compatible chat API over HTTP, including
// server-sent-event streaming, the model listing, pool introspection, and
// the harvester websocket mount.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sitzung-dev/sitzung/pkg/api"
	"github.com/sitzung-dev/sitzung/pkg/config"
	"github.com/sitzung-dev/sitzung/pkg/credential"
	"github.com/sitzung-dev/sitzung/pkg/observability"
	"github.com/sitzung-dev/sitzung/pkg/upstream"
	"github.com/sitzung-dev/sitzung/pkg/usage"
)

// maxBodySize bounds request bodies. Image-bearing conversations carry
// base64 payloads, so the limit is generous.
const maxBodySize = 50 << 20

// ChatService is the upstream surface the adapter dispatches to. It is
// satisfied by *upstream.Client.
type ChatService interface {
	StreamChat(ctx context.Context, req *api.ChatCompletionRequest) <-chan api.StreamFrame
	CompleteChat(ctx context.Context, req *api.ChatCompletionRequest) (*api.ChatCompletion, error)
	CompleteImage(ctx context.Context, req *api.ChatCompletionRequest) (*api.ImageGeneration, error)
}

var _ ChatService = (*upstream.Client)(nil)

// Options configures an Adapter.
type Options struct {
	Client ChatService
	Pool   *credential.Pool
	Config *config.Config

	// Harvest is mounted at Config.Harvest.Path when non-nil.
	Harvest http.Handler

	// Usage backs GET /internal/usage. Optional.
	Usage *usage.Tracker

	Logger *slog.Logger
}

// Adapter routes API requests to the upstream client and serializes
// responses.
type Adapter struct {
	client ChatService
	pool   *credential.Pool
	cfg    *config.Config
	usage  *usage.Tracker
	logger *slog.Logger
	mux    *http.ServeMux
	bypass map[string]bool
}

// NewAdapter wires the HTTP routes.
func NewAdapter(opts Options) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &Adapter{
		client: opts.Client,
		pool:   opts.Pool,
		cfg:    opts.Config,
		usage:  opts.Usage,
		logger: logger,
		mux:    http.NewServeMux(),
		bypass: map[string]bool{"/healthz": true, "/v1/models": true},
	}

	a.mux.HandleFunc("POST /v1/chat/completions", a.handleChatCompletions)
	a.mux.HandleFunc("POST /v1/images/generations", a.handleImageGenerations)
	a.mux.HandleFunc("GET /v1/models", a.handleListModels)
	a.mux.HandleFunc("GET /healthz", a.handleHealth)
	a.mux.HandleFunc("GET /internal/pool/status", a.handlePoolStatus)
	a.mux.HandleFunc("GET /internal/usage", a.handleUsage)

	if a.cfg.Observability.Metrics.Enabled {
		path := a.cfg.Observability.Metrics.Path
		a.mux.Handle("GET "+path, promhttp.Handler())
		a.bypass[path] = true
	}

	if opts.Harvest != nil && a.cfg.Harvest.Enabled {
		a.mux.Handle(a.cfg.Harvest.Path, opts.Harvest)
		a.bypass[a.cfg.Harvest.Path] = true
	}

	return a
}

// Handler returns the adapter's handler with authentication and metrics
// middleware applied.
func (a *Adapter) Handler() http.Handler {
	var h http.Handler = a.mux
	h = apiKeyMiddleware(a.cfg.Auth, a.bypass, a.logger)(h)
	h = observability.MetricsMiddleware(h)
	return h
}

// decodeRequest parses a JSON body with a size cap, writing the error
// response itself on failure.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" {
		WriteErrorResponse(w,
			api.NewInvalidRequestError("content_type", "Content-Type must be application/json"),
			http.StatusUnsupportedMediaType)
		return false
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			WriteErrorResponse(w,
				api.NewInvalidRequestError("body", fmt.Sprintf("request body too large (max %d bytes)", maxBodySize)),
				http.StatusRequestEntityTooLarge)
			return false
		}
		WriteErrorResponse(w,
			api.NewInvalidRequestError("body", "invalid JSON: "+err.Error()),
			http.StatusBadRequest)
		return false
	}
	return true
}

func (a *Adapter) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req api.ChatCompletionRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	if len(req.Messages) == 0 {
		a.writeEmptyCompletion(w, &req)
		return
	}

	if req.Stream {
		a.streamCompletion(w, r, &req)
		return
	}

	completion, err := a.client.CompleteChat(r.Context(), &req)
	if err != nil {
		a.writeUpstreamError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(completion)
}

// streamCompletion forwards orchestrator frames as SSE records. A channel
// that closes without a Done frame ends the response without a terminator;
// the client sees the connection end and treats the stream as aborted.
func (a *Adapter) streamCompletion(w http.ResponseWriter, r *http.Request, req *api.ChatCompletionRequest) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sw := newSSEWriter(w)
	frames := a.client.StreamChat(ctx, req)

	for frame := range frames {
		if err := sw.writeFrame(frame); err != nil {
			a.logger.Warn("client write failed, aborting stream", "error", err)
			cancel()
			for range frames {
			}
			return
		}
	}

	if !sw.started() {
		// Nothing was produced at all; commit an empty SSE response so
		// the client is not left with a bodyless 200.
		sw.writeFrame(api.ChunkFrame(emptyChunk(req.Model)))
	}
}

// writeUpstreamError maps an orchestrator error onto the response. Context
// cancellation means the client is gone and nothing can be written.
func (a *Adapter) writeUpstreamError(w http.ResponseWriter, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		WriteAPIError(w, apiErr)
		return
	}
	WriteAPIError(w, api.NewServerError(err.Error()))
}

// writeEmptyCompletion answers a request with no messages: an empty
// completion rather than an error, mirroring the lenient front ends some
// clients probe with.
func (a *Adapter) writeEmptyCompletion(w http.ResponseWriter, req *api.ChatCompletionRequest) {
	if req.Stream {
		sw := newSSEWriter(w)
		sw.writeFrame(api.ChunkFrame(emptyChunk(req.Model)))
		sw.writeFrame(api.DoneFrame())
		return
	}

	completion := &api.ChatCompletion{
		ID:      api.NewCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Usage:   &api.Usage{},
		Choices: []api.Choice{{
			Message:      api.AssistantMessage{Role: api.RoleAssistant, Content: ""},
			FinishReason: "stop",
		}},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(completion)
}

func emptyChunk(model string) *api.ChatCompletionChunk {
	empty := ""
	stop := "stop"
	return &api.ChatCompletionChunk{
		ID:      api.NewStreamID(),
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []api.ChunkChoice{{
			Delta:        api.Delta{Role: api.RoleAssistant, Content: &empty},
			FinishReason: &stop,
		}},
	}
}

// imageGenerationRequest is the body of POST /v1/images/generations.
type imageGenerationRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
}

func (a *Adapter) handleImageGenerations(w http.ResponseWriter, r *http.Request) {
	var req imageGenerationRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.Prompt == "" {
		WriteErrorResponse(w,
			api.NewInvalidRequestError("prompt", "prompt is required"),
			http.StatusBadRequest)
		return
	}

	chatReq := &api.ChatCompletionRequest{
		Model:    req.Model,
		Messages: []api.Message{{Role: api.RoleUser, Content: api.MessageContent{Text: req.Prompt}}},
	}

	img, err := a.client.CompleteImage(r.Context(), chatReq)
	if err != nil {
		a.writeUpstreamError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(img)
}

// modelEntry is one element of the GET /v1/models listing.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

func (a *Adapter) handleListModels(w http.ResponseWriter, r *http.Request) {
	now := time.Now().Unix()
	names := a.cfg.Models.AdvertisedModels()

	list := modelList{Object: "list", Data: make([]modelEntry, 0, len(names))}
	for _, name := range names {
		list.Data = append(list.Data, modelEntry{
			ID:      name,
			Object:  "model",
			Created: now,
			OwnedBy: "google",
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
}

func (a *Adapter) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (a *Adapter) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(a.pool.Status())
}

func (a *Adapter) handleUsage(w http.ResponseWriter, r *http.Request) {
	if a.usage == nil {
		WriteErrorResponse(w,
			api.NewInvalidRequestError("", "usage tracking is not enabled"),
			http.StatusNotImplemented)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(a.usage.Totals())
}
