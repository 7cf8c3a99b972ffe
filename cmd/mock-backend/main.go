// Command mock-backend emulates the vendor web app's streaming endpoint for
// local end-to-end testing. It speaks the line-oriented multi-channel JSON
// stream the gateway parses: cumulative text resends per path, a thought
// channel, inline image payloads for image models, and scripted failures.
//
// Scenario triggers (substring of the last user message):
//
//	trigger-auth-status - respond 401 before any stream output
//	trigger-auth-error  - emit an in-stream Recaptcha error entry
//
// Configuration:
//
//	MOCK_PORT - listen port (default: 9090)
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

// lineDelay paces stream output so chunk aggregation and heartbeats are
// observable.
const lineDelay = 30 * time.Millisecond

func main() {
	port := os.Getenv("MOCK_PORT")
	if port == "" {
		port = "9090"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", handleGenerate)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	srv := &http.Server{Addr: ":" + port, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("mock backend starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("mock backend failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("mock backend shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

// generateRequest mirrors the slice of the harvested body template the mock
// cares about.
type generateRequest struct {
	Variables struct {
		Model    string `json:"model"`
		Contents []struct {
			Role  string `json:"role"`
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"contents"`
	} `json:"variables"`
}

func handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	prompt := lastUserText(&req)
	model := req.Variables.Model
	slog.Info("generate", "model", model, "prompt_len", len(prompt))

	if strings.Contains(prompt, "trigger-auth-status") {
		http.Error(w, `{"error":"session expired"}`, http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	flusher, _ := w.(http.Flusher)

	write := func(line string) {
		fmt.Fprintln(w, line)
		if flusher != nil {
			flusher.Flush()
		}
		time.Sleep(lineDelay)
	}

	if strings.Contains(prompt, "trigger-auth-error") {
		write(errorLine(0, "Recaptcha challenge required"))
		return
	}

	if strings.Contains(model, "image") {
		streamImage(write)
		return
	}
	streamText(write, prompt)
}

// streamText emits a short thought channel followed by a content channel.
// Text is resent cumulatively per path, the way the real backend does, so
// the gateway's dedup tracker has something to chew on.
func streamText(write func(string), prompt string) {
	thoughts := []string{
		"Considering the question.",
		"Considering the question. Drafting an answer.",
	}
	for _, cum := range thoughts {
		write(textLine(0, cum, true))
	}

	words := strings.Fields("Here is a mock answer to: " + firstWords(prompt, 8))
	var cum strings.Builder
	for _, word := range words {
		if cum.Len() > 0 {
			cum.WriteString(" ")
		}
		cum.WriteString(word)
		write(textLine(1, cum.String(), false))
	}
	// Resend the final text once; the gateway must drop the duplicate.
	write(textLine(1, cum.String(), false))
	write(finishLine("STOP"))
}

// streamImage emits a single inline PNG payload and a finish entry.
func streamImage(write func(string)) {
	// 1x1 transparent PNG.
	pixel := []byte{
		0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
		0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
		0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
		0x0a, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
		0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
		0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
	}
	payload := base64.StdEncoding.EncodeToString(pixel)

	entry := map[string]any{
		"results": []any{map[string]any{
			"path": []any{nil, nil, 0},
			"data": map[string]any{
				"candidates": []any{map[string]any{
					"content": map[string]any{
						"parts": []any{map[string]any{
							"inlineData": map[string]any{
								"mimeType": "image/png",
								"data":     payload,
							},
						}},
					},
				}},
			},
		}},
	}
	data, _ := json.Marshal(entry)
	write(string(data))
	write(finishLine("STOP"))
}

func textLine(pathIndex int, cumulative string, thought bool) string {
	part := map[string]any{"text": cumulative}
	if thought {
		part["thought"] = true
	}
	entry := map[string]any{
		"results": []any{map[string]any{
			"path": []any{nil, nil, pathIndex},
			"data": map[string]any{
				"candidates": []any{map[string]any{
					"content": map[string]any{"parts": []any{part}},
				}},
			},
		}},
	}
	data, _ := json.Marshal(entry)
	return string(data)
}

func finishLine(reason string) string {
	entry := map[string]any{
		"results": []any{map[string]any{
			"path": []any{nil, nil, 99},
			"data": map[string]any{
				"candidates": []any{map[string]any{"finishReason": reason}},
			},
		}},
	}
	data, _ := json.Marshal(entry)
	return string(data)
}

func errorLine(pathIndex int, message string) string {
	entry := map[string]any{
		"results": []any{map[string]any{
			"path":   []any{nil, nil, pathIndex},
			"errors": []any{map[string]any{"message": message}},
		}},
	}
	data, _ := json.Marshal(entry)
	return string(data)
}

func lastUserText(req *generateRequest) string {
	for i := len(req.Variables.Contents) - 1; i >= 0; i-- {
		c := req.Variables.Contents[i]
		if c.Role != "user" {
			continue
		}
		var parts []string
		for _, p := range c.Parts {
			if p.Text != "" {
				parts = append(parts, p.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

func firstWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}
