package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/sitzung-dev/sitzung/pkg/api"
	"github.com/sitzung-dev/sitzung/pkg/config"
	"github.com/sitzung-dev/sitzung/pkg/credential"
)

// Thinking budgets bound to the -low/-high model suffixes.
const (
	thinkingBudgetLow  = 8192
	thinkingBudgetHigh = 32768
)

// Output token limits. Harvested sessions sometimes carry a lowered
// maxOutputTokens; anything below the floor is restored to the default.
const (
	maxOutputTokensFloor   = 8192
	maxOutputTokensDefault = 65535
)

// safetySettings disables the backend's content filters across all
// categories. The template's harvested values are always overwritten.
var safetySettings = []map[string]string{
	{"category": "HARM_CATEGORY_HARASSMENT", "threshold": "BLOCK_NONE"},
	{"category": "HARM_CATEGORY_HATE_SPEECH", "threshold": "BLOCK_NONE"},
	{"category": "HARM_CATEGORY_SEXUALLY_EXPLICIT", "threshold": "BLOCK_NONE"},
	{"category": "HARM_CATEGORY_DANGEROUS_CONTENT", "threshold": "BLOCK_NONE"},
	{"category": "HARM_CATEGORY_CIVIC_INTEGRITY", "threshold": "BLOCK_NONE"},
}

// BuildBody clones the harvested body template and rewrites only the parts
// the gateway controls: conversation contents, system instruction,
// generation config, safety thresholds, and target model. Everything else
// in the template (operation name, query signature, session metadata) is
// carried through untouched, since the backend validates it against the
// harvested session.
func BuildBody(h *credential.Harvest, req *api.ChatCompletionRequest, spec config.ModelSpec) ([]byte, error) {
	template, err := h.BodyObject()
	if err != nil {
		return nil, fmt.Errorf("decoding harvested body template: %w", err)
	}

	variables := map[string]any{}
	if tv, ok := template["variables"].(map[string]any); ok {
		for k, v := range tv {
			variables[k] = v
		}
	}

	system, contents := buildConversation(req.Messages, req.Tools)
	variables["contents"] = contents
	if system != "" {
		variables["systemInstruction"] = map[string]any{
			"parts": []map[string]string{{"text": system}},
		}
	}
	variables["safetySettings"] = safetySettings
	variables["model"] = spec.Backend
	variables["generationConfig"] = buildGenerationConfig(variables, req, spec)

	body := map[string]any{"variables": variables}
	for _, key := range []string{"operationName", "querySignature"} {
		if v, ok := template[key]; ok {
			body[key] = v
		}
	}
	return json.Marshal(body)
}

// buildGenerationConfig merges the harvested generation config with the
// client's parameters and the modes encoded in the model name.
func buildGenerationConfig(variables map[string]any, req *api.ChatCompletionRequest, spec config.ModelSpec) map[string]any {
	genCfg := map[string]any{}
	if tv, ok := variables["generationConfig"].(map[string]any); ok {
		for k, v := range tv {
			genCfg[k] = v
		}
	}

	// Stale model-specific keys from the harvested session would be
	// rejected when the target model changes, so thinking and image
	// settings are rebuilt from scratch.
	delete(genCfg, "thinkingConfig")
	delete(genCfg, "thinking_config")

	switch {
	case spec.Thinking == "low":
		setThinkingBudget(genCfg, thinkingBudgetLow)
	case spec.Thinking == "high":
		setThinkingBudget(genCfg, thinkingBudgetHigh)
	case strings.Contains(spec.Backend, "gemini-3-pro") && req.MaxTokens != nil:
		// No suffix, but an explicit token limit on a pro model doubles
		// as a custom thinking budget.
		setThinkingBudget(genCfg, *req.MaxTokens)
	}

	if spec.IsImageModel() {
		if _, ok := genCfg["responseModalities"]; !ok {
			genCfg["responseModalities"] = []string{"TEXT", "IMAGE"}
		}
		imageCfg, ok := genCfg["imageConfig"].(map[string]any)
		if !ok {
			imageCfg = map[string]any{}
		}
		imageCfg["personGeneration"] = "ALLOW_ALL"
		if _, ok := imageCfg["imageOutputOptions"]; !ok {
			imageCfg["imageOutputOptions"] = map[string]string{"mimeType": "image/png"}
		}
		if spec.Resolution != "" {
			imageCfg["imageSize"] = strings.ToUpper(spec.Resolution)
		} else {
			// Without a suffix the backend picks the size.
			delete(imageCfg, "imageSize")
		}
		genCfg["imageConfig"] = imageCfg
	} else {
		delete(genCfg, "imageConfig")
		delete(genCfg, "sampleImageSize")
		delete(genCfg, "width")
		delete(genCfg, "height")
		// Text models reject multimodal output configuration.
		delete(genCfg, "responseModalities")
	}

	if v, ok := genCfg["maxOutputTokens"].(float64); !ok || v < maxOutputTokensFloor {
		genCfg["maxOutputTokens"] = maxOutputTokensDefault
	}

	if req.Temperature != nil {
		genCfg["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		genCfg["topP"] = *req.TopP
	}
	if req.TopK != nil {
		genCfg["topK"] = *req.TopK
	}
	if req.MaxTokens != nil {
		genCfg["maxOutputTokens"] = *req.MaxTokens
	}
	if len(req.Stop) > 0 {
		genCfg["stopSequences"] = []string(req.Stop)
	}

	return genCfg
}

func setThinkingBudget(genCfg map[string]any, budget int) {
	genCfg["thinkingConfig"] = map[string]any{
		"includeThoughts":    true,
		"budget_token_count": budget,
		"thinkingBudget":     budget,
	}
}

// strippedHeaders are removed from the harvested header set before dispatch;
// the transport layer manages these itself.
var strippedHeaders = []string{
	"content-length", "host", "connection", "accept-encoding",
}

// NewRequest builds the outbound HTTP request for one dispatch attempt from
// a harvested credential set and an assembled body.
func NewRequest(ctx context.Context, h *credential.Harvest, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for key, value := range h.Headers {
		if isStrippedHeader(key) {
			continue
		}
		httpReq.Header.Set(key, value)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.Cookie != "" {
		httpReq.Header.Set("Cookie", h.Cookie)
	}
	return httpReq, nil
}

func isStrippedHeader(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range strippedHeaders {
		if lower == s {
			return true
		}
	}
	return false
}
