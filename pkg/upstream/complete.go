package upstream

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/sitzung-dev/sitzung/pkg/api"
	"github.com/sitzung-dev/sitzung/pkg/stream"
)

// imageResponsePrefix marks a completion whose whole content is one
// generated image.
const imageResponsePrefix = "![Generated Image](data:"

var blankLines = regexp.MustCompile(`\n\s*\n`)

// CompleteChat drains a streamed request and aggregates it into one
// chat.completion object. Diff blocks in the aggregate are repaired,
// reasoning is folded into the content, and tool-call blocks pass through
// verbatim for the caller to parse.
func (c *Client) CompleteChat(ctx context.Context, req *api.ChatCompletionRequest) (*api.ChatCompletion, error) {
	content, reasoning, finish, u, err := c.drain(ctx, req)
	if err != nil {
		return nil, err
	}

	content = stream.AutocorrectDiff(content)

	final := content
	switch {
	case strings.Contains(content, "<tool_calls>") && strings.Contains(content, "</tool_calls>"):
		finish = "stop"
	case reasoning != "":
		cleaned := strings.TrimSpace(blankLines.ReplaceAllString(reasoning, "\n"))
		final = "**Reasoning:**\n" + cleaned + "\n\n**Response:**\n" + content
	}
	if final == "" {
		final = " "
	}

	return &api.ChatCompletion{
		ID:      api.NewCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Usage:   u,
		Choices: []api.Choice{{
			Index: 0,
			Message: api.AssistantMessage{
				Role:    api.RoleAssistant,
				Content: final,
			},
			FinishReason: finish,
		}},
	}, nil
}

// CompleteImage drains a streamed request expected to produce an image and
// returns the raw base64 payload.
func (c *Client) CompleteImage(ctx context.Context, req *api.ChatCompletionRequest) (*api.ImageGeneration, error) {
	content, _, _, _, err := c.drain(ctx, req)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(content, imageResponsePrefix) || !strings.HasSuffix(content, ")") {
		return nil, api.NewServerError("backend returned no image")
	}
	dataURL := content[len("![Generated Image](") : len(content)-1]
	_, encoded, ok := strings.Cut(dataURL, ",")
	if !ok {
		return nil, api.NewServerError("malformed image payload")
	}
	return &api.ImageGeneration{
		Created: time.Now().Unix(),
		Data:    []api.ImageDatum{{B64JSON: encoded}},
	}, nil
}

// drain consumes a full frame stream, concatenating content and reasoning
// deltas. An error frame aborts the drain and is returned as the error.
func (c *Client) drain(ctx context.Context, req *api.ChatCompletionRequest) (content, reasoning, finish string, u *api.Usage, err error) {
	finish = "stop"
	var contentBuf, reasoningBuf strings.Builder

	for frame := range c.StreamChat(ctx, req) {
		switch {
		case frame.Err != nil:
			return "", "", "", nil, frame.Err
		case frame.Done:
		case frame.Chunk != nil:
			if frame.Chunk.Usage != nil {
				u = frame.Chunk.Usage
			}
			for _, choice := range frame.Chunk.Choices {
				if choice.Delta.Content != nil {
					contentBuf.WriteString(*choice.Delta.Content)
				}
				if choice.Delta.ReasoningContent != nil {
					reasoningBuf.WriteString(*choice.Delta.ReasoningContent)
				}
				if choice.FinishReason != nil && *choice.FinishReason != "" {
					finish = *choice.FinishReason
				}
			}
		}
	}
	if ctx.Err() != nil {
		return "", "", "", nil, ctx.Err()
	}
	return contentBuf.String(), reasoningBuf.String(), finish, u, nil
}
