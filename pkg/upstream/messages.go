package upstream

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/sitzung-dev/sitzung/pkg/api"
)

// contentPart is one part of a backend conversation turn.
type contentPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// turn is one entry of the backend's contents array.
type turn struct {
	Role  string        `json:"role"`
	Parts []contentPart `json:"parts"`
}

// imageMarkdownPattern matches the embedded-image markdown the formatter
// emits: ![...](data:image/<subtype>;base64,<payload>).
var imageMarkdownPattern = regexp.MustCompile(
	`!\[[^\]]*\]\((data:image/([a-zA-Z0-9+.-]+);base64,([A-Za-z0-9+/=]+))\)`)

// extractAssistantImages pulls embedded base64 images out of an assistant
// message, replacing each with a numbered placeholder so the model still
// sees where an image used to be. The extracted parts carry the raw payload
// as inlineData.
func extractAssistantImages(content string) (string, []contentPart) {
	var images []contentPart
	cleaned := imageMarkdownPattern.ReplaceAllStringFunc(content, func(m string) string {
		groups := imageMarkdownPattern.FindStringSubmatch(m)
		images = append(images, contentPart{InlineData: &inlineData{
			MimeType: "image/" + groups[2],
			Data:     groups[3],
		}})
		return fmt.Sprintf("[Image %d]", len(images))
	})
	return cleaned, images
}

// historyImage is one image recovered from an earlier assistant turn,
// tagged with the turn it came from.
type historyImage struct {
	turn int
	part contentPart
}

// buildConversation converts chat-completion messages into the backend's
// system instruction and contents array. Images embedded in assistant
// history are extracted and re-injected as inlineData parts ahead of the
// final user message, grouped by the turn that produced them, so multi-turn
// image editing keeps working.
func buildConversation(messages []api.Message, tools []api.Tool) (string, []turn) {
	lastUserIndex := -1
	assistantTurn := 0
	var history []historyImage

	for i, msg := range messages {
		switch msg.Role {
		case api.RoleUser:
			lastUserIndex = i
		case api.RoleAssistant:
			assistantTurn++
			content := msg.Content.Flatten()
			if strings.Contains(content, "data:image/") && strings.Contains(content, ";base64,") {
				_, images := extractAssistantImages(content)
				for _, img := range images {
					history = append(history, historyImage{turn: assistantTurn, part: img})
				}
			}
		}
	}

	var system strings.Builder
	var contents []turn

	for i, msg := range messages {
		switch msg.Role {
		case api.RoleSystem:
			system.WriteString(msg.Content.Flatten())
			system.WriteString("\n")
		case api.RoleUser:
			var parts []contentPart
			if i == lastUserIndex && len(history) > 0 {
				parts = append(parts, contentPart{
					Text: fmt.Sprintf("[%d previously generated images follow:]", len(history)),
				})
				currentTurn := 0
				for _, h := range history {
					if h.turn != currentTurn {
						currentTurn = h.turn
						parts = append(parts, contentPart{
							Text: fmt.Sprintf("[images from turn %d:]", h.turn),
						})
					}
					parts = append(parts, h.part)
				}
				parts = append(parts, contentPart{
					Text: "[end of prior images; the new request follows:]",
				})
			}
			parts = append(parts, userParts(msg.Content)...)
			contents = append(contents, turn{Role: "user", Parts: parts})
		case api.RoleAssistant:
			content := msg.Content.Flatten()
			if content == "" {
				continue
			}
			if strings.Contains(content, "data:image/") && strings.Contains(content, ";base64,") {
				cleaned, _ := extractAssistantImages(content)
				if strings.TrimSpace(cleaned) == "" {
					cleaned = "[image generated]"
				}
				contents = append(contents, turn{Role: "model", Parts: []contentPart{{Text: cleaned}}})
			} else {
				contents = append(contents, turn{Role: "model", Parts: []contentPart{{Text: content}}})
			}
		}
	}

	if len(tools) > 0 {
		system.WriteString(renderTools(tools))
	}

	return strings.TrimSpace(system.String()), contents
}

// userParts converts one user message body into backend parts. data: image
// URLs become inlineData; other image URLs are dropped since the backend
// cannot fetch them.
func userParts(content api.MessageContent) []contentPart {
	if !content.IsParts {
		return []contentPart{{Text: content.Text}}
	}
	var parts []contentPart
	for _, p := range content.Parts {
		switch p.Type {
		case "text":
			parts = append(parts, contentPart{Text: p.Text})
		case "image_url":
			if p.ImageURL == nil || !strings.HasPrefix(p.ImageURL.URL, "data:") {
				continue
			}
			header, encoded, ok := strings.Cut(p.ImageURL.URL, ",")
			if !ok {
				continue
			}
			mime := strings.TrimPrefix(header, "data:")
			if semi := strings.IndexByte(mime, ';'); semi >= 0 {
				mime = mime[:semi]
			}
			parts = append(parts, contentPart{InlineData: &inlineData{
				MimeType: mime,
				Data:     encoded,
			}})
		}
	}
	return parts
}

// renderTools serializes tool declarations as an XML block appended to the
// system instruction. The vendor app has no tool API, so the model is asked
// to answer with a <tool_calls> block instead.
func renderTools(tools []api.Tool) string {
	var b strings.Builder
	b.WriteString("\n\n<available_tools>\n")
	for _, tool := range tools {
		params := tool.Function.Parameters
		if len(params) == 0 {
			params = json.RawMessage("{}")
		}
		b.WriteString("  <tool>\n")
		fmt.Fprintf(&b, "    <name>%s</name>\n", tool.Function.Name)
		fmt.Fprintf(&b, "    <description>%s</description>\n", tool.Function.Description)
		fmt.Fprintf(&b, "    <parameters>%s</parameters>\n", params)
		b.WriteString("  </tool>\n")
	}
	b.WriteString("</available_tools>\n")
	b.WriteString("\nIMPORTANT: To use a tool, you MUST output a <tool_calls> block. ")
	return b.String()
}
