package anthropic

import (
	"github.com/BaSui01/thinkflow/types"
)

type contentBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text,omitempty"`
	Source       *imageSource  `json:"source,omitempty"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type imageSource struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

type cacheControl struct {
	Type string `json:"type"`
}

type wireMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type messagesRequest struct {
	Model         string         `json:"model"`
	System        []contentBlock `json:"system,omitempty"`
	Messages      []wireMessage  `json:"messages"`
	MaxTokens     int            `json:"max_tokens"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	StopSequences []string       `json:"stop_sequences,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
}

type messagesResponse struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Role    string `json:"role"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason   string        `json:"stop_reason"`
	StopSequence string        `json:"stop_sequence"`
	Usage        messagesUsage `json:"usage"`
}

type messagesUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}

// toStats normalises the wire split. On this dialect input_tokens excludes
// cache traffic, so both cache categories fold back into Input to keep the
// invariant that Cached is a subset of Input.
func (u messagesUsage) toStats() types.UsageStats {
	return types.UsageStats{
		Input:  u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens,
		Output: u.OutputTokens,
		Cached: u.CacheReadInputTokens,
	}
}

type streamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		ID    string        `json:"id"`
		Model string        `json:"model"`
		Usage messagesUsage `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *messagesUsage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// buildMessages lifts system prompts into top-level system blocks and
// converts the rest into typed content blocks. A message flagged for cache
// participation gets cache_control on its final block, which is how this
// dialect marks the end of a cacheable prefix.
func buildMessages(messages []types.Message) (system []contentBlock, out []wireMessage) {
	for _, m := range messages {
		if m.Role == types.RoleSystem {
			block := contentBlock{Type: "text", Text: m.Text()}
			if m.CacheControl {
				block.CacheControl = &cacheControl{Type: "ephemeral"}
			}
			system = append(system, block)
			continue
		}

		blocks := toContentBlocks(m)
		if len(blocks) == 0 {
			continue
		}
		if m.CacheControl {
			blocks[len(blocks)-1].CacheControl = &cacheControl{Type: "ephemeral"}
		}

		role := "user"
		if m.Role == types.RoleAssistant {
			role = "assistant"
		}
		out = append(out, wireMessage{Role: role, Content: blocks})
	}
	return system, out
}

func toContentBlocks(m types.Message) []contentBlock {
	if !m.IsMultimodal() {
		if m.Content == "" {
			return nil
		}
		return []contentBlock{{Type: "text", Text: m.Content}}
	}

	blocks := make([]contentBlock, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case types.PartImageURL:
			blocks = append(blocks, contentBlock{
				Type:   "image",
				Source: &imageSource{Type: "url", URL: p.URL},
			})
		default:
			if p.Text != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: p.Text})
			}
		}
	}
	return blocks
}

// collectText concatenates the text blocks of a response, in order.
func collectText(decoded *messagesResponse) string {
	var text string
	for _, block := range decoded.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text
}
