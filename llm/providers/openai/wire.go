package openai

import (
	"github.com/BaSui01/thinkflow/types"
)

// chat-completions wire shapes

type wireMessage struct {
	Role string `json:"role"`
	// Content is a string for plain text or a part array for vision input.
	Content any `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []wireMessage  `json:"messages"`
	Temperature    *float64       `json:"temperature,omitempty"`
	TopP           *float64       `json:"top_p,omitempty"`
	MaxTokens      *int           `json:"max_tokens,omitempty"`
	Seed           *int64         `json:"seed,omitempty"`
	Stop           []string       `json:"stop,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
	Stream         bool           `json:"stream,omitempty"`
	StreamOptions  *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Created int64        `json:"created"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens        int64 `json:"prompt_tokens"`
	CompletionTokens    int64 `json:"completion_tokens"`
	TotalTokens         int64 `json:"total_tokens"`
	PromptTokensDetails struct {
		CachedTokens int64 `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
	CompletionTokensDetails struct {
		ReasoningTokens int64 `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
}

func (u chatUsage) toStats() types.UsageStats {
	return types.UsageStats{
		Input:     u.PromptTokens,
		Output:    u.CompletionTokens,
		Cached:    u.PromptTokensDetails.CachedTokens,
		Reasoning: u.CompletionTokensDetails.ReasoningTokens,
	}
}

type streamChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

// responses wire shapes

type responsesInputItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responsesRequest struct {
	Model              string               `json:"model"`
	Input              []responsesInputItem `json:"input"`
	Temperature        *float64             `json:"temperature,omitempty"`
	TopP               *float64             `json:"top_p,omitempty"`
	MaxOutputTokens    *int                 `json:"max_output_tokens,omitempty"`
	PreviousResponseID string               `json:"previous_response_id,omitempty"`
	Store              bool                 `json:"store"`
}

type responsesResponse struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Model  string          `json:"model"`
	Output []responsesItem `json:"output"`
	Usage  responsesUsage  `json:"usage"`
}

type responsesItem struct {
	Type    string `json:"type"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type responsesUsage struct {
	InputTokens        int64 `json:"input_tokens"`
	OutputTokens       int64 `json:"output_tokens"`
	TotalTokens        int64 `json:"total_tokens"`
	InputTokensDetails struct {
		CachedTokens int64 `json:"cached_tokens"`
	} `json:"input_tokens_details"`
	OutputTokensDetails struct {
		ReasoningTokens int64 `json:"reasoning_tokens"`
	} `json:"output_tokens_details"`
}

func (u responsesUsage) toStats() types.UsageStats {
	return types.UsageStats{
		Input:     u.InputTokens,
		Output:    u.OutputTokens,
		Cached:    u.InputTokensDetails.CachedTokens,
		Reasoning: u.OutputTokensDetails.ReasoningTokens,
	}
}

// toWireMessages keeps plain messages as string content and expands
// multimodal messages into typed part arrays.
func toWireMessages(messages []types.Message) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		if !m.IsMultimodal() {
			out = append(out, wireMessage{Role: string(m.Role), Content: m.Content})
			continue
		}
		parts := make([]map[string]any, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Type {
			case types.PartImageURL:
				parts = append(parts, map[string]any{
					"type":      "image_url",
					"image_url": map[string]any{"url": p.URL},
				})
			default:
				parts = append(parts, map[string]any{"type": "text", "text": p.Text})
			}
		}
		out = append(out, wireMessage{Role: string(m.Role), Content: parts})
	}
	return out
}

// toResponsesInput flattens messages into the role/content items the
// responses wire accepts.
func toResponsesInput(messages []types.Message) []responsesInputItem {
	out := make([]responsesInputItem, 0, len(messages))
	for _, m := range messages {
		out = append(out, responsesInputItem{Role: string(m.Role), Content: m.Text()})
	}
	return out
}

// collectOutputText concatenates every output_text block across message
// items, in order.
func collectOutputText(items []responsesItem) string {
	var text string
	for _, item := range items {
		if item.Type != "message" {
			continue
		}
		for _, c := range item.Content {
			if c.Type == "output_text" {
				text += c.Text
			}
		}
	}
	return text
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
