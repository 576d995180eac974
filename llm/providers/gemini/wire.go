package gemini

import (
	"net/url"
	"path"
	"strings"

	"github.com/BaSui01/thinkflow/types"
)

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text     string    `json:"text,omitempty"`
	FileData *fileData `json:"fileData,omitempty"`
}

type fileData struct {
	MIMEType string `json:"mimeType"`
	FileURI  string `json:"fileUri"`
}

type generationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	MaxOutputTokens *int            `json:"maxOutputTokens,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  *thinkingConfig `json:"thinkingConfig,omitempty"`
}

type thinkingConfig struct {
	ThinkingBudget int `json:"thinkingBudget"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

type promptFeedback struct {
	BlockReason string `json:"blockReason"`
}

type generateResponse struct {
	ResponseID     string          `json:"responseId"`
	ModelVersion   string          `json:"modelVersion"`
	Candidates     []candidate     `json:"candidates"`
	PromptFeedback *promptFeedback `json:"promptFeedback"`
	UsageMetadata  usageMetadata   `json:"usageMetadata"`
}

type usageMetadata struct {
	PromptTokenCount        int64 `json:"promptTokenCount"`
	CandidatesTokenCount    int64 `json:"candidatesTokenCount"`
	CachedContentTokenCount int64 `json:"cachedContentTokenCount"`
	ThoughtsTokenCount      int64 `json:"thoughtsTokenCount"`
	TotalTokenCount         int64 `json:"totalTokenCount"`
}

// toStats normalises the wire split. promptTokenCount already includes the
// cached portion, but candidatesTokenCount excludes thought tokens, so those
// fold back into Output to keep Reasoning a subset of Output.
func (u usageMetadata) toStats() types.UsageStats {
	return types.UsageStats{
		Input:     u.PromptTokenCount,
		Output:    u.CandidatesTokenCount + u.ThoughtsTokenCount,
		Cached:    u.CachedContentTokenCount,
		Reasoning: u.ThoughtsTokenCount,
	}
}

func (u usageMetadata) isZero() bool {
	return u.PromptTokenCount == 0 && u.CandidatesTokenCount == 0 && u.TotalTokenCount == 0
}

// buildContents splits system prompts off into a systemInstruction block and
// converts the remaining turns. The dialect names the assistant role "model".
func buildContents(messages []types.Message) (system *content, contents []content) {
	for _, m := range messages {
		if m.Role == types.RoleSystem {
			if text := m.Text(); text != "" {
				if system == nil {
					system = &content{}
				}
				system.Parts = append(system.Parts, part{Text: text})
			}
			continue
		}

		parts := toParts(m)
		if len(parts) == 0 {
			continue
		}
		role := "user"
		if m.Role == types.RoleAssistant {
			role = "model"
		}
		contents = append(contents, content{Role: role, Parts: parts})
	}
	return system, contents
}

func toParts(m types.Message) []part {
	if !m.IsMultimodal() {
		if m.Content == "" {
			return nil
		}
		return []part{{Text: m.Content}}
	}

	parts := make([]part, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case types.PartImageURL:
			parts = append(parts, part{FileData: &fileData{
				MIMEType: guessImageMIME(p.URL),
				FileURI:  p.URL,
			}})
		default:
			if p.Text != "" {
				parts = append(parts, part{Text: p.Text})
			}
		}
	}
	return parts
}

// guessImageMIME maps a URL's file extension to a MIME type. The wire format
// requires one alongside every file reference.
func guessImageMIME(rawURL string) string {
	ext := strings.ToLower(path.Ext(rawURL))
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		ext = strings.ToLower(path.Ext(u.Path))
	}
	switch ext {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "image/jpeg"
	}
}

// collectCandidateText concatenates the text parts of the first candidate.
func collectCandidateText(decoded *generateResponse) string {
	if len(decoded.Candidates) == 0 {
		return ""
	}
	var text string
	for _, p := range decoded.Candidates[0].Content.Parts {
		text += p.Text
	}
	return text
}
