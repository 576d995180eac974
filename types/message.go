// Package types provides core types shared across the thinkflow engine.
// This package has ZERO dependencies on other thinkflow packages to avoid
// circular imports. All other packages should import types from here.
package types

import "strings"

// Role represents the role of a message participant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType identifies the kind of a multimodal content part.
type PartType string

const (
	PartText       PartType = "text"
	PartImageURL   PartType = "image_url"
	PartToolUse    PartType = "tool_use"
	PartToolResult PartType = "tool_result"
)

// Part is one element of a multimodal message body. The engine treats parts
// as opaque except for cache-key normalisation; provider adapters translate
// them to their own wire shapes.
type Part struct {
	Type PartType `json:"type"`
	Text string   `json:"text,omitempty"`
	// URL carries image_url parts; data: URLs are hashed during cache-key
	// normalisation so they never inflate fingerprint input.
	URL string `json:"url,omitempty"`
	// ID and Name correlate tool_use/tool_result parts.
	ID      string         `json:"id,omitempty"`
	Name    string         `json:"name,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Message represents a conversation message. Content holds plain text;
// Parts holds multimodal bodies. When both are set, Parts wins.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`
	Parts   []Part `json:"parts,omitempty"`
	// CacheControl marks the message as a provider-side cache boundary.
	// Only the messages-with-cache-control wire variant honours it;
	// other adapters ignore the flag.
	CacheControl bool `json:"cache_control,omitempty"`
}

// NewMessage creates a new message with the given role and content.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content}
}

// SystemMessage creates a new system message.
func SystemMessage(content string) Message {
	return NewMessage(RoleSystem, content)
}

// UserMessage creates a new user message.
func UserMessage(content string) Message {
	return NewMessage(RoleUser, content)
}

// AssistantMessage creates a new assistant message.
func AssistantMessage(content string) Message {
	return NewMessage(RoleAssistant, content)
}

// WithParts replaces the message body with multimodal parts.
func (m Message) WithParts(parts []Part) Message {
	m.Parts = parts
	return m
}

// WithCacheControl marks the message as a cache boundary.
func (m Message) WithCacheControl() Message {
	m.CacheControl = true
	return m
}

// IsMultimodal reports whether the message carries a parts body.
func (m Message) IsMultimodal() bool {
	return len(m.Parts) > 0
}

// Text returns the plain-text view of the message: Content for simple
// messages, the newline-joined text parts for multimodal ones.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	texts := make([]string, 0, len(m.Parts))
	for _, p := range m.Parts {
		if p.Type == PartText || (p.Type == "" && p.Text != "") {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// NormalizeMessages coerces a message slice into canonical form: empty roles
// default to user, and parts with an unknown type but a text body are
// retyped as text so downstream adapters never see half-formed parts.
func NormalizeMessages(messages []Message) []Message {
	normalized := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == "" {
			msg.Role = RoleUser
		}
		if len(msg.Parts) > 0 {
			parts := make([]Part, len(msg.Parts))
			copy(parts, msg.Parts)
			for i := range parts {
				if parts[i].Type == "" && parts[i].Text != "" {
					parts[i].Type = PartText
				}
			}
			msg.Parts = parts
		}
		normalized = append(normalized, msg)
	}
	return normalized
}

// MergeSystemPrompts joins non-empty prompts with a blank line between each.
func MergeSystemPrompts(prompts ...string) string {
	valid := make([]string, 0, len(prompts))
	for _, p := range prompts {
		if p != "" {
			valid = append(valid, p)
		}
	}
	return strings.Join(valid, "\n\n")
}
