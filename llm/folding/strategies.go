package folding

import (
	"fmt"
	"strings"

	"github.com/BaSui01/thinkflow/types"
)

const distillPrompt = `Extract the core concepts, key decisions, and critical reasoning steps from the following conversation history.

Focus on:
1. Key decisions and conclusions
2. Important reasoning steps and logic
3. Core concepts and definitions
4. Unresolved questions or issues

Be concise. Only preserve information valuable for future conversation context.

Conversation History:
%s

Distilled Summary:`

const summarizePrompt = `Summarize the following conversation history, preserving key information and context.

Include:
1. Main topics discussed
2. Important questions and answers
3. Key decisions or conclusions
4. Relevant context for future messages

Conversation History:
%s

Summary:`

// consolidate merges consecutive same-role messages, joining their text with
// blank lines. Multimodal parts flatten to their text view; nothing is
// dropped beyond non-text parts.
func consolidate(messages []types.Message, mergeRoles bool) []types.Message {
	if len(messages) == 0 {
		return nil
	}
	if !mergeRoles {
		return messages
	}

	consolidated := make([]types.Message, 0, len(messages))
	var currentRole types.Role
	var currentTexts []string

	flush := func() {
		if len(currentTexts) > 0 {
			consolidated = append(consolidated, types.Message{
				Role:    currentRole,
				Content: strings.Join(currentTexts, "\n\n"),
			})
		}
	}

	for _, msg := range messages {
		role := msg.Role
		if role == "" {
			role = types.RoleUser
		}
		if role == currentRole {
			currentTexts = append(currentTexts, msg.Text())
			continue
		}
		flush()
		currentRole = role
		currentTexts = []string{msg.Text()}
	}
	flush()

	return consolidated
}

// formatAsTranscript renders messages as "ROLE: text" blocks for compression
// prompts and for the consolidation fallback summary.
func formatAsTranscript(messages []types.Message) string {
	lines := make([]string, 0, len(messages))
	for _, msg := range messages {
		role := string(msg.Role)
		if role == "" {
			role = string(types.RoleUser)
		}
		lines = append(lines, fmt.Sprintf("%s: %s", strings.ToUpper(role), msg.Text()))
	}
	return strings.Join(lines, "\n\n")
}

func buildCompressionPrompt(strategy string, messages []types.Message) string {
	transcript := formatAsTranscript(messages)
	if strategy == StrategySummarize {
		return fmt.Sprintf(summarizePrompt, transcript)
	}
	return fmt.Sprintf(distillPrompt, transcript)
}
