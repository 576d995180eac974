package folding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/thinkflow/types"
)

func TestConsolidate_MergesConsecutiveRoles(t *testing.T) {
	messages := []types.Message{
		types.UserMessage("first question"),
		types.UserMessage("second question"),
		types.AssistantMessage("first answer"),
		types.AssistantMessage("second answer"),
		types.UserMessage("follow-up"),
	}

	out := consolidate(messages, true)
	require.Len(t, out, 3)

	assert.Equal(t, types.RoleUser, out[0].Role)
	assert.Equal(t, "first question\n\nsecond question", out[0].Content)
	assert.Equal(t, types.RoleAssistant, out[1].Role)
	assert.Equal(t, "first answer\n\nsecond answer", out[1].Content)
	assert.Equal(t, "follow-up", out[2].Content)
}

func TestConsolidate_DisabledKeepsMessages(t *testing.T) {
	messages := []types.Message{
		types.UserMessage("a"),
		types.UserMessage("b"),
	}
	out := consolidate(messages, false)
	assert.Equal(t, messages, out)
}

func TestConsolidate_EmptyInput(t *testing.T) {
	assert.Nil(t, consolidate(nil, true))
}

func TestConsolidate_FlattensMultimodalToText(t *testing.T) {
	messages := []types.Message{
		types.UserMessage("look at this").WithParts([]types.Part{
			{Type: types.PartText, Text: "look at this"},
			{Type: types.PartImageURL, URL: "data:image/png;base64,AAAA"},
		}),
		types.UserMessage("what is it?"),
	}

	out := consolidate(messages, true)
	require.Len(t, out, 1)
	assert.Equal(t, "look at this\n\nwhat is it?", out[0].Content)
	assert.Empty(t, out[0].Parts)
}

func TestConsolidate_DefaultsEmptyRoleToUser(t *testing.T) {
	messages := []types.Message{
		{Content: "untyped"},
		types.UserMessage("typed"),
	}
	out := consolidate(messages, true)
	require.Len(t, out, 1)
	assert.Equal(t, types.RoleUser, out[0].Role)
	assert.Equal(t, "untyped\n\ntyped", out[0].Content)
}

func TestFormatAsTranscript(t *testing.T) {
	messages := []types.Message{
		types.SystemMessage("be concise"),
		types.UserMessage("what is 2+2?"),
		types.AssistantMessage("4"),
	}

	transcript := formatAsTranscript(messages)
	assert.Equal(t, "SYSTEM: be concise\n\nUSER: what is 2+2?\n\nASSISTANT: 4", transcript)
}

func TestBuildCompressionPrompt_Distill(t *testing.T) {
	prompt := buildCompressionPrompt(StrategyDistill, []types.Message{
		types.UserMessage("prove that sqrt(2) is irrational"),
	})

	assert.Contains(t, prompt, "Extract the core concepts, key decisions, and critical reasoning steps")
	assert.Contains(t, prompt, "USER: prove that sqrt(2) is irrational")
	assert.Contains(t, prompt, "Distilled Summary:")
}

func TestBuildCompressionPrompt_Summarize(t *testing.T) {
	prompt := buildCompressionPrompt(StrategySummarize, []types.Message{
		types.UserMessage("plan a trip"),
		types.AssistantMessage("day one: museum"),
	})

	assert.Contains(t, prompt, "Summarize the following conversation history")
	assert.Contains(t, prompt, "1. Main topics discussed")
	assert.Contains(t, prompt, "USER: plan a trip\n\nASSISTANT: day one: museum")
	assert.NotContains(t, prompt, "Distilled Summary:")
}
