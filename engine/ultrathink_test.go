package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/thinkflow/llm"
	"github.com/BaSui01/thinkflow/llm/meter"
	"github.com/BaSui01/thinkflow/types"
)

const threeAgentConfigJSON = `[
  {"system_prompt": "Use algebra.", "temperature": 0.2},
  {"system_prompt": "Use geometry.", "temperature": 0.5},
  {"system_prompt": "Use counting.", "temperature": 0.9}
]`

func TestUltraThink_FansOutUnderConcurrencyCeiling(t *testing.T) {
	provider := newFakeProvider(ultraThinkScript(threeAgentConfigJSON))
	provider.latency = 20 * time.Millisecond
	m := meter.NewMeter()

	eng, err := NewUltraThink(provider, "base-model", UltraOptions{
		NumAgents:                     3,
		ParallelRunAgents:             2,
		MaxIterationsPerAgent:         1,
		RequiredVerificationsPerAgent: 1,
	}, WithMeter(m))
	require.NoError(t, err)

	out, err := eng.Run(context.Background(), "2 + 2 = ?")
	require.NoError(t, err)

	require.Len(t, out.AgentResults, 3)
	for i, res := range out.AgentResults {
		assert.Equal(t, []string{"agent-0", "agent-1", "agent-2"}[i], res.AgentID)
		assert.True(t, res.VerificationsMet)
		assert.Equal(t, 1, res.Iterations)
		assert.Equal(t, "Compute 2 + 2 = 4. The answer is 4.", res.FinalSolution)
		assert.Equal(t, "The final answer is 4.", res.Reasoning)
		assert.Equal(t, types.UsageStats{Input: 30, Output: 15}, res.Usage)
		assert.Empty(t, res.Err)
	}

	assert.Equal(t, "1. Try algebra.\n2. Try geometry.\n3. Try counting.", out.Plan)
	assert.Equal(t, "All approaches agree: the answer is 4.", out.Synthesis)
	assert.Equal(t, "The final answer is 4.", out.Summary)

	// Plan, agent config, synthesis, summary plus three agents of three
	// calls each.
	assert.Equal(t, 13, provider.totalCalls())
	assert.Equal(t, types.UsageStats{Input: 130, Output: 65}, out.Usage)
	assert.Equal(t, types.UsageStats{Input: 130, Output: 65}, m.Total())

	assert.Equal(t, 2, provider.maxInFlight(), "fan-out must respect the ceiling")
}

func TestUltraThink_AgentPersonasShapeTheCalls(t *testing.T) {
	configs := `[
	  {"system_prompt": "Use algebra.", "temperature": 0.2, "seed": 11},
	  {"system_prompt": "Use geometry.", "temperature": 0.9}
	]`
	provider := newFakeProvider(ultraThinkScript(configs))

	eng, err := NewUltraThink(provider, "base-model", UltraOptions{
		NumAgents:                     2,
		MaxIterationsPerAgent:         1,
		RequiredVerificationsPerAgent: 1,
	})
	require.NoError(t, err)

	out, err := eng.Run(context.Background(), "2 + 2 = ?")
	require.NoError(t, err)

	var algebra, geometry *llm.ChatRequest
	for _, req := range provider.chatRequests() {
		if stageOf(req.Messages) != stageInitial {
			continue
		}
		user := lastUser(req.Messages)
		switch {
		case strings.Contains(user, "Use algebra."):
			algebra = req
		case strings.Contains(user, "Use geometry."):
			geometry = req
		}
	}
	require.NotNil(t, algebra)
	require.NotNil(t, geometry)

	// The persona rides inside the problem text, the plan rides as
	// knowledge, and the sampling overrides reach the wire.
	assert.Contains(t, lastUser(algebra.Messages), "### Agent Guidance ###")
	system, _ := splitSystem(algebra.Messages)
	assert.Contains(t, system, "### Knowledge ###")
	assert.Contains(t, system, "1. Try algebra.")

	require.NotNil(t, algebra.Params.Temperature)
	assert.InDelta(t, 0.2, *algebra.Params.Temperature, 1e-9)
	require.NotNil(t, algebra.Params.Seed)
	assert.Equal(t, int64(11), *algebra.Params.Seed)

	require.NotNil(t, geometry.Params.Temperature)
	assert.InDelta(t, 0.9, *geometry.Params.Temperature, 1e-9)

	// Synthesis sees both agents under their headers.
	var synthesisInput string
	for _, req := range provider.chatRequests() {
		if stageOf(req.Messages) == stageSynthesis {
			synthesisInput = lastUser(req.Messages)
		}
	}
	require.NotEmpty(t, synthesisInput)
	assert.Contains(t, synthesisInput, "Agent Solutions:")
	assert.Contains(t, synthesisInput, "### agent-0 ###")
	assert.Contains(t, synthesisInput, "### agent-1 ###")
	assert.Contains(t, synthesisInput, "\n\n---\n\n")

	assert.Len(t, out.AgentResults, 2)
}

func TestUltraThink_InvalidAgentConfigRejectsRun(t *testing.T) {
	provider := newFakeProvider(ultraThinkScript("I think three agents would be nice."))
	m := meter.NewMeter()

	eng, err := NewUltraThink(provider, "base-model",
		UltraOptions{NumAgents: 3}, WithMeter(m))
	require.NoError(t, err)

	_, err = eng.Run(context.Background(), "2 + 2 = ?")
	require.Error(t, err)
	assert.Equal(t, types.KindInvalidRequest, types.GetKind(err))

	// No agent ever started: only the planning and configuration calls were
	// made and billed.
	assert.Equal(t, 1, provider.stageCount(stagePlanning))
	assert.Equal(t, 1, provider.stageCount(stageAgentConfig))
	assert.Zero(t, provider.stageCount(stageInitial))
	assert.Zero(t, provider.stageCount(stageSynthesis))
	assert.Zero(t, provider.stageCount(stageSummary))
	assert.Equal(t, types.UsageStats{Input: 20, Output: 10}, m.Total())
}

func TestUltraThink_SingleAgent(t *testing.T) {
	provider := newFakeProvider(ultraThinkScript(
		`[{"system_prompt": "Work alone.", "temperature": 0.5}]`))

	eng, err := NewUltraThink(provider, "base-model", UltraOptions{
		NumAgents:                     1,
		MaxIterationsPerAgent:         1,
		RequiredVerificationsPerAgent: 1,
	})
	require.NoError(t, err)

	out, err := eng.Run(context.Background(), "2 + 2 = ?")
	require.NoError(t, err)

	require.Len(t, out.AgentResults, 1)
	assert.Equal(t, "agent-0", out.AgentResults[0].AgentID)
	assert.True(t, out.AgentResults[0].VerificationsMet)
	assert.NotEmpty(t, out.Synthesis)
}

func TestUltraThink_SiblingFailureIsIsolated(t *testing.T) {
	configs := `[
	  {"system_prompt": "Use algebra.", "temperature": 0.2},
	  {"system_prompt": "Fail here.", "temperature": 0.5}
	]`
	script := ultraThinkScript(configs)
	script[stageInitial] = func(_ int, user string) (string, error) {
		if strings.Contains(user, "Fail here.") {
			return "", types.ServerError("model unavailable")
		}
		return "Compute 2 + 2 = 4. The answer is 4.", nil
	}
	provider := newFakeProvider(script)

	eng, err := NewUltraThink(provider, "base-model", UltraOptions{
		NumAgents:                     2,
		MaxIterationsPerAgent:         1,
		RequiredVerificationsPerAgent: 1,
	})
	require.NoError(t, err)

	out, err := eng.Run(context.Background(), "2 + 2 = ?")
	require.NoError(t, err)

	require.Len(t, out.AgentResults, 2)
	assert.True(t, out.AgentResults[0].VerificationsMet)
	assert.NotEmpty(t, out.AgentResults[1].Err)
	assert.Empty(t, out.AgentResults[1].FinalSolution)

	// The failed agent is left out of the synthesis input.
	var synthesisInput string
	for _, req := range provider.chatRequests() {
		if stageOf(req.Messages) == stageSynthesis {
			synthesisInput = lastUser(req.Messages)
		}
	}
	require.NotEmpty(t, synthesisInput)
	assert.Contains(t, synthesisInput, "### agent-0 ###")
	assert.NotContains(t, synthesisInput, "### agent-1 ###")
}

func TestUltraThink_AllAgentsFailingFailsTheRun(t *testing.T) {
	configs := `[
	  {"system_prompt": "Fail here.", "temperature": 0.2},
	  {"system_prompt": "Fail here.", "temperature": 0.5}
	]`
	script := ultraThinkScript(configs)
	script[stageInitial] = failWith(types.ServerError("model unavailable"))
	provider := newFakeProvider(script)

	eng, err := NewUltraThink(provider, "base-model", UltraOptions{
		NumAgents:                     2,
		MaxIterationsPerAgent:         1,
		RequiredVerificationsPerAgent: 1,
	})
	require.NoError(t, err)

	_, err = eng.Run(context.Background(), "2 + 2 = ?")
	require.Error(t, err)
	assert.Equal(t, types.KindServer, types.GetKind(err))
	assert.Contains(t, err.Error(), "all agents failed")
}

func TestUltraThink_ModelOverrideRoutesAgent(t *testing.T) {
	provider := newFakeProvider(ultraThinkScript(
		`[{"system_prompt": "Use the big model.", "temperature": 0.3, "model_override": "special-model"}]`))

	eng, err := NewUltraThink(provider, "base-model", UltraOptions{
		NumAgents:                     1,
		MaxIterationsPerAgent:         1,
		RequiredVerificationsPerAgent: 1,
	})
	require.NoError(t, err)

	_, err = eng.Run(context.Background(), "2 + 2 = ?")
	require.NoError(t, err)

	models := map[string]string{}
	for _, req := range provider.chatRequests() {
		models[stageOf(req.Messages)] = req.Model
	}
	assert.Equal(t, "base-model", models[stagePlanning])
	assert.Equal(t, "base-model", models[stageSynthesis])
	assert.Equal(t, "special-model", models[stageInitial])
	assert.Equal(t, "special-model", models[stageVerification])
}

func TestUltraThink_OptionsValidation(t *testing.T) {
	provider := newFakeProvider(nil)

	t.Run("negatives are batched", func(t *testing.T) {
		_, err := NewUltraThink(provider, "base-model", UltraOptions{
			NumAgents:         -1,
			ParallelRunAgents: -2,
			MaxErrors:         -3,
		})
		require.Error(t, err)
		assert.Equal(t, types.KindInvalidRequest, types.GetKind(err))
		assert.Contains(t, err.Error(), "num_agents")
		assert.Contains(t, err.Error(), "parallel_run_agents")
		assert.Contains(t, err.Error(), "max_errors")
	})

	t.Run("per-agent requirement above budget", func(t *testing.T) {
		_, err := NewUltraThink(provider, "base-model", UltraOptions{
			MaxIterationsPerAgent:         2,
			RequiredVerificationsPerAgent: 5,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot exceed")
	})

	t.Run("nil provider", func(t *testing.T) {
		_, err := NewUltraThink(nil, "base-model", UltraOptions{})
		require.Error(t, err)
		assert.Equal(t, types.KindInvalidRequest, types.GetKind(err))
	})

	t.Run("empty model", func(t *testing.T) {
		_, err := NewUltraThink(provider, "", UltraOptions{})
		require.Error(t, err)
		assert.Equal(t, types.KindInvalidRequest, types.GetKind(err))
	})
}

func TestUltraThink_EmptyProblemRejected(t *testing.T) {
	provider := newFakeProvider(ultraThinkScript(threeAgentConfigJSON))
	eng, err := NewUltraThink(provider, "base-model", UltraOptions{})
	require.NoError(t, err)

	_, err = eng.Run(context.Background(), " ")
	require.Error(t, err)
	assert.Equal(t, types.KindInvalidRequest, types.GetKind(err))
}

func TestUltraThink_RunIDPropagates(t *testing.T) {
	provider := newFakeProvider(ultraThinkScript(threeAgentConfigJSON))
	eng, err := NewUltraThink(provider, "base-model", UltraOptions{
		NumAgents:                     3,
		MaxIterationsPerAgent:         1,
		RequiredVerificationsPerAgent: 1,
		RunID:                         "ultra-fixed",
	})
	require.NoError(t, err)

	out, err := eng.Run(context.Background(), "2 + 2 = ?")
	require.NoError(t, err)
	assert.Equal(t, "ultra-fixed", out.RunID)
}

func TestParseAgentConfigs(t *testing.T) {
	t.Run("bare array", func(t *testing.T) {
		configs, err := parseAgentConfigs(threeAgentConfigJSON, 3)
		require.NoError(t, err)
		require.Len(t, configs, 3)
		assert.Equal(t, "Use algebra.", configs[0].SystemPrompt)
		require.NotNil(t, configs[0].Temperature)
		assert.InDelta(t, 0.2, *configs[0].Temperature, 1e-9)
		assert.Empty(t, configs[0].ModelOverride)
		assert.Nil(t, configs[0].Seed)
	})

	t.Run("fenced with language tag", func(t *testing.T) {
		configs, err := parseAgentConfigs("```json\n"+threeAgentConfigJSON+"\n```", 3)
		require.NoError(t, err)
		assert.Len(t, configs, 3)
	})

	t.Run("fenced without language tag", func(t *testing.T) {
		configs, err := parseAgentConfigs("```\n"+threeAgentConfigJSON+"\n```", 3)
		require.NoError(t, err)
		assert.Len(t, configs, 3)
	})

	t.Run("optional fields", func(t *testing.T) {
		configs, err := parseAgentConfigs(
			`[{"system_prompt": "p", "temperature": 0.7, "model_override": "m2", "seed": 42}]`, 1)
		require.NoError(t, err)
		assert.Equal(t, "m2", configs[0].ModelOverride)
		require.NotNil(t, configs[0].Seed)
		assert.Equal(t, int64(42), *configs[0].Seed)
	})

	t.Run("zero temperature is present", func(t *testing.T) {
		configs, err := parseAgentConfigs(`[{"system_prompt": "p", "temperature": 0}]`, 1)
		require.NoError(t, err)
		require.NotNil(t, configs[0].Temperature)
		assert.Zero(t, *configs[0].Temperature)
	})

	t.Run("wrong count", func(t *testing.T) {
		_, err := parseAgentConfigs(threeAgentConfigJSON, 2)
		require.Error(t, err)
		assert.Equal(t, types.KindInvalidRequest, types.GetKind(err))
		assert.Contains(t, err.Error(), "entries")
	})

	t.Run("missing temperature", func(t *testing.T) {
		_, err := parseAgentConfigs(`[{"system_prompt": "p"}]`, 1)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing temperature")
	})

	t.Run("missing system prompt", func(t *testing.T) {
		_, err := parseAgentConfigs(`[{"system_prompt": "  ", "temperature": 0.5}]`, 1)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing system_prompt")
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := parseAgentConfigs(`[{"system_prompt": "p", "temperature": 0.5, "role": "x"}]`, 1)
		require.Error(t, err)
		assert.Equal(t, types.KindInvalidRequest, types.GetKind(err))
	})

	t.Run("trailing content", func(t *testing.T) {
		_, err := parseAgentConfigs(`[{"system_prompt": "p", "temperature": 0.5}] and so on`, 1)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "trailing content")
	})

	t.Run("not an array", func(t *testing.T) {
		_, err := parseAgentConfigs(`{"system_prompt": "p", "temperature": 0.5}`, 1)
		require.Error(t, err)
		assert.Equal(t, types.KindInvalidRequest, types.GetKind(err))
	})

	t.Run("prose", func(t *testing.T) {
		_, err := parseAgentConfigs("three diverse agents, please", 3)
		require.Error(t, err)
		assert.Equal(t, types.KindInvalidRequest, types.GetKind(err))
	})
}

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no fence", `[1, 2]`, `[1, 2]`},
		{"json fence", "```json\n[1, 2]\n```", "[1, 2]"},
		{"plain fence", "```\n[1, 2]\n```", "[1, 2]"},
		{"padded", "  ```json\n[1, 2]\n```  ", "[1, 2]"},
		{"unterminated fence stays put", "```json\n[1, 2]", "```json\n[1, 2]"},
		{"opening fence only", "```", "```"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stripCodeFence(tt.in))
		})
	}
}
