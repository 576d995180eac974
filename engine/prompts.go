package engine

import (
	"fmt"
	"strings"
)

// Stage prompts. Deliberately concise and proof-oriented so they transfer
// across models without tuning.
const (
	initialPrompt = "You are a careful mathematician. Read the problem, reason step-by-step, and produce a fully" +
		" rigorous solution with explicit lemmas. Keep derivations auditable."

	verifyPrompt = "You are a strict proof checker. Check the solution for correctness, hidden assumptions," +
		" and gaps. If incorrect, identify the first concrete error and explain why."

	correctPrompt = "Fix the solution strictly based on the verification feedback. Provide corrected steps only."

	planPrompt = "Produce a minimal plan for solving the problem, enumerating distinct approaches" +
		" (algebraic, geometric, combinatorial, number-theoretic) with 1-2 bullets each."

	synthesizePrompt = "Synthesize multiple candidate solutions. Prefer the most rigorous argument." +
		" Resolve conflicts and produce a single coherent proof."
)

// verifyJSONGuard is appended to the judge's user turn on providers without
// structured output so the reply stays machine-readable.
const verifyJSONGuard = `Return ONLY a single-line minified JSON object matching the schema: ` +
	`{"is_correct":true,"reasoning":"...","errors":[]}. No extra text or explanation.`

// buildSystemPrompt assembles the worker's system prompt, appending the
// knowledge section when one is supplied.
func buildSystemPrompt(knowledge string) string {
	if knowledge == "" {
		return initialPrompt
	}
	return initialPrompt + "\n\n### Knowledge ###\n" + knowledge + "\n"
}

// buildVerifyInput is the judge's user turn.
func buildVerifyInput(problem, solution string) string {
	return "Problem:\n" + problem + "\n\nSolution:\n" + solution
}

// buildCorrectionInput feeds the verifier's findings back to the solver.
func buildCorrectionInput(problem, solution, feedback string) string {
	return "Problem:\n" + problem + "\n\nPrevious solution:\n" + solution + "\n\nVerifier feedback:\n" + feedback
}

// buildSummaryPrompt produces the user-facing wrap-up request.
func buildSummaryPrompt(problem, solution string) string {
	return "Write a concise final answer for the user, summarizing the key steps and final result.\n\n" +
		"Problem:\n" + problem + "\n\nSynthesized Solution:\n" + solution + "\n"
}

// buildAgentConfigPrompt asks for worker configurations as strict JSON. The
// count is stated twice because models follow explicit cardinality better.
func buildAgentConfigPrompt(numAgents int) string {
	return fmt.Sprintf("Given the plan, produce %d diverse agent configurations that enforce diversity"+
		" of approach and detail their constraints. Return ONLY a JSON array of exactly %d objects"+
		` matching the schema: [{"system_prompt":"...","temperature":0.7,"model_override":"optional","seed":1}].`+
		" No extra text or explanation.", numAgents, numAgents)
}

// buildAgentConfigInput is the user turn for the agent-config stage.
func buildAgentConfigInput(plan, problem string) string {
	return "Plan:\n" + plan + "\n\nProblem:\n" + problem
}

// buildAgentProblem augments the shared problem with one worker's guidance.
func buildAgentProblem(problem, guidance string) string {
	return problem + "\n\n### Agent Guidance ###\n" + guidance
}

// buildSynthesisInput lays out every worker's solution under its agent id.
func buildSynthesisInput(problem string, sections []string) string {
	return "Problem:\n" + problem + "\n\nAgent Solutions:\n" + strings.Join(sections, "\n\n---\n\n")
}
