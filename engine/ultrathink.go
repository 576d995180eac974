package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/thinkflow/llm"
	"github.com/BaSui01/thinkflow/llm/ratelimit"
	"github.com/BaSui01/thinkflow/types"
)

// UltraOptions configures one UltraThink run.
type UltraOptions struct {
	// NumAgents is how many solver agents the plan is split across.
	// Default 3.
	NumAgents int
	// ParallelRunAgents caps how many agents run concurrently.
	// Default NumAgents.
	ParallelRunAgents int
	// MaxIterationsPerAgent bounds each agent's verify cycles. Default 10.
	MaxIterationsPerAgent int
	// RequiredVerificationsPerAgent is each agent's consecutive-pass
	// target. Default 2.
	RequiredVerificationsPerAgent int
	// MaxErrors is each agent's provider failure budget. Default 10.
	MaxErrors int
	// ParallelJudges enables the three-judge majority inside each agent.
	ParallelJudges bool
	// MaxRetries adds an engine-side backoff retry for rate-limit and
	// timeout failures. Zero leaves retrying to the provider adapter.
	MaxRetries int
	// Params are the sampling settings forwarded on every call. Agent
	// configs override temperature and seed per agent.
	Params types.CallParams
	// RateLimit is the admission config for this run's buckets.
	RateLimit ratelimit.Config
	// Knowledge is prepended to the planning context. Agents receive the
	// plan itself as their knowledge.
	Knowledge string
	// History is the prior conversation carried into each agent's history.
	History []types.Message
	// RunID labels the run; empty draws a fresh id.
	RunID string
}

func (o *UltraOptions) normalize() {
	if o.NumAgents == 0 {
		o.NumAgents = 3
	}
	if o.ParallelRunAgents == 0 {
		o.ParallelRunAgents = o.NumAgents
	}
	if o.MaxIterationsPerAgent == 0 {
		o.MaxIterationsPerAgent = 10
	}
	if o.RequiredVerificationsPerAgent == 0 {
		o.RequiredVerificationsPerAgent = 2
	}
	if o.MaxErrors == 0 {
		o.MaxErrors = 10
	}
}

func (o UltraOptions) validate() error {
	var issues []string
	if o.NumAgents < 0 {
		issues = append(issues, "num_agents must be positive")
	}
	if o.ParallelRunAgents < 0 {
		issues = append(issues, "parallel_run_agents must be positive")
	}
	if o.MaxIterationsPerAgent < 0 {
		issues = append(issues, "max_iterations_per_agent must be positive")
	}
	if o.RequiredVerificationsPerAgent < 0 {
		issues = append(issues, "required_verifications_per_agent must be positive")
	}
	if o.MaxErrors < 0 {
		issues = append(issues, "max_errors must be positive")
	}
	if o.MaxRetries < 0 {
		issues = append(issues, "max_retries must be >= 0")
	}
	if o.RequiredVerificationsPerAgent > o.MaxIterationsPerAgent {
		issues = append(issues, fmt.Sprintf("required_verifications_per_agent (%d) cannot exceed max_iterations_per_agent (%d)",
			o.RequiredVerificationsPerAgent, o.MaxIterationsPerAgent))
	}
	if len(issues) > 0 {
		return types.InvalidRequestError("ultrathink options invalid: " + strings.Join(issues, "; "))
	}
	return nil
}

// AgentConfig is one solver persona produced by the planning model.
// SystemPrompt and Temperature are required; the rest is optional.
type AgentConfig struct {
	SystemPrompt  string   `json:"system_prompt"`
	Temperature   *float64 `json:"temperature"`
	ModelOverride string   `json:"model_override,omitempty"`
	Seed          *int64   `json:"seed,omitempty"`
}

// AgentResult is one agent's contribution to the synthesis.
type AgentResult struct {
	AgentID       string `json:"agent_id"`
	FinalSolution string `json:"final_solution"`
	// Reasoning is the agent's own summary of its approach.
	Reasoning        string           `json:"reasoning"`
	Iterations       int              `json:"iterations"`
	Verifications    int              `json:"verifications"`
	VerificationsMet bool             `json:"verifications_met"`
	Usage            types.UsageStats `json:"usage"`
	// Err is set when the agent failed outright; its FinalSolution is
	// empty and the synthesis proceeds without it.
	Err string `json:"error,omitempty"`
}

// UltraThinkResult is the outcome of one orchestrated run.
type UltraThinkResult struct {
	RunID        string           `json:"run_id"`
	Plan         string           `json:"plan"`
	AgentResults []AgentResult    `json:"agent_results"`
	Synthesis    string           `json:"synthesis"`
	Summary      string           `json:"summary"`
	Usage        types.UsageStats `json:"usage"`
	Anomalies    []string         `json:"anomalies,omitempty"`
}

// UltraThink plans an attack on the problem, fans the plan out to
// independent DeepThink agents, and synthesises their solutions.
type UltraThink struct {
	core
	cfg  UltraOptions
	opts []Option
}

// NewUltraThink builds an orchestrator over the given provider and base
// model. The same functional options are replayed onto every agent so the
// whole run shares one meter, cache, and limiter.
func NewUltraThink(provider llm.Provider, baseModel string, cfg UltraOptions, opts ...Option) (*UltraThink, error) {
	if provider == nil {
		return nil, types.InvalidRequestError("provider is required")
	}
	if baseModel == "" {
		return nil, types.InvalidRequestError("model is required")
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &UltraThink{
		core: newCore(provider, baseModel, cfg.RateLimit, cfg.MaxRetries, opts...),
		cfg:  cfg,
		opts: opts,
	}, nil
}

// Run drives plan, agent configuration, fan-out, synthesis, and summary in
// order. The plan and configuration calls are fatal on failure; individual
// agent failures are absorbed into their AgentResult.
func (e *UltraThink) Run(ctx context.Context, problem string) (*UltraThinkResult, error) {
	if strings.TrimSpace(problem) == "" {
		return nil, types.InvalidRequestError("problem must not be empty")
	}

	runID := e.cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	ctx, span := e.tracer.Start(ctx, "ultrathink.run",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.String("llm.provider", e.provider.Name()),
			attribute.String("llm.model", e.baseModel),
			attribute.Int("num_agents", e.cfg.NumAgents),
		))
	defer span.End()

	logger := e.logger.With(zap.String("run_id", runID))
	tally := &usageTally{}

	start := time.Now()
	runStatus := "error"
	runIters := 0
	defer func() {
		e.collector.RecordEngineRun("ultrathink", runStatus, time.Since(start), runIters)
	}()

	plan, err := e.plan(ctx, problem, tally)
	if err != nil {
		return nil, err
	}
	logger.Debug("plan produced", zap.Int("length", len(plan)))

	configs, err := e.configureAgents(ctx, plan, problem, tally)
	if err != nil {
		return nil, err
	}

	results := e.fanOut(ctx, logger, plan, problem, configs)

	synthesis, err := e.synthesize(ctx, problem, results, tally)
	if err != nil {
		return nil, err
	}

	summary, err := e.summarizeRun(ctx, problem, synthesis, tally)
	if err != nil {
		return nil, err
	}

	usage := tally.snapshot()
	runStatus = "success"
	for _, r := range results {
		usage.Add(r.Usage)
		runIters += r.Iterations
	}

	logger.Info("ultrathink run complete",
		zap.Int("agents", len(results)),
		zap.Int64("total_tokens", usage.Total()))

	return &UltraThinkResult{
		RunID:        runID,
		Plan:         plan,
		AgentResults: results,
		Synthesis:    synthesis,
		Summary:      summary,
		Usage:        usage,
		Anomalies:    e.meter.Anomalies(),
	}, nil
}

func (e *UltraThink) plan(ctx context.Context, problem string, tally *usageTally) (string, error) {
	system := planPrompt
	if e.cfg.Knowledge != "" {
		system += "\n\n### Knowledge ###\n" + e.cfg.Knowledge + "\n"
	}
	messages := []types.Message{
		types.SystemMessage(system),
		types.UserMessage(problem),
	}
	res, err := e.callLLM(ctx, stagePlanning, messages, e.cfg.Params, false, "")
	if err != nil {
		if aerr := abortErr(ctx, err); aerr != nil {
			return "", aerr
		}
		return "", err
	}
	tally.addCall(res)
	return res.text, nil
}

// configureAgents asks the planning model for one persona per agent. The
// reply must be a bare JSON array of exactly NumAgents objects; anything
// else rejects the run before any agent spends tokens.
func (e *UltraThink) configureAgents(ctx context.Context, plan, problem string, tally *usageTally) ([]AgentConfig, error) {
	messages := []types.Message{
		types.SystemMessage(buildAgentConfigPrompt(e.cfg.NumAgents)),
		types.UserMessage(buildAgentConfigInput(plan, problem)),
	}
	res, err := e.callLLM(ctx, stageAgentConfig, messages, e.cfg.Params, false, "")
	if err != nil {
		if aerr := abortErr(ctx, err); aerr != nil {
			return nil, aerr
		}
		return nil, err
	}
	tally.addCall(res)

	configs, err := parseAgentConfigs(res.text, e.cfg.NumAgents)
	if err != nil {
		return nil, err
	}
	return configs, nil
}

// parseAgentConfigs decodes the planning model's configuration array
// strictly: code fences are stripped, but unknown fields, missing required
// fields, trailing content, or a count mismatch all reject the reply.
func parseAgentConfigs(text string, want int) ([]AgentConfig, error) {
	payload := stripCodeFence(text)

	var configs []AgentConfig
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&configs); err != nil {
		return nil, types.InvalidRequestError("agent configuration is not a valid JSON array").WithCause(err)
	}
	if dec.More() {
		return nil, types.InvalidRequestError("agent configuration has trailing content after the JSON array")
	}
	if len(configs) != want {
		return nil, types.InvalidRequestError(
			fmt.Sprintf("agent configuration has %d entries, want %d", len(configs), want))
	}
	for i, cfg := range configs {
		if strings.TrimSpace(cfg.SystemPrompt) == "" {
			return nil, types.InvalidRequestError(
				fmt.Sprintf("agent configuration %d is missing system_prompt", i))
		}
		if cfg.Temperature == nil {
			return nil, types.InvalidRequestError(
				fmt.Sprintf("agent configuration %d is missing temperature", i))
		}
	}
	return configs, nil
}

// stripCodeFence unwraps a ```json fenced block when the whole payload is
// one fence. Partial fences are left alone so the strict decoder can
// reject them.
func stripCodeFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	rest := trimmed[3:]
	if idx := strings.IndexByte(rest, '\n'); idx >= 0 {
		// Drop the language tag on the opening line.
		rest = rest[idx+1:]
	} else {
		return trimmed
	}
	closing := strings.LastIndex(rest, "```")
	if closing < 0 {
		return trimmed
	}
	return strings.TrimSpace(rest[:closing])
}

// fanOut runs one DeepThink worker per agent config under the concurrency
// cap. Results land at their construction index so agent-0..agent-N order
// is stable regardless of completion order.
func (e *UltraThink) fanOut(ctx context.Context, logger *zap.Logger, plan, problem string, configs []AgentConfig) []AgentResult {
	results := make([]AgentResult, len(configs))
	sem := semaphore.NewWeighted(int64(e.cfg.ParallelRunAgents))

	var wg sync.WaitGroup
	for i, cfg := range configs {
		wg.Add(1)
		go func(i int, cfg AgentConfig) {
			defer wg.Done()
			agentID := fmt.Sprintf("agent-%d", i)
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = AgentResult{AgentID: agentID, Err: err.Error()}
				return
			}
			defer sem.Release(1)
			results[i] = e.runAgent(ctx, logger, agentID, plan, problem, cfg)
		}(i, cfg)
	}
	wg.Wait()
	return results
}

// runAgent executes one persona as a full DeepThink run. The plan rides
// along as the agent's knowledge so every persona reasons against the same
// strategy, and the persona's own prompt travels inside the problem text.
func (e *UltraThink) runAgent(ctx context.Context, logger *zap.Logger, agentID, plan, problem string, cfg AgentConfig) AgentResult {
	model := e.baseModel
	if cfg.ModelOverride != "" {
		model = cfg.ModelOverride
	}

	params := e.cfg.Params
	params.Temperature = cfg.Temperature
	if cfg.Seed != nil {
		params.Seed = cfg.Seed
	}

	agentOpts := Options{
		MaxIterations:         e.cfg.MaxIterationsPerAgent,
		RequiredVerifications: e.cfg.RequiredVerificationsPerAgent,
		MaxErrors:             e.cfg.MaxErrors,
		ParallelJudges:        e.cfg.ParallelJudges,
		MaxRetries:            e.cfg.MaxRetries,
		Params:                params,
		RateLimit:             e.cfg.RateLimit,
		Knowledge:             plan,
		History:               e.cfg.History,
		RunID:                 agentID + "-" + uuid.NewString(),
	}

	opts := append([]Option{}, e.opts...)
	opts = append(opts, WithLogger(logger.With(zap.String("agent_id", agentID))))

	worker, err := NewDeepThink(e.provider, model, agentOpts, opts...)
	if err != nil {
		return AgentResult{AgentID: agentID, Err: err.Error()}
	}

	out, err := worker.Run(ctx, buildAgentProblem(problem, cfg.SystemPrompt))
	if err != nil {
		logger.Warn("agent run failed", zap.String("agent_id", agentID), zap.Error(err))
		return AgentResult{AgentID: agentID, Err: err.Error()}
	}
	return AgentResult{
		AgentID:          agentID,
		FinalSolution:    out.Solution,
		Reasoning:        out.Summary,
		Iterations:       out.Iterations,
		Verifications:    out.Verifications,
		VerificationsMet: out.VerificationsMet,
		Usage:            out.Usage,
	}
}

// synthesize merges the agents' solutions into a single argument. Failed
// agents are skipped; if every agent failed there is nothing to merge and
// the run fails.
func (e *UltraThink) synthesize(ctx context.Context, problem string, results []AgentResult, tally *usageTally) (string, error) {
	sections := make([]string, 0, len(results))
	for _, r := range results {
		if r.Err != "" {
			continue
		}
		sections = append(sections, "### "+r.AgentID+" ###\n"+r.FinalSolution)
	}
	if len(sections) == 0 {
		return "", types.ServerError("all agents failed; nothing to synthesize")
	}

	messages := []types.Message{
		types.SystemMessage(synthesizePrompt),
		types.UserMessage(buildSynthesisInput(problem, sections)),
	}
	res, err := e.callLLM(ctx, stageSynthesis, messages, e.cfg.Params, false, "")
	if err != nil {
		if aerr := abortErr(ctx, err); aerr != nil {
			return "", aerr
		}
		return "", err
	}
	tally.addCall(res)
	return res.text, nil
}

func (e *UltraThink) summarizeRun(ctx context.Context, problem, synthesis string, tally *usageTally) (string, error) {
	messages := []types.Message{
		types.UserMessage(buildSummaryPrompt(problem, synthesis)),
	}
	res, err := e.callLLM(ctx, stageSummary, messages, e.cfg.Params, false, "")
	if err != nil {
		if aerr := abortErr(ctx, err); aerr != nil {
			return "", aerr
		}
		return "", err
	}
	tally.addCall(res)
	return res.text, nil
}
