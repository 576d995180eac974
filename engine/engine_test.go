package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/thinkflow/llm"
	"github.com/BaSui01/thinkflow/types"
)

// Canned judge verdicts.
const (
	passVerdictJSON = `{"is_correct": true, "reasoning": "The argument is rigorous.", "errors": []}`
	failVerdictJSON = `{"is_correct": false, "reasoning": "Sign error in step two.", "errors": ["sign flips in step two"]}`
)

// callUsage is what every scripted call reports.
var callUsage = types.UsageStats{Input: 10, Output: 5}

// fakeProvider replays scripted replies per stage. The stage is recovered
// from the request's system prompt, so the same fake serves both wires and
// any model routing. Calls in flight are tracked for fan-out assertions.
type fakeProvider struct {
	name    string
	variant llm.Variant
	caps    llm.Capability
	latency time.Duration

	// script maps a stage to its reply; n is the 1-based call count for
	// that stage and user is the text of the request's last user turn.
	script map[string]func(n int, user string) (string, error)

	mu          sync.Mutex
	stageCalls  map[string]int
	chatReqs    []*llm.ChatRequest
	respReqs    []*llm.ResponsesRequest
	inflight    int
	maxInflight int
	responseSeq int
}

func newFakeProvider(script map[string]func(int, string) (string, error)) *fakeProvider {
	return &fakeProvider{
		name:       "fake",
		variant:    llm.VariantChatCompletion,
		script:     script,
		stageCalls: make(map[string]int),
	}
}

func newFakeResponsesProvider(script map[string]func(int, string) (string, error)) *fakeProvider {
	p := newFakeProvider(script)
	p.variant = llm.VariantResponses
	p.caps = llm.CapResponses
	return p
}

// reply scripts a constant reply for a stage.
func reply(text string) func(int, string) (string, error) {
	return func(int, string) (string, error) { return text, nil }
}

// failWith scripts a constant failure for a stage.
func failWith(err error) func(int, string) (string, error) {
	return func(int, string) (string, error) { return "", err }
}

func (p *fakeProvider) Name() string                 { return p.name }
func (p *fakeProvider) Variant() llm.Variant         { return p.variant }
func (p *fakeProvider) Capabilities() llm.Capability { return p.caps }

func (p *fakeProvider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	stage := stageOf(req.Messages)
	fn, n := p.track(stage, req, nil)
	defer p.done()

	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, types.ServerError("no scripted reply for stage " + stage)
	}
	text, err := fn(n, lastUser(req.Messages))
	if err != nil {
		return nil, err
	}
	return &llm.ChatResponse{
		Provider: p.name,
		Model:    req.Model,
		Text:     text,
		Usage:    callUsage,
	}, nil
}

func (p *fakeProvider) ChatStream(context.Context, *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	return nil, llm.ErrNotSupported
}

func (p *fakeProvider) Responses(ctx context.Context, req *llm.ResponsesRequest) (*llm.ResponsesResult, error) {
	if !p.caps.Has(llm.CapResponses) {
		return nil, llm.ErrNotSupported
	}
	stage := stageOf(req.Input)
	fn, n := p.track(stage, nil, req)
	defer p.done()

	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, types.ServerError("no scripted reply for stage " + stage)
	}
	text, err := fn(n, lastUser(req.Input))
	if err != nil {
		return nil, err
	}

	// A chained call reuses the provider-side prefix, which shows up as
	// cached input tokens.
	usage := callUsage
	if req.PreviousResponseID != "" {
		usage.Cached = 8
	}

	p.mu.Lock()
	p.responseSeq++
	id := fmt.Sprintf("resp-%d", p.responseSeq)
	p.mu.Unlock()

	return &llm.ResponsesResult{
		ResponseID: id,
		Provider:   p.name,
		Model:      req.Model,
		Text:       text,
		Usage:      usage,
	}, nil
}

func (p *fakeProvider) track(stage string, creq *llm.ChatRequest, rreq *llm.ResponsesRequest) (func(int, string) (string, error), int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stageCalls[stage]++
	if creq != nil {
		p.chatReqs = append(p.chatReqs, creq)
	}
	if rreq != nil {
		p.respReqs = append(p.respReqs, rreq)
	}
	p.inflight++
	if p.inflight > p.maxInflight {
		p.maxInflight = p.inflight
	}
	return p.script[stage], p.stageCalls[stage]
}

func (p *fakeProvider) done() {
	p.mu.Lock()
	p.inflight--
	p.mu.Unlock()
}

func (p *fakeProvider) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return types.TimeoutError("fake provider interrupted").WithCause(err)
	}
	if p.latency <= 0 {
		return nil
	}
	timer := time.NewTimer(p.latency)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return types.TimeoutError("fake provider interrupted").WithCause(ctx.Err())
	}
}

func (p *fakeProvider) stageCount(stage string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stageCalls[stage]
}

func (p *fakeProvider) totalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, n := range p.stageCalls {
		total += n
	}
	return total
}

func (p *fakeProvider) maxInFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxInflight
}

func (p *fakeProvider) chatRequests() []*llm.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*llm.ChatRequest(nil), p.chatReqs...)
}

func (p *fakeProvider) responsesRequests() []*llm.ResponsesRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*llm.ResponsesRequest(nil), p.respReqs...)
}

// stageOf recovers the stage from the prompts that define it.
func stageOf(messages []types.Message) string {
	system, _ := splitSystem(messages)
	switch {
	case strings.HasPrefix(system, "You are a strict proof checker"):
		return stageVerification
	case strings.HasPrefix(system, "Fix the solution strictly"):
		return stageCorrection
	case strings.HasPrefix(system, "Produce a minimal plan"):
		return stagePlanning
	case strings.HasPrefix(system, "Given the plan, produce"):
		return stageAgentConfig
	case strings.HasPrefix(system, "Synthesize multiple candidate"):
		return stageSynthesis
	case system == "":
		return stageSummary
	default:
		return stageInitial
	}
}

func lastUser(messages []types.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.RoleUser {
			return messages[i].Text()
		}
	}
	return ""
}

// deepThinkScript is the happy path: solve, approve, summarise.
func deepThinkScript() map[string]func(int, string) (string, error) {
	return map[string]func(int, string) (string, error){
		stageInitial:      reply("Compute 2 + 2 = 4. The answer is 4."),
		stageVerification: reply(passVerdictJSON),
		stageSummary:      reply("The final answer is 4."),
	}
}

// ultraThinkScript extends the happy path with the orchestration stages.
func ultraThinkScript(agentConfigs string) map[string]func(int, string) (string, error) {
	script := deepThinkScript()
	script[stagePlanning] = reply("1. Try algebra.\n2. Try geometry.\n3. Try counting.")
	script[stageAgentConfig] = reply(agentConfigs)
	script[stageSynthesis] = reply("All approaches agree: the answer is 4.")
	return script
}
