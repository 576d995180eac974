package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/thinkflow/llm"
	"github.com/BaSui01/thinkflow/llm/prefixcache"
	"github.com/BaSui01/thinkflow/llm/ratelimit"
	"github.com/BaSui01/thinkflow/types"
)

// Options configures one DeepThink run. Zero values take the defaults;
// contradictory settings are rejected in one batched error.
type Options struct {
	// MaxIterations bounds the verify cycles. Default 20.
	MaxIterations int
	// RequiredVerifications is how many consecutive passes end the run
	// successfully. Default 3.
	RequiredVerifications int
	// MaxErrors is the non-retryable provider failure budget. Default 10.
	MaxErrors int
	// ParallelJudges verifies with a three-judge majority instead of a
	// single verdict.
	ParallelJudges bool
	// MaxRetries adds an engine-side backoff retry for rate-limit and
	// timeout failures. Zero leaves retrying to the provider adapter.
	MaxRetries int
	// Params are the sampling settings forwarded on every call.
	Params types.CallParams
	// RateLimit is the admission config for this run's buckets.
	RateLimit ratelimit.Config
	// Knowledge is prepended to the system prompt under a knowledge section.
	Knowledge string
	// History is the prior conversation carried into the working history.
	History []types.Message
	// RunID labels the run; empty draws a fresh id.
	RunID string
}

func (o *Options) normalize() {
	if o.MaxIterations == 0 {
		o.MaxIterations = 20
	}
	if o.RequiredVerifications == 0 {
		o.RequiredVerifications = 3
	}
	if o.MaxErrors == 0 {
		o.MaxErrors = 10
	}
}

func (o Options) validate() error {
	var issues []string
	if o.MaxIterations < 0 {
		issues = append(issues, "max_iterations must be positive")
	}
	if o.RequiredVerifications < 0 {
		issues = append(issues, "required_verifications must be positive")
	}
	if o.MaxErrors < 0 {
		issues = append(issues, "max_errors must be positive")
	}
	if o.MaxRetries < 0 {
		issues = append(issues, "max_retries must be >= 0")
	}
	if o.RequiredVerifications > o.MaxIterations {
		issues = append(issues, fmt.Sprintf("required_verifications (%d) cannot exceed max_iterations (%d)",
			o.RequiredVerifications, o.MaxIterations))
	}
	if len(issues) > 0 {
		return types.InvalidRequestError("deepthink options invalid: " + strings.Join(issues, "; "))
	}
	return nil
}

// DeepThinkResult is the outcome of one run.
type DeepThinkResult struct {
	RunID    string `json:"run_id"`
	Solution string `json:"solution"`
	Summary  string `json:"summary"`
	// Iterations is how many verify cycles ran.
	Iterations int `json:"iterations"`
	// Verifications is the consecutive-pass count at exit.
	Verifications int `json:"verifications"`
	// VerificationsMet reports whether the required pass count was reached.
	// False is a valid outcome, not an error: the best candidate is still
	// returned.
	VerificationsMet bool                 `json:"verifications_met"`
	VerificationLog  []VerificationRecord `json:"verification_log"`
	// Errors lists provider failures absorbed during the run.
	Errors []string         `json:"errors,omitempty"`
	Usage  types.UsageStats `json:"usage"`
	// Anomalies carries usage inconsistencies the meter warned about.
	Anomalies []string `json:"anomalies,omitempty"`
}

// DeepThink is the single-worker solve/verify/correct loop.
type DeepThink struct {
	core
	cfg Options
}

// NewDeepThink builds a worker over the given provider and base model.
func NewDeepThink(provider llm.Provider, baseModel string, cfg Options, opts ...Option) (*DeepThink, error) {
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
	return &DeepThink{
		core: newCore(provider, baseModel, cfg.RateLimit, cfg.MaxRetries, opts...),
		cfg:  cfg,
	}, nil
}

// Run drives the state machine: generate an initial solution, verify it,
// correct on failing verdicts, and stop once enough consecutive passes
// accumulate or a budget runs out. Exhausting the iteration or error budget
// is not a failure: the run summarises its best candidate with
// VerificationsMet false.
func (e *DeepThink) Run(ctx context.Context, problem string) (*DeepThinkResult, error) {
	if strings.TrimSpace(problem) == "" {
		return nil, types.InvalidRequestError("problem must not be empty")
	}

	runID := e.cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	ctx, span := e.tracer.Start(ctx, "deepthink.run",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.String("llm.provider", e.provider.Name()),
			attribute.String("llm.model", e.baseModel),
		))
	defer span.End()

	logger := e.logger.With(zap.String("run_id", runID))
	tally := &usageTally{}

	start := time.Now()
	runStatus := "error"
	runIters := 0
	defer func() {
		e.collector.RecordEngineRun("deepthink", runStatus, time.Since(start), runIters)
	}()

	solution, err := e.generateInitial(ctx, problem, tally)
	if err != nil {
		return nil, err
	}
	logger.Debug("initial solution generated", zap.Int("length", len(solution)))

	var (
		verLog   []VerificationRecord
		runErrs  []string
		passes   int
		errCount int
		met      bool
	)

	iter := 1
	for {
		record, verr := e.verifySolution(ctx, problem, solution, e.cfg.Params, iter, e.cfg.ParallelJudges, tally)
		if verr != nil {
			if aerr := abortErr(ctx, verr); aerr != nil {
				return nil, aerr
			}
			e.collector.RecordVerification("error")
			errCount++
			runErrs = append(runErrs, verr.Error())
			logger.Warn("verification call failed",
				zap.Int("iteration", iter), zap.Error(verr))
		} else {
			if record.IsCorrect {
				e.collector.RecordVerification("pass")
			} else {
				e.collector.RecordVerification("fail")
			}
			verLog = append(verLog, record)
			if record.IsCorrect {
				passes++
				errCount = 0
				if passes >= e.cfg.RequiredVerifications {
					met = true
					break
				}
			} else {
				passes = 0
			}
			logger.Debug("verification complete",
				zap.Int("iteration", iter),
				zap.Bool("is_correct", record.IsCorrect),
				zap.Int("passes", passes))
		}

		if iter >= e.cfg.MaxIterations || errCount >= e.cfg.MaxErrors {
			break
		}

		if verr == nil && !record.IsCorrect {
			corrected, cerr := e.correct(ctx, problem, solution, record, tally)
			if cerr != nil {
				if aerr := abortErr(ctx, cerr); aerr != nil {
					return nil, aerr
				}
				errCount++
				runErrs = append(runErrs, cerr.Error())
				logger.Warn("correction call failed",
					zap.Int("iteration", iter), zap.Error(cerr))
				if errCount >= e.cfg.MaxErrors {
					break
				}
			} else if corrected != "" {
				solution = corrected
			}
		}
		iter++
	}

	summary, err := e.summarize(ctx, problem, solution, tally)
	if err != nil {
		return nil, err
	}
	runStatus, runIters = "success", iter

	logger.Info("deepthink run complete",
		zap.Int("iterations", iter),
		zap.Int("verifications", passes),
		zap.Bool("verifications_met", met))

	return &DeepThinkResult{
		RunID:            runID,
		Solution:         solution,
		Summary:          summary,
		Iterations:       iter,
		Verifications:    passes,
		VerificationsMet: met,
		VerificationLog:  verLog,
		Errors:           runErrs,
		Usage:            tally.snapshot(),
		Anomalies:        e.meter.Anomalies(),
	}, nil
}

// generateInitial folds the working history, anchors the provider-side
// prefix when the responses wire is available, and produces the first
// candidate solution. A failure here is fatal: there is nothing to verify
// or summarise yet.
func (e *DeepThink) generateInitial(ctx context.Context, problem string, tally *usageTally) (string, error) {
	system := buildSystemPrompt(e.cfg.Knowledge)

	working := make([]types.Message, 0, len(e.cfg.History)+2)
	working = append(working, types.SystemMessage(system))
	working = append(working, e.cfg.History...)

	if e.folder != nil {
		folded, stats, err := e.folder.Fold(ctx, working)
		if err != nil {
			return "", err
		}
		if e.provider.Variant() == llm.VariantMessagesWithCacheControl {
			folded = e.folder.MarkCacheBoundary(folded)
		}
		if stats.OriginalTokens > 0 {
			e.meter.RecordFolding(e.folder.Config().ColdStrategy,
				stats.OriginalTokens, stats.CompressedTokens, stats.DistillationTokens)
		}
		working = folded
	}
	messages := append(working, types.UserMessage(problem))

	// The prefix fingerprint covers the stable request prefix (system,
	// knowledge, prior history, params), not the current problem turn, so
	// successive turns over one conversation share the anchor.
	prefixFP := ""
	previousID := ""
	if e.cache != nil && e.provider.Capabilities().Has(llm.CapResponses) {
		fp, err := prefixcache.Fingerprint(e.provider.Name(), e.stageModel(stageInitial),
			system, e.cfg.Knowledge, e.cfg.History, e.cfg.Params.Canonical())
		if err != nil {
			return "", err
		}
		prefixFP = fp
		if id, ok := e.cache.GetResponseID(ctx, prefixFP); ok {
			previousID = id
		}
	}

	res, err := e.callLLM(ctx, stageInitial, messages, e.cfg.Params, true, previousID)
	if err != nil {
		if aerr := abortErr(ctx, err); aerr != nil {
			return "", aerr
		}
		return "", err
	}
	tally.addCall(res)

	if prefixFP != "" && res.responseID != "" {
		if err := e.cache.SetResponseID(ctx, prefixFP, res.responseID); err != nil {
			e.logger.Warn("failed to stash response id", zap.Error(err))
		}
	}
	return res.text, nil
}

// correct asks the solver to repair the solution using the verifier's
// feedback. An empty reply keeps the previous candidate.
func (e *DeepThink) correct(ctx context.Context, problem, solution string, record VerificationRecord, tally *usageTally) (string, error) {
	feedback := record.Reasoning
	if len(record.Errors) > 0 {
		feedback += "\n- " + strings.Join(record.Errors, "\n- ")
	}
	messages := []types.Message{
		types.SystemMessage(correctPrompt),
		types.UserMessage(buildCorrectionInput(problem, solution, feedback)),
	}
	res, err := e.callLLM(ctx, stageCorrection, messages, e.cfg.Params, false, "")
	if err != nil {
		return "", err
	}
	tally.addCall(res)
	return res.text, nil
}

// summarize produces the user-facing wrap-up of the final candidate.
func (e *DeepThink) summarize(ctx context.Context, problem, solution string, tally *usageTally) (string, error) {
	messages := []types.Message{
		types.UserMessage(buildSummaryPrompt(problem, solution)),
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
