package folding

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/thinkflow/internal/metrics"
	"github.com/BaSui01/thinkflow/llm"
	"github.com/BaSui01/thinkflow/llm/prefixcache"
	"github.com/BaSui01/thinkflow/llm/retry"
	"github.com/BaSui01/thinkflow/llm/tokenizer"
	"github.com/BaSui01/thinkflow/types"
)

// Folder compresses conversation history into layered context. It is safe
// for concurrent use: configuration is immutable after construction and all
// state lives in the per-call frames.
type Folder struct {
	cfg       Config
	distiller llm.Provider
	cache     *prefixcache.Cache
	counter   tokenizer.Tokenizer
	logger    *zap.Logger
	collector *metrics.Collector
}

// Option customises a Folder.
type Option func(*Folder)

// WithDistiller sets the provider used for cold-layer compression calls.
// Without one, distill and summarize degrade to the consolidation fallback.
func WithDistiller(p llm.Provider) Option {
	return func(f *Folder) { f.distiller = p }
}

// WithCache enables compressed-artefact caching.
func WithCache(c *prefixcache.Cache) Option {
	return func(f *Folder) { f.cache = c }
}

// WithTokenizer overrides the token counter used for fold accounting.
func WithTokenizer(t tokenizer.Tokenizer) Option {
	return func(f *Folder) { f.counter = t }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Folder) { f.logger = logger }
}

// WithCollector sets the metrics collector.
func WithCollector(c *metrics.Collector) Option {
	return func(f *Folder) { f.collector = c }
}

// NewFolder creates a Folder from a validated config.
func NewFolder(cfg Config, opts ...Option) (*Folder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	f := &Folder{cfg: cfg}
	for _, opt := range opts {
		opt(f)
	}
	if f.counter == nil {
		f.counter = tokenizer.GetTokenizerOrEstimator(cfg.DistillModel)
	}
	if f.logger == nil {
		f.logger = zap.NewNop()
	}
	if f.collector == nil {
		f.collector = metrics.Default()
	}
	return f, nil
}

// Config returns the folder's configuration.
func (f *Folder) Config() Config { return f.cfg }

// Fold compresses the history into [system verbatim, cold summary, warm
// consolidated, hot verbatim] and reports token accounting for the fold.
// Disabled folders and histories inside the hot window pass through
// untouched. Compression failures never fail the fold: the cold layer falls
// back to a consolidated transcript and the stats record the degradation.
func (f *Folder) Fold(ctx context.Context, messages []types.Message) ([]types.Message, Stats, error) {
	var stats Stats
	if !f.cfg.Enabled || len(messages) == 0 {
		return messages, stats, nil
	}

	// Leading system messages stay verbatim at the front; the layers cover
	// only the conversation that follows.
	lead := 0
	for lead < len(messages) && messages[lead].Role == types.RoleSystem {
		lead++
	}
	system := messages[:lead]

	cold, warm, hot := f.layer(messages[lead:])
	if len(cold) == 0 && len(warm) == 0 {
		return messages, stats, nil
	}

	if n, err := f.counter.CountMessages(messages); err == nil {
		stats.OriginalTokens = int64(n)
	} else {
		f.logger.Warn("token count failed for fold input", zap.Error(err))
	}

	folded := make([]types.Message, 0, len(messages))
	folded = append(folded, system...)

	if len(cold) > 0 {
		coldOut, spent, fellBack := f.processCold(ctx, cold)
		folded = append(folded, coldOut...)
		stats.DistillationTokens = spent
		stats.DistillFellBack = fellBack
	}

	if len(warm) > 0 {
		switch f.cfg.WarmStrategy {
		case StrategyNone:
			folded = append(folded, warm...)
		default:
			folded = append(folded, consolidate(warm, f.cfg.MergeConsecutiveRoles)...)
		}
	}

	folded = append(folded, hot...)

	if n, err := f.counter.CountMessages(folded); err == nil {
		stats.CompressedTokens = int64(n)
	} else {
		f.logger.Warn("token count failed for fold output", zap.Error(err))
	}

	strategy := StrategyConsolidate
	if len(cold) > 0 {
		strategy = f.cfg.ColdStrategy
	}
	f.collector.RecordFoldingSaved(strategy, stats.Saved())
	f.logger.Debug("folded history",
		zap.Int("messages_in", len(messages)),
		zap.Int("messages_out", len(folded)),
		zap.Int64("original_tokens", stats.OriginalTokens),
		zap.Int64("compressed_tokens", stats.CompressedTokens),
		zap.Int64("distillation_tokens", stats.DistillationTokens),
		zap.Bool("fell_back", stats.DistillFellBack),
	)

	return folded, stats, nil
}

// layer splits messages into cold/warm/hot by recency. The hot window is
// the last HotWindow messages, the warm window the WarmWindow before it,
// and everything older is cold.
func (f *Folder) layer(messages []types.Message) (cold, warm, hot []types.Message) {
	total := len(messages)
	h := f.cfg.HotWindow
	w := f.cfg.WarmWindow

	if total <= h {
		return nil, nil, messages
	}

	if total <= h+w {
		if h > 0 {
			return nil, messages[:total-h], messages[total-h:]
		}
		return nil, messages, nil
	}

	if h > 0 {
		hot = messages[total-h:]
	}
	if w > 0 {
		if h > 0 {
			warm = messages[total-h-w : total-h]
		} else {
			warm = messages[total-w:]
		}
	}
	if h+w > 0 {
		cold = messages[:total-h-w]
	} else {
		cold = messages
	}
	return cold, warm, hot
}

// processCold compresses the cold layer per the configured strategy and
// returns the replacement messages, the tokens spent compressing, and
// whether the LLM path fell back to consolidation.
func (f *Folder) processCold(ctx context.Context, cold []types.Message) ([]types.Message, int64, bool) {
	strategy := f.cfg.ColdStrategy
	if strategy == StrategyNone || strategy == "" {
		return cold, 0, false
	}
	if strategy == StrategyConsolidate {
		// Local rewrite: no distiller call and nothing worth caching.
		transcript := formatAsTranscript(consolidate(cold, f.cfg.MergeConsecutiveRoles))
		return []types.Message{types.SystemMessage(transcript)}, 0, false
	}

	var fp string
	if f.cache != nil && f.cfg.CacheCompressed {
		var err error
		fp, err = prefixcache.FoldFingerprint(strategy, f.cfg.DistillModel, cold)
		if err != nil {
			f.logger.Warn("fold fingerprint failed", zap.Error(err))
			fp = ""
		} else if cached, ok := f.cache.GetFold(ctx, fp, strategy); ok {
			return cached, 0, false
		}
	}

	summary, spent, err := f.compress(ctx, strategy, cold)
	if err != nil {
		f.logger.Warn("cold-layer compression failed, consolidating instead",
			zap.String("strategy", strategy),
			zap.Error(err),
		)
		fallback := formatAsTranscript(consolidate(cold, f.cfg.MergeConsecutiveRoles))
		return []types.Message{types.SystemMessage(fallback)}, spent, true
	}

	out := []types.Message{types.SystemMessage(summary)}
	if fp != "" {
		// Fallback output is never cached; only genuine summaries are worth
		// pinning for the TTL.
		if err := f.cache.SetFold(ctx, fp, strategy, out); err != nil {
			f.logger.Warn("fold cache write failed", zap.Error(err))
		}
	}
	return out, spent, false
}

// compress runs the distill or summarize prompt against the distiller
// provider, retrying transient failures up to MaxDistillRetries. Token
// spend accumulates across attempts.
func (f *Folder) compress(ctx context.Context, strategy string, cold []types.Message) (string, int64, error) {
	if f.distiller == nil {
		return "", 0, types.InvalidRequestError("no distiller provider configured")
	}
	model := f.cfg.DistillModel
	if model == "" {
		return "", 0, types.InvalidRequestError("distill model is empty")
	}

	req := &llm.ChatRequest{
		Model:    model,
		Messages: []types.Message{types.UserMessage(buildCompressionPrompt(strategy, cold))},
		Params:   types.CallParams{Temperature: types.Float64Ptr(f.cfg.DistillTemperature)},
	}

	retryer := retry.NewBackoffRetryer(&retry.RetryPolicy{
		MaxRetries:   f.cfg.MaxDistillRetries,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		// Compression is best-effort with a cheap fallback, so every failure
		// is worth one more attempt within the budget.
		Classify: func(error) bool { return true },
	}, f.logger)

	var spent int64
	result, err := retryer.DoWithResult(ctx, func() (any, error) {
		resp, err := f.distiller.Chat(ctx, req)
		if err != nil {
			return nil, err
		}
		spent += resp.Usage.Input + resp.Usage.Output
		if strings.TrimSpace(resp.Text) == "" {
			return nil, types.ServerError("compression returned empty text")
		}
		return resp, nil
	})
	if err != nil {
		return "", spent, err
	}
	return strings.TrimSpace(result.(*llm.ChatResponse).Text), spent, nil
}

// MarkCacheBoundary flags the last message before the hot window as a
// provider-side cache boundary. The hot window changes every turn, so the
// marker sits on the newest stable message; system messages are skipped
// because cache-control wires reject markers there. The input slice is not
// modified.
func (f *Folder) MarkCacheBoundary(messages []types.Message) []types.Message {
	h := f.cfg.HotWindow
	if len(messages) <= h {
		return messages
	}
	pos := len(messages) - h - 1
	if pos < 0 || messages[pos].Role == types.RoleSystem {
		return messages
	}
	out := make([]types.Message, len(messages))
	copy(out, messages)
	out[pos].CacheControl = true
	return out
}
