// Package gemini implements the Provider contract for the Google Generative
// Language API. The dialect is chat-shaped but with its own surface: the API
// key travels as a query parameter, system prompts become a
// systemInstruction block, the assistant role is called "model", and
// reasoning depth is steered through generationConfig.thinkingConfig.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/thinkflow/internal/tlsutil"
	"github.com/BaSui01/thinkflow/llm"
	"github.com/BaSui01/thinkflow/llm/providers"
	"github.com/BaSui01/thinkflow/types"
)

const (
	defaultName    = "gemini"
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultTimeout = 120 * time.Second
)

// Config carries the connection settings for one Gemini-shaped endpoint.
type Config struct {
	// Name identifies the provider instance in logs and error payloads.
	// Defaults to "gemini".
	Name string

	// APIKey is appended to every request URL as the key query parameter.
	APIKey string

	// BaseURL overrides the default API root, e.g. for proxies.
	BaseURL string

	// Timeout bounds each HTTP round trip. Defaults to 120s.
	Timeout time.Duration

	// Capabilities advertises what callers may ask of this instance.
	// CapResponses is always masked off: the dialect has no response store.
	Capabilities llm.Capability
}

// Provider talks to a Generative Language endpoint.
type Provider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

var _ llm.Provider = (*Provider)(nil)

// New builds a Provider from cfg, applying defaults for anything unset.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.Name == "" {
		cfg.Name = defaultName
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	for len(cfg.BaseURL) > 0 && cfg.BaseURL[len(cfg.BaseURL)-1] == '/' {
		cfg.BaseURL = cfg.BaseURL[:len(cfg.BaseURL)-1]
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.Capabilities &^= llm.CapResponses
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(cfg.Timeout),
		logger: logger.With(zap.String("provider", cfg.Name)),
	}
}

// Name returns the registry identifier of this instance.
func (p *Provider) Name() string { return p.cfg.Name }

// Variant reports the wire dialect this adapter speaks.
func (p *Provider) Variant() llm.Variant { return llm.VariantChatCompletion }

// Capabilities reports the advertised capability bits.
func (p *Provider) Capabilities() llm.Capability { return p.cfg.Capabilities }

// Chat performs a single generateContent call.
func (p *Provider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if req == nil || req.Model == "" {
		return nil, types.InvalidRequestError("model is required").WithProvider(p.cfg.Name)
	}

	wire := buildRequest(req)
	resp, err := p.post(ctx, p.endpoint(req.Model, "generateContent", false), wire)
	if err != nil {
		return nil, err
	}
	defer providers.DrainAndClose(resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, providers.HandleErrorResponse(resp, p.cfg.Name)
	}

	var decoded generateResponse
	raw, err := providers.ReadJSONResponse(resp, p.cfg.Name, &decoded)
	if err != nil {
		return nil, err
	}

	if len(decoded.Candidates) == 0 {
		if decoded.PromptFeedback != nil && decoded.PromptFeedback.BlockReason != "" {
			return nil, types.InvalidRequestError(
				fmt.Sprintf("prompt blocked: %s", decoded.PromptFeedback.BlockReason),
			).WithProvider(p.cfg.Name)
		}
		return nil, types.ServerError("no candidates returned").WithProvider(p.cfg.Name)
	}

	return &llm.ChatResponse{
		ID:           decoded.ResponseID,
		Provider:     p.cfg.Name,
		Model:        firstNonEmpty(decoded.ModelVersion, req.Model),
		Text:         collectCandidateText(&decoded),
		FinishReason: decoded.Candidates[0].FinishReason,
		Usage:        decoded.UsageMetadata.toStats(),
		Raw:          raw,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// Responses is not part of this wire dialect.
func (p *Provider) Responses(ctx context.Context, req *llm.ResponsesRequest) (*llm.ResponsesResult, error) {
	return nil, llm.ErrNotSupported
}

func buildRequest(req *llm.ChatRequest) generateRequest {
	system, contents := buildContents(req.Messages)
	return generateRequest{
		Contents:          contents,
		SystemInstruction: system,
		GenerationConfig:  buildGenerationConfig(req.Params),
	}
}

func buildGenerationConfig(params types.CallParams) *generationConfig {
	cfg := &generationConfig{
		Temperature:     params.Temperature,
		TopP:            params.TopP,
		MaxOutputTokens: params.MaxTokens,
		StopSequences:   params.Stop,
	}
	if budget, ok := thinkingBudgetFrom(params); ok {
		cfg.ThinkingConfig = &thinkingConfig{ThinkingBudget: budget}
	}
	if cfg.Temperature == nil && cfg.TopP == nil && cfg.MaxOutputTokens == nil &&
		len(cfg.StopSequences) == 0 && cfg.ThinkingConfig == nil {
		return nil
	}
	return cfg
}

// thinkingBudgetFrom reads the thinking_budget extra. Values arriving through
// decoded JSON show up as float64, so all the common numeric shapes coerce.
func thinkingBudgetFrom(params types.CallParams) (int, bool) {
	raw, ok := params.Extra["thinking_budget"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// endpoint builds the per-model method URL. On this dialect the API key is a
// query parameter, not a header.
func (p *Provider) endpoint(model, method string, stream bool) string {
	q := url.Values{"key": {p.cfg.APIKey}}
	if stream {
		q.Set("alt", "sse")
	}
	return fmt.Sprintf("%s/models/%s:%s?%s", p.cfg.BaseURL, url.PathEscape(model), method, q.Encode())
}

func (p *Provider) post(ctx context.Context, endpoint string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, types.InvalidRequestError("failed to encode request").WithCause(err).WithProvider(p.cfg.Name)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, types.InvalidRequestError("failed to build request").WithCause(err).WithProvider(p.cfg.Name)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.MapTransportError(p.cfg.Name, err)
	}
	return resp, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
