// Package anthropic implements the Provider contract for the Anthropic
// Messages API, the messages-with-cache-control wire dialect: system prompts
// travel as a top-level block list, prompt-cache boundaries are marked with
// cache_control blocks, and cache reads are reported through dedicated usage
// fields. The response-chaining surface is not part of this dialect.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/thinkflow/internal/tlsutil"
	"github.com/BaSui01/thinkflow/llm"
	"github.com/BaSui01/thinkflow/llm/providers"
	"github.com/BaSui01/thinkflow/types"
)

const (
	defaultName    = "anthropic"
	defaultBaseURL = "https://api.anthropic.com/v1"
	defaultTimeout = 120 * time.Second
	defaultMaxTok  = 4096
	apiVersion     = "2023-06-01"
	messagesPath   = "/messages"
)

// Config carries the connection settings for one Anthropic-shaped endpoint.
type Config struct {
	// Name identifies the provider instance in logs and error payloads.
	// Defaults to "anthropic".
	Name string

	// APIKey is sent in the x-api-key header.
	APIKey string

	// BaseURL overrides the default API root, e.g. for proxies.
	BaseURL string

	// Timeout bounds each HTTP round trip. Defaults to 120s.
	Timeout time.Duration

	// Capabilities advertises what callers may ask of this instance.
	// CapResponses is always masked off: the dialect has no response store.
	Capabilities llm.Capability

	// MaxTokens is the output ceiling used when a request does not set one.
	// The wire format requires the field on every call. Defaults to 4096.
	MaxTokens int
}

// Provider talks to an Anthropic Messages endpoint.
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
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTok
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
func (p *Provider) Variant() llm.Variant { return llm.VariantMessagesWithCacheControl }

// Capabilities reports the advertised capability bits.
func (p *Provider) Capabilities() llm.Capability { return p.cfg.Capabilities }

// Chat performs a single messages call.
func (p *Provider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if req == nil || req.Model == "" {
		return nil, types.InvalidRequestError("model is required").WithProvider(p.cfg.Name)
	}

	body := p.buildRequest(req, false)
	resp, err := p.post(ctx, messagesPath, body)
	if err != nil {
		return nil, err
	}
	defer providers.DrainAndClose(resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, providers.HandleErrorResponse(resp, p.cfg.Name)
	}

	var decoded messagesResponse
	raw, err := providers.ReadJSONResponse(resp, p.cfg.Name, &decoded)
	if err != nil {
		return nil, err
	}

	text := collectText(&decoded)
	if text == "" && len(decoded.Content) == 0 {
		return nil, types.ServerError("response contained no content blocks").WithProvider(p.cfg.Name)
	}

	return &llm.ChatResponse{
		ID:           decoded.ID,
		Provider:     p.cfg.Name,
		Model:        firstNonEmpty(decoded.Model, req.Model),
		Text:         text,
		FinishReason: decoded.StopReason,
		Usage:        decoded.Usage.toStats(),
		Raw:          raw,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// Responses is not part of this wire dialect.
func (p *Provider) Responses(ctx context.Context, req *llm.ResponsesRequest) (*llm.ResponsesResult, error) {
	return nil, llm.ErrNotSupported
}

func (p *Provider) buildRequest(req *llm.ChatRequest, stream bool) messagesRequest {
	system, messages := buildMessages(req.Messages)
	body := messagesRequest{
		Model:     req.Model,
		System:    system,
		Messages:  messages,
		MaxTokens: p.cfg.MaxTokens,
		Stream:    stream,
	}
	if req.Params.MaxTokens != nil && *req.Params.MaxTokens > 0 {
		body.MaxTokens = *req.Params.MaxTokens
	}
	body.Temperature = req.Params.Temperature
	body.TopP = req.Params.TopP
	body.StopSequences = req.Params.Stop
	return body
}

func (p *Provider) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, types.InvalidRequestError("failed to encode request").WithCause(err).WithProvider(p.cfg.Name)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, types.InvalidRequestError("failed to build request").WithCause(err).WithProvider(p.cfg.Name)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

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
