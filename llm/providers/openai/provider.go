// Package openai implements the chat-completions and responses wire
// dialects spoken by OpenAI-style endpoints. Which one an instance exposes
// is decided by its configured capabilities: with CapResponses set the
// adapter reports the responses variant and supports server-side prefix
// chaining through previous_response_id.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/thinkflow/internal/tlsutil"
	"github.com/BaSui01/thinkflow/llm"
	"github.com/BaSui01/thinkflow/llm/providers"
	"github.com/BaSui01/thinkflow/types"
)

const (
	defaultName    = "openai"
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 120 * time.Second
)

// Config carries the connection settings for one endpoint.
type Config struct {
	// Name is the provider id reported on responses and errors.
	Name string
	// APIKey is sent as a bearer token.
	APIKey string
	// BaseURL includes the version prefix, e.g. https://api.openai.com/v1.
	BaseURL string
	// Timeout bounds each HTTP call end to end.
	Timeout time.Duration
	// Capabilities gates the optional wires; CapResponses enables Responses
	// and CapStreaming enables ChatStream.
	Capabilities llm.Capability
	// Organization is sent as OpenAI-Organization when set.
	Organization string
}

// Provider is an adapter for OpenAI-style endpoints. Safe for concurrent use.
type Provider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New creates a Provider, applying defaults for any zero config field.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.Name == "" {
		cfg.Name = defaultName
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(cfg.Timeout),
		logger: logger.With(zap.String("provider", cfg.Name)),
	}
}

// Name returns the configured provider id.
func (p *Provider) Name() string { return p.cfg.Name }

// Variant reports the richer responses dialect when the endpoint supports
// it, otherwise plain chat-completions.
func (p *Provider) Variant() llm.Variant {
	if p.cfg.Capabilities.Has(llm.CapResponses) {
		return llm.VariantResponses
	}
	return llm.VariantChatCompletion
}

// Capabilities reports the configured feature bits.
func (p *Provider) Capabilities() llm.Capability { return p.cfg.Capabilities }

// Chat performs a synchronous chat-completions call.
func (p *Provider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if req == nil || req.Model == "" {
		return nil, types.InvalidRequestError("model is required").WithProvider(p.cfg.Name)
	}

	wire := chatRequest{
		Model:          req.Model,
		Messages:       toWireMessages(req.Messages),
		Temperature:    req.Params.Temperature,
		TopP:           req.Params.TopP,
		MaxTokens:      req.Params.MaxTokens,
		Seed:           req.Params.Seed,
		Stop:           req.Params.Stop,
		ResponseFormat: req.Params.ResponseFormat,
	}

	resp, err := p.post(ctx, "/chat/completions", wire)
	if err != nil {
		return nil, err
	}
	defer providers.DrainAndClose(resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, providers.HandleErrorResponse(resp, p.cfg.Name)
	}

	var decoded chatResponse
	raw, err := providers.ReadJSONResponse(resp, p.cfg.Name, &decoded)
	if err != nil {
		return nil, err
	}
	if len(decoded.Choices) == 0 {
		return nil, types.ServerError("response contained no choices").WithProvider(p.cfg.Name)
	}

	choice := decoded.Choices[0]
	out := &llm.ChatResponse{
		ID:           decoded.ID,
		Provider:     p.cfg.Name,
		Model:        firstNonEmpty(decoded.Model, req.Model),
		Text:         choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage:        decoded.Usage.toStats(),
		Raw:          raw,
		CreatedAt:    time.Now().UTC(),
	}
	if decoded.Created > 0 {
		out.CreatedAt = time.Unix(decoded.Created, 0).UTC()
	}
	return out, nil
}

// Responses performs a call against the responses wire, chaining onto an
// earlier response when PreviousResponseID is set.
func (p *Provider) Responses(ctx context.Context, req *llm.ResponsesRequest) (*llm.ResponsesResult, error) {
	if !p.cfg.Capabilities.Has(llm.CapResponses) {
		return nil, llm.ErrNotSupported
	}
	if req == nil || req.Model == "" {
		return nil, types.InvalidRequestError("model is required").WithProvider(p.cfg.Name)
	}

	wire := responsesRequest{
		Model:              req.Model,
		Input:              toResponsesInput(req.Input),
		Temperature:        req.Params.Temperature,
		TopP:               req.Params.TopP,
		MaxOutputTokens:    req.Params.MaxTokens,
		PreviousResponseID: req.PreviousResponseID,
		Store:              req.Store,
	}

	resp, err := p.post(ctx, "/responses", wire)
	if err != nil {
		return nil, err
	}
	defer providers.DrainAndClose(resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, providers.HandleErrorResponse(resp, p.cfg.Name)
	}

	var decoded responsesResponse
	raw, err := providers.ReadJSONResponse(resp, p.cfg.Name, &decoded)
	if err != nil {
		return nil, err
	}

	text := collectOutputText(decoded.Output)
	if text == "" && decoded.Status != "" && decoded.Status != "completed" {
		return nil, types.ServerError(fmt.Sprintf("responses call ended with status %q", decoded.Status)).
			WithProvider(p.cfg.Name)
	}

	return &llm.ResponsesResult{
		ResponseID: decoded.ID,
		Provider:   p.cfg.Name,
		Model:      firstNonEmpty(decoded.Model, req.Model),
		Text:       text,
		Usage:      decoded.Usage.toStats(),
		Raw:        raw,
	}, nil
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
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	if p.cfg.Organization != "" {
		httpReq.Header.Set("OpenAI-Organization", p.cfg.Organization)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.MapTransportError(p.cfg.Name, err)
	}
	return resp, nil
}
