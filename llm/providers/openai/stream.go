package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/thinkflow/llm"
	"github.com/BaSui01/thinkflow/llm/providers"
	"github.com/BaSui01/thinkflow/types"
)

// ChatStream performs a streaming chat-completions call. Errors before the
// first byte return synchronously; mid-stream failures are delivered as a
// terminal chunk on the channel.
func (p *Provider) ChatStream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	if !p.cfg.Capabilities.Has(llm.CapStreaming) {
		return nil, llm.ErrNotSupported
	}
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
		Stream:         true,
		StreamOptions:  &streamOptions{IncludeUsage: true},
	}

	resp, err := p.post(ctx, "/chat/completions", wire)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer providers.DrainAndClose(resp.Body)
		return nil, providers.HandleErrorResponse(resp, p.cfg.Name)
	}

	ch := make(chan llm.StreamChunk)
	go p.readStream(ctx, resp.Body, ch)
	return ch, nil
}

func (p *Provider) readStream(ctx context.Context, body io.ReadCloser, ch chan<- llm.StreamChunk) {
	defer close(ch)
	defer providers.DrainAndClose(body)

	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				sendChunk(ctx, ch, llm.StreamChunk{Err: providers.MapTransportError(p.cfg.Name, err)})
			}
			return
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			p.logger.Debug("skipping malformed stream chunk", zap.Error(err))
			continue
		}

		out := llm.StreamChunk{}
		if len(chunk.Choices) > 0 {
			out.Delta = chunk.Choices[0].Delta.Content
			out.FinishReason = chunk.Choices[0].FinishReason
		}
		if chunk.Usage != nil {
			stats := chunk.Usage.toStats()
			out.Usage = &stats
		}
		if out.Delta == "" && out.FinishReason == "" && out.Usage == nil {
			continue
		}
		if !sendChunk(ctx, ch, out) {
			return
		}
	}
}

// sendChunk delivers a chunk unless the caller has gone away.
func sendChunk(ctx context.Context, ch chan<- llm.StreamChunk, chunk llm.StreamChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
