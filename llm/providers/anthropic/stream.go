package anthropic

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

// ChatStream performs a streaming messages call. This dialect types every
// SSE frame: message_start opens with input usage, content_block_delta
// carries text, message_delta closes with the stop reason and output usage,
// and message_stop ends the stream. Usage is accumulated across frames and
// delivered once, on the final chunk.
func (p *Provider) ChatStream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	if !p.cfg.Capabilities.Has(llm.CapStreaming) {
		return nil, llm.ErrNotSupported
	}
	if req == nil || req.Model == "" {
		return nil, types.InvalidRequestError("model is required").WithProvider(p.cfg.Name)
	}

	wire := p.buildRequest(req, true)

	resp, err := p.post(ctx, messagesPath, wire)
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

	var (
		usage      messagesUsage
		stopReason string
	)

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

		var evt streamEvent
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			p.logger.Debug("skipping malformed stream event", zap.Error(err))
			continue
		}

		switch evt.Type {
		case "message_start":
			if evt.Message != nil {
				usage = evt.Message.Usage
			}
		case "content_block_delta":
			if evt.Delta.Type != "text_delta" || evt.Delta.Text == "" {
				continue
			}
			if !sendChunk(ctx, ch, llm.StreamChunk{Delta: evt.Delta.Text}) {
				return
			}
		case "message_delta":
			stopReason = evt.Delta.StopReason
			if evt.Usage != nil {
				usage.OutputTokens = evt.Usage.OutputTokens
			}
		case "message_stop":
			stats := usage.toStats()
			sendChunk(ctx, ch, llm.StreamChunk{FinishReason: stopReason, Usage: &stats})
			return
		case "error":
			msg := "stream error"
			if evt.Error != nil {
				msg = evt.Error.Message
			}
			sendChunk(ctx, ch, llm.StreamChunk{Err: types.ServerError(msg).WithProvider(p.cfg.Name)})
			return
		}
	}
}

func sendChunk(ctx context.Context, ch chan<- llm.StreamChunk, chunk llm.StreamChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
