package gemini

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

// ChatStream performs a streaming generateContent call. Each SSE frame is a
// full generateContent response carrying a text fragment; usageMetadata
// accumulates across frames and the last observed value is delivered with
// the finishing chunk. The stream has no terminator frame, it simply ends.
func (p *Provider) ChatStream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	if !p.cfg.Capabilities.Has(llm.CapStreaming) {
		return nil, llm.ErrNotSupported
	}
	if req == nil || req.Model == "" {
		return nil, types.InvalidRequestError("model is required").WithProvider(p.cfg.Name)
	}

	wire := buildRequest(req)
	resp, err := p.post(ctx, p.endpoint(req.Model, "streamGenerateContent", true), wire)
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

	var usage usageMetadata

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

		var frame generateResponse
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			p.logger.Debug("skipping malformed stream frame", zap.Error(err))
			continue
		}
		if !frame.UsageMetadata.isZero() {
			usage = frame.UsageMetadata
		}

		out := llm.StreamChunk{Delta: collectCandidateText(&frame)}
		if len(frame.Candidates) > 0 {
			out.FinishReason = frame.Candidates[0].FinishReason
		}
		if out.FinishReason != "" {
			stats := usage.toStats()
			out.Usage = &stats
		}
		if out.Delta == "" && out.FinishReason == "" {
			continue
		}
		if !sendChunk(ctx, ch, out) {
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
