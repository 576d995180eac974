package types

// CallParams carries the sampling and decoding parameters forwarded to
// providers. Nil pointer fields are omitted from the wire request so
// provider defaults apply.
type CallParams struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Seed        *int64   `json:"seed,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	// ResponseFormat requests structured output from providers that
	// support it (JSON schema shape is provider-specific).
	ResponseFormat map[string]any `json:"response_format,omitempty"`
	// Extra holds provider-specific pass-through parameters.
	Extra map[string]any `json:"extra,omitempty"`
}

// Float64Ptr returns a pointer to v. Convenience for literal params.
func Float64Ptr(v float64) *float64 { return &v }

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 { return &v }

// Merge returns a copy of p with non-nil fields of override applied on top.
func (p CallParams) Merge(override CallParams) CallParams {
	out := p
	if override.Temperature != nil {
		out.Temperature = override.Temperature
	}
	if override.TopP != nil {
		out.TopP = override.TopP
	}
	if override.MaxTokens != nil {
		out.MaxTokens = override.MaxTokens
	}
	if override.Seed != nil {
		out.Seed = override.Seed
	}
	if len(override.Stop) > 0 {
		out.Stop = override.Stop
	}
	if override.ResponseFormat != nil {
		out.ResponseFormat = override.ResponseFormat
	}
	if len(override.Extra) > 0 {
		merged := make(map[string]any, len(p.Extra)+len(override.Extra))
		for k, v := range p.Extra {
			merged[k] = v
		}
		for k, v := range override.Extra {
			merged[k] = v
		}
		out.Extra = merged
	}
	return out
}

// Canonical returns a stable map representation used for cache-key
// fingerprinting. Nil fields are absent so identical effective parameters
// always canonicalise identically.
func (p CallParams) Canonical() map[string]any {
	m := make(map[string]any)
	if p.Temperature != nil {
		m["temperature"] = *p.Temperature
	}
	if p.TopP != nil {
		m["top_p"] = *p.TopP
	}
	if p.MaxTokens != nil {
		m["max_tokens"] = *p.MaxTokens
	}
	if p.Seed != nil {
		m["seed"] = *p.Seed
	}
	if len(p.Stop) > 0 {
		stop := make([]any, len(p.Stop))
		for i, s := range p.Stop {
			stop[i] = s
		}
		m["stop"] = stop
	}
	if p.ResponseFormat != nil {
		m["response_format"] = p.ResponseFormat
	}
	for k, v := range p.Extra {
		m[k] = v
	}
	return m
}
