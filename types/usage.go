package types

import "fmt"

// UsageStats represents token consumption for a single call or an
// accumulated window, split into the four billable categories.
type UsageStats struct {
	Input     int64 `json:"input_tokens"`
	Output    int64 `json:"output_tokens"`
	Cached    int64 `json:"cached_tokens,omitempty"`
	Reasoning int64 `json:"reasoning_tokens,omitempty"`
}

// Add accumulates another UsageStats into this one.
func (u *UsageStats) Add(other UsageStats) {
	u.Input += other.Input
	u.Output += other.Output
	u.Cached += other.Cached
	u.Reasoning += other.Reasoning
}

// Total returns input plus output tokens.
func (u UsageStats) Total() int64 {
	return u.Input + u.Output
}

// UncachedInput returns the input tokens billed at the full prompt rate.
// Clamped at zero so malformed provider stats never produce negative bills.
func (u UsageStats) UncachedInput() int64 {
	if u.Cached > u.Input {
		return 0
	}
	return u.Input - u.Cached
}

// RegularOutput returns the output tokens billed at the completion rate,
// excluding reasoning tokens. Clamped at zero.
func (u UsageStats) RegularOutput() int64 {
	if u.Reasoning > u.Output {
		return 0
	}
	return u.Output - u.Reasoning
}

// Anomalies reports category inconsistencies. Providers occasionally return
// cached or reasoning counts exceeding their parent categories; the stats
// are kept as reported and the anomaly is surfaced in result metadata
// instead of failing the call.
func (u UsageStats) Anomalies() []string {
	var anomalies []string
	if u.Cached > u.Input {
		anomalies = append(anomalies, fmt.Sprintf("cached_tokens (%d) exceed input_tokens (%d)", u.Cached, u.Input))
	}
	if u.Reasoning > u.Output {
		anomalies = append(anomalies, fmt.Sprintf("reasoning_tokens (%d) exceed output_tokens (%d)", u.Reasoning, u.Output))
	}
	return anomalies
}

// IsZero reports whether no tokens were recorded.
func (u UsageStats) IsZero() bool {
	return u.Input == 0 && u.Output == 0 && u.Cached == 0 && u.Reasoning == 0
}
