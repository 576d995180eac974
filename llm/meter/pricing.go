package meter

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/thinkflow/types"
)

// Entry holds USD-per-token prices for one upstream model. Four billable
// categories: uncached input, cache-hit input, regular output, reasoning
// output.
type Entry struct {
	Prompt       float64 `yaml:"prompt" json:"prompt"`
	Completion   float64 `yaml:"completion" json:"completion"`
	CachedPrompt float64 `yaml:"cached_prompt" json:"cached_prompt"`
	Reasoning    float64 `yaml:"reasoning" json:"reasoning"`
}

// Pricing maps provider id -> upstream model -> prices.
type Pricing map[string]map[string]Entry

// Lookup returns the entry for (provider, model). Misses return the zero
// entry so costing degrades to zero instead of failing.
func (p Pricing) Lookup(provider, model string) Entry {
	if byModel, ok := p[provider]; ok {
		if entry, ok := byModel[model]; ok {
			return entry
		}
	}
	return Entry{}
}

// CostOf prices one usage block:
//
//	cost = uncached_input*prompt + cached*cached_prompt
//	     + regular_output*completion + reasoning*reasoning
func (p Pricing) CostOf(provider, model string, usage types.UsageStats) float64 {
	entry := p.Lookup(provider, model)
	return float64(usage.UncachedInput())*entry.Prompt +
		float64(usage.Cached)*entry.CachedPrompt +
		float64(usage.RegularOutput())*entry.Completion +
		float64(usage.Reasoning)*entry.Reasoning
}

// Load reads a pricing table from a YAML file.
func Load(path string) (Pricing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}
	var pricing Pricing
	if err := yaml.Unmarshal(data, &pricing); err != nil {
		return nil, fmt.Errorf("failed to parse pricing file: %w", err)
	}
	return pricing, nil
}
