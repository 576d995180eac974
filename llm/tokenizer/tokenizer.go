package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/BaSui01/thinkflow/types"
)

// Tokenizer is the uniform token counting interface.
type Tokenizer interface {
	// CountTokens returns the token count for the given text.
	CountTokens(text string) (int, error)

	// CountMessages returns the total token count for a conversation,
	// including per-message overhead (role markers, separators).
	CountMessages(messages []types.Message) (int, error)

	// Encode converts text into token ids.
	Encode(text string) ([]int, error)

	// Decode converts token ids back into text.
	Decode(tokens []int) (string, error)

	// MaxTokens returns the model's context window size.
	MaxTokens() int

	// Name returns the tokenizer's name.
	Name() string
}

// Process-wide tokenizer registry.
var (
	modelTokenizers   = make(map[string]Tokenizer)
	modelTokenizersMu sync.RWMutex
)

// RegisterTokenizer registers a tokenizer for the given model name.
func RegisterTokenizer(model string, t Tokenizer) {
	modelTokenizersMu.Lock()
	defer modelTokenizersMu.Unlock()
	modelTokenizers[model] = t
}

// GetTokenizer returns the tokenizer registered for a model. Prefix matches
// count, so "gpt-4o" serves "gpt-4o-mini" too.
func GetTokenizer(model string) (Tokenizer, error) {
	modelTokenizersMu.RLock()
	defer modelTokenizersMu.RUnlock()

	if t, ok := modelTokenizers[model]; ok {
		return t, nil
	}

	for prefix, t := range modelTokenizers {
		if strings.HasPrefix(model, prefix) {
			return t, nil
		}
	}

	return nil, fmt.Errorf("no tokenizer registered for model: %s", model)
}

// GetTokenizerOrEstimator returns the registered tokenizer for the model,
// falling back to the generic estimator when none is registered.
func GetTokenizerOrEstimator(model string) Tokenizer {
	t, err := GetTokenizer(model)
	if err != nil {
		return NewEstimatorTokenizer(model, 0)
	}
	return t
}
