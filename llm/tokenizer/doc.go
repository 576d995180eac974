// Package tokenizer provides token counting for budget decisions: exact
// tiktoken counts for OpenAI-family models and a CJK-aware estimator for
// everything else.
package tokenizer
