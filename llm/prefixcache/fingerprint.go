package prefixcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BaSui01/thinkflow/types"
)

// Fingerprint derives the stable cache key for a request prefix. The same
// semantic content always yields the same digest: maps are emitted with
// sorted keys, history order is preserved, and inline data-URL images are
// replaced by a short hash so they cannot inflate the key input.
//
// A value that cannot be serialised after normalisation (NaN temperatures
// and the like) is a malformed request, not a cache problem, so the error
// comes back as InvalidRequest.
func Fingerprint(provider, model, system, knowledge string, history []types.Message, params map[string]any) (string, error) {
	composite := map[string]any{
		"provider":  provider,
		"model":     model,
		"system":    system,
		"knowledge": knowledge,
		"history":   canonicalizeMessages(history),
		"params":    canonicalize(params),
	}

	data, err := json.Marshal(composite)
	if err != nil {
		return "", types.InvalidRequestError("request prefix is not serialisable").WithCause(err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// FoldFingerprint keys a compressed-history artefact: the messages that went
// in, the strategy that compressed them, and the model that ran it.
func FoldFingerprint(strategy, model string, input []types.Message) (string, error) {
	composite := map[string]any{
		"strategy": strategy,
		"model":    model,
		"input":    canonicalizeMessages(input),
	}

	data, err := json.Marshal(composite)
	if err != nil {
		return "", types.InvalidRequestError("fold input is not serialisable").WithCause(err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize rewrites a value into a form json.Marshal renders
// deterministically: maps keep map shape (Marshal sorts their keys), lists
// recurse, primitives pass through, anything else stringifies.
func canonicalize(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			if s, ok := elem.(string); ok && isImageKey(k) && strings.HasPrefix(s, "data:image") {
				out[k] = hashImageValue(s)
				continue
			}
			out[k] = canonicalize(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = canonicalize(elem)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = elem
		}
		return out
	case types.Message:
		return canonicalizeMessage(val)
	case []types.Message:
		return canonicalizeMessages(val)
	default:
		return fmt.Sprint(val)
	}
}

func canonicalizeMessages(messages []types.Message) []any {
	out := make([]any, len(messages))
	for i, msg := range messages {
		out[i] = canonicalizeMessage(msg)
	}
	return out
}

// canonicalizeMessage keeps only what affects the semantic content of a
// message. The cache-control flag is transport decoration and is dropped so
// the same conversation fingerprints identically across wire variants.
func canonicalizeMessage(msg types.Message) map[string]any {
	m := map[string]any{"role": string(msg.Role)}
	if len(msg.Parts) == 0 {
		m["content"] = msg.Content
		return m
	}
	parts := make([]any, len(msg.Parts))
	for i, p := range msg.Parts {
		parts[i] = canonicalizePart(p)
	}
	m["content"] = parts
	return m
}

func canonicalizePart(p types.Part) map[string]any {
	out := map[string]any{"type": string(p.Type)}
	if p.Text != "" {
		out["text"] = p.Text
	}
	if p.URL != "" {
		if strings.HasPrefix(p.URL, "data:image") {
			out["url"] = hashImageValue(p.URL)
		} else {
			out["url"] = p.URL
		}
	}
	if p.ID != "" {
		out["id"] = p.ID
	}
	if p.Name != "" {
		out["name"] = p.Name
	}
	if len(p.Payload) > 0 {
		out["payload"] = canonicalize(p.Payload)
	}
	return out
}

// hashImageValue bounds inline image payloads to a 16-hex-char marker.
func hashImageValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return "image_hash:" + hex.EncodeToString(sum[:])[:16]
}

func isImageKey(key string) bool {
	return key == "image_url" || key == "url"
}
