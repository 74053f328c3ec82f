package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// NormalizeText folds case and collapses runs of whitespace so that
// "What is RAG?" and "  what is  rag? " share a key.
func NormalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Fingerprint derives a cache key from the request kind, the normalised text
// and every parameter that changes the computed value. encoding/json sorts
// map keys, which makes the encoding canonical.
func Fingerprint(kind, text string, params map[string]any) string {
	canonical := struct {
		Kind   string         `json:"kind"`
		Text   string         `json:"text"`
		Params map[string]any `json:"params,omitempty"`
	}{Kind: kind, Text: NormalizeText(text), Params: params}

	b, err := json.Marshal(canonical)
	if err != nil {
		// Only unsupported param types fail; fall back to the bare text.
		b = []byte(kind + "\x00" + canonical.Text)
	}
	sum := sha256.Sum256(b)
	return kind + ":" + hex.EncodeToString(sum[:])
}
