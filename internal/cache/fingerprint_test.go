package cache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"localrag/apps/backend/internal/cache"
)

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "what is rag?", cache.NormalizeText("  What   is\tRAG?\n"))
	assert.Equal(t, "", cache.NormalizeText("   "))
}

func TestFingerprint(t *testing.T) {
	base := cache.Fingerprint("answer_query", "What is RAG?", map[string]any{"top_k": 5, "generation": 3})

	t.Run("deterministic under normalisation", func(t *testing.T) {
		same := cache.Fingerprint("answer_query", "  what is   rag? ", map[string]any{"generation": 3, "top_k": 5})
		assert.Equal(t, base, same)
	})

	t.Run("parameters change the key", func(t *testing.T) {
		assert.NotEqual(t, base, cache.Fingerprint("answer_query", "What is RAG?", map[string]any{"top_k": 6, "generation": 3}))
		assert.NotEqual(t, base, cache.Fingerprint("answer_query", "What is RAG?", map[string]any{"top_k": 5, "generation": 4}))
	})

	t.Run("kind namespaces the key", func(t *testing.T) {
		other := cache.Fingerprint("search", "What is RAG?", map[string]any{"top_k": 5, "generation": 3})
		assert.NotEqual(t, base, other)
		assert.Contains(t, other, "search:")
	})

	t.Run("text changes the key", func(t *testing.T) {
		assert.NotEqual(t, base, cache.Fingerprint("answer_query", "What is BM25?", map[string]any{"top_k": 5, "generation": 3}))
	})
}
