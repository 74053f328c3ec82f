package retrieval

import (
	"encoding/hex"
	"hash/fnv"
	"math"
	"slices"
)

// snapshot is an immutable view of the index. Writers build a new one and
// publish it with a pointer swap; readers never lock.
type snapshot struct {
	chunks  []Chunk
	dim     int
	docs    map[string]int
	version string
}

func newSnapshot(chunks []Chunk) *snapshot {
	s := &snapshot{chunks: chunks, docs: make(map[string]int)}
	h := fnv.New64a()
	for _, c := range chunks {
		if s.dim == 0 {
			s.dim = len(c.Vector)
		}
		s.docs[c.DocID]++
		_, _ = h.Write([]byte(c.ID))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(c.Text))
		_, _ = h.Write([]byte{0})
	}
	s.version = hex.EncodeToString(h.Sum(nil))
	return s
}

// replacing returns a copy of s where each of docs replaces the chunks
// indexed under its id, appended after every surviving chunk. With
// replaceAll nothing survives.
func (s *snapshot) replacing(docs []DocumentChunks, replaceAll bool) *snapshot {
	var next []Chunk
	if !replaceAll {
		replaced := make(map[string]bool, len(docs))
		for _, d := range docs {
			replaced[d.DocID] = true
		}
		next = make([]Chunk, 0, len(s.chunks))
		for _, c := range s.chunks {
			if !replaced[c.DocID] {
				next = append(next, c)
			}
		}
	}
	for _, d := range docs {
		next = append(next, d.Chunks...)
	}
	return newSnapshot(next)
}

type scored struct {
	idx   int
	score float32
}

// topK ranks every chunk by dot product with query (cosine, since both sides
// are unit length). Ties keep insertion order.
func (s *snapshot) topK(query []float32, k int) []SearchResult {
	if k <= 0 || len(s.chunks) == 0 {
		return nil
	}
	ranked := make([]scored, len(s.chunks))
	for i := range s.chunks {
		ranked[i] = scored{idx: i, score: dot(query, s.chunks[i].Vector)}
	}
	slices.SortStableFunc(ranked, func(a, b scored) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		}
		return compareInt64(s.chunks[a.idx].Seq, s.chunks[b.idx].Seq)
	})

	k = min(k, len(ranked))
	out := make([]SearchResult, k)
	for i := 0; i < k; i++ {
		out[i] = SearchResult{Chunk: s.chunks[ranked[i].idx], Score: ranked[i].score}
	}
	return out
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func dot(a, b []float32) float32 {
	var sum float64
	for i := range min(len(a), len(b)) {
		sum += float64(a[i]) * float64(b[i])
	}
	return float32(sum)
}

// normalize returns v scaled to unit length. A zero vector is returned as is.
func normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if norm == 0 {
		copy(out, v)
		return out
	}
	inv := 1 / math.Sqrt(norm)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}
