package text

import (
	"regexp"
	"strings"
)

type Strategy string

const (
	StrategyFixed    Strategy = "fixed"
	StrategySentence Strategy = "sentence"
)

func (s Strategy) Valid() bool {
	return s == StrategyFixed || s == StrategySentence
}

// Segment is one chunk of a document. Start and End are rune offsets into the
// source text; only ChunkFixed tracks them.
type Segment struct {
	Index int
	Text  string
	Start int
	End   int
}

// Chunk dispatches to the chunker for strategy.
func Chunk(strategy Strategy, text string, size, overlap int) []Segment {
	if strategy == StrategySentence {
		return ChunkSentences(text, size, overlap)
	}
	return ChunkFixed(text, size, overlap)
}

// ChunkFixed cuts text into windows of size runes that advance by
// size-overlap. The final window always ends at the end of the text, so a
// 1200-rune text with size 500 and overlap 50 yields [0,500) [450,950)
// [900,1200).
func ChunkFixed(text string, size, overlap int) []Segment {
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return nil
	}
	if size <= 0 || size >= n {
		return []Segment{{Index: 0, Text: text, Start: 0, End: n}}
	}
	overlap = clampOverlap(size, overlap)
	stride := size - overlap

	var segments []Segment
	for start := 0; ; start += stride {
		end := min(start+size, n)
		segments = append(segments, Segment{
			Index: len(segments),
			Text:  string(runes[start:end]),
			Start: start,
			End:   end,
		})
		if end == n {
			break
		}
	}
	return segments
}

var sentenceBoundary = regexp.MustCompile(`[.!?]+`)

// ChunkSentences packs whole sentences into chunks of at most size runes.
// When a chunk is closed, its last overlap runes seed the next one. A single
// sentence longer than size becomes its own chunk.
func ChunkSentences(text string, size, overlap int) []Segment {
	if size <= 0 {
		size = len([]rune(text))
	}
	overlap = clampOverlap(size, overlap)

	var (
		segments []Segment
		current  []rune
	)
	flush := func() {
		s := strings.TrimSpace(string(current))
		if s != "" {
			segments = append(segments, Segment{Index: len(segments), Text: s})
		}
	}

	for _, raw := range sentenceBoundary.Split(text, -1) {
		sentence := []rune(strings.TrimSpace(raw))
		if len(sentence) == 0 {
			continue
		}
		if len(current) == 0 {
			current = sentence
			continue
		}
		if len(current)+len(sentence)+1 <= size {
			current = append(append(current, ' '), sentence...)
			continue
		}
		flush()
		if overlap > 0 && len(current) > overlap {
			tail := append([]rune(nil), current[len(current)-overlap:]...)
			current = append(append(tail, ' '), sentence...)
		} else {
			current = sentence
		}
	}
	flush()
	return segments
}

func clampOverlap(size, overlap int) int {
	if overlap < 0 {
		return 0
	}
	if overlap >= size {
		return size - 1
	}
	return overlap
}

// Sentences splits text on sentence terminators and drops empty pieces.
func Sentences(text string) []string {
	var out []string
	for _, raw := range sentenceBoundary.Split(text, -1) {
		if s := strings.TrimSpace(raw); s != "" {
			out = append(out, s)
		}
	}
	return out
}
