package local

import (
	"context"
	"sort"
	"strings"

	"localrag/apps/backend/internal/text"
)

const NoContextAnswer = "I could not find any indexed content related to this question."

// ExtractiveGenerator answers by quoting the context sentences that share the
// most words with the question. It understands the prompt layout
// "Context: ...\n\nQuestion: ...\nAnswer:".
type ExtractiveGenerator struct {
	maxSentences int
}

func NewExtractiveGenerator(maxSentences int) *ExtractiveGenerator {
	if maxSentences <= 0 {
		maxSentences = 2
	}
	return &ExtractiveGenerator{maxSentences: maxSentences}
}

func (g *ExtractiveGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	contextText, question := splitPrompt(prompt)
	sentences := text.Sentences(contextText)
	if len(sentences) == 0 {
		return NoContextAnswer, nil
	}

	want := make(map[string]bool)
	for _, tok := range Tokens(question) {
		want[tok] = true
	}

	type scored struct {
		pos   int
		score int
	}
	ranked := make([]scored, 0, len(sentences))
	for i, s := range sentences {
		n := 0
		for _, tok := range Tokens(s) {
			if want[tok] {
				n++
			}
		}
		ranked = append(ranked, scored{pos: i, score: n})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	if ranked[0].score == 0 {
		return NoContextAnswer, nil
	}
	picked := ranked[:min(g.maxSentences, len(ranked))]
	sort.Slice(picked, func(i, j int) bool { return picked[i].pos < picked[j].pos })

	parts := make([]string, 0, len(picked))
	for _, p := range picked {
		if p.score > 0 {
			parts = append(parts, sentences[p.pos]+".")
		}
	}
	return strings.Join(parts, " "), nil
}

func splitPrompt(prompt string) (contextText, question string) {
	body := strings.TrimSuffix(strings.TrimSpace(prompt), "Answer:")
	if rest, ok := strings.CutPrefix(body, "Context: "); ok {
		contextText, body, _ = strings.Cut(rest, "\n\nQuestion: ")
		return contextText, strings.TrimSpace(body)
	}
	return "", strings.TrimSpace(strings.TrimPrefix(body, "Question: "))
}
