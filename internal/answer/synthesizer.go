// Package answer turns ranked hits into an extractive answer with citations
// and decides when the evidence is too weak to answer at all.
package answer

import (
	"fmt"
	"strings"
	"unicode"

	"rag/internal/domain"
)

// Apology is the answer text of every evidence-based refusal.
const Apology = "I don't have enough evidence in my knowledge base."

// Defaults for the refusal threshold and the snippet budget.
const (
	DefaultMinScore     = 0.05
	DefaultSnippetChars = 512
)

// Outcome classifies a composed answer.
type Outcome string

const (
	Answered             Outcome = "answered"
	RefusedNoEvidence    Outcome = "refused_no_evidence"
	RefusedLowConfidence Outcome = "refused_low_confidence"
	InvalidQuery         Outcome = "invalid_query"
)

// Synthesizer composes answers. The zero value refuses nothing and keeps
// whole snippets without attribution; use New for the usual policy.
type Synthesizer struct {
	// MinScore is the lowest top score that still produces an answer.
	MinScore float64
	// SnippetChars caps the snippet length in runes. Zero or less disables
	// truncation.
	SnippetChars int
	// Attribution prefixes the snippet with "[title] ".
	Attribution bool
}

// New returns a synthesizer with the given threshold and snippet budget and
// attribution enabled.
func New(minScore float64, snippetChars int) Synthesizer {
	return Synthesizer{MinScore: minScore, SnippetChars: snippetChars, Attribution: true}
}

// Compose builds the answer for query from hits ranked best first.
func (s Synthesizer) Compose(query string, hits []domain.Hit) domain.Answer {
	a, _ := s.Evaluate(query, hits)
	return a
}

// Evaluate is Compose that also reports which branch of the policy applied.
func (s Synthesizer) Evaluate(query string, hits []domain.Hit) (domain.Answer, Outcome) {
	if strings.TrimSpace(query) == "" {
		return domain.Answer{Citations: []domain.Citation{}, Refused: true}, InvalidQuery
	}
	if len(hits) == 0 {
		return domain.Answer{Answer: Apology, Citations: []domain.Citation{}, Refused: true}, RefusedNoEvidence
	}
	top := hits[0]
	if top.Score < s.MinScore {
		return domain.Answer{
			Answer:     Apology,
			Citations:  []domain.Citation{},
			Confidence: top.Score,
			Refused:    true,
		}, RefusedLowConfidence
	}

	text := s.snippet(top.Document.Text)
	if s.Attribution {
		text = fmt.Sprintf("[%s] %s", Title(top), text)
	}
	citations := make([]domain.Citation, 0, len(hits))
	for _, h := range hits {
		citations = append(citations, domain.Citation{
			Title: Title(h),
			URL:   h.Document.URL,
			Score: h.Score,
		})
	}
	return domain.Answer{
		Answer:     text,
		Citations:  citations,
		Confidence: top.Score,
	}, Answered
}

func (s Synthesizer) snippet(text string) string {
	if s.SnippetChars > 0 {
		n := 0
		for i := range text {
			if n == s.SnippetChars {
				text = text[:i]
				break
			}
			n++
		}
	}
	return strings.TrimRightFunc(text, unicode.IsSpace)
}

// Title names a hit for display: the document title, else its id, else a
// placeholder derived from the row.
func Title(h domain.Hit) string {
	if t := strings.TrimSpace(h.Document.Title); t != "" {
		return t
	}
	if id := strings.TrimSpace(h.Document.ID); id != "" {
		return id
	}
	return fmt.Sprintf("doc_%d", h.Row)
}
