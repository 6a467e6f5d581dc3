package tfidf

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"rag/internal/domain"
	"rag/internal/embedding"
	"rag/internal/vecmath"
)

// Family is the artifact family name of raw TF-IDF vectors.
const Family = "tfidf"

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+(?:['’][\p{L}\p{N}]+)*`)

// Vectorizer fits a TF-IDF vocabulary over a corpus.
// A positive maxFeatures keeps only the most frequent terms.
type Vectorizer struct {
	maxFeatures int
}

// NewVectorizer creates a TF-IDF vectorizer.
func NewVectorizer(maxFeatures int) *Vectorizer {
	return &Vectorizer{maxFeatures: maxFeatures}
}

// Family returns the artifact family name.
func (v *Vectorizer) Family() string { return Family }

// FitTransform builds the vocabulary and IDF values from texts and returns
// the L2-normalized TF-IDF rows for the same texts.
func (v *Vectorizer) FitTransform(ctx context.Context, texts []string) (embedding.Encoder, [][]float32, error) {
	if len(texts) == 0 {
		return nil, nil, fmt.Errorf("tfidf fit: %w", domain.ErrEmptyCorpus)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	// Document frequencies and corpus-wide counts
	df := make(map[string]int)
	total := make(map[string]int)
	for _, text := range texts {
		seen := make(map[string]struct{})
		for _, tok := range tokenize(text) {
			total[tok]++
			if _, ok := seen[tok]; ok {
				continue
			}
			seen[tok] = struct{}{}
			df[tok]++
		}
	}
	if len(df) == 0 {
		return nil, nil, fmt.Errorf("tfidf fit: no terms left after stop-word filtering: %w", domain.ErrEmptyCorpus)
	}
	terms := make([]string, 0, len(df))
	for term := range df {
		terms = append(terms, term)
	}
	if v.maxFeatures > 0 && len(terms) > v.maxFeatures {
		sort.Slice(terms, func(i, j int) bool {
			if total[terms[i]] != total[terms[j]] {
				return total[terms[i]] > total[terms[j]]
			}
			return terms[i] < terms[j]
		})
		terms = terms[:v.maxFeatures]
	}
	// Stable column order
	sort.Strings(terms)
	idf := make([]float64, len(terms))
	n := float64(len(texts))
	for i, term := range terms {
		// Smoothed IDF
		idf[i] = math.Log((1+n)/(1+float64(df[term]))) + 1.0
	}
	model := newModel(terms, idf)
	rows, err := model.Transform(ctx, texts)
	if err != nil {
		return nil, nil, err
	}
	return model, rows, nil
}

// Restore rebuilds a fitted model from its serialized state.
func (v *Vectorizer) Restore(state []byte) (embedding.Encoder, error) {
	var st modelState
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, fmt.Errorf("decoding tfidf state: %w: %v", domain.ErrMalformedArtifact, err)
	}
	if st.Family != Family {
		return nil, fmt.Errorf("tfidf state has family %q: %w", st.Family, domain.ErrMalformedArtifact)
	}
	if len(st.Terms) == 0 || len(st.Terms) != len(st.IDF) {
		return nil, fmt.Errorf("tfidf state has %d terms and %d idf values: %w", len(st.Terms), len(st.IDF), domain.ErrMalformedArtifact)
	}
	return newModel(st.Terms, st.IDF), nil
}

// Model is a fitted TF-IDF vocabulary.
type Model struct {
	vocabulary map[string]int
	terms      []string
	idf        []float64
}

type modelState struct {
	Family string    `json:"family"`
	Terms  []string  `json:"terms"`
	IDF    []float64 `json:"idf"`
}

func newModel(terms []string, idf []float64) *Model {
	vocab := make(map[string]int, len(terms))
	for i, term := range terms {
		vocab[term] = i
	}
	return &Model{vocabulary: vocab, terms: terms, idf: idf}
}

// Dimension returns the vocabulary size.
func (m *Model) Dimension() int { return len(m.terms) }

// Transform computes TF-IDF rows. Terms outside the vocabulary are dropped;
// a text with no known terms maps to the zero vector.
func (m *Model) Transform(ctx context.Context, texts []string) ([][]float32, error) {
	rows := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows[i] = m.embed(text)
	}
	return rows, nil
}

func (m *Model) embed(text string) []float32 {
	vec := make([]float32, len(m.terms))
	tf := make(map[int]int)
	total := 0
	for _, tok := range tokenize(text) {
		if idx, ok := m.vocabulary[tok]; ok {
			tf[idx]++
			total++
		}
	}
	if total == 0 {
		return vec
	}
	for idx, count := range tf {
		tfv := float64(count) / float64(total)
		vec[idx] = float32(tfv * m.idf[idx])
	}
	return vecmath.Normalize(vec)
}

// MarshalBinary encodes the vocabulary and IDF values as JSON.
func (m *Model) MarshalBinary() ([]byte, error) {
	return json.Marshal(modelState{Family: Family, Terms: m.terms, IDF: m.idf})
}

// Terms returns the vocabulary in column order.
func (m *Model) Terms() []string { return append([]string(nil), m.terms...) }

func tokenize(text string) []string {
	raw := tokenPattern.FindAllString(strings.ToLower(text), -1)
	if len(raw) == 0 {
		return nil
	}
	out := raw[:0]
	for _, t := range raw {
		if utf8.RuneCountInString(t) < 2 {
			continue
		}
		if _, isStop := stopwords[t]; isStop {
			continue
		}
		out = append(out, t)
	}
	return out
}

var stopwords = func() map[string]struct{} {
	words := []string{
		"a", "about", "above", "after", "again", "against", "all", "am", "an", "and", "any", "are", "as", "at",
		"be", "because", "been", "before", "being", "below", "between", "both", "but", "by",
		"can", "could", "did", "do", "does", "doing", "don", "down", "during",
		"each", "else", "few", "for", "from", "further", "had", "has", "have", "having", "he", "her", "here",
		"hers", "herself", "him", "himself", "his", "how", "i", "if", "in", "into", "is", "it", "its", "itself",
		"just", "me", "more", "most", "my", "myself", "no", "nor", "not", "now",
		"of", "off", "on", "once", "only", "or", "other", "our", "ours", "ourselves", "out", "over", "own",
		"same", "she", "should", "so", "some", "such", "than", "that", "the", "their", "theirs", "them",
		"themselves", "then", "there", "these", "they", "this", "those", "through", "to", "too",
		"under", "until", "up", "very", "was", "we", "were", "what", "when", "where", "which", "while",
		"who", "whom", "why", "will", "with", "would", "you", "your", "yours", "yourself", "yourselves",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()
