package chunker

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"rag/internal/domain"
)

// A sentence ends at a run of terminal punctuation; a trailing fragment
// without punctuation is a sentence too.
var sentencePattern = regexp.MustCompile(`[^.!?]+[.!?]+|[^.!?]+$`)

// SplitSentences returns the non-empty sentences of text with internal
// whitespace collapsed to single spaces.
func SplitSentences(text string) []string {
	raw := sentencePattern.FindAllString(text, -1)
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.Join(strings.Fields(s), " "); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// SentenceChunker splits text into sentence-based chunks with overlap.
type SentenceChunker struct {
	sentencesPerChunk int
	overlapSentences  int
}

var _ domain.Chunker = (*SentenceChunker)(nil)

func NewSentenceChunker(sentencesPerChunk, overlapSentences int) *SentenceChunker {
	if sentencesPerChunk <= 0 {
		sentencesPerChunk = 5
	}
	if overlapSentences < 0 {
		overlapSentences = 0
	}
	if overlapSentences >= sentencesPerChunk {
		overlapSentences = sentencesPerChunk - 1
	}
	return &SentenceChunker{
		sentencesPerChunk: sentencesPerChunk,
		overlapSentences:  overlapSentences,
	}
}

// Chunk returns document unchanged when it fits in one chunk. Longer
// documents become parts that keep the title and URL; part ids and titles
// carry the part number.
func (c *SentenceChunker) Chunk(document domain.Document) ([]domain.Document, error) {
	sentences := SplitSentences(document.Text)
	if len(sentences) == 0 {
		return nil, nil
	}
	if len(sentences) <= c.sentencesPerChunk {
		return []domain.Document{document}, nil
	}
	var texts []string
	i := 0
	for i < len(sentences) {
		end := i + c.sentencesPerChunk
		if end > len(sentences) {
			end = len(sentences)
		}
		texts = append(texts, strings.Join(sentences[i:end], " "))
		if end == len(sentences) {
			break
		}
		i = end - c.overlapSentences
	}
	parts := make([]domain.Document, len(texts))
	for idx, text := range texts {
		part := document
		part.Text = text
		if document.ID != "" {
			part.ID = document.ID + "#" + strconv.Itoa(idx)
		}
		if document.Title != "" {
			part.Title = fmt.Sprintf("%s (%d/%d)", document.Title, idx+1, len(texts))
		}
		parts[idx] = part
	}
	return parts, nil
}
