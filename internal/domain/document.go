package domain

import "strings"

// Document is a single unit of ingested text. Only Text is required.
type Document struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
	Text  string `json:"text"`
}

// Empty reports whether the document has no usable text.
func (d Document) Empty() bool {
	return strings.TrimSpace(d.Text) == ""
}

// Hit is one ranked search result. Row is the document's position in the
// corpus snapshot that produced it.
type Hit struct {
	Rank     int      `json:"rank"`
	Score    float64  `json:"score"`
	Row      int      `json:"-"`
	Document Document `json:"doc"`
}

// SearchResult is the response shape of a search call.
type SearchResult struct {
	Hits  []Hit `json:"hits"`
	Count int   `json:"count"`
}

// Citation references a document that backs an answer.
type Citation struct {
	Title string  `json:"title"`
	URL   string  `json:"url,omitempty"`
	Score float64 `json:"score"`
}

// Answer is the result of an ask call. Refused answers carry the confidence
// that caused the refusal.
type Answer struct {
	Answer     string     `json:"answer"`
	Citations  []Citation `json:"citations"`
	Confidence float64    `json:"confidence"`
	Refused    bool       `json:"refused"`
}

// IngestResult reports how many documents were stored after filtering.
type IngestResult struct {
	Ingested int `json:"ingested"`
}
