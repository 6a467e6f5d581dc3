package domain

import "context"

// Chunker splits a long document into shorter documents suitable for indexing.
type Chunker interface {
	Chunk(document Document) ([]Document, error)
}

// Summarizer produces a brief summary of the provided text.
type Summarizer interface {
	Summarize(text string, maxSentences int) (string, error)
}

// RAGService defines the operations exposed by the application core.
type RAGService interface {
	Ingest(ctx context.Context, docs []Document) (IngestResult, error)
	Search(ctx context.Context, query string, topK int) (SearchResult, error)
	Ask(ctx context.Context, query string, topK int) (Answer, error)
}
