package domain

import "errors"

// Retrieval errors. None of them are fatal: the engine resolves each one to
// an empty or refused result before it reaches a caller boundary.
var (
	// ErrEmptyCorpus indicates a fit was attempted on zero usable documents.
	ErrEmptyCorpus = errors.New("empty corpus")

	// ErrNotReady indicates no ingest or artifact load has succeeded yet.
	ErrNotReady = errors.New("index not ready")

	// ErrMalformedArtifact indicates persisted files are partial or corrupt.
	ErrMalformedArtifact = errors.New("malformed artifact")

	// ErrInvalidQuery indicates an empty query string.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrDimensionMismatch indicates vectors whose width or count disagree
	// with the state they are paired with.
	ErrDimensionMismatch = errors.New("dimension mismatch")
)
