package embedding

import "context"

// Vectorizer fits a text-to-vector mapping over a training corpus.
// Implementations that need no fitting still reject an empty corpus.
type Vectorizer interface {
	// Family names the artifact family the vectorizer produces.
	Family() string
	// FitTransform fits state on texts and returns it with one vector per text.
	FitTransform(ctx context.Context, texts []string) (Encoder, [][]float32, error)
	// Restore rebuilds fitted state from Encoder.MarshalBinary output.
	Restore(state []byte) (Encoder, error)
}

// Encoder is fitted vectorizer state. It is immutable once produced and safe
// for concurrent use.
type Encoder interface {
	Transform(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	MarshalBinary() ([]byte, error)
}
