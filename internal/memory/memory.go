// Package memory provides the long-term memory store: three logically
// separate sub-stores (episodic, declarative, procedural) behind one
// facade, ranked by vector similarity.
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind identifies one of the three memory sub-stores.
type Kind string

const (
	// Episodic holds conversation history: things the cat heard and said.
	Episodic Kind = "episodic"
	// Declarative holds document knowledge ingested through the rabbit hole.
	Declarative Kind = "declarative"
	// Procedural holds tool and skill descriptions.
	Procedural Kind = "procedural"
)

// Kinds lists all memory kinds in their canonical recall order.
func Kinds() []Kind {
	return []Kind{Episodic, Declarative, Procedural}
}

// Valid reports whether k names a known memory kind.
func (k Kind) Valid() bool {
	switch k {
	case Episodic, Declarative, Procedural:
		return true
	}
	return false
}

// Record is an immutable stored memory. Updates are delete + insert.
type Record struct {
	ID       string         `json:"id"`
	Kind     Kind           `json:"kind"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Vector   []float32      `json:"-"`

	// Score is the similarity to the query that retrieved this record.
	// Only populated on recall results.
	Score float32 `json:"score,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Embedder converts text into a fixed-length vector. Implementations
// must be deterministic for identical input.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ErrDimensionMismatch is returned when an embedding's length differs
// from the dimensionality pinned by the store's first insertion.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// ErrUnknownKind is returned for operations naming an invalid kind.
var ErrUnknownKind = errors.New("unknown memory kind")

func kindErr(k Kind) error {
	return fmt.Errorf("%w: %q", ErrUnknownKind, k)
}
