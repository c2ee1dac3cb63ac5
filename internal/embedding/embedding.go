// Package embedding turns text into vectors for memory search.
//
// Providers distinguish queries from documents because retrieval-tuned
// models embed the two differently. Vectors use pgvector.Vector so they flow
// unchanged into the pgvector index.
package embedding

import (
	"context"

	"github.com/pgvector/pgvector-go"
)

// Provider generates vector embeddings from text.
type Provider interface {
	// EmbedQuery embeds a search query.
	EmbedQuery(ctx context.Context, text string) (pgvector.Vector, error)

	// EmbedDocuments embeds texts destined for storage, in input order.
	EmbedDocuments(ctx context.Context, texts []string) ([]pgvector.Vector, error)

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int
}
