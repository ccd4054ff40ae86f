package core

import "context"

// Document is a unit of retrievable text with metadata.
type Document struct {
	ID          string         `json:"id,omitempty"`
	PageContent string         `json:"page_content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// VectorStore is the contract consumed from vector store backends.
type VectorStore interface {
	SimilaritySearch(ctx context.Context, query string, k int, filter map[string]any) ([]Document, error)
}
