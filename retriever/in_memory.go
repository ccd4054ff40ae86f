package retriever

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/hupe1980/chainmesh/core"
)

// ScoredDocument is a search hit with its relevance in [0, 1].
type ScoredDocument struct {
	Document core.Document
	Score    float64
}

// InMemoryStore is a process-local core.VectorStore.
//
// Search is a linear scan scoring each document by the fraction of query
// terms it contains (case-insensitive). It is meant for tests, demos and
// small corpora; production retrieval should use an embedding index behind
// the same interface.
//
// Concurrency: protected by RWMutex. Returned documents are copies.
type InMemoryStore struct {
	mu    sync.RWMutex
	docs  map[string]core.Document
	order []string // insertion order, used to break score ties
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{docs: make(map[string]core.Document)}
}

// AddDocuments stores docs and returns their ids. Documents without an id
// get a generated one; an existing id is replaced in place.
func (s *InMemoryStore) AddDocuments(_ context.Context, docs ...core.Document) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		if d.ID == "" {
			d.ID = core.NewID()
		}
		if _, exists := s.docs[d.ID]; !exists {
			s.order = append(s.order, d.ID)
		}
		s.docs[d.ID] = copyDoc(d)
		ids = append(ids, d.ID)
	}
	return ids, nil
}

// Delete removes documents by id. Unknown ids are a NotFoundError and
// leave the store unchanged.
func (s *InMemoryStore) Delete(_ context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if _, ok := s.docs[id]; !ok {
			return &core.NotFoundError{Kind: "document", Key: id, Available: append([]string(nil), s.order...)}
		}
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		delete(s.docs, id)
		drop[id] = true
	}
	kept := s.order[:0]
	for _, id := range s.order {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	s.order = kept
	return nil
}

// Len returns the number of stored documents.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// SimilaritySearch implements core.VectorStore.
func (s *InMemoryStore) SimilaritySearch(ctx context.Context, query string, k int, filter map[string]any) ([]core.Document, error) {
	hits, err := s.SearchWithScores(ctx, query, k, filter)
	if err != nil {
		return nil, err
	}
	docs := make([]core.Document, len(hits))
	for i, h := range hits {
		docs[i] = h.Document
	}
	return docs, nil
}

// SearchWithScores returns up to k matching documents, best first. Only
// documents whose metadata equals every filter entry are considered. An
// empty query matches every document with score 1.
func (s *InMemoryStore) SearchWithScores(ctx context.Context, query string, k int, filter map[string]any) ([]ScoredDocument, error) {
	if k <= 0 {
		return nil, &core.UsageError{Message: fmt.Sprintf("k must be positive, got %d", k)}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := tokenize(query)

	s.mu.RLock()
	defer s.mu.RUnlock()
	hits := make([]ScoredDocument, 0, len(s.docs))
	for _, id := range s.order {
		d := s.docs[id]
		if !matches(d.Metadata, filter) {
			continue
		}
		score := 1.0
		if len(terms) > 0 {
			score = overlap(terms, tokenize(d.PageContent))
		}
		if score > 0 {
			hits = append(hits, ScoredDocument{Document: copyDoc(d), Score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func tokenize(text string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

func overlap(query, doc map[string]bool) float64 {
	n := 0
	for t := range query {
		if doc[t] {
			n++
		}
	}
	return float64(n) / float64(len(query))
}

func matches(md, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := md[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func copyDoc(d core.Document) core.Document {
	if d.Metadata != nil {
		md := make(map[string]any, len(d.Metadata))
		for k, v := range d.Metadata {
			md[k] = v
		}
		d.Metadata = md
	}
	return d
}
