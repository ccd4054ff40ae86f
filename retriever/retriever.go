package retriever

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/chainmesh/callbacks"
	"github.com/hupe1980/chainmesh/config"
	"github.com/hupe1980/chainmesh/core"
	"github.com/hupe1980/chainmesh/runnable"
)

// Options configure a Retriever.
type Options struct {
	// Name is the traced run name. Defaults to "VectorStoreRetriever".
	Name string
	// K is the number of documents returned. Defaults to 4.
	K int
	// Filter restricts the search to documents with matching metadata.
	Filter map[string]any
}

// Retriever adapts a core.VectorStore to the runnable protocol. Invoke
// accepts a query string, a core.Message or a map with a "query" entry and
// returns []core.Document. Every call is a retriever run.
type Retriever struct {
	store core.VectorStore
	opts  Options
}

// New returns a Retriever over store.
func New(store core.VectorStore, optFns ...func(o *Options)) *Retriever {
	opts := Options{Name: "VectorStoreRetriever", K: 4}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Retriever{store: store, opts: opts}
}

// Name implements runnable.Runnable.
func (r *Retriever) Name() string { return r.opts.Name }

// Invoke implements runnable.Runnable.
func (r *Retriever) Invoke(ctx context.Context, input any, optFns ...config.Option) (any, error) {
	cfg := config.Ensure(optFns...)
	query, err := queryOf(input)
	if err != nil {
		return nil, err
	}
	return runnable.InvokeWithRun(ctx, cfg, callbacks.KindRetriever, r.opts.Name, query, func(ctx context.Context, cfg config.Config, _ *callbacks.RunManager) (any, error) {
		docs, err := r.store.SimilaritySearch(ctx, query, r.opts.K, r.opts.Filter)
		if err != nil {
			return nil, fmt.Errorf("retriever %s: %w", r.opts.Name, err)
		}
		cfg.Log().Debug("retriever.search.completed", "name", r.opts.Name, "documents", len(docs))
		return docs, nil
	})
}

func queryOf(input any) (string, error) {
	switch v := input.(type) {
	case string:
		return v, nil
	case core.Message:
		return v.Text(), nil
	case map[string]any:
		if q, ok := v["query"].(string); ok {
			return q, nil
		}
	}
	return "", &core.UsageError{Message: fmt.Sprintf("retriever expects a query string, got %T", input)}
}

// FormatDocuments joins the page contents of docs with blank lines.
func FormatDocuments(docs []core.Document) string {
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		parts = append(parts, d.PageContent)
	}
	return strings.Join(parts, "\n\n")
}

// Formatter is a runnable applying FormatDocuments to a []core.Document.
func Formatter() runnable.Runnable {
	return runnable.Func("format_documents", func(_ context.Context, input any) (any, error) {
		docs, ok := input.([]core.Document)
		if !ok {
			return nil, &core.UsageError{Message: fmt.Sprintf("format_documents expects []core.Document, got %T", input)}
		}
		return FormatDocuments(docs), nil
	})
}
