// Package retriever turns document search into a traced runnable step.
//
// A Retriever wraps any core.VectorStore; InMemoryStore is a keyword-scored
// implementation for tests and small corpora. Retrieval runs report through
// the callback system with kind "retriever".
//
//	store := retriever.NewInMemoryStore()
//	_, _ = store.AddDocuments(ctx, docs...)
//	chain := runnable.Pipe(
//	    runnable.NewAssign(map[string]runnable.Runnable{
//	        "context": runnable.Pipe(runnable.NewPick("question"), retriever.New(store), retriever.Formatter()),
//	    }),
//	    prompt, chatModel, parser.NewStringParser(),
//	)
package retriever
