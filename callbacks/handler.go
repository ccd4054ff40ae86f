package callbacks

import (
	"context"
	"time"
)

// Kind classifies the unit of work a run traces.
type Kind string

const (
	KindChain     Kind = "chain"
	KindLLM       Kind = "llm"
	KindChatModel Kind = "chat_model"
	KindTool      Kind = "tool"
	KindRetriever Kind = "retriever"
	KindParser    Kind = "parser"
	KindPrompt    Kind = "prompt"
)

// Run is one traced execution of one runnable step. Runs form a tree through
// ParentRunID; ParentIDs lists the full ancestor chain, root first.
//
// Handlers receive Run values by copy. Outputs, EndTime and Error are only set
// on the terminal notification.
type Run struct {
	ID          string
	Name        string
	Kind        Kind
	ParentRunID string
	ParentIDs   []string
	Tags        []string
	Metadata    map[string]any
	Extra       map[string]any
	StartTime   time.Time
	EndTime     time.Time
	Inputs      any
	Outputs     any
	Error       error
}

// Duration returns the elapsed time of a finished run.
func (r Run) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// Handler observes run lifecycle notifications.
//
// Handlers are invoked synchronously in registration order. A returned error
// or a panic is logged by the manager and otherwise ignored: observers can
// never change the outcome of the run they observe.
//
// Embed BaseHandler to implement only the notifications of interest.
type Handler interface {
	// OnRunStart is called once when a run begins.
	OnRunStart(ctx context.Context, run Run) error
	// OnRunChunk is called for every streamed chunk a run produces.
	OnRunChunk(ctx context.Context, run Run, chunk any) error
	// OnRunEnd is called when a run finishes successfully.
	OnRunEnd(ctx context.Context, run Run) error
	// OnRunError is called when a run fails or is cancelled.
	OnRunError(ctx context.Context, run Run) error
}

// BaseHandler implements Handler with no-ops.
type BaseHandler struct{}

// OnRunStart implements Handler.
func (BaseHandler) OnRunStart(context.Context, Run) error { return nil }

// OnRunChunk implements Handler.
func (BaseHandler) OnRunChunk(context.Context, Run, any) error { return nil }

// OnRunEnd implements Handler.
func (BaseHandler) OnRunEnd(context.Context, Run) error { return nil }

// OnRunError implements Handler.
func (BaseHandler) OnRunError(context.Context, Run) error { return nil }

// FuncHandler adapts plain functions into a Handler. Nil fields are skipped.
//
// Example:
//
//	h := &callbacks.FuncHandler{
//	    End: func(ctx context.Context, run callbacks.Run) error {
//	        log.Printf("%s finished in %s", run.Name, run.Duration())
//	        return nil
//	    },
//	}
type FuncHandler struct {
	Start func(ctx context.Context, run Run) error
	Chunk func(ctx context.Context, run Run, chunk any) error
	End   func(ctx context.Context, run Run) error
	Error func(ctx context.Context, run Run) error
}

// OnRunStart implements Handler.
func (f *FuncHandler) OnRunStart(ctx context.Context, run Run) error {
	if f.Start == nil {
		return nil
	}
	return f.Start(ctx, run)
}

// OnRunChunk implements Handler.
func (f *FuncHandler) OnRunChunk(ctx context.Context, run Run, chunk any) error {
	if f.Chunk == nil {
		return nil
	}
	return f.Chunk(ctx, run, chunk)
}

// OnRunEnd implements Handler.
func (f *FuncHandler) OnRunEnd(ctx context.Context, run Run) error {
	if f.End == nil {
		return nil
	}
	return f.End(ctx, run)
}

// OnRunError implements Handler.
func (f *FuncHandler) OnRunError(ctx context.Context, run Run) error {
	if f.Error == nil {
		return nil
	}
	return f.Error(ctx, run)
}
