package runnable

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/chainmesh/callbacks"
	"github.com/hupe1980/chainmesh/config"
	"github.com/hupe1980/chainmesh/core"
)

// Runnable is a unit of work that turns one input into one output.
//
// Values are passed as any; each implementation documents the shapes it
// accepts and returns. Optional capabilities are expressed by Streamer,
// Transformer and Batcher. The package functions Stream, Transform and Batch
// fall back to Invoke-based behavior for runnables that do not implement them.
type Runnable interface {
	// Name identifies the runnable in traces.
	Name() string
	// Invoke runs the unit once.
	Invoke(ctx context.Context, input any, optFns ...config.Option) (any, error)
}

// Streamer is implemented by runnables with native incremental output.
type Streamer interface {
	Runnable
	Stream(ctx context.Context, input any, optFns ...config.Option) *Stream[any]
}

// Transformer is implemented by runnables that can consume their input as a
// stream of chunks and produce output chunks as they go.
type Transformer interface {
	Runnable
	Transform(ctx context.Context, in *Stream[any], optFns ...config.Option) *Stream[any]
}

// Batcher is implemented by runnables with a specialized batch strategy.
// opts is already validated by Batch.
type Batcher interface {
	Runnable
	Batch(ctx context.Context, inputs []any, opts BatchOptions) ([]any, error)
}

// StreamOf runs r in streaming mode. Runnables without native streaming yield
// exactly one chunk equal to their Invoke result.
func StreamOf(ctx context.Context, r Runnable, input any, optFns ...config.Option) *Stream[any] {
	if s, ok := r.(Streamer); ok {
		return s.Stream(ctx, input, optFns...)
	}
	return NewStream(ctx, func(ctx context.Context, send func(any) error) error {
		out, err := r.Invoke(ctx, input, optFns...)
		if err != nil {
			return err
		}
		return send(out)
	})
}

// Transform feeds a chunk stream into r. Runnables that are not Transformers
// receive the concatenation of all input chunks and are then streamed.
func Transform(ctx context.Context, r Runnable, in *Stream[any], optFns ...config.Option) *Stream[any] {
	if t, ok := r.(Transformer); ok {
		return t.Transform(ctx, in, optFns...)
	}
	return NewStream(ctx, func(ctx context.Context, send func(any) error) error {
		input, err := Aggregate(in)
		if err != nil {
			return err
		}
		return forward(StreamOf(ctx, r, input, optFns...), send)
	})
}

func forward(s *Stream[any], send func(any) error) error {
	for v, err := range s.All() {
		if err != nil {
			return err
		}
		if err := send(v); err != nil {
			return err
		}
	}
	return nil
}

func startRun(ctx context.Context, cfg config.Config, kind callbacks.Kind, name string, input any) *callbacks.RunManager {
	m := callbacks.Configure(callbacks.ConfigureOptions{
		Inheritable:         cfg.Callbacks,
		InheritableTags:     cfg.Tags,
		InheritableMetadata: cfg.Metadata,
		Logger:              cfg.Logger,
	})
	var optFns []callbacks.StartOption
	if cfg.RunID != "" {
		optFns = append(optFns, callbacks.WithRunID(cfg.RunID))
	}
	if cfg.RunName != "" {
		optFns = append(optFns, callbacks.WithRunName(cfg.RunName))
	}
	return m.HandleStart(ctx, kind, name, input, optFns...)
}

// ChildConfig derives the config for a nested call of the run managed by rm.
// A non-empty tag is attached to the child run only.
func ChildConfig(cfg config.Config, rm *callbacks.RunManager, tag string) config.Config {
	return config.Patch(cfg, config.PatchOptions{Callbacks: rm.GetChild(tag)})
}

// RunFunc is the body of a traced run. cfg is the caller's config and rm the
// manager of the started run.
type RunFunc func(ctx context.Context, cfg config.Config, rm *callbacks.RunManager) (any, error)

// InvokeWithRun wraps fn in a run of the given kind. It starts the run,
// applies the config timeout, recovers panics and finalizes the run with
// exactly one End or Error notification.
func InvokeWithRun(ctx context.Context, cfg config.Config, kind callbacks.Kind, name string, input any, fn RunFunc) (out any, err error) {
	rm := startRun(ctx, cfg, kind, name, input)
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	ctx = config.NewContext(ctx, cfg)
	defer func() {
		if r := recover(); r != nil {
			err = core.NewPanicError(r)
			out = nil
		}
		if err != nil {
			rm.HandleError(ctx, err)
			return
		}
		rm.HandleEnd(ctx, out)
	}()
	return fn(ctx, cfg, rm)
}

// StreamFunc is the body of a traced streaming run.
type StreamFunc func(ctx context.Context, cfg config.Config, rm *callbacks.RunManager, send func(any) error) error

// StreamWithRun is the streaming counterpart of InvokeWithRun. The run starts
// on the first Recv. Every chunk is reported to the run's handlers, and the
// run ends with the concatenation of all chunks.
func StreamWithRun(ctx context.Context, cfg config.Config, kind callbacks.Kind, name string, input any, fn StreamFunc) *Stream[any] {
	return NewStream(ctx, func(ctx context.Context, send func(any) error) (err error) {
		rm := startRun(ctx, cfg, kind, name, input)
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}
		ctx = config.NewContext(ctx, cfg)

		agg := &aggregator{}
		defer func() {
			if r := recover(); r != nil {
				err = core.NewPanicError(r)
			}
			if err != nil {
				rm.HandleError(ctx, err)
				return
			}
			rm.HandleEnd(ctx, agg.result())
		}()
		return fn(ctx, cfg, rm, func(v any) error {
			rm.HandleChunk(ctx, v)
			agg.add(v)
			return send(v)
		})
	})
}

type aggregator struct {
	mu     sync.Mutex
	acc    any
	chunks []any
	failed bool
}

func (a *aggregator) add(v any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chunks = append(a.chunks, v)
	if a.failed {
		return
	}
	next, err := core.Concat(a.acc, v)
	if err != nil {
		a.failed = true
		return
	}
	a.acc = next
}

// result is the concatenated output or, when chunks could not be merged,
// the raw chunk list.
func (a *aggregator) result() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failed {
		return a.chunks
	}
	return a.acc
}

func seqTag(cfg config.Config, i int) string {
	if cfg.OmitSequenceTags {
		return ""
	}
	return fmt.Sprintf("seq:step:%d", i+1)
}
