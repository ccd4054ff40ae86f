package runnable

import (
	"context"
	"iter"

	"github.com/hupe1980/chainmesh/callbacks"
	"github.com/hupe1980/chainmesh/config"
	"github.com/hupe1980/chainmesh/core"
)

// Lambda wraps a user function as a Runnable.
//
// The function's return value is interpreted as follows:
//   - a Runnable is invoked (or streamed) with the same input and config,
//     and its result is the Lambda's result
//   - a *Stream[any], iter.Seq[any], iter.Seq2[any, error] or <-chan any is
//     treated as a producer of chunks: Invoke concatenates them, Stream
//     yields them lazily
//   - any other value is the result
//
// Strings are never treated as chunk producers.
type Lambda struct {
	name string
	fn   func(ctx context.Context, input any, cfg config.Config) (any, error)
}

// Func returns a Lambda around fn.
func Func(name string, fn func(ctx context.Context, input any) (any, error)) *Lambda {
	return FuncWithConfig(name, func(ctx context.Context, input any, _ config.Config) (any, error) {
		return fn(ctx, input)
	})
}

// FuncWithConfig returns a Lambda whose function receives the config of its
// run. Nested runnables invoked with that config are traced as children.
func FuncWithConfig(name string, fn func(ctx context.Context, input any, cfg config.Config) (any, error)) *Lambda {
	if name == "" {
		name = "RunnableLambda"
	}
	return &Lambda{name: name, fn: fn}
}

// Name implements Runnable.
func (l *Lambda) Name() string { return l.name }

// Invoke implements Runnable.
func (l *Lambda) Invoke(ctx context.Context, input any, optFns ...config.Option) (any, error) {
	cfg := config.Ensure(optFns...)
	return InvokeWithRun(ctx, cfg, callbacks.KindChain, l.name, input, func(ctx context.Context, cfg config.Config, rm *callbacks.RunManager) (any, error) {
		child := ChildConfig(cfg, rm, "")
		out, err := l.fn(ctx, input, child)
		if err != nil {
			return nil, err
		}
		if r, ok := out.(Runnable); ok {
			delegateCfg, err := delegateConfig(cfg, rm)
			if err != nil {
				return nil, err
			}
			return r.Invoke(ctx, input, config.From(delegateCfg))
		}
		if s, ok := chunkStream(ctx, out); ok {
			return Aggregate(s)
		}
		return out, nil
	})
}

// Stream implements Streamer.
func (l *Lambda) Stream(ctx context.Context, input any, optFns ...config.Option) *Stream[any] {
	cfg := config.Ensure(optFns...)
	return StreamWithRun(ctx, cfg, callbacks.KindChain, l.name, input, func(ctx context.Context, cfg config.Config, rm *callbacks.RunManager, send func(any) error) error {
		child := ChildConfig(cfg, rm, "")
		out, err := l.fn(ctx, input, child)
		if err != nil {
			return err
		}
		if r, ok := out.(Runnable); ok {
			delegateCfg, err := delegateConfig(cfg, rm)
			if err != nil {
				return err
			}
			return forward(StreamOf(ctx, r, input, config.From(delegateCfg)), send)
		}
		if s, ok := chunkStream(ctx, out); ok {
			return forward(s, send)
		}
		return send(out)
	})
}

// delegateConfig decrements the recursion budget for a returned runnable.
func delegateConfig(cfg config.Config, rm *callbacks.RunManager) (config.Config, error) {
	limit := cfg.Limit()
	if limit <= 1 {
		return config.Config{}, &core.RecursionLimitError{Limit: limit}
	}
	out := config.Patch(cfg, config.PatchOptions{Callbacks: rm.GetChild("")})
	out.RecursionLimit = limit - 1
	return out, nil
}

// chunkStream reports whether v is a chunk producer and adapts it to a Stream.
func chunkStream(ctx context.Context, v any) (*Stream[any], bool) {
	switch it := v.(type) {
	case *Stream[any]:
		return it, true
	case func(func(any) bool):
		return chunkStream(ctx, iter.Seq[any](it))
	case func(func(any, error) bool):
		return chunkStream(ctx, iter.Seq2[any, error](it))
	case iter.Seq[any]:
		return NewStream(ctx, func(_ context.Context, send func(any) error) error {
			for c := range it {
				if err := send(c); err != nil {
					return err
				}
			}
			return nil
		}), true
	case iter.Seq2[any, error]:
		return NewStream(ctx, func(_ context.Context, send func(any) error) error {
			for c, err := range it {
				if err != nil {
					return err
				}
				if err := send(c); err != nil {
					return err
				}
			}
			return nil
		}), true
	case <-chan any:
		return NewStream(ctx, func(ctx context.Context, send func(any) error) error {
			for {
				select {
				case c, ok := <-it:
					if !ok {
						return nil
					}
					if err := send(c); err != nil {
						return err
					}
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}), true
	}
	return nil, false
}

// Generator is a Transformer built from a chunk-to-chunk function. It is the
// building block for streaming parsers.
type Generator struct {
	name string
	fn   func(ctx context.Context, in *Stream[any], send func(any) error) error
}

// NewGenerator returns a Generator around fn. fn reads input chunks from in
// and emits output chunks through send.
func NewGenerator(name string, fn func(ctx context.Context, in *Stream[any], send func(any) error) error) *Generator {
	if name == "" {
		name = "RunnableGenerator"
	}
	return &Generator{name: name, fn: fn}
}

// Name implements Runnable.
func (g *Generator) Name() string { return g.name }

// Invoke implements Runnable by transforming a single-chunk stream and
// concatenating the output.
func (g *Generator) Invoke(ctx context.Context, input any, optFns ...config.Option) (any, error) {
	return Aggregate(g.Stream(ctx, input, optFns...))
}

// Stream implements Streamer.
func (g *Generator) Stream(ctx context.Context, input any, optFns ...config.Option) *Stream[any] {
	return g.transform(ctx, input, FromSlice[any](ctx, input), optFns...)
}

// Transform implements Transformer.
func (g *Generator) Transform(ctx context.Context, in *Stream[any], optFns ...config.Option) *Stream[any] {
	return g.transform(ctx, nil, in, optFns...)
}

func (g *Generator) transform(ctx context.Context, input any, in *Stream[any], optFns ...config.Option) *Stream[any] {
	cfg := config.Ensure(optFns...)
	return StreamWithRun(ctx, cfg, callbacks.KindChain, g.name, input, func(ctx context.Context, _ config.Config, _ *callbacks.RunManager, send func(any) error) error {
		defer in.Close()
		return g.fn(ctx, in, send)
	})
}
