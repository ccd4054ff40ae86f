package runnable

import (
	"context"

	"github.com/hupe1980/chainmesh/callbacks"
	"github.com/hupe1980/chainmesh/config"
)

// Binding forwards every call to a bound runnable with extra config merged
// in. Call-site options are applied on top of the bound ones.
type Binding struct {
	bound Runnable
	opts  []config.Option
}

// WithConfig returns r with optFns applied to every future call.
func WithConfig(r Runnable, optFns ...config.Option) *Binding {
	if b, ok := r.(*Binding); ok {
		return &Binding{bound: b.bound, opts: append(append([]config.Option(nil), b.opts...), optFns...)}
	}
	return &Binding{bound: r, opts: optFns}
}

// Bind returns r with params passed as bound keyword arguments, for example
// a stop sequence or bound tools for a chat model.
func Bind(r Runnable, params map[string]any) *Binding {
	return WithConfig(r, config.WithParams(params))
}

// Listeners receive the lifecycle of the bound runnable's own run. Nested
// runs are not reported. Nil fields are skipped.
type Listeners struct {
	OnStart func(ctx context.Context, run callbacks.Run)
	OnEnd   func(ctx context.Context, run callbacks.Run)
	OnError func(ctx context.Context, run callbacks.Run)
}

// WithListeners returns r observed by l. Listener panics are recovered and
// logged like any other callback handler failure.
func WithListeners(r Runnable, l Listeners) *Binding {
	h := &callbacks.FuncHandler{}
	if l.OnStart != nil {
		h.Start = func(ctx context.Context, run callbacks.Run) error { l.OnStart(ctx, run); return nil }
	}
	if l.OnEnd != nil {
		h.End = func(ctx context.Context, run callbacks.Run) error { l.OnEnd(ctx, run); return nil }
	}
	if l.OnError != nil {
		h.Error = func(ctx context.Context, run callbacks.Run) error { l.OnError(ctx, run); return nil }
	}
	return WithConfig(r, func(c *config.Config) {
		m := c.Callbacks
		if m == nil {
			m = callbacks.NewManager()
		}
		c.Callbacks = m.AddHandler(h, false)
	})
}

// Name implements Runnable.
func (b *Binding) Name() string { return b.bound.Name() }

// Bound returns the wrapped runnable.
func (b *Binding) Bound() Runnable { return b.bound }

func (b *Binding) merge(optFns []config.Option) config.Option {
	return config.From(config.Merge(config.Apply(b.opts...), config.Apply(optFns...)))
}

// Invoke implements Runnable.
func (b *Binding) Invoke(ctx context.Context, input any, optFns ...config.Option) (any, error) {
	return b.bound.Invoke(ctx, input, b.merge(optFns))
}

// Stream implements Streamer.
func (b *Binding) Stream(ctx context.Context, input any, optFns ...config.Option) *Stream[any] {
	return StreamOf(ctx, b.bound, input, b.merge(optFns))
}

// Transform implements Transformer.
func (b *Binding) Transform(ctx context.Context, in *Stream[any], optFns ...config.Option) *Stream[any] {
	return Transform(ctx, b.bound, in, b.merge(optFns))
}

// Batch implements Batcher.
func (b *Binding) Batch(ctx context.Context, inputs []any, opts BatchOptions) ([]any, error) {
	cfgs := make([]config.Config, len(opts.ItemConfigs))
	bound := config.Apply(b.opts...)
	for i, c := range opts.ItemConfigs {
		cfgs[i] = config.Merge(bound, c)
	}
	batchOpts := []BatchOption{WithItemConfigs(cfgs...)}
	if opts.ReturnExceptions {
		batchOpts = append(batchOpts, WithReturnExceptions())
	}
	return Batch(ctx, b.bound, inputs, batchOpts...)
}
