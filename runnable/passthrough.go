package runnable

import (
	"context"
	"fmt"

	"github.com/hupe1980/chainmesh/callbacks"
	"github.com/hupe1980/chainmesh/config"
	"github.com/hupe1980/chainmesh/core"
)

// Passthrough returns its input unchanged. It transforms chunk by chunk.
type Passthrough struct{}

// Name implements Runnable.
func (Passthrough) Name() string { return "RunnablePassthrough" }

// Invoke implements Runnable.
func (p Passthrough) Invoke(ctx context.Context, input any, optFns ...config.Option) (any, error) {
	cfg := config.Ensure(optFns...)
	return InvokeWithRun(ctx, cfg, callbacks.KindChain, p.Name(), input, func(context.Context, config.Config, *callbacks.RunManager) (any, error) {
		return input, nil
	})
}

// Transform implements Transformer.
func (p Passthrough) Transform(ctx context.Context, in *Stream[any], optFns ...config.Option) *Stream[any] {
	cfg := config.Ensure(optFns...)
	return StreamWithRun(ctx, cfg, callbacks.KindChain, p.Name(), nil, func(_ context.Context, _ config.Config, _ *callbacks.RunManager, send func(any) error) error {
		return forward(in, send)
	})
}

// Assign runs a Parallel over a map input and merges the branch outputs
// into a copy of the input.
type Assign struct {
	mapper *Parallel
}

// NewAssign returns an Assign computing one key per branch.
func NewAssign(branches map[string]Runnable) *Assign {
	return &Assign{mapper: NewParallel(branches)}
}

// Name implements Runnable.
func (a *Assign) Name() string { return "RunnableAssign" }

// Invoke implements Runnable. The input must be a map[string]any.
func (a *Assign) Invoke(ctx context.Context, input any, optFns ...config.Option) (any, error) {
	cfg := config.Ensure(optFns...)
	return InvokeWithRun(ctx, cfg, callbacks.KindChain, a.Name(), input, func(ctx context.Context, cfg config.Config, rm *callbacks.RunManager) (any, error) {
		in, ok := input.(map[string]any)
		if !ok {
			return nil, &core.UsageError{Message: fmt.Sprintf("assign expects a map input, got %T", input)}
		}
		computed, err := a.mapper.Invoke(ctx, in, config.From(ChildConfig(cfg, rm, "")))
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, len(in)+len(a.mapper.keys))
		for k, v := range in {
			out[k] = v
		}
		for k, v := range computed.(map[string]any) {
			out[k] = v
		}
		return out, nil
	})
}

// Pick selects keys from a map input. With a single key it returns the
// bare value, otherwise a map with the present keys.
type Pick struct {
	keys []string
}

// NewPick returns a Pick over keys.
func NewPick(keys ...string) *Pick { return &Pick{keys: keys} }

// Name implements Runnable.
func (p *Pick) Name() string { return "RunnablePick" }

func (p *Pick) pick(input any) (any, error) {
	in, ok := input.(map[string]any)
	if !ok {
		return nil, &core.UsageError{Message: fmt.Sprintf("pick expects a map input, got %T", input)}
	}
	if len(p.keys) == 1 {
		return in[p.keys[0]], nil
	}
	out := make(map[string]any, len(p.keys))
	for _, k := range p.keys {
		if v, ok := in[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// Invoke implements Runnable.
func (p *Pick) Invoke(ctx context.Context, input any, optFns ...config.Option) (any, error) {
	cfg := config.Ensure(optFns...)
	return InvokeWithRun(ctx, cfg, callbacks.KindChain, p.Name(), input, func(context.Context, config.Config, *callbacks.RunManager) (any, error) {
		return p.pick(input)
	})
}

// Transform implements Transformer by picking from every map chunk.
func (p *Pick) Transform(ctx context.Context, in *Stream[any], optFns ...config.Option) *Stream[any] {
	cfg := config.Ensure(optFns...)
	return StreamWithRun(ctx, cfg, callbacks.KindChain, p.Name(), nil, func(_ context.Context, _ config.Config, _ *callbacks.RunManager, send func(any) error) error {
		for chunk, err := range in.All() {
			if err != nil {
				return err
			}
			out, err := p.pick(chunk)
			if err != nil {
				return err
			}
			if out == nil {
				continue
			}
			if m, ok := out.(map[string]any); ok && len(m) == 0 {
				continue
			}
			if err := send(out); err != nil {
				return err
			}
		}
		return nil
	})
}
