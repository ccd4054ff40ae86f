package runnable

import (
	"context"
	"fmt"
	"reflect"

	"github.com/hupe1980/chainmesh/callbacks"
	"github.com/hupe1980/chainmesh/config"
	"github.com/hupe1980/chainmesh/core"
)

// Each applies a runnable to every element of a slice input and returns the
// outputs as []any in the same order.
type Each struct {
	bound Runnable
}

// Map returns a runnable that batches r over the elements of its input.
func Map(r Runnable) *Each { return &Each{bound: r} }

// Name implements Runnable.
func (e *Each) Name() string { return "RunnableEach<" + e.bound.Name() + ">" }

// Invoke implements Runnable. The input must be a slice or array.
func (e *Each) Invoke(ctx context.Context, input any, optFns ...config.Option) (any, error) {
	cfg := config.Ensure(optFns...)
	return InvokeWithRun(ctx, cfg, callbacks.KindChain, e.Name(), input, func(ctx context.Context, cfg config.Config, rm *callbacks.RunManager) (any, error) {
		items, err := toSlice(input)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return []any{}, nil
		}
		cfgs := make([]config.Config, len(items))
		for i := range items {
			cfgs[i] = ChildConfig(cfg, rm, "")
		}
		return Batch(ctx, e.bound, items, WithItemConfigs(cfgs...))
	})
}

func toSlice(v any) ([]any, error) {
	if items, ok := v.([]any); ok {
		return items, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, &core.UsageError{Message: fmt.Sprintf("map expects a slice input, got %T", v)}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}
