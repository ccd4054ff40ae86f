package runnable

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/chainmesh/config"
	"github.com/hupe1980/chainmesh/core"
)

// BatchOptions control Batch.
type BatchOptions struct {
	// ReturnExceptions stores a failing item's error in its result slot
	// instead of aborting the batch.
	ReturnExceptions bool
	// Config is shared by all items.
	Config []config.Option
	// ItemConfigs holds one config per input. Its length must match the
	// number of inputs. It takes precedence over Config.
	ItemConfigs []config.Config
}

// BatchOption mutates BatchOptions.
type BatchOption func(o *BatchOptions)

// WithReturnExceptions makes Batch collect per-item errors instead of failing fast.
func WithReturnExceptions() BatchOption {
	return func(o *BatchOptions) { o.ReturnExceptions = true }
}

// WithBatchConfig sets options shared by every item.
func WithBatchConfig(optFns ...config.Option) BatchOption {
	return func(o *BatchOptions) { o.Config = append(o.Config, optFns...) }
}

// WithItemConfigs sets one config per input.
func WithItemConfigs(cfgs ...config.Config) BatchOption {
	return func(o *BatchOptions) { o.ItemConfigs = cfgs }
}

// Configs resolves the per-item configs for n inputs. A shared config with
// an explicit run id keeps the id on the first item only.
func (o BatchOptions) Configs(n int) ([]config.Config, error) {
	if len(o.ItemConfigs) > 0 {
		if len(o.ItemConfigs) != n {
			return nil, &core.UsageError{Message: fmt.Sprintf("batch received %d configs for %d inputs", len(o.ItemConfigs), n)}
		}
		out := make([]config.Config, n)
		for i, c := range o.ItemConfigs {
			out[i] = config.Ensure(config.From(c))
		}
		return out, nil
	}
	return config.RunIDs(config.Ensure(o.Config...), n), nil
}

// Batch runs r once per input and returns the outputs in input order.
//
// Items run concurrently, bounded by the MaxConcurrency of the first item's
// config. Without ReturnExceptions the first error cancels the remaining
// items and is returned. With ReturnExceptions every slot holds either the
// output or the item's error.
func Batch(ctx context.Context, r Runnable, inputs []any, optFns ...BatchOption) ([]any, error) {
	opts := BatchOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if len(inputs) == 0 {
		if len(opts.ItemConfigs) > 0 {
			return nil, &core.UsageError{Message: fmt.Sprintf("batch received %d configs for 0 inputs", len(opts.ItemConfigs))}
		}
		return []any{}, nil
	}
	cfgs, err := opts.Configs(len(inputs))
	if err != nil {
		return nil, err
	}
	if b, ok := r.(Batcher); ok {
		opts.ItemConfigs = cfgs
		opts.Config = nil
		return b.Batch(ctx, inputs, opts)
	}
	return batchInvoke(ctx, inputs, cfgs, opts.ReturnExceptions, func(ctx context.Context, input any, cfg config.Config) (any, error) {
		return r.Invoke(ctx, input, config.From(cfg))
	})
}

func batchInvoke(
	ctx context.Context,
	inputs []any,
	cfgs []config.Config,
	returnExceptions bool,
	call func(ctx context.Context, input any, cfg config.Config) (any, error),
) ([]any, error) {
	results := make([]any, len(inputs))
	limit := cfgs[0].MaxConcurrency
	if limit <= 0 {
		limit = -1
	}

	if returnExceptions {
		var g errgroup.Group
		g.SetLimit(limit)
		for i := range inputs {
			g.Go(func() error {
				out, err := call(ctx, inputs[i], cfgs[i])
				if err != nil {
					cfgs[i].Log().Debug("runnable.batch.item_error", "index", i, "error", err.Error())
					results[i] = err
					return nil
				}
				results[i] = out
				return nil
			})
		}
		_ = g.Wait()
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range inputs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := call(gctx, inputs[i], cfgs[i])
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
