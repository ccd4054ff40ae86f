package runnable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/chainmesh/callbacks"
	"github.com/hupe1980/chainmesh/config"
	"github.com/hupe1980/chainmesh/internal/backoff"
)

// RetryOptions configure WithRetry.
type RetryOptions struct {
	// MaxAttempts includes the first attempt. Default 3.
	MaxAttempts int
	// Initial is the delay before the second attempt. Default 100ms.
	Initial time.Duration
	// Max caps a single delay. Default 10s.
	Max time.Duration
	// Jitter adds up to this fraction of the delay at random. Default 0.1.
	Jitter float64
	// RetryIf reports whether err is worth another attempt. The default
	// retries everything except cancellation and usage errors.
	RetryIf func(err error) bool
}

// Retry re-invokes a runnable with exponential backoff until it succeeds or
// the attempts are used up. Attempts after the first are tagged
// "retry:attempt:N".
type Retry struct {
	bound  Runnable
	opts   RetryOptions
	policy backoff.Policy
}

// WithRetry returns r wrapped in a Retry.
func WithRetry(r Runnable, optFns ...func(o *RetryOptions)) *Retry {
	opts := RetryOptions{
		MaxAttempts: 3,
		Initial:     100 * time.Millisecond,
		Max:         10 * time.Second,
		Jitter:      0.1,
		RetryIf:     defaultHandles,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.RetryIf == nil {
		opts.RetryIf = defaultHandles
	}
	return &Retry{
		bound: r,
		opts:  opts,
		policy: backoff.Policy{
			Initial: opts.Initial,
			Max:     opts.Max,
			Factor:  2,
			Jitter:  opts.Jitter,
		},
	}
}

// Name implements Runnable.
func (r *Retry) Name() string { return "RunnableRetry" }

func attemptTag(attempt int) string {
	if attempt <= 1 {
		return ""
	}
	return fmt.Sprintf("retry:attempt:%d", attempt)
}

// Invoke implements Runnable.
func (r *Retry) Invoke(ctx context.Context, input any, optFns ...config.Option) (any, error) {
	cfg := config.Ensure(optFns...)
	return InvokeWithRun(ctx, cfg, callbacks.KindChain, r.Name(), input, func(ctx context.Context, cfg config.Config, rm *callbacks.RunManager) (any, error) {
		var lastErr error
		for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
			out, err := r.bound.Invoke(ctx, input, config.From(ChildConfig(cfg, rm, attemptTag(attempt))))
			if err == nil {
				return out, nil
			}
			lastErr = err
			if !r.opts.RetryIf(err) || attempt == r.opts.MaxAttempts {
				break
			}
			cfg.Log().Debug("runnable.retry.attempt_failed", "runnable", r.bound.Name(), "attempt", attempt, "error", err.Error())
			if err := backoff.Sleep(ctx, backoff.Compute(r.policy, attempt)); err != nil {
				return nil, errors.Join(lastErr, err)
			}
		}
		return nil, lastErr
	})
}

// Batch implements Batcher. Only items that failed with a retryable error
// are re-run on the next attempt.
func (r *Retry) Batch(ctx context.Context, inputs []any, opts BatchOptions) ([]any, error) {
	cfgs := opts.ItemConfigs
	n := len(inputs)
	results := make([]any, n)
	pending := make([]int, n)
	for i := range pending {
		pending[i] = i
	}

	for attempt := 1; attempt <= r.opts.MaxAttempts && len(pending) > 0; attempt++ {
		batchInputs := make([]any, len(pending))
		batchCfgs := make([]config.Config, len(pending))
		for j, idx := range pending {
			batchInputs[j] = inputs[idx]
			batchCfgs[j] = cfgs[idx]
			if tag := attemptTag(attempt); tag != "" {
				batchCfgs[j].Tags = append(append([]string(nil), cfgs[idx].Tags...), tag)
				batchCfgs[j].RunID = ""
			}
		}
		outs, err := Batch(ctx, r.bound, batchInputs, WithItemConfigs(batchCfgs...), WithReturnExceptions())
		if err != nil {
			return nil, err
		}
		var next []int
		for j, idx := range pending {
			results[idx] = outs[j]
			if itemErr, ok := outs[j].(error); ok && r.opts.RetryIf(itemErr) && attempt < r.opts.MaxAttempts {
				next = append(next, idx)
			}
		}
		pending = next
		if len(pending) > 0 {
			if err := backoff.Sleep(ctx, backoff.Compute(r.policy, attempt)); err != nil {
				return nil, err
			}
		}
	}

	if !opts.ReturnExceptions {
		for _, res := range results {
			if err, ok := res.(error); ok {
				return nil, err
			}
		}
	}
	return results, nil
}

var _ Batcher = (*Retry)(nil)
