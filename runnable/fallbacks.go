package runnable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/hupe1980/chainmesh/callbacks"
	"github.com/hupe1980/chainmesh/config"
	"github.com/hupe1980/chainmesh/core"
)

// FallbackError is returned when the primary runnable and all fallbacks failed.
type FallbackError struct {
	// Errors holds one error per attempted runnable, primary first.
	Errors []error
}

func (e *FallbackError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		parts[i] = err.Error()
	}
	return fmt.Sprintf("all %d runnables failed: %s", len(e.Errors), strings.Join(parts, "; "))
}

// Unwrap exposes every attempt's error to errors.Is and errors.As.
func (e *FallbackError) Unwrap() []error { return e.Errors }

// FallbackOptions configure WithFallbacks.
type FallbackOptions struct {
	// Handles decides whether an error moves on to the next fallback. The
	// default handles every error except cancellation and usage errors.
	Handles func(err error) bool
	// ErrorKey, when set, passes the previous error to the next candidate
	// under this key. The input must then be a map[string]any.
	ErrorKey string
}

// Fallbacks tries a primary runnable and then each fallback in order until
// one succeeds. Every candidate is attempted at most once.
type Fallbacks struct {
	name       string
	candidates []Runnable
	opts       FallbackOptions
}

// WithFallbacks returns r guarded by fallbacks.
func WithFallbacks(r Runnable, fallbacks []Runnable, optFns ...func(o *FallbackOptions)) *Fallbacks {
	opts := FallbackOptions{Handles: defaultHandles}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Handles == nil {
		opts.Handles = defaultHandles
	}
	return &Fallbacks{
		name:       "RunnableWithFallbacks",
		candidates: append([]Runnable{r}, fallbacks...),
		opts:       opts,
	}
}

func defaultHandles(err error) bool {
	return !core.IsCancellation(err) && !errors.Is(err, core.ErrUsage)
}

// Name implements Runnable.
func (f *Fallbacks) Name() string { return f.name }

func (f *Fallbacks) inputFor(input any, prev error) (any, error) {
	if f.opts.ErrorKey == "" || prev == nil {
		return input, nil
	}
	m, ok := input.(map[string]any)
	if !ok {
		return nil, &core.UsageError{Message: fmt.Sprintf("fallback error key %q requires a map input, got %T", f.opts.ErrorKey, input)}
	}
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[f.opts.ErrorKey] = prev
	return out, nil
}

// Invoke implements Runnable.
func (f *Fallbacks) Invoke(ctx context.Context, input any, optFns ...config.Option) (any, error) {
	cfg := config.Ensure(optFns...)
	return InvokeWithRun(ctx, cfg, callbacks.KindChain, f.name, input, func(ctx context.Context, cfg config.Config, rm *callbacks.RunManager) (any, error) {
		var errs []error
		var prev error
		for _, c := range f.candidates {
			in, err := f.inputFor(input, prev)
			if err != nil {
				return nil, err
			}
			out, err := c.Invoke(ctx, in, config.From(ChildConfig(cfg, rm, "")))
			if err == nil {
				return out, nil
			}
			errs = append(errs, err)
			if !f.opts.Handles(err) || ctx.Err() != nil {
				return nil, err
			}
			prev = err
		}
		return nil, &FallbackError{Errors: errs}
	})
}

// Stream implements Streamer. A candidate is accepted once it produced its
// first chunk; errors after that point are not retried with a fallback.
func (f *Fallbacks) Stream(ctx context.Context, input any, optFns ...config.Option) *Stream[any] {
	cfg := config.Ensure(optFns...)
	return StreamWithRun(ctx, cfg, callbacks.KindChain, f.name, input, func(ctx context.Context, cfg config.Config, rm *callbacks.RunManager, send func(any) error) error {
		var errs []error
		var prev error
		for _, c := range f.candidates {
			in, err := f.inputFor(input, prev)
			if err != nil {
				return err
			}
			s := StreamOf(ctx, c, in, config.From(ChildConfig(cfg, rm, "")))
			first, err := s.Recv()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				_ = s.Close()
				errs = append(errs, err)
				if !f.opts.Handles(err) || ctx.Err() != nil {
					return err
				}
				prev = err
				continue
			}
			if err := send(first); err != nil {
				_ = s.Close()
				return err
			}
			return forward(s, send)
		}
		return &FallbackError{Errors: errs}
	})
}
