package runnable

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/chainmesh/callbacks"
	"github.com/hupe1980/chainmesh/config"
	"github.com/hupe1980/chainmesh/core"
)

// Parallel runs every branch on the same input concurrently and returns a
// map[string]any keyed by branch name. The first failing branch cancels the
// others. Branch runs are tagged "map:key:<name>".
type Parallel struct {
	name     string
	keys     []string
	branches map[string]Runnable
}

// NewParallel returns a Parallel over branches.
func NewParallel(branches map[string]Runnable) *Parallel {
	p := &Parallel{name: "RunnableParallel", branches: make(map[string]Runnable, len(branches))}
	for k, r := range branches {
		p.keys = append(p.keys, k)
		p.branches[k] = r
	}
	sort.Strings(p.keys)
	return p
}

// Name implements Runnable.
func (p *Parallel) Name() string { return p.name }

// Keys returns the sorted branch names.
func (p *Parallel) Keys() []string { return append([]string(nil), p.keys...) }

// Invoke implements Runnable.
func (p *Parallel) Invoke(ctx context.Context, input any, optFns ...config.Option) (any, error) {
	cfg := config.Ensure(optFns...)
	return InvokeWithRun(ctx, cfg, callbacks.KindChain, p.name, input, func(ctx context.Context, cfg config.Config, rm *callbacks.RunManager) (any, error) {
		results := make([]any, len(p.keys))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limitOf(cfg))
		for i, key := range p.keys {
			g.Go(func() error {
				out, err := p.branches[key].Invoke(gctx, input, config.From(ChildConfig(cfg, rm, "map:key:"+key)))
				if err != nil {
					return fmt.Errorf("branch %q: %w", key, err)
				}
				results[i] = out
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		out := make(map[string]any, len(p.keys))
		for i, key := range p.keys {
			out[key] = results[i]
		}
		return out, nil
	})
}

// Stream implements Streamer. Branches stream concurrently and every chunk
// is emitted as a single-key map, so concatenating all chunks yields the
// Invoke result.
func (p *Parallel) Stream(ctx context.Context, input any, optFns ...config.Option) *Stream[any] {
	cfg := config.Ensure(optFns...)
	return StreamWithRun(ctx, cfg, callbacks.KindChain, p.name, input, func(ctx context.Context, cfg config.Config, rm *callbacks.RunManager, send func(any) error) error {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limitOf(cfg))
		for _, key := range p.keys {
			g.Go(func() error {
				s := StreamOf(gctx, p.branches[key], input, config.From(ChildConfig(cfg, rm, "map:key:"+key)))
				for chunk, err := range s.All() {
					if err != nil {
						return fmt.Errorf("branch %q: %w", key, err)
					}
					if err := send(map[string]any{key: chunk}); err != nil {
						return err
					}
				}
				return nil
			})
		}
		return g.Wait()
	})
}

// Transform implements Transformer. Input chunks are buffered and the
// concatenated input is streamed through every branch.
func (p *Parallel) Transform(ctx context.Context, in *Stream[any], optFns ...config.Option) *Stream[any] {
	return NewStream(ctx, func(ctx context.Context, send func(any) error) error {
		input, err := Aggregate(in)
		if err != nil {
			return err
		}
		return forward(p.Stream(ctx, input, optFns...), send)
	})
}

func limitOf(cfg config.Config) int {
	if cfg.MaxConcurrency <= 0 {
		return -1
	}
	return cfg.MaxConcurrency
}

// RouterInput selects a route explicitly.
type RouterInput struct {
	Key   string
	Input any
}

// Router dispatches its input to one of several named runnables.
//
// The route is chosen from a RouterInput, or from a map[string]any with a
// "key" entry. For maps, the "input" entry is forwarded when present;
// otherwise the map without "key" is forwarded.
type Router struct {
	name   string
	routes map[string]Runnable
}

// NewRouter returns a Router over routes.
func NewRouter(routes map[string]Runnable) *Router {
	r := &Router{name: "RouterRunnable", routes: make(map[string]Runnable, len(routes))}
	for k, v := range routes {
		r.routes[k] = v
	}
	return r
}

// Name implements Runnable.
func (r *Router) Name() string { return r.name }

func (r *Router) resolve(input any) (Runnable, any, error) {
	var key string
	var forwarded any
	switch in := input.(type) {
	case RouterInput:
		key, forwarded = in.Key, in.Input
	case *RouterInput:
		key, forwarded = in.Key, in.Input
	case map[string]any:
		k, ok := in["key"].(string)
		if !ok {
			return nil, nil, &core.UsageError{Message: "router input must contain a string \"key\""}
		}
		key = k
		if v, ok := in["input"]; ok {
			forwarded = v
		} else {
			rest := make(map[string]any, len(in))
			for k, v := range in {
				if k != "key" {
					rest[k] = v
				}
			}
			forwarded = rest
		}
	default:
		return nil, nil, &core.UsageError{Message: fmt.Sprintf("router cannot route input of type %T", input)}
	}
	target, ok := r.routes[key]
	if !ok {
		avail := make([]string, 0, len(r.routes))
		for k := range r.routes {
			avail = append(avail, k)
		}
		return nil, nil, &core.NotFoundError{Kind: "route", Key: key, Available: avail}
	}
	return target, forwarded, nil
}

// Invoke implements Runnable.
func (r *Router) Invoke(ctx context.Context, input any, optFns ...config.Option) (any, error) {
	cfg := config.Ensure(optFns...)
	return InvokeWithRun(ctx, cfg, callbacks.KindChain, r.name, input, func(ctx context.Context, cfg config.Config, rm *callbacks.RunManager) (any, error) {
		target, forwarded, err := r.resolve(input)
		if err != nil {
			return nil, err
		}
		return target.Invoke(ctx, forwarded, config.From(ChildConfig(cfg, rm, "")))
	})
}

// Stream implements Streamer.
func (r *Router) Stream(ctx context.Context, input any, optFns ...config.Option) *Stream[any] {
	cfg := config.Ensure(optFns...)
	return StreamWithRun(ctx, cfg, callbacks.KindChain, r.name, input, func(ctx context.Context, cfg config.Config, rm *callbacks.RunManager, send func(any) error) error {
		target, forwarded, err := r.resolve(input)
		if err != nil {
			return err
		}
		return forward(StreamOf(ctx, target, forwarded, config.From(ChildConfig(cfg, rm, ""))), send)
	})
}
