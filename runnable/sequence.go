package runnable

import (
	"context"

	"github.com/hupe1980/chainmesh/callbacks"
	"github.com/hupe1980/chainmesh/config"
)

// Sequence pipes the output of each step into the next step.
//
// Every step runs in its own child run tagged "seq:step:N" (1-based) unless
// the config sets OmitSequenceTags. Nested sequences are flattened, so
// Pipe(Pipe(a, b), c) and Pipe(a, Pipe(b, c)) are the same pipeline.
type Sequence struct {
	name  string
	steps []Runnable
}

// Pipe composes first and rest into a Sequence.
func Pipe(first Runnable, rest ...Runnable) *Sequence {
	return NewSequence(append([]Runnable{first}, rest...)...)
}

// NewSequence returns a Sequence of steps.
func NewSequence(steps ...Runnable) *Sequence {
	s := &Sequence{name: "RunnableSequence"}
	for _, step := range steps {
		if inner, ok := step.(*Sequence); ok {
			s.steps = append(s.steps, inner.steps...)
			continue
		}
		s.steps = append(s.steps, step)
	}
	return s
}

// WithName returns a copy of s traced under name.
func (s *Sequence) WithName(name string) *Sequence {
	return &Sequence{name: name, steps: append([]Runnable(nil), s.steps...)}
}

// Name implements Runnable.
func (s *Sequence) Name() string { return s.name }

// Steps returns the flattened steps.
func (s *Sequence) Steps() []Runnable { return append([]Runnable(nil), s.steps...) }

// Pipe appends steps.
func (s *Sequence) Pipe(next ...Runnable) *Sequence {
	return NewSequence(append([]Runnable{s}, next...)...).WithName(s.name)
}

// Invoke implements Runnable.
func (s *Sequence) Invoke(ctx context.Context, input any, optFns ...config.Option) (any, error) {
	cfg := config.Ensure(optFns...)
	return InvokeWithRun(ctx, cfg, callbacks.KindChain, s.name, input, func(ctx context.Context, cfg config.Config, rm *callbacks.RunManager) (any, error) {
		out := input
		for i, step := range s.steps {
			var err error
			out, err = step.Invoke(ctx, out, config.From(ChildConfig(cfg, rm, seqTag(cfg, i))))
			if err != nil {
				return nil, err
			}
		}
		return out, nil
	})
}

// Stream implements Streamer.
//
// Steps up to the last step that cannot transform are invoked; that step is
// streamed and the trailing steps transform its chunks one by one. A
// pipeline whose last step cannot transform therefore yields one chunk.
func (s *Sequence) Stream(ctx context.Context, input any, optFns ...config.Option) *Stream[any] {
	cfg := config.Ensure(optFns...)
	return StreamWithRun(ctx, cfg, callbacks.KindChain, s.name, input, func(ctx context.Context, cfg config.Config, rm *callbacks.RunManager, send func(any) error) error {
		if len(s.steps) == 0 {
			return send(input)
		}
		pivot := s.streamingPivot()
		out := input
		for i := 0; i < pivot; i++ {
			var err error
			out, err = s.steps[i].Invoke(ctx, out, config.From(ChildConfig(cfg, rm, seqTag(cfg, i))))
			if err != nil {
				return err
			}
		}
		stream := StreamOf(ctx, s.steps[pivot], out, config.From(ChildConfig(cfg, rm, seqTag(cfg, pivot))))
		for i := pivot + 1; i < len(s.steps); i++ {
			stream = Transform(ctx, s.steps[i], stream, config.From(ChildConfig(cfg, rm, seqTag(cfg, i))))
		}
		return forward(stream, send)
	})
}

// Transform implements Transformer. The first step receives the input
// chunks, so the sequence only transforms incrementally when every step is a
// Transformer.
func (s *Sequence) Transform(ctx context.Context, in *Stream[any], optFns ...config.Option) *Stream[any] {
	cfg := config.Ensure(optFns...)
	return StreamWithRun(ctx, cfg, callbacks.KindChain, s.name, nil, func(ctx context.Context, cfg config.Config, rm *callbacks.RunManager, send func(any) error) error {
		stream := in
		for i, step := range s.steps {
			stream = Transform(ctx, step, stream, config.From(ChildConfig(cfg, rm, seqTag(cfg, i))))
		}
		return forward(stream, send)
	})
}

func (s *Sequence) streamingPivot() int {
	for i := len(s.steps) - 1; i >= 0; i-- {
		if _, ok := s.steps[i].(Transformer); !ok {
			return i
		}
	}
	return 0
}

// Batch implements Batcher. It runs the pipeline step by step, batching each
// step over all items that are still alive, so step-level runs carry the
// per-item configs. With ReturnExceptions a failed item drops out of the
// remaining steps and its slot holds the error.
func (s *Sequence) Batch(ctx context.Context, inputs []any, opts BatchOptions) ([]any, error) {
	cfgs := opts.ItemConfigs
	for _, c := range cfgs {
		if c.Timeout > 0 {
			// Per-item deadlines need one pipeline run per item.
			return batchInvoke(ctx, inputs, cfgs, opts.ReturnExceptions, func(ctx context.Context, input any, cfg config.Config) (any, error) {
				return s.Invoke(ctx, input, config.From(cfg))
			})
		}
	}

	n := len(inputs)
	rms := make([]*callbacks.RunManager, n)
	for i := range inputs {
		rms[i] = startRun(ctx, cfgs[i], callbacks.KindChain, s.name, inputs[i])
	}

	results := make([]any, n)
	current := append([]any(nil), inputs...)
	alive := make([]int, n)
	for i := range alive {
		alive[i] = i
	}

	for step, r := range s.steps {
		if len(alive) == 0 {
			break
		}
		stepInputs := make([]any, len(alive))
		stepCfgs := make([]config.Config, len(alive))
		for j, idx := range alive {
			stepInputs[j] = current[idx]
			stepCfgs[j] = ChildConfig(cfgs[idx], rms[idx], seqTag(cfgs[idx], step))
		}
		batchOpts := []BatchOption{WithItemConfigs(stepCfgs...)}
		if opts.ReturnExceptions {
			batchOpts = append(batchOpts, WithReturnExceptions())
		}
		outs, err := Batch(ctx, r, stepInputs, batchOpts...)
		if err != nil {
			for _, idx := range alive {
				rms[idx].HandleError(ctx, err)
			}
			return nil, err
		}
		next := alive[:0:0]
		for j, idx := range alive {
			if itemErr, ok := outs[j].(error); ok && opts.ReturnExceptions {
				rms[idx].HandleError(ctx, itemErr)
				results[idx] = itemErr
				continue
			}
			current[idx] = outs[j]
			next = append(next, idx)
		}
		alive = next
	}

	for _, idx := range alive {
		results[idx] = current[idx]
		rms[idx].HandleEnd(ctx, current[idx])
	}
	return results, nil
}
