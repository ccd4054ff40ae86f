package runnable

import (
	"context"
	"io"
	"iter"
	"sync"

	"github.com/hupe1980/chainmesh/core"
)

// Stream is a finite, forward-only, lazy sequence of values. Consuming it
// drives the producer: nothing runs before the first Recv, and Close cancels
// the producer. A Stream must be consumed by a single goroutine.
type Stream[T any] struct {
	ctx     context.Context
	cancel  context.CancelFunc
	produce func(ctx context.Context, send func(T) error) error

	once   sync.Once
	ch     chan T
	err    error
	closed bool
}

// NewStream returns a stream whose values are produced by produce. send
// blocks until the consumer receives the value and fails once the stream is
// closed or ctx is done. The error returned by produce is reported by Recv
// after the last value.
func NewStream[T any](ctx context.Context, produce func(ctx context.Context, send func(T) error) error) *Stream[T] {
	ctx, cancel := context.WithCancel(ctx)
	return &Stream[T]{ctx: ctx, cancel: cancel, produce: produce}
}

// FromSlice returns a stream yielding items in order.
func FromSlice[T any](ctx context.Context, items ...T) *Stream[T] {
	return NewStream(ctx, func(_ context.Context, send func(T) error) error {
		for _, it := range items {
			if err := send(it); err != nil {
				return err
			}
		}
		return nil
	})
}

// Error returns a stream that fails on the first Recv.
func Error[T any](ctx context.Context, err error) *Stream[T] {
	return NewStream(ctx, func(context.Context, func(T) error) error { return err })
}

func (s *Stream[T]) start() {
	s.once.Do(func() {
		s.ch = make(chan T)
		go func() {
			defer close(s.ch)
			defer func() {
				if r := recover(); r != nil {
					s.err = core.NewPanicError(r)
				}
			}()
			s.err = s.produce(s.ctx, func(v T) error {
				select {
				case s.ch <- v:
					return nil
				case <-s.ctx.Done():
					return s.ctx.Err()
				}
			})
		}()
	})
}

// Recv returns the next value. It returns io.EOF after the last value. A
// producer error is returned once, in place of the first io.EOF.
func (s *Stream[T]) Recv() (T, error) {
	var zero T
	if s.closed {
		return zero, io.EOF
	}
	s.start()
	v, ok := <-s.ch
	if ok {
		return v, nil
	}
	s.cancel()
	if err := s.err; err != nil {
		s.err = nil
		return zero, err
	}
	return zero, io.EOF
}

// Close stops the producer and waits for it to exit. It is safe to call
// Close more than once and after the stream is exhausted.
func (s *Stream[T]) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	if s.ch != nil {
		for range s.ch {
		}
	}
	return nil
}

// All returns an iterator over the remaining values. Iteration stops at the
// first error, which is yielded once. Breaking out of the loop closes the
// stream.
func (s *Stream[T]) All() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		defer s.Close()
		for {
			v, err := s.Recv()
			if err == io.EOF {
				return
			}
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

// Collect drains s into a slice.
func Collect[T any](s *Stream[T]) ([]T, error) {
	var out []T
	for v, err := range s.All() {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Aggregate drains s and concatenates the chunks with core.Concat.
func Aggregate(s *Stream[any]) (any, error) {
	var acc any
	for v, err := range s.All() {
		if err != nil {
			return nil, err
		}
		next, err := core.Concat(acc, v)
		if err != nil {
			return nil, err
		}
		acc = next
	}
	return acc, nil
}
