package runnable

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/chainmesh/callbacks"
	"github.com/hupe1980/chainmesh/config"
	"github.com/hupe1980/chainmesh/core"
	"github.com/hupe1980/chainmesh/logging"
)

func addN(n int) *Lambda {
	return Func(fmt.Sprintf("add%d", n), func(_ context.Context, in any) (any, error) {
		return in.(int) + n, nil
	})
}

func mulN(n int) *Lambda {
	return Func(fmt.Sprintf("mul%d", n), func(_ context.Context, in any) (any, error) {
		return in.(int) * n, nil
	})
}

func failing(name string, calls *atomic.Int32) *Lambda {
	return Func(name, func(context.Context, any) (any, error) {
		calls.Add(1)
		return nil, errors.New(name + " failed")
	})
}

func assertPaired(t *testing.T, c *callbacks.Collector) {
	t.Helper()
	assert.Len(t, c.Runs(), len(c.Started()))
	assert.Empty(t, c.Unfinished())
	seen := map[string]int{}
	for _, r := range c.Runs() {
		seen[r.ID]++
	}
	for id, n := range seen {
		assert.Equalf(t, 1, n, "run %s finished %d times", id, n)
	}
}

func TestSequence_Invoke(t *testing.T) {
	c := callbacks.NewCollector()
	seq := Pipe(addN(1), mulN(3), addN(2))

	out, err := seq.Invoke(context.Background(), 1, config.WithCallbacks(c))
	require.NoError(t, err)
	assert.Equal(t, 8, out)

	assertPaired(t, c)
	require.Len(t, c.Runs(), 4)

	root, ok := c.Find("RunnableSequence")
	require.True(t, ok)
	for i, name := range []string{"add1", "mul3", "add2"} {
		step, ok := c.Find(name)
		require.True(t, ok)
		assert.Equal(t, root.ID, step.ParentRunID)
		assert.Contains(t, step.Tags, fmt.Sprintf("seq:step:%d", i+1))
	}
}

func TestSequence_OmitSequenceTags(t *testing.T) {
	c := callbacks.NewCollector()
	_, err := Pipe(addN(1), addN(1)).Invoke(context.Background(), 0, config.WithCallbacks(c), config.WithoutSequenceTags())
	require.NoError(t, err)
	for _, r := range c.Runs() {
		for _, tag := range r.Tags {
			assert.False(t, strings.HasPrefix(tag, "seq:step:"), tag)
		}
	}
}

func TestSequence_Associativity(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("grouping does not change the output", prop.ForAll(
		func(x, a, b, c int) bool {
			ctx := context.Background()
			A, B, C := addN(a), mulN(b), addN(c)

			flat, err1 := NewSequence(A, B, C).Invoke(ctx, x)
			left, err2 := Pipe(Pipe(A, B), C).Invoke(ctx, x)
			right, err3 := Pipe(A, Pipe(B, C)).Invoke(ctx, x)
			if err1 != nil || err2 != nil || err3 != nil {
				return false
			}
			return flat == left && left == right
		},
		gen.IntRange(-1000, 1000), gen.IntRange(-10, 10), gen.IntRange(-10, 10), gen.IntRange(-10, 10),
	))

	properties.TestingRun(t)
}

func TestSequence_FlattensNested(t *testing.T) {
	assert.Len(t, Pipe(Pipe(addN(1), addN(2)), Pipe(addN(3), addN(4))).Steps(), 4)
}

func TestSequence_StopsAtFirstError(t *testing.T) {
	var calls atomic.Int32
	c := callbacks.NewCollector()
	_, err := Pipe(addN(1), failing("bad", &calls), addN(1)).Invoke(context.Background(), 1, config.WithCallbacks(c))
	require.EqualError(t, err, "bad failed")
	assert.Len(t, c.Runs(), 3)
	assertPaired(t, c)

	root, _ := c.Find("RunnableSequence")
	assert.Error(t, root.Error)
}

func TestBatch_OrderPreserved(t *testing.T) {
	slow := Func("slow", func(ctx context.Context, in any) (any, error) {
		if in.(string) == "x2" {
			time.Sleep(50 * time.Millisecond)
		}
		return strings.ToUpper(in.(string)), nil
	})
	out, err := Batch(context.Background(), slow, []any{"x1", "x2", "x3"})
	require.NoError(t, err)
	assert.Equal(t, []any{"X1", "X2", "X3"}, out)
}

func TestBatch_OrderProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	r := Func("delay", func(_ context.Context, in any) (any, error) {
		n := in.(int)
		time.Sleep(time.Duration(n%3) * time.Millisecond)
		return n * 2, nil
	})
	properties.Property("i-th output belongs to i-th input", prop.ForAll(
		func(xs []int, limit int) bool {
			inputs := make([]any, len(xs))
			for i, x := range xs {
				inputs[i] = x
			}
			out, err := Batch(context.Background(), r, inputs, WithBatchConfig(config.WithMaxConcurrency(limit)))
			if err != nil || len(out) != len(xs) {
				return false
			}
			for i, x := range xs {
				if out[i] != x*2 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 100)), gen.IntRange(0, 4),
	))
	properties.TestingRun(t)
}

func TestBatch_MaxConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	r := Func("track", func(context.Context, any) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	})
	_, err := Batch(context.Background(), r, make([]any, 10), WithBatchConfig(config.WithMaxConcurrency(2)))
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestBatch_ReturnExceptions(t *testing.T) {
	r := Func("maybe", func(_ context.Context, in any) (any, error) {
		if in.(int)%2 == 1 {
			return nil, fmt.Errorf("odd %d", in)
		}
		return in, nil
	})

	out, err := Batch(context.Background(), r, []any{0, 1, 2}, WithReturnExceptions())
	require.NoError(t, err)
	assert.Equal(t, 0, out[0])
	assert.EqualError(t, out[1].(error), "odd 1")
	assert.Equal(t, 2, out[2])

	_, err = Batch(context.Background(), r, []any{0, 1, 2})
	assert.EqualError(t, err, "odd 1")
}

func TestBatch_FailFastCancelsSiblings(t *testing.T) {
	c := callbacks.NewCollector()
	var cancelled atomic.Bool
	r := Func("item", func(ctx context.Context, in any) (any, error) {
		if in.(int) == 0 {
			time.Sleep(20 * time.Millisecond)
			return nil, errors.New("first fails")
		}
		select {
		case <-ctx.Done():
			cancelled.Store(true)
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return in, nil
		}
	})
	_, err := Batch(context.Background(), r, []any{0, 1}, WithBatchConfig(config.WithCallbacks(c)))
	assert.EqualError(t, err, "first fails")
	assert.True(t, cancelled.Load())
	assertPaired(t, c)
}

func TestBatch_ConfigLengthMismatch(t *testing.T) {
	_, err := Batch(context.Background(), addN(1), []any{1, 2}, WithItemConfigs(config.Ensure()))
	assert.ErrorIs(t, err, core.ErrUsage)
}

func TestBatch_PerItemConfigs(t *testing.T) {
	c := callbacks.NewCollector()
	cfgs := []config.Config{
		config.Ensure(config.WithCallbacks(c), config.WithTags("first")),
		config.Ensure(config.WithCallbacks(c), config.WithTags("second")),
	}
	out, err := Batch(context.Background(), Pipe(addN(1), addN(1)), []any{1, 2}, WithItemConfigs(cfgs...))
	require.NoError(t, err)
	assert.Equal(t, []any{3, 4}, out)

	var firstTagged, secondTagged int
	for _, r := range c.Runs() {
		if assert.Len(t, r.Tags, 1+boolInt(r.Name != "RunnableSequence")) {
			switch {
			case contains(r.Tags, "first"):
				firstTagged++
			case contains(r.Tags, "second"):
				secondTagged++
			}
		}
	}
	assert.Equal(t, 3, firstTagged)
	assert.Equal(t, 3, secondTagged)
	assertPaired(t, c)
}

func TestBatch_RunIDFirstItemOnly(t *testing.T) {
	c := callbacks.NewCollector()
	_, err := Batch(context.Background(), addN(1), []any{1, 2, 3}, WithBatchConfig(config.WithCallbacks(c), config.WithRunID("fixed")))
	require.NoError(t, err)

	ids := map[string]bool{}
	for _, r := range c.Runs() {
		ids[r.ID] = true
	}
	assert.Len(t, ids, 3)
	assert.True(t, ids["fixed"])
}

func TestSequence_BatchReturnExceptions(t *testing.T) {
	c := callbacks.NewCollector()
	var calls atomic.Int32
	check := Func("check", func(_ context.Context, in any) (any, error) {
		if in.(int) > 2 {
			calls.Add(1)
			return nil, errors.New("too big")
		}
		return in, nil
	})
	seq := Pipe(addN(1), check, addN(10))
	out, err := Batch(context.Background(), seq, []any{0, 5}, WithReturnExceptions(), WithBatchConfig(config.WithCallbacks(c)))
	require.NoError(t, err)
	assert.Equal(t, 11, out[0])
	assert.EqualError(t, out[1].(error), "too big")
	assert.Equal(t, int32(1), calls.Load())
	assertPaired(t, c)
}

func TestLambda_IteratorChunks(t *testing.T) {
	hi := Func("hi", func(context.Context, any) (any, error) {
		return iter.Seq[any](func(yield func(any) bool) {
			for _, c := range []any{"H", "i"} {
				if !yield(c) {
					return
				}
			}
		}), nil
	})

	out, err := hi.Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Hi", out)

	chunks, err := Collect(StreamOf(context.Background(), hi, nil))
	require.NoError(t, err)
	assert.Equal(t, []any{"H", "i"}, chunks)

	joined, err := core.ConcatAll(chunks)
	require.NoError(t, err)
	assert.Equal(t, out, joined)
}

func TestLambda_StringIsNotChunked(t *testing.T) {
	r := Func("s", func(context.Context, any) (any, error) { return "Hi", nil })
	chunks, err := Collect(StreamOf(context.Background(), r, nil))
	require.NoError(t, err)
	assert.Equal(t, []any{"Hi"}, chunks)
}

func TestLambda_DelegatesToReturnedRunnable(t *testing.T) {
	c := callbacks.NewCollector()
	dyn := Func("dispatch", func(_ context.Context, in any) (any, error) {
		if in.(int) > 0 {
			return addN(100), nil
		}
		return mulN(-1), nil
	})

	out, err := dyn.Invoke(context.Background(), 5, config.WithCallbacks(c))
	require.NoError(t, err)
	assert.Equal(t, 105, out)

	inner, ok := c.Find("add100")
	require.True(t, ok)
	outer, _ := c.Find("dispatch")
	assert.Equal(t, outer.ID, inner.ParentRunID)

	chunks, err := Collect(StreamOf(context.Background(), dyn, -3))
	require.NoError(t, err)
	assert.Equal(t, []any{3}, chunks)
}

func TestLambda_RecursionLimit(t *testing.T) {
	var self *Lambda
	self = Func("self", func(context.Context, any) (any, error) { return self, nil })

	_, err := self.Invoke(context.Background(), nil, config.WithRecursionLimit(5))
	var rle *core.RecursionLimitError
	require.ErrorAs(t, err, &rle)
	assert.ErrorIs(t, err, core.ErrRecursionLimit)
}

func TestLambda_PanicRecovered(t *testing.T) {
	c := callbacks.NewCollector()
	r := Func("panics", func(context.Context, any) (any, error) { panic("kaboom") })
	_, err := r.Invoke(context.Background(), nil, config.WithCallbacks(c))
	assert.ErrorIs(t, err, core.ErrPanic)
	assertPaired(t, c)
}

func TestInvoke_CancellationFinalizesRun(t *testing.T) {
	c := callbacks.NewCollector()
	ctx, cancel := context.WithCancel(context.Background())
	block := Func("block", func(ctx context.Context, _ any) (any, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	_, err := Pipe(addN(1), block).Invoke(ctx, 1, config.WithCallbacks(c))
	assert.True(t, core.IsCancellation(err))
	assertPaired(t, c)
	for _, r := range c.Runs() {
		if r.Name != "add1" {
			assert.Error(t, r.Error, r.Name)
		}
	}
}

func TestInvoke_Timeout(t *testing.T) {
	slow := Func("slow", func(ctx context.Context, _ any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	_, err := slow.Invoke(context.Background(), nil, config.WithTimeout(10*time.Millisecond))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWithFallbacks_Ordering(t *testing.T) {
	var p, f1, f2, f3 atomic.Int32
	c := callbacks.NewCollector()
	ok := Func("f2", func(context.Context, any) (any, error) {
		f2.Add(1)
		return "from f2", nil
	})
	never := Func("f3", func(context.Context, any) (any, error) {
		f3.Add(1)
		return "from f3", nil
	})

	r := WithFallbacks(failing("p", &p), []Runnable{failing("f1", &f1), ok, never})
	out, err := r.Invoke(context.Background(), nil, config.WithCallbacks(c))
	require.NoError(t, err)
	assert.Equal(t, "from f2", out)
	assert.Equal(t, int32(1), p.Load())
	assert.Equal(t, int32(1), f1.Load())
	assert.Equal(t, int32(1), f2.Load())
	assert.Equal(t, int32(0), f3.Load())
	assertPaired(t, c)
}

func TestWithFallbacks_AllFail(t *testing.T) {
	var p, f1 atomic.Int32
	_, err := WithFallbacks(failing("p", &p), []Runnable{failing("f1", &f1)}).Invoke(context.Background(), nil)
	var fe *FallbackError
	require.ErrorAs(t, err, &fe)
	assert.Len(t, fe.Errors, 2)
	assert.Contains(t, err.Error(), "p failed")
}

func TestWithFallbacks_ErrorKey(t *testing.T) {
	var p atomic.Int32
	seen := Func("seen", func(_ context.Context, in any) (any, error) {
		return in.(map[string]any)["exception"].(error).Error(), nil
	})
	out, err := WithFallbacks(failing("p", &p), []Runnable{seen}, func(o *FallbackOptions) {
		o.ErrorKey = "exception"
	}).Invoke(context.Background(), map[string]any{"q": 1})
	require.NoError(t, err)
	assert.Equal(t, "p failed", out)
}

func TestWithFallbacks_Stream(t *testing.T) {
	var p atomic.Int32
	chunks, err := Collect(WithFallbacks(failing("p", &p), []Runnable{addN(1)}).Stream(context.Background(), 1))
	require.NoError(t, err)
	assert.Equal(t, []any{2}, chunks)
	assert.Equal(t, int32(1), p.Load())
}

func TestRouter(t *testing.T) {
	var mathCalls, englishCalls atomic.Int32
	chainA := Func("math", func(_ context.Context, in any) (any, error) {
		mathCalls.Add(1)
		return "math:" + in.(map[string]any)["question"].(string), nil
	})
	chainB := Func("english", func(context.Context, any) (any, error) {
		englishCalls.Add(1)
		return "english", nil
	})
	router := NewRouter(map[string]Runnable{"math": chainA, "english": chainB})

	out, err := router.Invoke(context.Background(), map[string]any{"key": "math", "question": "2+2"})
	require.NoError(t, err)
	assert.Equal(t, "math:2+2", out)
	assert.Equal(t, int32(1), mathCalls.Load())
	assert.Equal(t, int32(0), englishCalls.Load())

	_, err = router.Invoke(context.Background(), map[string]any{"key": "physics", "question": "?"})
	require.ErrorIs(t, err, core.ErrNotFound)
	assert.Contains(t, err.Error(), "math")
	assert.Contains(t, err.Error(), "english")

	out, err = router.Invoke(context.Background(), RouterInput{Key: "english", Input: "x"})
	require.NoError(t, err)
	assert.Equal(t, "english", out)
}

func TestParallel(t *testing.T) {
	c := callbacks.NewCollector()
	p := NewParallel(map[string]Runnable{"plus": addN(1), "times": mulN(10)})

	out, err := p.Invoke(context.Background(), 2, config.WithCallbacks(c))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"plus": 3, "times": 20}, out)
	assertPaired(t, c)

	plus, _ := c.Find("add1")
	assert.Contains(t, plus.Tags, "map:key:plus")

	agg, err := Aggregate(p.Stream(context.Background(), 2))
	require.NoError(t, err)
	assert.Equal(t, out, agg)
}

func TestParallel_FailureCancelsBranches(t *testing.T) {
	var calls atomic.Int32
	p := NewParallel(map[string]Runnable{
		"bad": failing("bad", &calls),
		"slow": Func("slow", func(ctx context.Context, _ any) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
				return "late", nil
			}
		}),
	})
	start := time.Now()
	_, err := p.Invoke(context.Background(), nil)
	assert.ErrorContains(t, err, "bad failed")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestSequence_StreamThroughTransformers(t *testing.T) {
	words := Func("words", func(context.Context, any) (any, error) {
		return iter.Seq[any](func(yield func(any) bool) {
			for _, w := range []any{"a", "b", "c"} {
				if !yield(w) {
					return
				}
			}
		}), nil
	})
	upper := NewGenerator("upper", func(_ context.Context, in *Stream[any], send func(any) error) error {
		for c, err := range in.All() {
			if err != nil {
				return err
			}
			if err := send(strings.ToUpper(c.(string))); err != nil {
				return err
			}
		}
		return nil
	})

	seq := Pipe(Passthrough{}, words, upper)
	chunks, err := Collect(seq.Stream(context.Background(), "x"))
	require.NoError(t, err)
	assert.Equal(t, []any{"A", "B", "C"}, chunks)

	out, err := seq.Invoke(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "ABC", out)
}

func TestSequence_StreamDegradesToSingleChunk(t *testing.T) {
	words := Func("words", func(context.Context, any) (any, error) {
		return iter.Seq[any](func(yield func(any) bool) {
			_ = yield("a") && yield("b")
		}), nil
	})
	seq := Pipe(words, addSuffix("!"))
	chunks, err := Collect(seq.Stream(context.Background(), nil))
	require.NoError(t, err)
	assert.Equal(t, []any{"ab!"}, chunks)
}

func addSuffix(s string) *Lambda {
	return Func("suffix", func(_ context.Context, in any) (any, error) { return in.(string) + s, nil })
}

func TestWithConfig_CallSiteOverrides(t *testing.T) {
	var seen config.Config
	r := FuncWithConfig("cfg", func(_ context.Context, _ any, cfg config.Config) (any, error) {
		seen = cfg
		return nil, nil
	})
	bound := WithConfig(r, config.WithTags("bound"), config.WithMetadata(map[string]any{"k": "bound", "b": 1}))

	_, err := bound.Invoke(context.Background(), nil, config.WithTags("call"), config.WithMetadata(map[string]any{"k": "call"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"bound", "call"}, seen.Tags)
	assert.Equal(t, "call", seen.Metadata["k"])
	assert.Equal(t, 1, seen.Metadata["b"])
}

type namedLogger struct {
	logging.NoOpLogger
	name string
}

type boundView struct {
	limit  int
	logger logging.Logger
}

func TestWithConfig_SurvivesNesting(t *testing.T) {
	l := &namedLogger{name: "bound"}
	bound := WithConfig(FuncWithConfig("view", func(_ context.Context, _ any, cfg config.Config) (any, error) {
		return boundView{limit: cfg.Limit(), logger: cfg.Log()}, nil
	}), config.WithRecursionLimit(3), config.WithLogger(l))
	want := boundView{limit: 3, logger: l}

	for name, r := range map[string]Runnable{
		"direct":   bound,
		"sequence": Pipe(Passthrough{}, bound),
		"parallel": Pipe(NewParallel(map[string]Runnable{"v": bound}), NewPick("v")),
	} {
		t.Run(name, func(t *testing.T) {
			out, err := r.Invoke(context.Background(), nil)
			require.NoError(t, err)
			assert.Equal(t, want, out)

			outs, err := Batch(context.Background(), r, []any{1, 2})
			require.NoError(t, err)
			assert.Equal(t, []any{want, want}, outs)
		})
	}

	other := &namedLogger{name: "call"}
	out, err := Pipe(Passthrough{}, bound).Invoke(context.Background(), nil, config.WithRecursionLimit(9), config.WithLogger(other))
	require.NoError(t, err)
	assert.Equal(t, boundView{limit: 9, logger: other}, out)
}

type sliceObserver struct {
	callbacks.BaseHandler
	names []string
}

func TestInvoke_NonComparableHandler(t *testing.T) {
	c := callbacks.NewCollector()
	out, err := Pipe(addN(1), addN(2)).Invoke(context.Background(), 1,
		config.WithCallbacks(sliceObserver{}, sliceObserver{names: []string{"a"}}, c))
	require.NoError(t, err)
	assert.Equal(t, 4, out)
	assert.Len(t, c.Runs(), 3)
	assertPaired(t, c)
}

func TestBind_Params(t *testing.T) {
	r := &paramsProbe{}
	_, err := Bind(r, map[string]any{"stop": "\n"}).Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "\n", r.params["stop"])
}

type paramsProbe struct{ params map[string]any }

func (p *paramsProbe) Name() string { return "probe" }
func (p *paramsProbe) Invoke(_ context.Context, _ any, optFns ...config.Option) (any, error) {
	p.params = config.Ensure(optFns...).Params
	return nil, nil
}

func TestWithListeners_OwnRunOnly(t *testing.T) {
	var starts, ends []string
	seq := Pipe(addN(1), addN(2)).WithName("outer")
	r := WithListeners(seq, Listeners{
		OnStart: func(_ context.Context, run callbacks.Run) { starts = append(starts, run.Name) },
		OnEnd:   func(_ context.Context, run callbacks.Run) { ends = append(ends, run.Name) },
		OnError: func(context.Context, callbacks.Run) { panic("listener must not break the run") },
	})

	out, err := r.Invoke(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 3, out)
	assert.Equal(t, []string{"outer"}, starts)
	assert.Equal(t, []string{"outer"}, ends)
}

func TestMap(t *testing.T) {
	out, err := Map(addN(1)).Invoke(context.Background(), []int{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []any{2, 3, 4}, out)

	_, err = Map(addN(1)).Invoke(context.Background(), 7)
	assert.ErrorIs(t, err, core.ErrUsage)
}

func TestWithRetry(t *testing.T) {
	var calls atomic.Int32
	flaky := Func("flaky", func(context.Context, any) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})
	c := callbacks.NewCollector()
	out, err := WithRetry(flaky, func(o *RetryOptions) { o.Initial = time.Millisecond }).Invoke(context.Background(), nil, config.WithCallbacks(c))
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(3), calls.Load())

	var tagged int
	for _, r := range c.Runs() {
		if contains(r.Tags, "retry:attempt:3") {
			tagged++
		}
	}
	assert.Equal(t, 1, tagged)
}

func TestWithRetry_NoRetryOnUsageError(t *testing.T) {
	var calls atomic.Int32
	r := Func("usage", func(context.Context, any) (any, error) {
		calls.Add(1)
		return nil, &core.UsageError{Message: "bad"}
	})
	_, err := WithRetry(r, func(o *RetryOptions) { o.Initial = time.Millisecond }).Invoke(context.Background(), nil)
	assert.ErrorIs(t, err, core.ErrUsage)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWithRetry_BatchRetriesFailedItemsOnly(t *testing.T) {
	var attempts [3]atomic.Int32
	r := Func("item", func(_ context.Context, in any) (any, error) {
		i := in.(int)
		if attempts[i].Add(1) == 1 && i == 1 {
			return nil, errors.New("once")
		}
		return i, nil
	})
	out, err := Batch(context.Background(), WithRetry(r, func(o *RetryOptions) { o.Initial = time.Millisecond }), []any{0, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, []any{0, 1, 2}, out)
	assert.Equal(t, int32(1), attempts[0].Load())
	assert.Equal(t, int32(2), attempts[1].Load())
	assert.Equal(t, int32(1), attempts[2].Load())
}

func TestAssignAndPick(t *testing.T) {
	length := Func("len", func(_ context.Context, in any) (any, error) {
		return len(in.(map[string]any)["text"].(string)), nil
	})
	seq := Pipe(NewAssign(map[string]Runnable{"n": length}), NewPick("n"))
	out, err := seq.Invoke(context.Background(), map[string]any{"text": "hello"})
	require.NoError(t, err)
	assert.Equal(t, 5, out)

	multi, err := NewPick("a", "c").Invoke(context.Background(), map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, multi)
}

func contains(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
