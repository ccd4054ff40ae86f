package runnable

import (
	"context"
	"errors"
	"iter"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/chainmesh/callbacks"
	"github.com/hupe1980/chainmesh/config"
)

func greeter() *Lambda {
	return Func("greet", func(context.Context, any) (any, error) {
		return iter.Seq[any](func(yield func(any) bool) {
			_ = yield("H") && yield("i")
		}), nil
	})
}

func eventNames(events []StreamEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Event + ":" + ev.Name
	}
	return out
}

func TestStreamEvents(t *testing.T) {
	seq := Pipe(Passthrough{}, greeter())
	events, err := Collect(StreamEvents(context.Background(), seq, "in"))
	require.NoError(t, err)

	want := []string{
		"on_chain_start:RunnableSequence",
		"on_chain_start:RunnablePassthrough",
		"on_chain_end:RunnablePassthrough",
		"on_chain_start:greet",
		"on_chain_stream:greet",
		"on_chain_stream:RunnableSequence",
		"on_chain_stream:greet",
		"on_chain_stream:RunnableSequence",
		"on_chain_end:greet",
		"on_chain_end:RunnableSequence",
	}
	got := eventNames(events)
	require.Len(t, got, len(want))
	// nested producers run concurrently with the outer run, so only the
	// prefix up to the first chunk and the final event are strictly ordered
	assert.Equal(t, want[:5], got[:5])
	assert.ElementsMatch(t, want, got)
	assert.Equal(t, want[len(want)-1], got[len(got)-1])

	root := events[0]
	assert.Empty(t, root.ParentIDs)
	greetStart := events[3]
	assert.Equal(t, []string{root.RunID}, greetStart.ParentIDs)
	assert.Contains(t, greetStart.Tags, "seq:step:2")

	last := events[len(events)-1]
	assert.Equal(t, "Hi", last.Data.Output)
	assert.Equal(t, "H", events[4].Data.Chunk)
}

func TestStreamEvents_SuppressSequenceTags(t *testing.T) {
	events, err := Collect(StreamEvents(context.Background(), Pipe(Passthrough{}, greeter()), "in", func(o *EventOptions) {
		o.Config = []config.Option{config.WithoutSequenceTags()}
	}))
	require.NoError(t, err)
	for _, ev := range events {
		for _, tag := range ev.Tags {
			assert.False(t, strings.HasPrefix(tag, "seq:"), tag)
		}
	}
}

func TestStreamEvents_Filters(t *testing.T) {
	events, err := Collect(StreamEvents(context.Background(), Pipe(Passthrough{}, greeter()), "in", func(o *EventOptions) {
		o.IncludeNames = []string{"greet"}
		o.ExcludeKinds = []callbacks.Kind{callbacks.KindTool}
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"on_chain_start:greet",
		"on_chain_stream:greet",
		"on_chain_stream:greet",
		"on_chain_end:greet",
	}, eventNames(events))
}

func TestStreamEvents_Error(t *testing.T) {
	boom := Func("boom", func(context.Context, any) (any, error) { return nil, errors.New("boom") })
	s := StreamEvents(context.Background(), Pipe(Passthrough{}, boom), nil)
	var names []string
	var err error
	for ev, e := range s.All() {
		if e != nil {
			err = e
			break
		}
		names = append(names, ev.Event+":"+ev.Name)
	}
	assert.EqualError(t, err, "boom")
	assert.Contains(t, names, "on_chain_error:boom")
	assert.Equal(t, "on_chain_error:RunnableSequence", names[len(names)-1])
}
