package parser

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/chainmesh/callbacks"
	"github.com/hupe1980/chainmesh/config"
	"github.com/hupe1980/chainmesh/core"
	"github.com/hupe1980/chainmesh/internal/testutil"
	"github.com/hupe1980/chainmesh/model"
	"github.com/hupe1980/chainmesh/runnable"
)

func TestStringParser_Invoke(t *testing.T) {
	c := callbacks.NewCollector()
	tests := []struct {
		in   any
		want string
	}{
		{"plain", "plain"},
		{core.AssistantMessage("from message"), "from message"},
		{core.MessageChunk{Content: "chunk"}, "chunk"},
		{core.NewStringPromptValue("prompt"), "prompt"},
	}
	for _, tt := range tests {
		out, err := NewStringParser().Invoke(context.Background(), tt.in, config.WithCallbacks(c))
		require.NoError(t, err)
		assert.Equal(t, tt.want, out)
	}
	assert.Len(t, testutil.RunsOfKind(c, callbacks.KindParser), len(tests))
	testutil.AssertPaired(t, c)

	_, err := NewStringParser().Invoke(context.Background(), 42)
	assert.ErrorIs(t, err, core.ErrUsage)
}

func TestStringParser_StreamsModelChunks(t *testing.T) {
	chain := runnable.Pipe(model.NewChatModel(model.NewFakeModel(core.AssistantMessage("Hi"))), NewStringParser())
	chunks, err := runnable.Collect(runnable.StreamOf(context.Background(), chain, "x"))
	require.NoError(t, err)
	assert.Equal(t, []any{"H", "i"}, chunks)
}

func TestJSONParser(t *testing.T) {
	p, err := NewJSONParser()
	require.NoError(t, err)

	out, err := p.Invoke(context.Background(), "```json\n{\"a\": [1, 2]}\n```")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": []any{float64(1), float64(2)}}, out)

	out, err = p.Invoke(context.Background(), core.AssistantMessage(`"s"`))
	require.NoError(t, err)
	assert.Equal(t, "s", out)

	_, err = p.Invoke(context.Background(), "{broken")
	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "{broken", perr.Output)
}

func TestJSONParser_Schema(t *testing.T) {
	p, err := NewJSONParser(func(o *JSONOptions) {
		o.Schema = map[string]any{
			"type":       "object",
			"properties": map[string]any{"n": map[string]any{"type": "integer"}},
			"required":   []string{"n"},
		}
	})
	require.NoError(t, err)

	_, err = p.Parse(`{"n": 3}`)
	require.NoError(t, err)

	_, err = p.Parse(`{"n": "three"}`)
	var perr *ParseError
	assert.True(t, errors.As(err, &perr))

	_, err = p.Parse(`{}`)
	assert.True(t, errors.As(err, &perr))
}

func TestJSONParser_Transform(t *testing.T) {
	p, err := NewJSONParser()
	require.NoError(t, err)
	chain := runnable.Pipe(
		model.NewFakeLLM(func(o *model.FakeLLMOptions) { o.Responses = []string{`{"ok":true}`} }),
		p,
	)
	chunks, err := runnable.Collect(runnable.StreamOf(context.Background(), chain, "x"))
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"ok": true}}, chunks)
}
