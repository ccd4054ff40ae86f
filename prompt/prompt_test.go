package prompt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/chainmesh/callbacks"
	"github.com/hupe1980/chainmesh/config"
	"github.com/hupe1980/chainmesh/core"
	"github.com/hupe1980/chainmesh/internal/testutil"
	"github.com/hupe1980/chainmesh/model"
	"github.com/hupe1980/chainmesh/parser"
	"github.com/hupe1980/chainmesh/runnable"
)

func TestPromptTemplate_EchoPipeline(t *testing.T) {
	chain := runnable.Pipe(MustPromptTemplate("{input}"), model.NewFakeLLM())
	c := callbacks.NewCollector()

	out, err := chain.Invoke(context.Background(), map[string]any{"input": "Hello world!"}, config.WithCallbacks(c))
	require.NoError(t, err)
	assert.Equal(t, "Hello world!", out)

	assert.Len(t, testutil.RunsOfKind(c, callbacks.KindPrompt), 1)
	assert.Len(t, testutil.RunsOfKind(c, callbacks.KindLLM), 1)
	testutil.AssertPaired(t, c)
}

func TestPromptTemplate_StreamThroughParser(t *testing.T) {
	chain := runnable.Pipe(
		MustPromptTemplate("Tell me about {topic}"),
		model.NewFakeLLM(func(o *model.FakeLLMOptions) { o.Responses = []string{"Go!"} }),
		parser.NewStringParser(),
	)
	chunks, err := runnable.Collect(runnable.StreamOf(context.Background(), chain, map[string]any{"topic": "gophers"}))
	require.NoError(t, err)
	assert.Equal(t, []any{"G", "o", "!"}, chunks)
}

func TestPromptTemplate_Format(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		values map[string]any
		want   string
	}{
		{"simple", "Hello {name}!", map[string]any{"name": "Ada"}, "Hello Ada!"},
		{"escaped braces", "{{literal}} {x}", map[string]any{"x": 1}, "{literal} 1"},
		{"repeated", "{a}{a}", map[string]any{"a": "b"}, "bb"},
		{"no variables", "static", nil, "static"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPromptTemplate(tt.text)
			require.NoError(t, err)
			got, err := p.Format(tt.values)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPromptTemplate_MissingVariable(t *testing.T) {
	p := MustPromptTemplate("{a} and {b}")
	_, err := p.Invoke(context.Background(), map[string]any{"a": 1})
	assert.ErrorIs(t, err, core.ErrUsage)
	assert.ErrorContains(t, err, "b")
}

func TestPromptTemplate_Malformed(t *testing.T) {
	for _, text := range []string{"{open", "close}", "{}"} {
		_, err := NewPromptTemplate(text)
		assert.ErrorIs(t, err, core.ErrUsage, text)
	}
}

func TestPromptTemplate_SingleVariableAcceptsScalar(t *testing.T) {
	out, err := MustPromptTemplate("Q: {q}").Invoke(context.Background(), "why?")
	require.NoError(t, err)
	assert.Equal(t, "Q: why?", out.(core.PromptValue).String())

	_, err = MustPromptTemplate("{a}{b}").Invoke(context.Background(), "x")
	assert.ErrorIs(t, err, core.ErrUsage)
}

func TestPromptTemplate_Partial(t *testing.T) {
	p := MustPromptTemplate("{greeting}, {name}").Partial(map[string]any{
		"greeting": func() string { return "Hi" },
	})
	assert.Equal(t, []string{"name"}, p.InputVariables())
	out, err := p.Invoke(context.Background(), "Bob")
	require.NoError(t, err)
	assert.Equal(t, "Hi, Bob", out.(core.PromptValue).String())
}

func TestPromptTemplate_GoTemplate(t *testing.T) {
	p, err := NewPromptTemplate("Hello {{ .name | upper }}{{ if .excited }}!{{ end }}", func(o *Options) {
		o.Format = FormatGoTemplate
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"excited", "name"}, p.InputVariables())

	got, err := p.Format(map[string]any{"name": "ada", "excited": true})
	require.NoError(t, err)
	assert.Equal(t, "Hello ADA!", got)

	_, err = p.Format(map[string]any{"name": "ada"})
	assert.ErrorIs(t, err, core.ErrUsage)
}

func TestChatPromptTemplate(t *testing.T) {
	tmpl := NewChatPromptTemplate(
		System("You are a {role}."),
		Placeholder("history"),
		User("{question}"),
		MessagesPlaceholder{Name: "scratchpad", Optional: true},
	)
	assert.Equal(t, []string{"history", "question", "role"}, tmpl.InputVariables())

	out, err := tmpl.Invoke(context.Background(), map[string]any{
		"role":     "tutor",
		"question": "2+2?",
		"history":  []core.Message{core.UserMessage("hi"), core.AssistantMessage("hello")},
	})
	require.NoError(t, err)
	pv := out.(core.PromptValue)
	assert.True(t, pv.IsChat())
	msgs := pv.ToMessages()
	require.Len(t, msgs, 4)
	assert.Equal(t, core.SystemMessage("You are a tutor."), msgs[0])
	assert.Equal(t, "hello", msgs[2].Content)
	assert.Equal(t, core.UserMessage("2+2?"), msgs[3])

	_, err = tmpl.Invoke(context.Background(), map[string]any{"role": "x", "question": "y"})
	assert.ErrorIs(t, err, core.ErrUsage)
}

func TestChatPromptTemplate_FeedsChatModel(t *testing.T) {
	tmpl := NewChatPromptTemplate(Static{Message: core.SystemMessage("sys")}, User("{q}"))
	fake := model.NewFakeModel()
	chain := runnable.Pipe(tmpl, model.NewChatModel(fake), parser.NewStringParser())

	out, err := chain.Invoke(context.Background(), map[string]any{"q": "ping"})
	require.NoError(t, err)
	assert.Equal(t, "ping", out)
	require.Len(t, fake.Requests(), 1)
	assert.Len(t, fake.Requests()[0].Messages, 2)
}
