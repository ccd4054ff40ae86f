package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/chainmesh/core"
	"github.com/hupe1980/chainmesh/model"
)

func newTestModel(t *testing.T, handler func(body map[string]any, w http.ResponseWriter)) *Model {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		body := map[string]any{}
		require.NoError(t, json.Unmarshal(raw, &body))
		handler(body, w)
	}))
	t.Cleanup(srv.Close)
	client := openai.NewClient(option.WithBaseURL(srv.URL+"/"), option.WithAPIKey("test"), option.WithMaxRetries(0))
	return NewModelFromClient(&client, func(o *Options) { o.Model = "gpt-test" })
}

func TestGenerate_NonStreaming(t *testing.T) {
	var got map[string]any
	m := newTestModel(t, func(body map[string]any, w http.ResponseWriter) {
		got = body
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
  "id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-test",
  "choices": [{"index": 0, "finish_reason": "tool_calls", "message": {
    "role": "assistant", "content": "checking",
    "tool_calls": [{"id": "c1", "type": "function", "function": {"name": "search", "arguments": "{\"q\":\"go\"}"}}]
  }}],
  "usage": {"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5}
}`)
	})

	msg, err := model.Collect(context.Background(), m, model.Request{
		Messages: []core.Message{
			core.SystemMessage("sys"),
			core.UserMessage("find go"),
			core.AssistantMessage("", core.ToolCall{ID: "c0", Name: "search", Args: map[string]any{"q": "x"}}),
			core.ToolMessage("c0", "search", "nothing"),
		},
		Tools:      []model.ToolDefinition{{Name: "search", Description: "web search", Parameters: map[string]any{"type": "object"}}},
		ToolChoice: "search",
		Stop:       []string{"END"},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "checking", msg.Content)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, core.ToolCall{ID: "c1", Name: "search", Args: map[string]any{"q": "go"}}, msg.ToolCalls[0])
	assert.Equal(t, &core.Usage{InputTokens: 3, OutputTokens: 2, TotalTokens: 5}, msg.Usage)
	assert.Equal(t, "tool_calls", msg.ResponseMetadata["finish_reason"])

	assert.Equal(t, "gpt-test", got["model"])
	assert.Len(t, got["messages"], 4)
	assert.Len(t, got["tools"], 1)
	assert.Equal(t, []any{"END"}, got["stop"])
	choice := got["tool_choice"].(map[string]any)
	assert.Equal(t, "search", choice["function"].(map[string]any)["name"])
}

func sse(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, c := range chunks {
		_, _ = fmt.Fprintf(w, "data: %s\n\n", c)
	}
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
}

func TestGenerate_StreamingToolCallFragments(t *testing.T) {
	m := newTestModel(t, func(body map[string]any, w http.ResponseWriter) {
		sse(w,
			`{"id":"s1","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":[{"index":0,"delta":{"role":"assistant","content":"H"}}]}`,
			`{"id":"s1","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":[{"index":0,"delta":{"content":"i"}}]}`,
			`{"id":"s1","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"c1","type":"function","function":{"name":"search","arguments":"{\"q\":"}}]}}]}`,
			`{"id":"s1","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}}]}`,
			`{"id":"s1","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		)
	})

	var texts []string
	msg, err := model.Collect(context.Background(), m, model.Request{
		Messages: []core.Message{core.UserMessage("hi")},
		Stream:   true,
	}, func(c core.MessageChunk) error {
		if c.Content != "" {
			texts = append(texts, c.Content)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"H", "i"}, texts)
	assert.Equal(t, "Hi", msg.Content)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, core.ToolCall{ID: "c1", Name: "search", Args: map[string]any{"q": "go"}}, msg.ToolCalls[0])
	assert.Equal(t, "tool_calls", msg.ResponseMetadata["finish_reason"])
}

func TestGenerate_APIError(t *testing.T) {
	m := newTestModel(t, func(_ map[string]any, w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"bad request","type":"invalid_request_error"}}`)
	})
	_, err := model.Collect(context.Background(), m, model.Request{Messages: []core.Message{core.UserMessage("hi")}}, nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "openai api error"))
}

func TestBuildMessages_RejectsToolMessageWithoutID(t *testing.T) {
	_, err := buildMessages([]core.Message{{Role: core.RoleTool, Content: "x"}})
	assert.ErrorIs(t, err, core.ErrUsage)
}
