package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/chainmesh/core"
	"github.com/hupe1980/chainmesh/internal/testutil"
	"github.com/hupe1980/chainmesh/model"
	"github.com/hupe1980/chainmesh/tool"
)

type weather struct {
	City        string  `json:"city"`
	Temperature float64 `json:"temperature"`
}

func weatherFormat(t *testing.T) *ResponseFormat {
	t.Helper()
	rf, err := ResponseFormatFor[weather]("WeatherReport", "Report the weather")
	require.NoError(t, err)
	return &rf
}

func TestStructuredResponse(t *testing.T) {
	fake := model.NewFakeModel(
		core.AssistantMessage("It is 21 degrees in Paris."),
		testutil.NewMessageBuilder().ToolCall("s1", "WeatherReport", map[string]any{"city": "Paris", "temperature": 21.0}).Build(),
	)
	a := newAgent(t, fake, func(o *Options) { o.ResponseFormat = weatherFormat(t) })

	final, err := a.Run(context.Background(), State{Messages: []core.Message{core.UserMessage("weather in paris?")}})
	require.NoError(t, err)

	assert.Equal(t, weather{City: "Paris", Temperature: 21}, final.StructuredResponse)
	assert.Len(t, final.Messages, 2)

	reqs := fake.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "WeatherReport", reqs[1].ToolChoice)
	require.Len(t, reqs[1].Tools, 1)
	assert.Equal(t, "WeatherReport", reqs[1].Tools[0].Name)
}

func TestStructuredResponse_RetriesWithFeedback(t *testing.T) {
	fake := model.NewFakeModel(
		core.AssistantMessage("Paris is warm."),
		testutil.NewMessageBuilder().ToolCall("s1", "WeatherReport", map[string]any{"city": "Paris", "temperature": "warm"}).Build(),
		testutil.NewMessageBuilder().ToolCall("s2", "WeatherReport", map[string]any{"city": "Paris", "temperature": 25.0}).Build(),
	)
	a := newAgent(t, fake, func(o *Options) { o.ResponseFormat = weatherFormat(t) })

	final, err := a.Run(context.Background(), State{Messages: []core.Message{core.UserMessage("q")}})
	require.NoError(t, err)
	assert.Equal(t, weather{City: "Paris", Temperature: 25}, final.StructuredResponse)

	retry := fake.Requests()[2]
	feedback := retry.Messages[len(retry.Messages)-1]
	assert.Equal(t, core.RoleTool, feedback.Role)
	assert.Equal(t, "s1", feedback.ToolCallID)
	assert.Contains(t, feedback.Content, tool.DefaultErrorSuffix)
}

func TestStructuredResponse_GivesUp(t *testing.T) {
	fake := model.NewFakeModel(
		core.AssistantMessage("no idea"),
		core.AssistantMessage("still plain text"),
		core.AssistantMessage("plain again"),
	)
	a := newAgent(t, fake, func(o *Options) { o.ResponseFormat = weatherFormat(t) })

	_, err := a.Invoke(context.Background(), "q")
	var serr *StructuredOutputError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "WeatherReport", serr.Format)
	assert.Equal(t, 2, serr.Attempts)
}

func TestStructuredResponse_RawMap(t *testing.T) {
	rf := NewResponseFormat("Answer", "", map[string]any{
		"type":       "object",
		"properties": map[string]any{"value": map[string]any{"type": "integer"}},
		"required":   []any{"value"},
	})
	fake := model.NewFakeModel(
		core.AssistantMessage("42"),
		testutil.NewMessageBuilder().ToolCall("s1", "Answer", map[string]any{"value": 42.0}).Build(),
	)
	a := newAgent(t, fake, func(o *Options) { o.ResponseFormat = &rf })

	out, err := a.Invoke(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"value": 42.0}, out.(map[string]any)[KeyStructuredResponse])
}

func TestStructuredResponse_WrapperSupplied(t *testing.T) {
	cached := Middleware{
		Name: "cached",
		WrapModelCall: func(ctx context.Context, req ModelRequest, next ModelHandler) (ModelResponse, error) {
			if req.ToolChoice == "WeatherReport" {
				return ModelResponse{StructuredResponse: weather{City: "Oslo"}}, nil
			}
			return next(ctx, req)
		},
	}
	fake := model.NewFakeModel(core.AssistantMessage("cold"))
	a := newAgent(t, fake, func(o *Options) {
		o.ResponseFormat = weatherFormat(t)
		o.Middleware = []Middleware{cached}
	})

	final, err := a.Run(context.Background(), State{Messages: []core.Message{core.UserMessage("q")}})
	require.NoError(t, err)
	assert.Equal(t, weather{City: "Oslo"}, final.StructuredResponse)
	assert.Equal(t, 1, fake.Calls())
}

func TestStructuredResponse_ModelErrorIsFatal(t *testing.T) {
	boom := errors.New("boom")
	fails := Middleware{
		Name: "fails",
		WrapModelCall: func(ctx context.Context, req ModelRequest, next ModelHandler) (ModelResponse, error) {
			if req.ToolChoice != "" {
				return ModelResponse{}, boom
			}
			return next(ctx, req)
		},
	}
	a := newAgent(t, model.NewFakeModel(core.AssistantMessage("x")), func(o *Options) {
		o.ResponseFormat = weatherFormat(t)
		o.Middleware = []Middleware{fails}
	})

	_, err := a.Invoke(context.Background(), "q")
	assert.ErrorIs(t, err, boom)
}
