package tool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/chainmesh/callbacks"
	"github.com/hupe1980/chainmesh/config"
	"github.com/hupe1980/chainmesh/core"
)

func failing(name string) *FunctionTool {
	return NewFunctionTool(name, "always fails", nil, func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("Test error")
	})
}

func echo(name string, delay time.Duration) *FunctionTool {
	return NewFunctionTool(name, "echoes its input", nil, func(ctx context.Context, args map[string]any) (any, error) {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return fmt.Sprintf("%s:%v", name, args["q"]), nil
	})
}

func newNode(t *testing.T, tools []Tool, optFns ...func(o *NodeOptions)) *Node {
	t.Helper()
	n, err := NewNode(tools, optFns...)
	require.NoError(t, err)
	return n
}

func TestNewNode_DuplicateName(t *testing.T) {
	_, err := NewNode([]Tool{echo("a", 0), echo("a", 0)})
	assert.ErrorIs(t, err, core.ErrUsage)
}

func TestNode_ThreeFailingTools(t *testing.T) {
	n := newNode(t, []Tool{failing("t1"), failing("t2"), failing("t3")})
	ai := core.AssistantMessage("",
		core.ToolCall{ID: "call_1", Name: "t1"},
		core.ToolCall{ID: "call_2", Name: "t2"},
		core.ToolCall{ID: "call_3", Name: "t3"},
	)

	out, err := n.Invoke(context.Background(), ai)
	require.NoError(t, err)

	msgs := out.([]core.Message)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprintf("call_%d", i+1), m.ToolCallID)
		assert.Equal(t, core.ToolStatusError, m.Status)
		assert.Contains(t, m.Content, "Test error")
		assert.Contains(t, m.Content, "Please fix your mistakes")
	}
}

func TestNode_UnknownTool(t *testing.T) {
	n := newNode(t, []Tool{echo("search", 0)})

	out, err := n.Invoke(context.Background(), []core.ToolCall{{ID: "c1", Name: "nope"}})
	require.NoError(t, err)

	msgs := out.([]core.Message)
	require.Len(t, msgs, 1)
	assert.Equal(t, core.ToolStatusError, msgs[0].Status)
	assert.Equal(t, "c1", msgs[0].ToolCallID)
	assert.Contains(t, msgs[0].Content, "nope")
	assert.Contains(t, msgs[0].Content, "search")
}

func TestNode_UnknownToolIgnoresPropagate(t *testing.T) {
	n := newNode(t, []Tool{echo("search", 0)}, func(o *NodeOptions) { o.ErrorPolicy = PropagateErrors() })

	msgs, err := n.Execute(context.Background(), []core.ToolCall{{ID: "c1", Name: "nope"}}, config.Ensure(), nil)
	require.NoError(t, err)
	assert.Equal(t, core.ToolStatusError, msgs[0].Status)
}

func TestNode_ErrorPolicies(t *testing.T) {
	call := []core.ToolCall{{ID: "c1", Name: "t1"}}

	tests := []struct {
		name    string
		node    ErrorPolicy
		tool    ErrorPolicy
		content string
		wantErr bool
	}{
		{name: "propagate", node: PropagateErrors(), wantErr: true},
		{name: "default", node: DefaultErrors(), content: "Error: Test error\n Please fix your mistakes."},
		{name: "message", node: ErrorMessage("nope, retry"), content: "nope, retry"},
		{name: "func", node: ErrorFunc(func(c core.ToolCall, err error) string { return c.ID + "|" + err.Error() }), content: "c1|Test error"},
		{name: "tool overrides propagate", node: PropagateErrors(), tool: ErrorMessage("tool says"), content: "tool says"},
		{name: "tool overrides message", node: ErrorMessage("node says"), tool: DefaultErrors(), content: "Error: Test error\n Please fix your mistakes."},
		{name: "tool propagates", node: DefaultErrors(), tool: PropagateErrors(), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl := failing("t1").WithOptions(func(o *Options) { o.ErrorPolicy = tt.tool })
			n := newNode(t, []Tool{tl}, func(o *NodeOptions) { o.ErrorPolicy = tt.node })

			msgs, err := n.Execute(context.Background(), call, config.Ensure(), nil)
			if tt.wantErr {
				assert.ErrorContains(t, err, "Test error")
				return
			}
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, core.ToolStatusError, msgs[0].Status)
			assert.Equal(t, tt.content, msgs[0].Content)
		})
	}
}

func TestNode_ParsingError(t *testing.T) {
	n := newNode(t, []Tool{sumTool()}, func(o *NodeOptions) { o.ErrorPolicy = PropagateErrors() })

	_, err := n.Execute(context.Background(), []core.ToolCall{{ID: "c1", Name: "sum", Args: map[string]any{"a": "x"}}}, config.Ensure(), nil)
	var perr *ParsingError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "sum", perr.Tool)
}

func TestNode_PreservesOrder(t *testing.T) {
	n := newNode(t, []Tool{echo("slow", 50*time.Millisecond), echo("fast", 0)})
	calls := []core.ToolCall{
		{ID: "1", Name: "slow", Args: map[string]any{"q": "a"}},
		{ID: "2", Name: "fast", Args: map[string]any{"q": "b"}},
		{ID: "3", Name: "fast", Args: map[string]any{"q": "c"}},
	}

	msgs, err := n.Execute(context.Background(), calls, config.Ensure(), nil)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "slow:a", msgs[0].Content)
	assert.Equal(t, "fast:b", msgs[1].Content)
	assert.Equal(t, "fast:c", msgs[2].Content)
}

func TestNode_RunsConcurrently(t *testing.T) {
	var inflight, peak atomic.Int32
	tl := NewFunctionTool("wait", "", nil, func(context.Context, map[string]any) (any, error) {
		cur := inflight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inflight.Add(-1)
		return "ok", nil
	})
	n := newNode(t, []Tool{tl}, func(o *NodeOptions) { o.MaxConcurrency = 2 })

	calls := make([]core.ToolCall, 6)
	for i := range calls {
		calls[i] = core.ToolCall{ID: fmt.Sprint(i), Name: "wait"}
	}
	_, err := n.Execute(context.Background(), calls, config.Ensure(), nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestNode_PropagateCancelsSiblings(t *testing.T) {
	n := newNode(t, []Tool{failing("boom"), echo("slow", time.Second)}, func(o *NodeOptions) { o.ErrorPolicy = PropagateErrors() })

	start := time.Now()
	_, err := n.Execute(context.Background(), []core.ToolCall{{ID: "1", Name: "slow"}, {ID: "2", Name: "boom"}}, config.Ensure(), nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestNode_PanicBecomesErrorMessage(t *testing.T) {
	tl := NewFunctionTool("panics", "", nil, func(context.Context, map[string]any) (any, error) {
		panic("kaboom")
	})
	n := newNode(t, []Tool{tl})

	msgs, err := n.Execute(context.Background(), []core.ToolCall{{ID: "1", Name: "panics"}}, config.Ensure(), nil)
	require.NoError(t, err)
	assert.Equal(t, core.ToolStatusError, msgs[0].Status)
	assert.Contains(t, msgs[0].Content, "kaboom")
}

func TestNode_Wrappers(t *testing.T) {
	var order []string
	trace := func(label string) CallWrapper {
		return func(ctx context.Context, req CallRequest, next CallHandler) (core.Message, error) {
			order = append(order, label+">")
			msg, err := next(ctx, req)
			order = append(order, "<"+label)
			return msg, err
		}
	}
	dynamic := func(ctx context.Context, req CallRequest, next CallHandler) (core.Message, error) {
		if req.Tool == nil && req.Call.Name == "dynamic" {
			req.Tool = echo("dynamic", 0)
		}
		return next(ctx, req)
	}
	n := newNode(t, nil, func(o *NodeOptions) {
		o.Wrappers = []CallWrapper{trace("outer"), trace("inner"), dynamic}
		o.MaxConcurrency = 1
	})

	msgs, err := n.Execute(context.Background(), []core.ToolCall{{ID: "1", Name: "dynamic", Args: map[string]any{"q": 1}}}, config.Ensure(), nil)
	require.NoError(t, err)
	assert.Equal(t, "dynamic:1", msgs[0].Content)
	assert.Equal(t, []string{"outer>", "inner>", "<inner", "<outer"}, order)
}

func TestNode_WrapperConvertsError(t *testing.T) {
	handle := func(ctx context.Context, req CallRequest, next CallHandler) (core.Message, error) {
		msg, err := next(ctx, req)
		if err != nil {
			return core.ToolErrorMessage(req.Call.ID, req.Call.Name, "handled: "+err.Error()), nil
		}
		return msg, nil
	}
	n := newNode(t, []Tool{failing("t1")}, func(o *NodeOptions) {
		o.ErrorPolicy = PropagateErrors()
		o.Wrappers = []CallWrapper{handle}
	})

	msgs, err := n.Execute(context.Background(), []core.ToolCall{{ID: "1", Name: "t1"}}, config.Ensure(), nil)
	require.NoError(t, err)
	assert.Equal(t, "handled: Test error", msgs[0].Content)
}

func TestNode_StateReachesTool(t *testing.T) {
	tl := NewFunctionTool("state", "", nil, func(ctx context.Context, _ map[string]any) (any, error) {
		info, _ := CallInfoFrom(ctx)
		return info.State["user"], nil
	})
	n := newNode(t, []Tool{tl})

	msgs, err := n.Execute(context.Background(), []core.ToolCall{{ID: "1", Name: "state"}}, config.Ensure(), map[string]any{"user": "ada"})
	require.NoError(t, err)
	assert.Equal(t, "ada", msgs[0].Content)
}

func TestNode_InvokeInputs(t *testing.T) {
	n := newNode(t, []Tool{echo("search", 0)})
	call := core.ToolCall{ID: "1", Name: "search", Args: map[string]any{"q": "go"}}
	ai := core.AssistantMessage("", call)

	t.Run("message list", func(t *testing.T) {
		out, err := n.Invoke(context.Background(), []core.Message{core.UserMessage("hi"), ai})
		require.NoError(t, err)
		assert.Equal(t, "search:go", out.([]core.Message)[0].Content)
	})

	t.Run("state map", func(t *testing.T) {
		out, err := n.Invoke(context.Background(), map[string]any{"messages": []core.Message{ai}})
		require.NoError(t, err)
		msgs := out.(map[string]any)["messages"].([]core.Message)
		assert.Equal(t, "search:go", msgs[0].Content)
	})

	t.Run("user message rejected", func(t *testing.T) {
		_, err := n.Invoke(context.Background(), core.UserMessage("hi"))
		assert.ErrorIs(t, err, core.ErrUsage)
	})
}

func TestNode_Callbacks(t *testing.T) {
	collector := callbacks.NewCollector()
	n := newNode(t, []Tool{echo("a", 0), failing("b")})

	_, err := n.Invoke(context.Background(), []core.ToolCall{{ID: "1", Name: "a"}, {ID: "2", Name: "b"}}, config.WithCallbacks(collector))
	require.NoError(t, err)

	assert.Empty(t, collector.Unfinished())
	assert.Len(t, collector.Started(), 3)

	root, ok := collector.Find("tools")
	require.True(t, ok)
	for _, name := range []string{"a", "b"} {
		run, ok := collector.Find(name)
		require.True(t, ok)
		assert.Equal(t, callbacks.KindTool, run.Kind)
		assert.Equal(t, root.ID, run.ParentRunID)
	}
	failed, _ := collector.Find("b")
	assert.Error(t, failed.Error)
}
