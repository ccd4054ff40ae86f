package tool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/chainmesh/callbacks"
	"github.com/hupe1980/chainmesh/config"
	"github.com/hupe1980/chainmesh/core"
	"github.com/hupe1980/chainmesh/runnable"
)

// CallRequest is one tool call flowing through a Node's wrapper chain.
type CallRequest struct {
	Call core.ToolCall
	// Tool is the registered implementation, nil when the name is unknown.
	// A wrapper may set it to supply a dynamic tool.
	Tool Tool
	// State is the caller's state, passed to the tool via CallInfo.
	State map[string]any
	// Config is the config for the tool run.
	Config config.Config
}

// CallHandler executes a CallRequest.
type CallHandler func(ctx context.Context, req CallRequest) (core.Message, error)

// CallWrapper intercepts a tool call. It may rewrite the request, return a
// result without calling next, or convert an error from next into a message.
type CallWrapper func(ctx context.Context, req CallRequest, next CallHandler) (core.Message, error)

// NodeOptions configure a Node.
type NodeOptions struct {
	// Name is the traced run name. Defaults to "tools".
	Name string
	// ErrorPolicy applies to tools without their own policy. Defaults to
	// DefaultErrors.
	ErrorPolicy ErrorPolicy
	// Wrappers run in order around every call; the first is outermost.
	Wrappers []CallWrapper
	// MaxConcurrency bounds parallel calls. Zero uses the config's limit.
	MaxConcurrency int
}

// Node executes the tool calls of one model turn. Calls run concurrently;
// results are returned in request order.
//
// Invoke accepts an assistant core.Message, a message list (the last
// assistant message is used), a map with a "messages" key, or a
// []core.ToolCall. It returns []core.Message, or a map with a "messages" key
// when given a map.
type Node struct {
	tools map[string]Tool
	order []string
	opts  NodeOptions
}

// NewNode creates a Node. Duplicate tool names are a UsageError.
func NewNode(tools []Tool, optFns ...func(o *NodeOptions)) (*Node, error) {
	opts := NodeOptions{Name: "tools", ErrorPolicy: DefaultErrors()}
	for _, fn := range optFns {
		fn(&opts)
	}
	n := &Node{tools: make(map[string]Tool, len(tools)), opts: opts}
	for _, t := range tools {
		if _, dup := n.tools[t.Name()]; dup {
			return nil, &core.UsageError{Message: fmt.Sprintf("duplicate tool name %q", t.Name())}
		}
		n.tools[t.Name()] = t
		n.order = append(n.order, t.Name())
	}
	return n, nil
}

// Name implements runnable.Runnable.
func (n *Node) Name() string { return n.opts.Name }

// Tool returns the registered tool with the given name.
func (n *Node) Tool(name string) (Tool, bool) {
	t, ok := n.tools[name]
	return t, ok
}

// Tools returns the registered tools in registration order.
func (n *Node) Tools() []Tool {
	out := make([]Tool, len(n.order))
	for i, name := range n.order {
		out[i] = n.tools[name]
	}
	return out
}

// Names returns the sorted registered tool names.
func (n *Node) Names() []string {
	names := append([]string(nil), n.order...)
	sort.Strings(names)
	return names
}

// Invoke implements runnable.Runnable.
func (n *Node) Invoke(ctx context.Context, input any, optFns ...config.Option) (any, error) {
	cfg := config.Ensure(optFns...)
	return runnable.InvokeWithRun(ctx, cfg, callbacks.KindChain, n.Name(), input, func(ctx context.Context, cfg config.Config, rm *callbacks.RunManager) (any, error) {
		calls, err := toolCalls(input)
		if err != nil {
			return nil, err
		}
		msgs, err := n.Execute(ctx, calls, runnable.ChildConfig(cfg, rm, ""), nil)
		if err != nil {
			return nil, err
		}
		if _, ok := input.(map[string]any); ok {
			return map[string]any{"messages": msgs}, nil
		}
		return msgs, nil
	})
}

// Execute runs calls concurrently and returns one message per call in
// request order. cfg is the config of the tool runs. A call failure that the
// applicable policy propagates cancels the remaining calls and is returned.
func (n *Node) Execute(ctx context.Context, calls []core.ToolCall, cfg config.Config, state map[string]any) ([]core.Message, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	limit := n.opts.MaxConcurrency
	if limit <= 0 {
		limit = cfg.MaxConcurrency
	}
	if limit <= 0 {
		limit = -1
	}

	start := time.Now()
	results := make([]core.Message, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, call := range calls {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			msg, err := n.executeOne(gctx, CallRequest{Call: call, Tool: n.tools[call.Name], State: state, Config: cfg})
			if err != nil {
				return err
			}
			results[i] = msg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	cfg.Log().Debug("tool.batch.completed",
		"count", len(calls),
		"parallelism", limit,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return results, nil
}

func (n *Node) executeOne(ctx context.Context, req CallRequest) (msg core.Message, err error) {
	policy := n.opts.ErrorPolicy
	if req.Tool != nil {
		policy = OptionsOf(req.Tool).ErrorPolicy.Or(policy)
	}
	defer func() {
		if r := recover(); r != nil {
			err = core.NewPanicError(r)
		}
		if err != nil {
			req.Config.Log().Warn("tool.call.failed", "tool", req.Call.Name, "tool_call_id", req.Call.ID, "error", err.Error())
			msg, err = policy.Handle(req.Call, err)
		}
	}()
	handler := n.chain()
	return handler(ctx, req)
}

func (n *Node) chain() CallHandler {
	h := n.run
	for i := len(n.opts.Wrappers) - 1; i >= 0; i-- {
		w, next := n.opts.Wrappers[i], h
		h = func(ctx context.Context, req CallRequest) (core.Message, error) {
			return w(ctx, req, next)
		}
	}
	return h
}

func (n *Node) run(ctx context.Context, req CallRequest) (core.Message, error) {
	if req.Tool == nil {
		return n.unknown(req.Call), nil
	}
	ctx = WithCallInfo(ctx, CallInfo{ID: req.Call.ID, Name: req.Call.Name, State: req.State})
	return Run(ctx, req.Tool, req.Call, config.From(req.Config))
}

func (n *Node) unknown(call core.ToolCall) core.Message {
	content := fmt.Sprintf("Error: tool %q not found. Available tools: %s.\n %s",
		call.Name, strings.Join(n.Names(), ", "), DefaultErrorSuffix)
	return core.ToolErrorMessage(call.ID, call.Name, content)
}

func toolCalls(input any) ([]core.ToolCall, error) {
	switch v := input.(type) {
	case []core.ToolCall:
		return v, nil
	case core.ToolCall:
		return []core.ToolCall{v}, nil
	case core.Message:
		if v.Role != core.RoleAssistant {
			return nil, &core.UsageError{Message: fmt.Sprintf("tool node expects an assistant message, got role %q", v.Role)}
		}
		return v.ToolCalls, nil
	}
	msgs, err := core.ToMessages(input)
	if err != nil {
		return nil, err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == core.RoleAssistant {
			return msgs[i].ToolCalls, nil
		}
	}
	return nil, &core.UsageError{Message: "tool node input has no assistant message"}
}
