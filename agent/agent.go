package agent

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"time"

	"github.com/hupe1980/chainmesh/callbacks"
	"github.com/hupe1980/chainmesh/config"
	"github.com/hupe1980/chainmesh/core"
	"github.com/hupe1980/chainmesh/internal/schema"
	"github.com/hupe1980/chainmesh/model"
	"github.com/hupe1980/chainmesh/runnable"
	"github.com/hupe1980/chainmesh/tool"
)

// Options configures an Agent.
type Options struct {
	// Name is the traced run name and the name set on model messages.
	// Defaults to "agent".
	Name string
	// Instruction is the system prompt.
	Instruction Instruction
	Tools       []tool.Tool
	// Middleware run in registration order. After hooks run in reverse
	// order so that the first middleware observes the others' results.
	Middleware []Middleware
	// ResponseFormat enables the structured final response.
	ResponseFormat *ResponseFormat
	// ToolErrorPolicy applies to tools without their own policy. Defaults to
	// tool.DefaultErrors.
	ToolErrorPolicy tool.ErrorPolicy
	// MaxToolConcurrency bounds the parallel tool calls of one turn.
	MaxToolConcurrency int
}

type namedHook struct {
	middleware string
	fn         Hook
}

// Agent is a middleware-driven tool-calling loop. Invoke accepts whatever
// StateFrom accepts and returns the flattened final state (State.Map).
type Agent struct {
	model    *model.ChatModel
	opts     Options
	tools    []tool.Tool
	node     *tool.Node
	handler  ModelHandler
	defaults map[string]any

	beforeAgent, beforeModel, afterModel, afterAgent []namedHook
}

// New validates the configuration and builds the agent. Middleware names
// and tool names must be unique, and state fields declared by several
// middleware must agree on their default.
func New(m *model.ChatModel, optFns ...func(o *Options)) (*Agent, error) {
	opts := Options{Name: "agent", ToolErrorPolicy: tool.DefaultErrors()}
	for _, fn := range optFns {
		fn(&opts)
	}
	if m == nil {
		return nil, &core.UsageError{Message: "agent requires a model"}
	}

	a := &Agent{model: m, opts: opts, defaults: map[string]any{}}
	a.tools = append(a.tools, opts.Tools...)

	var (
		names        = map[string]struct{}{}
		modelWraps   []ModelWrapper
		toolWrappers []tool.CallWrapper
	)
	for _, mw := range opts.Middleware {
		if mw.Name != "" {
			if _, dup := names[mw.Name]; dup {
				return nil, &core.UsageError{Message: fmt.Sprintf("duplicate middleware %q", mw.Name)}
			}
			names[mw.Name] = struct{}{}
		}
		for k, v := range mw.StateFields {
			if k == KeyMessages || k == KeyStructuredResponse {
				return nil, &core.UsageError{Message: fmt.Sprintf("middleware %q declares reserved state field %q", mw.Name, k)}
			}
			if prev, ok := a.defaults[k]; ok && !reflect.DeepEqual(prev, v) {
				return nil, &core.UsageError{Message: fmt.Sprintf("state field %q declared with conflicting defaults", k)}
			}
			a.defaults[k] = v
		}
		a.tools = append(a.tools, mw.Tools...)
		if mw.BeforeAgent != nil {
			a.beforeAgent = append(a.beforeAgent, namedHook{mw.Name, mw.BeforeAgent})
		}
		if mw.BeforeModel != nil {
			a.beforeModel = append(a.beforeModel, namedHook{mw.Name, mw.BeforeModel})
		}
		if mw.AfterModel != nil {
			a.afterModel = append(a.afterModel, namedHook{mw.Name, mw.AfterModel})
		}
		if mw.AfterAgent != nil {
			a.afterAgent = append(a.afterAgent, namedHook{mw.Name, mw.AfterAgent})
		}
		if mw.WrapModelCall != nil {
			modelWraps = append(modelWraps, mw.WrapModelCall)
		}
		if mw.WrapToolCall != nil {
			toolWrappers = append(toolWrappers, mw.WrapToolCall)
		}
	}
	slices.Reverse(a.afterModel)
	slices.Reverse(a.afterAgent)

	if rf := opts.ResponseFormat; rf != nil {
		if rf.Name == "" {
			return nil, &core.UsageError{Message: "response format requires a name"}
		}
		if _, err := schema.Compile(rf.Schema); err != nil {
			return nil, &core.UsageError{Message: fmt.Sprintf("response format %s has an invalid schema: %v", rf.Name, err)}
		}
		for _, t := range a.tools {
			if t.Name() == rf.Name {
				return nil, &core.UsageError{Message: fmt.Sprintf("response format %s collides with a tool name", rf.Name)}
			}
		}
	}

	node, err := tool.NewNode(a.tools, func(o *tool.NodeOptions) {
		o.ErrorPolicy = opts.ToolErrorPolicy
		o.Wrappers = toolWrappers
		o.MaxConcurrency = opts.MaxToolConcurrency
	})
	if err != nil {
		return nil, err
	}
	a.node = node
	a.handler = chainModel(a.callModel, modelWraps)
	return a, nil
}

// Name implements runnable.Runnable.
func (a *Agent) Name() string { return a.opts.Name }

// Tools returns all registered tools, including middleware tools.
func (a *Agent) Tools() []tool.Tool { return append([]tool.Tool(nil), a.tools...) }

// Invoke implements runnable.Runnable.
func (a *Agent) Invoke(ctx context.Context, input any, optFns ...config.Option) (any, error) {
	state, err := StateFrom(input)
	if err != nil {
		return nil, err
	}
	final, err := a.Run(ctx, state, optFns...)
	if err != nil {
		return nil, err
	}
	return final.Map(), nil
}

// Run executes the loop on state and returns the final state. The run is
// traced as a chain; model and tool calls are its children.
func (a *Agent) Run(ctx context.Context, state State, optFns ...config.Option) (State, error) {
	cfg := config.Ensure(optFns...)
	out, err := runnable.InvokeWithRun(ctx, cfg, callbacks.KindChain, a.Name(), state.Map(), func(ctx context.Context, cfg config.Config, rm *callbacks.RunManager) (any, error) {
		final, err := a.loop(ctx, cfg, runnable.ChildConfig(cfg, rm, ""), state)
		if err != nil {
			return nil, err
		}
		return final, nil
	})
	if err != nil {
		return State{}, err
	}
	return out.(State), nil
}

func (a *Agent) withDefaults(s State) State {
	s = s.Clone()
	for k, v := range a.defaults {
		if _, ok := s.Values[k]; !ok {
			s.Values[k] = v
		}
	}
	return s
}

// loop drives the step machine. cfg is the agent run's config, child the
// config of nested model and tool calls.
func (a *Agent) loop(ctx context.Context, cfg, child config.Config, state State) (State, error) {
	log := cfg.Log()
	start := time.Now()
	state = a.withDefaults(state)

	state, jump, err := a.runHooks(ctx, "before_agent", a.beforeAgent, state)
	if err != nil {
		return state, err
	}
	next := JumpModel
	if jump != "" {
		next = jump
	}

	steps := 0
	for next != JumpEnd {
		if err := ctx.Err(); err != nil {
			return state, err
		}
		steps++
		if limit := cfg.Limit(); steps > limit {
			return state, &core.RecursionLimitError{Limit: limit}
		}
		switch next {
		case JumpModel:
			state, next, err = a.modelStep(ctx, child, state)
		case JumpTools:
			state, next, err = a.toolStep(ctx, child, state)
		default:
			err = &core.UsageError{Message: fmt.Sprintf("unknown jump target %q", next)}
		}
		if err != nil {
			return state, err
		}
	}

	state, _, err = a.runHooks(ctx, "after_agent", a.afterAgent, state)
	if err != nil {
		return state, err
	}
	log.Debug("agent.run.completed",
		"agent", a.Name(),
		"steps", steps,
		"messages", len(state.Messages),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return state, nil
}

func (a *Agent) modelStep(ctx context.Context, cfg config.Config, state State) (State, Jump, error) {
	state, jump, err := a.runHooks(ctx, "before_model", a.beforeModel, state)
	if err != nil || jump != "" {
		return state, jump, err
	}

	req, err := a.request(ctx, cfg, state)
	if err != nil {
		return state, "", err
	}
	resp, err := a.handler(ctx, req)
	if err != nil {
		return state, "", err
	}
	msg := resp.Message
	if msg.Name == "" {
		msg = msg.Clone()
		msg.Name = a.Name()
	}
	state = state.apply(&Update{Messages: []core.Message{msg}})

	state, jump, err = a.runHooks(ctx, "after_model", a.afterModel, state)
	if err != nil || jump != "" {
		return state, jump, err
	}

	if last, ok := state.LastAI(); ok && last.HasToolCalls() {
		return state, JumpTools, nil
	}
	if a.opts.ResponseFormat != nil {
		value, err := a.extract(ctx, req.withState(state))
		if err != nil {
			return state, "", err
		}
		state = state.Clone()
		state.StructuredResponse = value
	}
	return state, JumpEnd, nil
}

func (a *Agent) toolStep(ctx context.Context, cfg config.Config, state State) (State, Jump, error) {
	calls := state.PendingToolCalls()
	if len(calls) == 0 {
		return state, JumpModel, nil
	}
	results, err := a.node.Execute(ctx, calls, cfg, state.Map())
	if err != nil {
		return state, "", err
	}
	state = state.apply(&Update{Messages: results})

	for _, tc := range calls {
		if t, ok := a.node.Tool(tc.Name); ok && tool.OptionsOf(t).ReturnDirect {
			cfg.Log().Debug("agent.tool.return_direct", "agent", a.Name(), "tool", tc.Name)
			return state, JumpEnd, nil
		}
	}
	return state, JumpModel, nil
}

func (a *Agent) request(ctx context.Context, cfg config.Config, state State) (ModelRequest, error) {
	var prompt string
	if !a.opts.Instruction.IsZero() {
		var err error
		if prompt, err = a.opts.Instruction.Resolve(ctx, state); err != nil {
			return ModelRequest{}, err
		}
	}
	return ModelRequest{
		Model:        a.model,
		SystemPrompt: prompt,
		Messages:     state.Messages,
		Tools:        a.tools,
		State:        state,
		Config:       cfg,
	}, nil
}

func (r ModelRequest) withState(s State) ModelRequest {
	r.State = s
	r.Messages = s.Messages
	return r
}

// callModel is the innermost model handler.
func (a *Agent) callModel(ctx context.Context, req ModelRequest) (ModelResponse, error) {
	if req.Model == nil {
		return ModelResponse{}, &core.UsageError{Message: "model request without a model"}
	}
	msgs := req.Messages
	if req.SystemPrompt != "" {
		msgs = append([]core.Message{core.SystemMessage(req.SystemPrompt)}, msgs...)
	}
	mreq, err := req.Model.Request(msgs, req.Config)
	if err != nil {
		return ModelResponse{}, err
	}
	if len(req.Tools) > 0 {
		mreq.Tools = tool.Definitions(req.Tools)
	}
	if req.ToolChoice != "" {
		if len(mreq.Tools) == 0 && req.ToolChoice != model.ToolChoiceAuto && req.ToolChoice != model.ToolChoiceNone {
			return ModelResponse{}, &core.UsageError{Message: fmt.Sprintf("tool choice %q without tools", req.ToolChoice)}
		}
		mreq.ToolChoice = req.ToolChoice
	}
	msg, err := req.Model.Generate(ctx, mreq, config.From(req.Config))
	if err != nil {
		return ModelResponse{}, err
	}
	return ModelResponse{Message: msg}, nil
}

// runHooks applies hooks in order. The first hook requesting a jump stops
// the sequence.
func (a *Agent) runHooks(ctx context.Context, point string, hooks []namedHook, state State) (State, Jump, error) {
	for _, h := range hooks {
		u, err := h.fn(ctx, state)
		if err != nil {
			return state, "", fmt.Errorf("middleware %s %s: %w", h.middleware, point, err)
		}
		if u == nil {
			continue
		}
		if u.JumpTo != "" && !u.JumpTo.valid() {
			return state, "", &core.UsageError{Message: fmt.Sprintf("middleware %s %s: unknown jump target %q", h.middleware, point, u.JumpTo)}
		}
		state = state.apply(u)
		if u.JumpTo != "" {
			return state, u.JumpTo, nil
		}
	}
	return state, "", nil
}
