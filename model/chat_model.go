package model

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/hupe1980/chainmesh/cache"
	"github.com/hupe1980/chainmesh/callbacks"
	"github.com/hupe1980/chainmesh/config"
	"github.com/hupe1980/chainmesh/core"
	"github.com/hupe1980/chainmesh/runnable"
)

// Keys of config.Params read by ChatModel. They let runnable.Bind attach
// call options to a model inside a pipeline.
const (
	ParamStop        = "stop"
	ParamTools       = "tools"
	ParamToolChoice  = "tool_choice"
	ParamTemperature = "temperature"
	ParamMaxTokens   = "max_tokens"
)

// ChatModelOptions configure a ChatModel.
type ChatModelOptions struct {
	// Name is the traced run name. Defaults to the model's Info().Name.
	Name string
	// Cache, when set, is consulted before every generation and updated
	// after every successful one.
	Cache cache.Cache
	// Limiter, when set, bounds the request rate to the provider.
	Limiter *rate.Limiter
	// Tools are offered to the model on every call.
	Tools []ToolDefinition
	// ToolChoice constrains tool use; see the ToolChoice constants.
	ToolChoice  string
	Stop        []string
	Temperature *float64
	MaxTokens   int
}

// ChatModel adapts a Model to the runnable protocol. Invoke accepts a
// string, a core.PromptValue, a core.Message or a message list and returns
// a core.Message. Stream yields core.MessageChunk values.
type ChatModel struct {
	model Model
	opts  ChatModelOptions
}

// NewChatModel wraps m.
func NewChatModel(m Model, optFns ...func(o *ChatModelOptions)) *ChatModel {
	opts := ChatModelOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Name == "" {
		opts.Name = m.Info().Name
	}
	return &ChatModel{model: RateLimited(m, opts.Limiter), opts: opts}
}

// Name implements runnable.Runnable.
func (c *ChatModel) Name() string { return c.opts.Name }

// Info returns the wrapped model's info.
func (c *ChatModel) Info() Info { return c.model.Info() }

// BindTools returns a copy of c offering tools with the given choice. The
// receiver is not modified.
func (c *ChatModel) BindTools(tools []ToolDefinition, choice string) *ChatModel {
	opts := c.opts
	opts.Tools = append([]ToolDefinition(nil), tools...)
	opts.ToolChoice = choice
	return &ChatModel{model: c.model, opts: opts}
}

// Request builds the provider request for msgs, applying the bound options
// and the call-site params in cfg.
func (c *ChatModel) Request(msgs []core.Message, cfg config.Config) (Request, error) {
	req := Request{
		Messages:    msgs,
		Tools:       c.opts.Tools,
		ToolChoice:  c.opts.ToolChoice,
		Stop:        c.opts.Stop,
		Temperature: c.opts.Temperature,
		MaxTokens:   c.opts.MaxTokens,
	}
	for k, v := range cfg.Params {
		var ok bool
		switch k {
		case ParamStop:
			req.Stop, ok = v.([]string)
		case ParamTools:
			req.Tools, ok = v.([]ToolDefinition)
		case ParamToolChoice:
			req.ToolChoice, ok = v.(string)
		case ParamTemperature:
			var t float64
			t, ok = v.(float64)
			req.Temperature = &t
		case ParamMaxTokens:
			req.MaxTokens, ok = v.(int)
		default:
			ok = true
		}
		if !ok {
			return Request{}, &core.UsageError{Message: fmt.Sprintf("param %q has unsupported type %T", k, v)}
		}
	}
	if req.ToolChoice != "" && req.ToolChoice != ToolChoiceAuto && req.ToolChoice != ToolChoiceNone && len(req.Tools) == 0 {
		return Request{}, &core.UsageError{Message: fmt.Sprintf("tool choice %q without tools", req.ToolChoice)}
	}
	return req, nil
}

// Invoke implements runnable.Runnable.
func (c *ChatModel) Invoke(ctx context.Context, input any, optFns ...config.Option) (any, error) {
	cfg := config.Ensure(optFns...)
	msgs, err := core.ToMessages(input)
	if err != nil {
		return nil, err
	}
	req, err := c.Request(msgs, cfg)
	if err != nil {
		return nil, err
	}
	return c.run(ctx, cfg, req)
}

// Generate runs req as a traced chat model call. It is the entry point for
// callers that assemble requests themselves, such as the agent loop.
func (c *ChatModel) Generate(ctx context.Context, req Request, optFns ...config.Option) (core.Message, error) {
	out, err := c.run(ctx, config.Ensure(optFns...), req)
	if err != nil {
		return core.Message{}, err
	}
	return out.(core.Message), nil
}

func (c *ChatModel) run(ctx context.Context, cfg config.Config, req Request) (any, error) {
	return runnable.InvokeWithRun(ctx, cfg, callbacks.KindChatModel, c.Name(), req.Messages, func(ctx context.Context, cfg config.Config, _ *callbacks.RunManager) (any, error) {
		return c.generate(ctx, cfg, req, nil)
	})
}

// Stream implements runnable.Streamer. A provider that does not stream
// yields its final message as one chunk.
func (c *ChatModel) Stream(ctx context.Context, input any, optFns ...config.Option) *runnable.Stream[any] {
	cfg := config.Ensure(optFns...)
	msgs, err := core.ToMessages(input)
	if err != nil {
		return runnable.Error[any](ctx, err)
	}
	req, err := c.Request(msgs, cfg)
	if err != nil {
		return runnable.Error[any](ctx, err)
	}
	req.Stream = true
	return runnable.StreamWithRun(ctx, cfg, callbacks.KindChatModel, c.Name(), req.Messages, func(ctx context.Context, cfg config.Config, _ *callbacks.RunManager, send func(any) error) error {
		sent := false
		msg, err := c.generate(ctx, cfg, req, func(ch core.MessageChunk) error {
			sent = true
			return send(ch)
		})
		if err != nil {
			return err
		}
		if !sent {
			return send(core.ChunkFromMessage(msg))
		}
		return nil
	})
}

func (c *ChatModel) generate(ctx context.Context, cfg config.Config, req Request, onChunk func(core.MessageChunk) error) (core.Message, error) {
	logger := cfg.Log()
	info := c.model.Info()

	var prompt, llmKey string
	if c.opts.Cache != nil {
		prompt, llmKey = PromptKey(req.Messages), Key(info, req)
		cached, ok, err := c.opts.Cache.Lookup(ctx, prompt, llmKey)
		switch {
		case err != nil:
			logger.Warn("model.cache.lookup_failed", "model", info.Name, "error", err)
		case ok:
			logger.Debug("model.cache.hit", "model", info.Name)
			if onChunk != nil {
				if err := onChunk(core.ChunkFromMessage(cached)); err != nil {
					return core.Message{}, err
				}
			}
			return cached, nil
		}
	}

	start := time.Now()
	msg, err := Collect(ctx, c.model, req, onChunk)
	if err != nil {
		logger.Debug("model.call.failed", "model", info.Name, "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return core.Message{}, err
	}
	if msg.ID == "" {
		msg.ID = core.NewID()
	}
	tokens := 0
	if msg.Usage != nil {
		tokens = msg.Usage.TotalTokens
	}
	logger.Debug("model.call.completed", "model", info.Name, "duration_ms", time.Since(start).Milliseconds(), "tokens", tokens, "tool_calls", len(msg.ToolCalls))

	if c.opts.Cache != nil {
		if err := c.opts.Cache.Update(ctx, prompt, llmKey, msg); err != nil {
			logger.Warn("model.cache.update_failed", "model", info.Name, "error", err)
		}
	}
	return msg, nil
}
