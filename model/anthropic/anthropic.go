// Package anthropic provides a model wrapper for the Anthropic Claude API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/hupe1980/chainmesh/core"
	"github.com/hupe1980/chainmesh/model"
)

// MessagesClient is the subset of the SDK used by the adapter. It is
// satisfied by *anthropic.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
	NewStreaming(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[anthropic.MessageStreamEventUnion]
}

// Options configures the Anthropic model adapter (temperature, model id,
// max tokens, API key).
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Model wraps the Anthropic Messages API behind the generic model.Model interface.
type Model struct {
	msg  MessagesClient
	opts Options
}

func defaultOptions(optFns []func(o *Options)) Options {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

// NewModel creates a new Anthropic model using the official client
func NewModel(optFns ...func(o *Options)) *Model {
	opts := defaultOptions(optFns)
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)
	return &Model{msg: &client.Messages, opts: opts}
}

// NewModelFromClient creates a new Anthropic model from an existing messages
// client, typically &client.Messages.
func NewModelFromClient(msg MessagesClient, optFns ...func(o *Options)) *Model {
	return &Model{msg: msg, opts: defaultOptions(optFns)}
}

// Generate implements model.Model.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params, err := m.buildParams(req)
		if err != nil {
			errCh <- err
			return
		}
		if req.Stream {
			m.handleStreaming(ctx, params, out, errCh)
			return
		}

		resp, err := m.msg.New(ctx, params)
		if err != nil {
			errCh <- fmt.Errorf("anthropic api error: %w", err)
			return
		}
		msg, err := translateMessage(resp)
		if err != nil {
			errCh <- err
			return
		}
		out <- model.Response{Message: msg, FinishReason: finishReason(string(resp.StopReason))}
	}()

	return out, errCh
}

func (m *Model) buildParams(req model.Request) (anthropic.MessageNewParams, error) {
	system, rest := model.SystemPrompt(req.Messages)
	messages, err := buildMessages(rest)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	temperature := m.opts.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := m.opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	params := anthropic.MessageNewParams{
		Model:       m.opts.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
		params.ToolChoice = buildToolChoice(req.ToolChoice)
	}
	return params, nil
}

// buildMessages converts messages to the Anthropic format. Consecutive tool
// results are folded into one user message, as the API requires.
func buildMessages(msgs []core.Message) ([]anthropic.MessageParam, error) {
	var (
		messages []anthropic.MessageParam
		results  []anthropic.ContentBlockParamUnion
	)
	flush := func() {
		if len(results) > 0 {
			messages = append(messages, anthropic.NewUserMessage(results...))
			results = nil
		}
	}
	for _, msg := range msgs {
		switch msg.Role {
		case core.RoleTool:
			results = append(results, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Text(), msg.Status == core.ToolStatusError))
		case core.RoleUser:
			flush()
			if text := msg.Text(); text != "" {
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
			}
		case core.RoleAssistant:
			flush()
			var content []anthropic.ContentBlockParamUnion
			if text := msg.Text(); text != "" {
				content = append(content, anthropic.NewTextBlock(text))
			}
			for _, tc := range msg.ToolCalls {
				content = append(content, anthropic.NewToolUseBlock(tc.ID, tc.Args, tc.Name))
			}
			if len(content) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(content...))
			}
		default:
			return nil, &core.UsageError{Message: fmt.Sprintf("unsupported message role %q", msg.Role)}
		}
	}
	flush()
	if len(messages) == 0 {
		return nil, &core.UsageError{Message: "at least one user or assistant message is required"}
	}
	return messages, nil
}

// buildTools converts tool definitions to the Anthropic tool format.
func buildTools(tools []model.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, tool := range tools {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}
		if params := tool.Parameters; params != nil {
			if properties, exists := params["properties"]; exists {
				inputSchema.Properties = properties
			}
			inputSchema.Required = requiredFields(params["required"])
		}
		u := anthropic.ToolUnionParamOfTool(inputSchema, tool.Name)
		if u.OfTool != nil && tool.Description != "" {
			u.OfTool.Description = anthropic.String(tool.Description)
		}
		out[i] = u
	}
	return out
}

func requiredFields(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		var out []string
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func buildToolChoice(choice string) anthropic.ToolChoiceUnionParam {
	switch choice {
	case "", model.ToolChoiceAuto:
		return anthropic.ToolChoiceUnionParam{}
	case model.ToolChoiceNone:
		none := anthropic.NewToolChoiceNoneParam()
		return anthropic.ToolChoiceUnionParam{OfNone: &none}
	case model.ToolChoiceRequired:
		return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	default:
		return anthropic.ToolChoiceParamOfTool(choice)
	}
}

func translateMessage(resp *anthropic.Message) (core.Message, error) {
	if resp == nil {
		return core.Message{}, fmt.Errorf("anthropic: response message is nil")
	}
	msg := core.Message{ID: resp.ID, Role: core.RoleAssistant}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			msg.Content += block.Text
		case "tool_use":
			raw, err := json.Marshal(block.Input)
			if err != nil {
				return core.Message{}, fmt.Errorf("anthropic: encode tool input: %w", err)
			}
			args, err := model.ParseArgs(string(raw))
			if err != nil || args == nil {
				reason := "tool input is not an object"
				if err != nil {
					reason = err.Error()
				}
				msg.InvalidToolCalls = append(msg.InvalidToolCalls, core.InvalidToolCall{
					ID: block.ID, Name: block.Name, Args: string(raw), Error: reason,
				})
				continue
			}
			msg.ToolCalls = append(msg.ToolCalls, core.ToolCall{ID: block.ID, Name: block.Name, Args: args})
		}
	}
	if u := resp.Usage; u.InputTokens != 0 || u.OutputTokens != 0 {
		msg.Usage = &core.Usage{
			InputTokens:  int(u.InputTokens),
			OutputTokens: int(u.OutputTokens),
			TotalTokens:  int(u.InputTokens + u.OutputTokens),
		}
	}
	return msg, nil
}

// handleStreaming converts stream events into partial chunks. Content block
// indexes become tool call chunk indexes, so fragments of one tool_use block
// merge into one call.
func (m *Model) handleStreaming(ctx context.Context, params anthropic.MessageNewParams, out chan<- model.Response, errCh chan<- error) {
	stream := m.msg.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		acc    core.MessageChunk
		id     string
		reason string
	)
	emit := func(chunk core.MessageChunk) error {
		chunk.ID = id
		merged, _ := acc.Concat(chunk)
		acc = merged.(core.MessageChunk)
		select {
		case out <- model.Response{Partial: true, Chunk: chunk}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for stream.Next() {
		var err error
		switch ev := stream.Current().AsAny().(type) {
		case anthropic.MessageStartEvent:
			id = ev.Message.ID
			if ev.Message.Usage.InputTokens > 0 {
				in := int(ev.Message.Usage.InputTokens)
				err = emit(core.MessageChunk{Usage: &core.Usage{InputTokens: in, TotalTokens: in}})
			}
		case anthropic.ContentBlockStartEvent:
			if toolUse, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				err = emit(core.MessageChunk{
					Role:           core.RoleAssistant,
					ToolCallChunks: []core.ToolCallChunk{{Index: int(ev.Index), ID: toolUse.ID, Name: toolUse.Name}},
				})
			}
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text != "" {
					err = emit(core.MessageChunk{Role: core.RoleAssistant, Content: delta.Text})
				}
			case anthropic.InputJSONDelta:
				if delta.PartialJSON != "" {
					err = emit(core.MessageChunk{ToolCallChunks: []core.ToolCallChunk{{Index: int(ev.Index), Args: delta.PartialJSON}}})
				}
			}
		case anthropic.MessageDeltaEvent:
			reason = string(ev.Delta.StopReason)
			if ev.Usage.OutputTokens > 0 {
				o := int(ev.Usage.OutputTokens)
				err = emit(core.MessageChunk{Usage: &core.Usage{OutputTokens: o, TotalTokens: o}})
			}
		}
		if err != nil {
			errCh <- err
			return
		}
	}
	if err := stream.Err(); err != nil {
		errCh <- fmt.Errorf("anthropic streaming error: %w", err)
		return
	}
	select {
	case out <- model.Response{Message: acc.Message(), FinishReason: finishReason(reason)}:
	case <-ctx.Done():
		errCh <- ctx.Err()
	}
}

func finishReason(stop string) string {
	switch stop {
	case "", "end_turn", "stop_sequence":
		return "stop"
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return stop
	}
}

// Info returns metadata describing this Anthropic model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          string(m.opts.Model),
		Provider:      "anthropic",
		SupportsTools: true,
	}
}
