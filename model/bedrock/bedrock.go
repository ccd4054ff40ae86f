// Package bedrock adapts the AWS Bedrock Converse API to model.Model.
package bedrock

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/hupe1980/chainmesh/core"
	"github.com/hupe1980/chainmesh/model"
)

// RuntimeClient is the subset of the Bedrock runtime used by the adapter.
// Use NewModel to wrap a *bedrockruntime.Client.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error)
}

// StreamOutput is satisfied by *bedrockruntime.ConverseStreamOutput.
type StreamOutput interface {
	GetStream() *bedrockruntime.ConverseStreamEventStream
}

// Options configures the Bedrock model adapter.
type Options struct {
	// Model is the Bedrock model id or inference profile ARN.
	Model string
	// Temperature is used when a request does not set one. Zero omits it.
	Temperature float32
	// MaxTokens is used when a request does not set one. Zero omits it.
	MaxTokens int
}

// Model wraps Bedrock Converse behind the generic model.Model interface.
type Model struct {
	runtime RuntimeClient
	opts    Options
}

type sdkRuntime struct {
	client *bedrockruntime.Client
}

func (r sdkRuntime) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	return r.client.Converse(ctx, params, optFns...)
}

func (r sdkRuntime) ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error) {
	return r.client.ConverseStream(ctx, params, optFns...)
}

// NewModel creates a Bedrock model backed by the given SDK client.
func NewModel(client *bedrockruntime.Client, optFns ...func(o *Options)) *Model {
	return NewModelFromRuntime(sdkRuntime{client: client}, optFns...)
}

// NewModelFromConfig loads the default AWS configuration (environment,
// shared profile, IMDS) and creates a Bedrock model from it.
func NewModelFromConfig(ctx context.Context, optFns ...func(o *Options)) (*Model, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}
	return NewModel(bedrockruntime.NewFromConfig(cfg), optFns...), nil
}

// NewModelFromRuntime creates a Bedrock model from any RuntimeClient.
func NewModelFromRuntime(runtime RuntimeClient, optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:     "anthropic.claude-3-5-sonnet-20241022-v2:0",
		MaxTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{runtime: runtime, opts: opts}
}

// Generate implements model.Model.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		parts, err := m.prepare(req)
		if err != nil {
			errCh <- err
			return
		}
		if req.Stream {
			m.handleStreaming(ctx, parts, out, errCh)
			return
		}

		output, err := m.runtime.Converse(ctx, &bedrockruntime.ConverseInput{
			ModelId:         aws.String(m.opts.Model),
			Messages:        parts.messages,
			System:          parts.system,
			ToolConfig:      parts.toolConfig,
			InferenceConfig: parts.inference,
		})
		if err != nil {
			errCh <- fmt.Errorf("bedrock converse: %w", err)
			return
		}
		msg, err := translateResponse(output)
		if err != nil {
			errCh <- err
			return
		}
		out <- model.Response{Message: msg, FinishReason: finishReason(string(output.StopReason))}
	}()

	return out, errCh
}

type requestParts struct {
	messages   []brtypes.Message
	system     []brtypes.SystemContentBlock
	toolConfig *brtypes.ToolConfiguration
	inference  *brtypes.InferenceConfiguration
}

func (m *Model) prepare(req model.Request) (*requestParts, error) {
	messages, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	toolConfig, err := encodeTools(req.Tools, req.ToolChoice)
	if err != nil {
		return nil, err
	}
	return &requestParts{
		messages:   messages,
		system:     system,
		toolConfig: toolConfig,
		inference:  m.inferenceConfig(req),
	}, nil
}

func (m *Model) inferenceConfig(req model.Request) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	tokens := m.opts.MaxTokens
	if req.MaxTokens > 0 {
		tokens = req.MaxTokens
	}
	if tokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(tokens)) //nolint:gosec // AWS SDK requires int32
	}
	temp := m.opts.Temperature
	if req.Temperature != nil {
		temp = float32(*req.Temperature)
	}
	if temp > 0 {
		cfg.Temperature = aws.Float32(temp)
	}
	if len(req.Stop) > 0 {
		cfg.StopSequences = req.Stop
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil && cfg.StopSequences == nil {
		return nil
	}
	return &cfg
}

// encodeMessages splits system text from the conversation and folds
// consecutive tool results into one user turn.
func encodeMessages(msgs []core.Message) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	var (
		conversation []brtypes.Message
		system       []brtypes.SystemContentBlock
		results      []brtypes.ContentBlock
	)
	flush := func() {
		if len(results) > 0 {
			conversation = append(conversation, brtypes.Message{Role: brtypes.ConversationRoleUser, Content: results})
			results = nil
		}
	}
	for _, msg := range msgs {
		text := msg.Text()
		switch msg.Role {
		case core.RoleSystem:
			if text != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: text})
			}
		case core.RoleTool:
			if msg.ToolCallID == "" {
				return nil, nil, &core.UsageError{Message: "tool message without tool call id"}
			}
			block := brtypes.ToolResultBlock{
				ToolUseId: aws.String(msg.ToolCallID),
				Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: text}},
			}
			if msg.Status == core.ToolStatusError {
				block.Status = brtypes.ToolResultStatusError
			}
			results = append(results, &brtypes.ContentBlockMemberToolResult{Value: block})
		case core.RoleUser:
			flush()
			if text != "" {
				conversation = append(conversation, brtypes.Message{
					Role:    brtypes.ConversationRoleUser,
					Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: text}},
				})
			}
		case core.RoleAssistant:
			flush()
			var blocks []brtypes.ContentBlock
			if text != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: text})
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Args
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     lazyDocument(args),
				}})
			}
			if len(blocks) > 0 {
				conversation = append(conversation, brtypes.Message{Role: brtypes.ConversationRoleAssistant, Content: blocks})
			}
		default:
			return nil, nil, &core.UsageError{Message: fmt.Sprintf("unsupported message role %q", msg.Role)}
		}
	}
	flush()
	if len(conversation) == 0 {
		return nil, nil, &core.UsageError{Message: "at least one user or assistant message is required"}
	}
	return conversation, system, nil
}

func encodeTools(defs []model.ToolDefinition, choice string) (*brtypes.ToolConfiguration, error) {
	if len(defs) == 0 {
		if choice == "" || choice == model.ToolChoiceAuto || choice == model.ToolChoiceNone {
			return nil, nil
		}
		return nil, &core.UsageError{Message: "tool choice is set but no tools are defined"}
	}
	tools := make([]brtypes.Tool, 0, len(defs))
	for _, def := range defs {
		schema := def.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		spec := brtypes.ToolSpecification{
			Name:        aws.String(def.Name),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: lazyDocument(schema)},
		}
		if def.Description != "" {
			spec.Description = aws.String(def.Description)
		}
		tools = append(tools, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	cfg := &brtypes.ToolConfiguration{Tools: tools}
	switch choice {
	case "", model.ToolChoiceAuto, model.ToolChoiceNone:
		// Bedrock has no "none" mode; the tools stay declared so earlier
		// tool_use blocks in the transcript remain valid.
	case model.ToolChoiceRequired:
		cfg.ToolChoice = &brtypes.ToolChoiceMemberAny{Value: brtypes.AnyToolChoice{}}
	default:
		cfg.ToolChoice = &brtypes.ToolChoiceMemberTool{Value: brtypes.SpecificToolChoice{Name: aws.String(choice)}}
	}
	return cfg, nil
}

func translateResponse(output *bedrockruntime.ConverseOutput) (core.Message, error) {
	if output == nil {
		return core.Message{}, errors.New("bedrock: response is nil")
	}
	msg := core.Message{Role: core.RoleAssistant}
	if out, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range out.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				msg.Content += v.Value
			case *brtypes.ContentBlockMemberToolUse:
				id, name := aws.ToString(v.Value.ToolUseId), aws.ToString(v.Value.Name)
				raw := decodeDocument(v.Value.Input)
				args, err := model.ParseArgs(raw)
				if err != nil || args == nil {
					reason := "tool input is not an object"
					if err != nil {
						reason = err.Error()
					}
					msg.InvalidToolCalls = append(msg.InvalidToolCalls, core.InvalidToolCall{ID: id, Name: name, Args: raw, Error: reason})
					continue
				}
				msg.ToolCalls = append(msg.ToolCalls, core.ToolCall{ID: id, Name: name, Args: args})
			}
		}
	}
	msg.Usage = convertUsage(output.Usage)
	return msg, nil
}

// handleStreaming maps ConverseStream events to partial chunks. The content
// block index becomes the tool call chunk index.
func (m *Model) handleStreaming(ctx context.Context, parts *requestParts, out chan<- model.Response, errCh chan<- error) {
	resp, err := m.runtime.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(m.opts.Model),
		Messages:        parts.messages,
		System:          parts.system,
		ToolConfig:      parts.toolConfig,
		InferenceConfig: parts.inference,
	})
	if err != nil {
		errCh <- fmt.Errorf("bedrock converse_stream: %w", err)
		return
	}
	stream := resp.GetStream()
	if stream == nil {
		errCh <- errors.New("bedrock: stream output missing event stream")
		return
	}
	defer func() { _ = stream.Close() }()

	var (
		acc    core.MessageChunk
		reason string
	)
	emit := func(chunk core.MessageChunk) error {
		merged, _ := acc.Concat(chunk)
		acc = merged.(core.MessageChunk)
		select {
		case out <- model.Response{Partial: true, Chunk: chunk}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	events := stream.Events()
	for {
		var (
			event brtypes.ConverseStreamOutput
			ok    bool
		)
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
			return
		case event, ok = <-events:
		}
		if !ok {
			break
		}
		var err error
		switch ev := event.(type) {
		case *brtypes.ConverseStreamOutputMemberContentBlockStart:
			if toolUse, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
				err = emit(core.MessageChunk{
					Role: core.RoleAssistant,
					ToolCallChunks: []core.ToolCallChunk{{
						Index: int(aws.ToInt32(ev.Value.ContentBlockIndex)),
						ID:    aws.ToString(toolUse.Value.ToolUseId),
						Name:  aws.ToString(toolUse.Value.Name),
					}},
				})
			}
		case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
			switch delta := ev.Value.Delta.(type) {
			case *brtypes.ContentBlockDeltaMemberText:
				if delta.Value != "" {
					err = emit(core.MessageChunk{Role: core.RoleAssistant, Content: delta.Value})
				}
			case *brtypes.ContentBlockDeltaMemberToolUse:
				if frag := aws.ToString(delta.Value.Input); frag != "" {
					err = emit(core.MessageChunk{ToolCallChunks: []core.ToolCallChunk{{
						Index: int(aws.ToInt32(ev.Value.ContentBlockIndex)),
						Args:  frag,
					}}})
				}
			}
		case *brtypes.ConverseStreamOutputMemberMessageStop:
			reason = string(ev.Value.StopReason)
		case *brtypes.ConverseStreamOutputMemberMetadata:
			if usage := convertUsage(ev.Value.Usage); usage != nil {
				err = emit(core.MessageChunk{Usage: usage})
			}
		}
		if err != nil {
			errCh <- err
			return
		}
	}
	if err := stream.Err(); err != nil {
		errCh <- fmt.Errorf("bedrock streaming error: %w", err)
		return
	}
	select {
	case out <- model.Response{Message: acc.Message(), FinishReason: finishReason(reason)}:
	case <-ctx.Done():
		errCh <- ctx.Err()
	}
}

func convertUsage(u *brtypes.TokenUsage) *core.Usage {
	if u == nil {
		return nil
	}
	usage := &core.Usage{
		InputTokens:  int(aws.ToInt32(u.InputTokens)),
		OutputTokens: int(aws.ToInt32(u.OutputTokens)),
		TotalTokens:  int(aws.ToInt32(u.TotalTokens)),
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}
	if usage.TotalTokens == 0 {
		return nil
	}
	return usage
}

func finishReason(stop string) string {
	switch stop {
	case "", string(brtypes.StopReasonEndTurn), string(brtypes.StopReasonStopSequence):
		return "stop"
	case string(brtypes.StopReasonToolUse):
		return "tool_calls"
	case string(brtypes.StopReasonMaxTokens):
		return "length"
	default:
		return stop
	}
}

func decodeDocument(doc document.Interface) string {
	if doc == nil {
		return ""
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil {
		return ""
	}
	return string(data)
}

func lazyDocument(v any) document.Interface {
	return document.NewLazyDocument(&v)
}

// Info returns metadata describing this Bedrock model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          m.opts.Model,
		Provider:      "bedrock",
		SupportsTools: true,
	}
}
