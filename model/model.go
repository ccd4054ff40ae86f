package model

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hupe1980/chainmesh/core"
)

// Tool choice values understood by every provider adapter. Any other value
// names a specific tool the model must call.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceNone     = "none"
	ToolChoiceRequired = "required"
)

// ToolDefinition declaratively exposes a callable function to the model.
// Parameters is a JSON Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request captures the normalized model input.
type Request struct {
	Messages    []core.Message   `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	ToolChoice  string           `json:"tool_choice,omitempty"`
	Stop        []string         `json:"stop,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
}

// Clone returns a copy of r whose slices can be modified independently.
func (r Request) Clone() Request {
	c := r
	c.Messages = append([]core.Message(nil), r.Messages...)
	c.Tools = append([]ToolDefinition(nil), r.Tools...)
	c.Stop = append([]string(nil), r.Stop...)
	return c
}

// Response is a partial or final result emitted by a model. Partial
// responses carry Chunk; the final response carries the complete Message.
type Response struct {
	Partial      bool              `json:"partial"`
	Chunk        core.MessageChunk `json:"chunk,omitempty"`
	Message      core.Message      `json:"message,omitempty"`
	FinishReason string            `json:"finish_reason"` // "stop", "length", "tool_calls", etc.
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "bedrock", "fake"
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the provider contract. Generate emits zero or more partial
// responses when req.Stream is set, then exactly one final response, unless
// it fails. Both channels are closed when generation is over.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// Collect drains a Generate call. onChunk, when non-nil, observes every
// partial chunk in order. The final message is returned; if the model only
// emitted partial chunks, their concatenation is returned instead.
func Collect(ctx context.Context, m Model, req Request, onChunk func(core.MessageChunk) error) (core.Message, error) {
	respCh, errCh := m.Generate(ctx, req)

	var (
		acc      core.MessageChunk
		final    *core.Message
		partials bool
	)
	for respCh != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return core.Message{}, ctx.Err()
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return core.Message{}, err
			}
		case resp, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if resp.Partial {
				partials = true
				merged, err := acc.Concat(resp.Chunk)
				if err != nil {
					return core.Message{}, err
				}
				acc = merged.(core.MessageChunk)
				if onChunk != nil {
					if err := onChunk(resp.Chunk); err != nil {
						return core.Message{}, err
					}
				}
				continue
			}
			msg := resp.Message
			if msg.Role == "" {
				msg.Role = core.RoleAssistant
			}
			if resp.FinishReason != "" {
				if msg.ResponseMetadata == nil {
					msg.ResponseMetadata = map[string]any{}
				}
				msg.ResponseMetadata["finish_reason"] = resp.FinishReason
			}
			final = &msg
		}
	}
	if final != nil {
		return *final, nil
	}
	if partials {
		return acc.Message(), nil
	}
	return core.Message{}, fmt.Errorf("model %s produced no response", m.Info().Name)
}

// Key identifies a request for caching. It covers the model identity and
// every request field that influences the output.
func Key(info Info, req Request) string {
	raw, err := json.Marshal(struct {
		Info        Info             `json:"info"`
		Tools       []ToolDefinition `json:"tools,omitempty"`
		ToolChoice  string           `json:"tool_choice,omitempty"`
		Stop        []string         `json:"stop,omitempty"`
		Temperature *float64         `json:"temperature,omitempty"`
		MaxTokens   int              `json:"max_tokens,omitempty"`
	}{info, req.Tools, req.ToolChoice, req.Stop, req.Temperature, req.MaxTokens})
	if err != nil {
		return info.Provider + ":" + info.Name
	}
	return string(raw)
}

// PromptKey serializes the request messages for caching.
func PromptKey(msgs []core.Message) string {
	raw, err := json.Marshal(msgs)
	if err != nil {
		return core.BufferString(msgs)
	}
	return string(raw)
}

// ArgsJSON encodes tool call arguments for providers that expect a string.
func ArgsJSON(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// ParseArgs decodes tool call arguments sent by a provider. Empty input
// yields an empty map.
func ParseArgs(raw string) (map[string]any, error) {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// SystemPrompt splits leading system messages from the conversation, for
// providers that take the system prompt out of band.
func SystemPrompt(msgs []core.Message) (string, []core.Message) {
	var parts []string
	rest := make([]core.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == core.RoleSystem {
			parts = append(parts, m.Text())
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(parts, "\n\n"), rest
}
