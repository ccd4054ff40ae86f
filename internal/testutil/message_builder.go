package testutil

import (
	"github.com/hupe1980/chainmesh/core"
)

// MessageBuilder provides a fluent helper for constructing messages in tests.
// Example:
//
//	msg := NewMessageBuilder().Text("let me check").ToolCall("c1", "search", map[string]any{"q": "go"}).Build()
//
// Chain only the parts you need; the role defaults to assistant.
type MessageBuilder struct {
	id    string
	role  core.Role
	name  string
	text  string
	calls []core.ToolCall
	usage *core.Usage
}

// NewMessageBuilder creates a builder for an assistant message.
func NewMessageBuilder() *MessageBuilder { return &MessageBuilder{role: core.RoleAssistant} }

// ID sets the message id (chainable).
func (b *MessageBuilder) ID(id string) *MessageBuilder { b.id = id; return b }

// Role overrides the role (chainable).
func (b *MessageBuilder) Role(r core.Role) *MessageBuilder { b.role = r; return b }

// Name sets the author name (chainable).
func (b *MessageBuilder) Name(n string) *MessageBuilder { b.name = n; return b }

// Text appends text content (chainable).
func (b *MessageBuilder) Text(t string) *MessageBuilder { b.text += t; return b }

// ToolCall appends a tool call (chainable).
func (b *MessageBuilder) ToolCall(id, name string, args map[string]any) *MessageBuilder {
	if args == nil {
		args = map[string]any{}
	}
	b.calls = append(b.calls, core.ToolCall{ID: id, Name: name, Args: args})
	return b
}

// Usage sets token usage (chainable).
func (b *MessageBuilder) Usage(in, out int) *MessageBuilder {
	b.usage = &core.Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
	return b
}

// Build returns the message.
func (b *MessageBuilder) Build() core.Message {
	return core.Message{
		ID:        b.id,
		Role:      b.role,
		Name:      b.name,
		Content:   b.text,
		ToolCalls: append([]core.ToolCall(nil), b.calls...),
		Usage:     b.usage,
	}
}

// ToolCallMessage is shorthand for an assistant message requesting the given
// tools with empty arguments. Call ids are "call_<name>".
func ToolCallMessage(names ...string) core.Message {
	b := NewMessageBuilder()
	for _, n := range names {
		b.ToolCall("call_"+n, n, nil)
	}
	return b.Build()
}
