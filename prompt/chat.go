package prompt

import (
	"context"
	"fmt"

	"github.com/hupe1980/chainmesh/callbacks"
	"github.com/hupe1980/chainmesh/config"
	"github.com/hupe1980/chainmesh/core"
	"github.com/hupe1980/chainmesh/runnable"
)

// MessageTemplate is one entry of a ChatPromptTemplate.
type MessageTemplate interface {
	// FormatMessages renders the entry. It may produce zero or more messages.
	FormatMessages(values map[string]any) ([]core.Message, error)
	// InputVariables lists the variables the entry reads.
	InputVariables() []string
}

type roleTemplate struct {
	role core.Role
	tmpl *PromptTemplate
}

func (r roleTemplate) FormatMessages(values map[string]any) ([]core.Message, error) {
	text, err := r.tmpl.Format(values)
	if err != nil {
		return nil, err
	}
	return []core.Message{{Role: r.role, Content: text}}, nil
}

func (r roleTemplate) InputVariables() []string { return r.tmpl.InputVariables() }

// RoleMessage returns a template rendering one message with the given role.
func RoleMessage(role core.Role, text string, optFns ...func(o *Options)) (MessageTemplate, error) {
	tmpl, err := NewPromptTemplate(text, optFns...)
	if err != nil {
		return nil, err
	}
	return roleTemplate{role: role, tmpl: tmpl}, nil
}

// System renders a system message. It panics on a malformed template.
func System(text string) MessageTemplate { return mustRole(core.RoleSystem, text) }

// User renders a user message. It panics on a malformed template.
func User(text string) MessageTemplate { return mustRole(core.RoleUser, text) }

// Assistant renders an assistant message. It panics on a malformed template.
func Assistant(text string) MessageTemplate { return mustRole(core.RoleAssistant, text) }

func mustRole(role core.Role, text string) MessageTemplate {
	t, err := RoleMessage(role, text)
	if err != nil {
		panic(err)
	}
	return t
}

// Static inserts a fixed message verbatim.
type Static struct {
	Message core.Message
}

// FormatMessages implements MessageTemplate.
func (s Static) FormatMessages(map[string]any) ([]core.Message, error) {
	return []core.Message{s.Message.Clone()}, nil
}

// InputVariables implements MessageTemplate.
func (Static) InputVariables() []string { return nil }

// MessagesPlaceholder inserts the message list stored under Name. The value
// may be anything core.ToMessages accepts.
type MessagesPlaceholder struct {
	Name string
	// Optional placeholders render nothing when the variable is absent.
	Optional bool
}

// Placeholder returns a required MessagesPlaceholder.
func Placeholder(name string) MessagesPlaceholder { return MessagesPlaceholder{Name: name} }

// FormatMessages implements MessageTemplate.
func (p MessagesPlaceholder) FormatMessages(values map[string]any) ([]core.Message, error) {
	v, ok := values[p.Name]
	if !ok || v == nil {
		if p.Optional {
			return nil, nil
		}
		return nil, &core.UsageError{Message: fmt.Sprintf("missing messages placeholder %q", p.Name)}
	}
	msgs, err := core.ToMessages(v)
	if err != nil {
		return nil, fmt.Errorf("messages placeholder %q: %w", p.Name, err)
	}
	out := make([]core.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out, nil
}

// InputVariables implements MessageTemplate.
func (p MessagesPlaceholder) InputVariables() []string {
	if p.Optional {
		return nil
	}
	return []string{p.Name}
}

// ChatPromptTemplate renders a message list from named variables. Invoke
// accepts the same inputs as PromptTemplate and returns a chat
// core.PromptValue.
type ChatPromptTemplate struct {
	name     string
	messages []MessageTemplate
}

// NewChatPromptTemplate builds a chat template from message templates.
func NewChatPromptTemplate(messages ...MessageTemplate) *ChatPromptTemplate {
	return &ChatPromptTemplate{name: "ChatPromptTemplate", messages: messages}
}

// WithName sets the traced run name.
func (c *ChatPromptTemplate) WithName(name string) *ChatPromptTemplate {
	cp := *c
	cp.name = name
	return &cp
}

// Name implements runnable.Runnable.
func (c *ChatPromptTemplate) Name() string { return c.name }

// InputVariables lists the variables of all entries.
func (c *ChatPromptTemplate) InputVariables() []string {
	lists := make([][]string, len(c.messages))
	for i, m := range c.messages {
		lists[i] = m.InputVariables()
	}
	return union(lists...)
}

// FormatMessages renders every entry in order.
func (c *ChatPromptTemplate) FormatMessages(values map[string]any) ([]core.Message, error) {
	var out []core.Message
	for _, m := range c.messages {
		msgs, err := m.FormatMessages(values)
		if err != nil {
			return nil, err
		}
		out = append(out, msgs...)
	}
	return out, nil
}

// FormatPrompt renders the template as a chat PromptValue.
func (c *ChatPromptTemplate) FormatPrompt(values map[string]any) (core.PromptValue, error) {
	msgs, err := c.FormatMessages(values)
	if err != nil {
		return core.PromptValue{}, err
	}
	return core.NewChatPromptValue(msgs), nil
}

// Invoke implements runnable.Runnable.
func (c *ChatPromptTemplate) Invoke(ctx context.Context, input any, optFns ...config.Option) (any, error) {
	cfg := config.Ensure(optFns...)
	return runnable.InvokeWithRun(ctx, cfg, callbacks.KindPrompt, c.Name(), input, func(context.Context, config.Config, *callbacks.RunManager) (any, error) {
		values, err := coerceValues(input, c.InputVariables())
		if err != nil {
			return nil, err
		}
		return c.FormatPrompt(values)
	})
}
