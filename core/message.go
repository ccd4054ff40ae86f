package core

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolStatus marks a tool result message as successful or failed.
type ToolStatus string

const (
	ToolStatusSuccess ToolStatus = "success"
	ToolStatusError   ToolStatus = "error"
)

// ToolCall is a structured request for a tool invocation emitted by a model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// InvalidToolCall keeps a tool call whose arguments could not be decoded.
type InvalidToolCall struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Args  string `json:"args"`
	Error string `json:"error"`
}

// Usage reports token consumption for a model call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add returns the element-wise sum of u and o. Nil operands are treated as zero.
func (u *Usage) Add(o *Usage) *Usage {
	if u == nil && o == nil {
		return nil
	}
	var sum Usage
	if u != nil {
		sum = *u
	}
	if o != nil {
		sum.InputTokens += o.InputTokens
		sum.OutputTokens += o.OutputTokens
		sum.TotalTokens += o.TotalTokens
	}
	return &sum
}

// Message is one entry of a conversation. Fields irrelevant to a role stay zero:
// ToolCalls are set on assistant messages, ToolCallID/Status/Artifact on tool
// messages.
type Message struct {
	ID               string            `json:"id,omitempty"`
	Role             Role              `json:"role"`
	Name             string            `json:"name,omitempty"`
	Content          string            `json:"content,omitempty"`
	Parts            []Part            `json:"-"`
	ToolCalls        []ToolCall        `json:"tool_calls,omitempty"`
	InvalidToolCalls []InvalidToolCall `json:"invalid_tool_calls,omitempty"`
	ToolCallID       string            `json:"tool_call_id,omitempty"`
	Status           ToolStatus        `json:"status,omitempty"`
	Artifact         any               `json:"-"`
	ResponseMetadata map[string]any    `json:"response_metadata,omitempty"`
	Usage            *Usage            `json:"usage,omitempty"`
}

// SystemMessage builds a system message.
func SystemMessage(text string) Message { return Message{Role: RoleSystem, Content: text} }

// UserMessage builds a user message.
func UserMessage(text string) Message { return Message{Role: RoleUser, Content: text} }

// AssistantMessage builds an assistant message with optional tool calls.
func AssistantMessage(text string, calls ...ToolCall) Message {
	return Message{ID: NewID(), Role: RoleAssistant, Content: text, ToolCalls: calls}
}

// ToolMessage builds a successful tool result message.
func ToolMessage(callID, name, content string) Message {
	return Message{Role: RoleTool, ToolCallID: callID, Name: name, Content: content, Status: ToolStatusSuccess}
}

// ToolErrorMessage builds a failed tool result message.
func ToolErrorMessage(callID, name, content string) Message {
	return Message{Role: RoleTool, ToolCallID: callID, Name: name, Content: content, Status: ToolStatusError}
}

// Text returns Content followed by the text of all TextParts.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	b.WriteString(m.Content)
	for _, p := range m.Parts {
		if tp, ok := p.(TextPart); ok {
			b.WriteString(tp.Text)
		}
	}
	return b.String()
}

// HasToolCalls reports whether an assistant message requests tool execution.
func (m Message) HasToolCalls() bool { return m.Role == RoleAssistant && len(m.ToolCalls) > 0 }

// Clone returns a copy whose slices and maps can be modified independently.
func (m Message) Clone() Message {
	c := m
	c.Parts = append([]Part(nil), m.Parts...)
	if m.ToolCalls != nil {
		c.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			c.ToolCalls[i] = ToolCall{ID: tc.ID, Name: tc.Name, Args: cloneMap(tc.Args)}
		}
	}
	c.InvalidToolCalls = append([]InvalidToolCall(nil), m.InvalidToolCalls...)
	c.ResponseMetadata = cloneMap(m.ResponseMetadata)
	if m.Usage != nil {
		u := *m.Usage
		c.Usage = &u
	}
	return c
}

// NewID returns a new random identifier.
func NewID() string { return uuid.NewString() }

// ToMessages coerces the common model inputs into a message list. Accepted
// shapes are string, PromptValue, Message, []Message and []any of messages.
func ToMessages(input any) ([]Message, error) {
	switch v := input.(type) {
	case string:
		return []Message{UserMessage(v)}, nil
	case PromptValue:
		return v.ToMessages(), nil
	case *PromptValue:
		if v == nil {
			return nil, &UsageError{Message: "nil prompt value"}
		}
		return v.ToMessages(), nil
	case Message:
		return []Message{v}, nil
	case []Message:
		return v, nil
	case []any:
		msgs := make([]Message, 0, len(v))
		for i, item := range v {
			m, ok := item.(Message)
			if !ok {
				return nil, &UsageError{Message: fmt.Sprintf("element %d is %T, want core.Message", i, item)}
			}
			msgs = append(msgs, m)
		}
		return msgs, nil
	case map[string]any:
		if raw, ok := v["messages"]; ok {
			return ToMessages(raw)
		}
	}
	return nil, &UsageError{Message: fmt.Sprintf("cannot convert %T to messages", input)}
}

// BufferString renders messages as "Role: content" lines.
func BufferString(msgs []Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, fmt.Sprintf("%s: %s", roleLabel(m.Role), m.Text()))
	}
	return strings.Join(lines, "\n")
}

func roleLabel(r Role) string {
	switch r {
	case RoleSystem:
		return "System"
	case RoleUser:
		return "Human"
	case RoleAssistant:
		return "AI"
	case RoleTool:
		return "Tool"
	default:
		return string(r)
	}
}

// ToolCallChunk is a fragment of a streamed tool call. Fragments sharing an
// Index belong to the same call; Args accumulates partial JSON text.
type ToolCallChunk struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Args  string `json:"args,omitempty"`
}

// MessageChunk is one incremental piece of a streamed assistant message.
type MessageChunk struct {
	ID               string          `json:"id,omitempty"`
	Role             Role            `json:"role,omitempty"`
	Content          string          `json:"content,omitempty"`
	ToolCallChunks   []ToolCallChunk `json:"tool_call_chunks,omitempty"`
	ResponseMetadata map[string]any  `json:"response_metadata,omitempty"`
	Usage            *Usage          `json:"usage,omitempty"`
}

// Concat merges two message chunks. Text is appended, tool-call fragments are
// merged by index, metadata is shallow-merged with later values winning and
// usage is summed.
func (c MessageChunk) Concat(other Chunk) (Chunk, error) {
	o, ok := other.(MessageChunk)
	if !ok {
		if p, isPtr := other.(*MessageChunk); isPtr && p != nil {
			o = *p
		} else {
			return nil, &NotConcatenableError{Left: fmt.Sprintf("%T", c), Right: fmt.Sprintf("%T", other)}
		}
	}
	out := MessageChunk{
		ID:               firstNonEmpty(c.ID, o.ID),
		Role:             Role(firstNonEmpty(string(c.Role), string(o.Role))),
		Content:          c.Content + o.Content,
		ToolCallChunks:   mergeToolCallChunks(c.ToolCallChunks, o.ToolCallChunks),
		ResponseMetadata: mergeMaps(c.ResponseMetadata, o.ResponseMetadata),
		Usage:            c.Usage.Add(o.Usage),
	}
	return out, nil
}

// Message converts the accumulated chunk into a complete assistant message.
// Fragments whose arguments are not valid JSON become InvalidToolCalls.
func (c MessageChunk) Message() Message {
	m := Message{
		ID:               c.ID,
		Role:             RoleAssistant,
		Content:          c.Content,
		ResponseMetadata: cloneMap(c.ResponseMetadata),
		Usage:            c.Usage,
	}
	for _, tcc := range c.ToolCallChunks {
		args := map[string]any{}
		if strings.TrimSpace(tcc.Args) != "" {
			if err := json.Unmarshal([]byte(tcc.Args), &args); err != nil {
				m.InvalidToolCalls = append(m.InvalidToolCalls, InvalidToolCall{ID: tcc.ID, Name: tcc.Name, Args: tcc.Args, Error: err.Error()})
				continue
			}
		}
		m.ToolCalls = append(m.ToolCalls, ToolCall{ID: tcc.ID, Name: tcc.Name, Args: args})
	}
	return m
}

// ChunkFromMessage converts a complete message into a single chunk, encoding
// tool call arguments as JSON fragments.
func ChunkFromMessage(m Message) MessageChunk {
	c := MessageChunk{ID: m.ID, Role: m.Role, Content: m.Text(), ResponseMetadata: cloneMap(m.ResponseMetadata), Usage: m.Usage}
	for i, tc := range m.ToolCalls {
		raw, err := json.Marshal(tc.Args)
		if err != nil {
			raw = []byte("{}")
		}
		c.ToolCallChunks = append(c.ToolCallChunks, ToolCallChunk{Index: i, ID: tc.ID, Name: tc.Name, Args: string(raw)})
	}
	return c
}

func mergeToolCallChunks(left, right []ToolCallChunk) []ToolCallChunk {
	if len(right) == 0 {
		return append([]ToolCallChunk(nil), left...)
	}
	out := append([]ToolCallChunk(nil), left...)
	for _, r := range right {
		merged := false
		for i := range out {
			if out[i].Index == r.Index {
				out[i].ID = firstNonEmpty(out[i].ID, r.ID)
				out[i].Name = firstNonEmpty(out[i].Name, r.Name)
				out[i].Args += r.Args
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, r)
		}
	}
	return out
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func mergeMaps(a, b map[string]any) map[string]any {
	if a == nil && b == nil {
		return nil
	}
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
