package agent

import (
	"fmt"
	"maps"

	"github.com/hupe1980/chainmesh/core"
)

// State keys used when a State is converted to or from a map.
const (
	KeyMessages           = "messages"
	KeyStructuredResponse = "structured_response"
)

// State is the agent state threaded through the loop. Values hold the
// fields declared by middleware plus any caller supplied keys.
type State struct {
	Messages           []core.Message
	Values             map[string]any
	StructuredResponse any
}

// Clone returns a copy whose message list and values can be modified
// independently.
func (s State) Clone() State {
	c := s
	c.Messages = append([]core.Message(nil), s.Messages...)
	c.Values = maps.Clone(s.Values)
	if c.Values == nil {
		c.Values = map[string]any{}
	}
	return c
}

// LastAI returns the most recent assistant message.
func (s State) LastAI() (core.Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == core.RoleAssistant {
			return s.Messages[i], true
		}
	}
	return core.Message{}, false
}

// PendingToolCalls returns the tool calls of the last assistant message
// that have no tool result yet, in request order.
func (s State) PendingToolCalls() []core.ToolCall {
	idx := -1
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == core.RoleAssistant {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	answered := map[string]struct{}{}
	for _, m := range s.Messages[idx+1:] {
		if m.Role == core.RoleTool {
			answered[m.ToolCallID] = struct{}{}
		}
	}
	var pending []core.ToolCall
	for _, tc := range s.Messages[idx].ToolCalls {
		if _, ok := answered[tc.ID]; !ok {
			pending = append(pending, tc)
		}
	}
	return pending
}

// Int reads an integer value, returning 0 when unset.
func (s State) Int(key string) int {
	switch v := s.Values[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Map flattens the state: Values at the top level plus the messages and,
// when set, the structured response.
func (s State) Map() map[string]any {
	out := make(map[string]any, len(s.Values)+2)
	maps.Copy(out, s.Values)
	out[KeyMessages] = append([]core.Message(nil), s.Messages...)
	if s.StructuredResponse != nil {
		out[KeyStructuredResponse] = s.StructuredResponse
	}
	return out
}

// StateFrom coerces an agent input into a State. Accepted shapes are a
// State, a map with a "messages" key and extra values, and everything
// core.ToMessages understands.
func StateFrom(input any) (State, error) {
	switch v := input.(type) {
	case State:
		return v.Clone(), nil
	case *State:
		return v.Clone(), nil
	case map[string]any:
		s := State{Values: map[string]any{}}
		for k, val := range v {
			switch k {
			case KeyMessages:
				msgs, err := core.ToMessages(val)
				if err != nil {
					return State{}, fmt.Errorf("agent input %q: %w", k, err)
				}
				s.Messages = msgs
			case KeyStructuredResponse:
				s.StructuredResponse = val
			default:
				s.Values[k] = val
			}
		}
		return s, nil
	}
	msgs, err := core.ToMessages(input)
	if err != nil {
		return State{}, err
	}
	return State{Messages: msgs, Values: map[string]any{}}, nil
}

// Jump names the step the loop continues with.
type Jump string

const (
	// JumpModel continues with a model call.
	JumpModel Jump = "model"
	// JumpTools executes the pending tool calls.
	JumpTools Jump = "tools"
	// JumpEnd terminates the loop, running the AfterAgent hooks.
	JumpEnd Jump = "end"
)

func (j Jump) valid() bool {
	return j == JumpModel || j == JumpTools || j == JumpEnd
}

// Update is a partial state change returned by a hook.
type Update struct {
	// Messages are appended to the conversation.
	Messages []core.Message
	// Values are merged into the state key by key.
	Values map[string]any
	// JumpTo, when set, overrides the next step.
	JumpTo Jump
}

// apply returns s with u merged in. s is not modified.
func (s State) apply(u *Update) State {
	if u == nil {
		return s
	}
	next := s.Clone()
	next.Messages = append(next.Messages, u.Messages...)
	maps.Copy(next.Values, u.Values)
	return next
}
