package agent

import (
	"context"

	"github.com/hupe1980/chainmesh/config"
	"github.com/hupe1980/chainmesh/core"
	"github.com/hupe1980/chainmesh/model"
	"github.com/hupe1980/chainmesh/tool"
)

// Hook is a lifecycle hook. It returns the update to merge into the state,
// or nil for no change.
type Hook func(ctx context.Context, state State) (*Update, error)

// ModelRequest is the model call a WrapModelCall middleware sees. Wrappers
// pass modified copies to next; the request itself is a value.
type ModelRequest struct {
	Model *model.ChatModel
	// SystemPrompt is sent as a leading system message when non-empty.
	SystemPrompt string
	// Messages is the conversation without the system prompt.
	Messages []core.Message
	// Tools are offered to the model.
	Tools []tool.Tool
	// ToolChoice constrains tool use; see the model.ToolChoice constants.
	ToolChoice string
	// State is a read-only view of the agent state.
	State State
	// Config is the config of the agent run's model step.
	Config config.Config
}

// ModelResponse is the result of a model call.
type ModelResponse struct {
	Message core.Message
	// StructuredResponse is set by the structured extraction call.
	StructuredResponse any
}

// ModelHandler performs a model call.
type ModelHandler func(ctx context.Context, req ModelRequest) (ModelResponse, error)

// ModelWrapper intercepts a model call. It may rewrite the request, call
// next several times or not at all, and post-process the response.
type ModelWrapper func(ctx context.Context, req ModelRequest, next ModelHandler) (ModelResponse, error)

// Middleware extends the agent loop. Every field is optional.
type Middleware struct {
	// Name identifies the middleware; names must be unique per agent.
	Name string
	// StateFields declares state values with their defaults. Defaults are
	// applied when the caller did not supply the key.
	StateFields map[string]any
	// Tools are registered with the agent in addition to its own tools.
	Tools []tool.Tool

	BeforeAgent Hook
	BeforeModel Hook
	AfterModel  Hook
	AfterAgent  Hook

	WrapModelCall ModelWrapper
	WrapToolCall  tool.CallWrapper
}

func chainModel(base ModelHandler, wrappers []ModelWrapper) ModelHandler {
	h := base
	for i := len(wrappers) - 1; i >= 0; i-- {
		w, next := wrappers[i], h
		h = func(ctx context.Context, req ModelRequest) (ModelResponse, error) {
			return w(ctx, req, next)
		}
	}
	return h
}
