// Package tool implements tool calling: tools with schema validated
// arguments, a traced single-call runner and Node, which executes the tool
// calls of one model turn concurrently.
package tool

import (
	"context"
	"fmt"

	"github.com/hupe1980/chainmesh/model"
)

// Tool is a capability a model can call.
//
// Tool implementations should:
//   - Provide clear, descriptive names and descriptions
//   - Define a JSON schema for their arguments
//   - Be safe for concurrent use
type Tool interface {
	// Name returns the unique identifier for this tool.
	Name() string

	// Description is shown to the model to decide when to call the tool.
	Description() string

	// Parameters returns the JSON schema of the arguments object.
	Parameters() map[string]any

	// Call executes the tool with validated arguments. Information about the
	// originating call is available through CallInfoFrom(ctx).
	Call(ctx context.Context, args map[string]any) (any, error)
}

// ResponseFormat declares the shape of a tool's return value.
type ResponseFormat string

const (
	// ResponseContent means the whole return value is the message content.
	ResponseContent ResponseFormat = "content"
	// ResponseContentAndArtifact means the tool returns a ContentAndArtifact
	// (or a two element slice): the first part is shown to the model, the
	// second is carried as the message artifact.
	ResponseContentAndArtifact ResponseFormat = "content_and_artifact"
)

// ContentAndArtifact is the return value of a content_and_artifact tool.
type ContentAndArtifact struct {
	Content  any
	Artifact any
}

// Options are the per-tool execution settings.
type Options struct {
	// ReturnDirect stops an agent loop after this tool's result.
	ReturnDirect bool
	// ResponseFormat defaults to ResponseContent.
	ResponseFormat ResponseFormat
	// ErrorPolicy overrides the node-level policy for this tool when set.
	ErrorPolicy ErrorPolicy
	// Verbose adds the raw schema diagnostic to parsing errors.
	Verbose bool
}

// Configured is implemented by tools that carry Options.
type Configured interface {
	ToolOptions() Options
}

// OptionsOf returns t's Options, or the defaults.
func OptionsOf(t Tool) Options {
	var opts Options
	if c, ok := t.(Configured); ok {
		opts = c.ToolOptions()
	}
	if opts.ResponseFormat == "" {
		opts.ResponseFormat = ResponseContent
	}
	return opts
}

// Definition describes t for a model request.
func Definition(t Tool) model.ToolDefinition {
	params := t.Parameters()
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return model.ToolDefinition{Name: t.Name(), Description: t.Description(), Parameters: params}
}

// Definitions describes all tools.
func Definitions(tools []Tool) []model.ToolDefinition {
	out := make([]model.ToolDefinition, len(tools))
	for i, t := range tools {
		out[i] = Definition(t)
	}
	return out
}

// ParsingError reports arguments that do not match a tool's schema.
type ParsingError struct {
	Tool string
	// Summary is a short human readable description of the mismatch.
	Summary string
	// Args are the offending raw arguments.
	Args map[string]any
	// Diagnostic is the full validator output, set in verbose mode.
	Diagnostic string
}

func (e *ParsingError) Error() string {
	msg := fmt.Sprintf("tool input parsing error [%s]: %s", e.Tool, e.Summary)
	if e.Diagnostic != "" {
		msg += "\n" + e.Diagnostic
	}
	return msg
}

// ToolError is an execution error a tool returns to signal a failure with
// a category code. Its message becomes the error content of the result.
type ToolError struct {
	Tool    string `json:"tool"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}
