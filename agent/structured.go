package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hupe1980/chainmesh/core"
	"github.com/hupe1980/chainmesh/internal/schema"
	"github.com/hupe1980/chainmesh/tool"
)

// ResponseFormat configures a structured final response. After the loop
// ends, one extraction call forces the model to call a tool whose schema is
// Schema; the validated arguments become State.StructuredResponse.
type ResponseFormat struct {
	Name        string
	Description string
	Schema      map[string]any
	// Retries is the number of extra extraction attempts after a response
	// fails validation. The validation error is fed back to the model.
	Retries int

	decode func(args map[string]any) (any, error)
}

// NewResponseFormat returns a format whose structured response is the raw
// argument map.
func NewResponseFormat(name, description string, schema map[string]any) ResponseFormat {
	return ResponseFormat{Name: name, Description: description, Schema: schema, Retries: 1}
}

// ResponseFormatFor derives the schema from T. The structured response is a T.
func ResponseFormatFor[T any](name, description string) (ResponseFormat, error) {
	s, err := schema.For[T]()
	if err != nil {
		return ResponseFormat{}, fmt.Errorf("response format %s: %w", name, err)
	}
	rf := NewResponseFormat(name, description, s)
	rf.decode = func(args map[string]any) (any, error) {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
	return rf, nil
}

func (rf ResponseFormat) tool() *tool.FunctionTool {
	return tool.NewFunctionTool(rf.Name, rf.Description, rf.Schema, func(_ context.Context, args map[string]any) (any, error) {
		return args, nil
	})
}

func (rf ResponseFormat) parse(t *tool.FunctionTool, msg core.Message) (any, error) {
	for _, tc := range msg.ToolCalls {
		if tc.Name != rf.Name {
			continue
		}
		if err := t.Validate(tc.Args); err != nil {
			return nil, err
		}
		if rf.decode == nil {
			return tc.Args, nil
		}
		return rf.decode(tc.Args)
	}
	return nil, fmt.Errorf("model did not call %s", rf.Name)
}

// StructuredOutputError is returned when no extraction attempt produced a
// valid structured response.
type StructuredOutputError struct {
	Format   string
	Attempts int
	Err      error
}

func (e *StructuredOutputError) Error() string {
	return fmt.Sprintf("structured output error [%s]: no valid response after %d attempts: %v", e.Format, e.Attempts, e.Err)
}

func (e *StructuredOutputError) Unwrap() error { return e.Err }

// extract runs the structured extraction call through the model wrappers.
func (a *Agent) extract(ctx context.Context, req ModelRequest) (any, error) {
	rf := a.opts.ResponseFormat
	t := rf.tool()
	req.Tools = []tool.Tool{t}
	req.ToolChoice = rf.Name

	msgs := append([]core.Message(nil), req.Messages...)
	var lastErr error
	attempts := rf.Retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		req.Messages = msgs
		resp, err := a.handler(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp.StructuredResponse != nil {
			return resp.StructuredResponse, nil
		}
		value, err := rf.parse(t, resp.Message)
		if err == nil {
			return value, nil
		}
		lastErr = err
		req.Config.Log().Debug("agent.structured.invalid", "agent", a.Name(), "format", rf.Name, "attempt", attempt, "error", err.Error())

		msgs = append(msgs, resp.Message)
		for _, tc := range resp.Message.ToolCalls {
			msgs = append(msgs, core.ToolErrorMessage(tc.ID, tc.Name, tool.DefaultErrorContent(err)))
		}
		if !resp.Message.HasToolCalls() {
			msgs = append(msgs, core.UserMessage(fmt.Sprintf("Error: %v\n Call %s to respond.", err, rf.Name)))
		}
	}
	return nil, &StructuredOutputError{Format: rf.Name, Attempts: attempts, Err: lastErr}
}
