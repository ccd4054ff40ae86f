package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/hupe1980/chainmesh/core"
	"github.com/hupe1980/chainmesh/internal/schema"
)

// FunctionTool exposes a plain Go function as a Tool.
//
// Arguments are validated against the declared JSON schema before the
// function runs; a mismatch is a *ParsingError. A FunctionTool has no
// mutable state after construction and is safe for concurrent use.
type FunctionTool struct {
	name        string
	description string
	parameters  map[string]any
	fn          func(ctx context.Context, args map[string]any) (any, error)
	opts        Options

	once      sync.Once
	compiled  *jsonschema.Schema
	schemaErr error
}

// NewFunctionTool constructs a FunctionTool from an explicit schema and
// function.
//
// Example:
//
//	sumTool := NewFunctionTool(
//	  "calculate_sum",
//	  "Calculate the sum of two numbers",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "a": map[string]any{"type": "number"},
//	      "b": map[string]any{"type": "number"},
//	    },
//	    "required": []string{"a", "b"},
//	  },
//	  func(ctx context.Context, args map[string]any) (any, error) {
//	    return args["a"].(float64) + args["b"].(float64), nil
//	  },
//	)
func NewFunctionTool(
	name, description string,
	parameters map[string]any,
	fn func(ctx context.Context, args map[string]any) (any, error),
	optFns ...func(o *Options),
) *FunctionTool {
	opts := Options{ResponseFormat: ResponseContent}
	for _, f := range optFns {
		f(&opts)
	}
	return &FunctionTool{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
		opts:        opts,
	}
}

// NewTypedTool derives the argument schema from T and decodes validated
// arguments into a T before calling fn.
//
//	type SumArgs struct {
//	  A float64 `json:"a" jsonschema:"description=First addend"`
//	  B float64 `json:"b"`
//	}
//	sum, err := NewTypedTool("sum", "Add two numbers", func(ctx context.Context, a SumArgs) (any, error) {
//	  return a.A + a.B, nil
//	})
func NewTypedTool[T any](
	name, description string,
	fn func(ctx context.Context, args T) (any, error),
	optFns ...func(o *Options),
) (*FunctionTool, error) {
	params, err := schema.For[T]()
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	return NewFunctionTool(name, description, params, func(ctx context.Context, args map[string]any) (any, error) {
		var typed T
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &typed); err != nil {
			return nil, &ParsingError{Tool: name, Summary: err.Error(), Args: args}
		}
		return fn(ctx, typed)
	}, optFns...), nil
}

// Name returns the unique tool name.
func (t *FunctionTool) Name() string { return t.name }

// Description returns the description exposed to models.
func (t *FunctionTool) Description() string { return t.description }

// Parameters returns the JSON schema of the arguments.
func (t *FunctionTool) Parameters() map[string]any { return t.parameters }

// ToolOptions implements Configured.
func (t *FunctionTool) ToolOptions() Options { return t.opts }

// WithOptions returns a copy of t with modified options.
func (t *FunctionTool) WithOptions(optFns ...func(o *Options)) *FunctionTool {
	opts := t.opts
	for _, f := range optFns {
		f(&opts)
	}
	return NewFunctionTool(t.name, t.description, t.parameters, t.fn, func(o *Options) { *o = opts })
}

// Validate checks args against the schema.
func (t *FunctionTool) Validate(args map[string]any) error {
	if t.parameters == nil {
		return nil
	}
	t.once.Do(func() {
		t.compiled, t.schemaErr = schema.Compile(t.parameters)
	})
	if t.schemaErr != nil {
		return &core.UsageError{Message: fmt.Sprintf("tool %s has an invalid schema: %v", t.name, t.schemaErr)}
	}
	if err := schema.Validate(t.compiled, args); err != nil {
		perr := &ParsingError{Tool: t.name, Summary: schema.Summary(err), Args: args}
		if t.opts.Verbose {
			perr.Diagnostic = schema.Detail(err)
		}
		return perr
	}
	return nil
}

// Call validates args and invokes the function.
func (t *FunctionTool) Call(ctx context.Context, args map[string]any) (any, error) {
	if err := t.Validate(args); err != nil {
		return nil, err
	}
	return t.fn(ctx, args)
}
