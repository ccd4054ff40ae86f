// Package agent implements a tool-calling agent loop driven by middleware.
//
// An Agent alternates between a model call and the execution of the tool
// calls the model requested until the model answers without tool calls:
//
//	start -> model -> tools -> model -> ... -> [structured response] -> end
//
// Middleware plugs into this loop at fixed points:
//
//   - BeforeAgent / AfterAgent run once per invocation
//   - BeforeModel / AfterModel run around every model call
//   - WrapModelCall wraps the model call itself (retry, fallback, request rewriting)
//   - WrapToolCall wraps every tool call (dynamic tools, argument rewriting, error conversion)
//
// Lifecycle hooks return an *Update that the loop merges into the State.
// An Update may also carry a Jump that overrides the next step. Hooks never
// mutate the State they receive.
//
// Errors raised by hooks, wrappers or the model abort the invocation. Tool
// execution errors follow the tool error policy and usually become error
// result messages the model can react to.
package agent
