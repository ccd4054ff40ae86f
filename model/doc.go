// Package model defines the provider-agnostic model contract and the
// runnable wrappers built on it.
//
// Providers implement Model: Generate returns a response channel carrying
// partial chunks followed by one final message, plus an error channel.
// ChatModel adapts a Model to the runnable protocol with callbacks, result
// caching, tool binding and rate limiting. FakeModel and FakeLLM are
// deterministic stand-ins for tests and examples.
//
// Concrete adapters live in the openai, anthropic and bedrock subpackages.
package model
