// Package logging provides a minimal logging interface and adapters for chainmesh.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that runnables, tools, models and the agent loop use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - RunLogger wrapping Go's structured logging with run/component context
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	out, err := chain.Invoke(ctx, input, config.WithLogger(logger))
//
// Arguments after the message are alternating key/value pairs, mirroring slog.
package logging
