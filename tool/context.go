package tool

import (
	"context"

	"github.com/hupe1980/chainmesh/config"
	"github.com/hupe1980/chainmesh/logging"
)

// CallInfo describes the tool call being executed.
type CallInfo struct {
	// ID is the model-assigned tool call id.
	ID string
	// Name is the requested tool name.
	Name string
	// State is the caller's state (the agent state inside an agent loop).
	// Tools must treat it as read-only.
	State map[string]any
}

type callInfoKey struct{}

// WithCallInfo attaches info to ctx.
func WithCallInfo(ctx context.Context, info CallInfo) context.Context {
	return context.WithValue(ctx, callInfoKey{}, info)
}

// CallInfoFrom returns the call info attached to ctx.
func CallInfoFrom(ctx context.Context) (CallInfo, bool) {
	info, ok := ctx.Value(callInfoKey{}).(CallInfo)
	return info, ok
}

// Logger returns the logger of the enclosing run.
func Logger(ctx context.Context) logging.Logger {
	if cfg, ok := config.FromContext(ctx); ok {
		return cfg.Log()
	}
	return logging.NoOpLogger{}
}
