package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hupe1980/chainmesh/callbacks"
	"github.com/hupe1980/chainmesh/config"
	"github.com/hupe1980/chainmesh/core"
	"github.com/hupe1980/chainmesh/runnable"
)

// Run executes one tool call inside a tool run and returns the normalized
// result message. Failures are returned as errors; error policies are the
// caller's concern.
func Run(ctx context.Context, t Tool, call core.ToolCall, optFns ...config.Option) (core.Message, error) {
	cfg := config.Ensure(optFns...)
	out, err := runnable.InvokeWithRun(ctx, cfg, callbacks.KindTool, t.Name(), call.Args, func(ctx context.Context, cfg config.Config, _ *callbacks.RunManager) (any, error) {
		start := time.Now()
		ctx = WithCallInfo(ctx, mergeCallInfo(ctx, call))
		args := call.Args
		if args == nil {
			args = map[string]any{}
		}
		result, err := t.Call(ctx, args)
		cfg.Log().Debug("tool.call.executed",
			"tool", t.Name(),
			"tool_call_id", call.ID,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err != nil,
		)
		if err != nil {
			return nil, err
		}
		return normalize(t, call, result)
	})
	if err != nil {
		return core.Message{}, err
	}
	return out.(core.Message), nil
}

func mergeCallInfo(ctx context.Context, call core.ToolCall) CallInfo {
	info, _ := CallInfoFrom(ctx)
	info.ID = call.ID
	info.Name = call.Name
	return info
}

// normalize turns a tool's return value into a tool message.
func normalize(t Tool, call core.ToolCall, result any) (core.Message, error) {
	if msg, ok := result.(core.Message); ok {
		msg = msg.Clone()
		msg.Role = core.RoleTool
		msg.ToolCallID = call.ID
		if msg.Name == "" {
			msg.Name = call.Name
		}
		if msg.Status == "" {
			msg.Status = core.ToolStatusSuccess
		}
		return msg, nil
	}

	var artifact any
	if OptionsOf(t).ResponseFormat == ResponseContentAndArtifact {
		switch v := result.(type) {
		case ContentAndArtifact:
			result, artifact = v.Content, v.Artifact
		case *ContentAndArtifact:
			result, artifact = v.Content, v.Artifact
		case []any:
			if len(v) != 2 {
				return core.Message{}, fmt.Errorf("tool %s: content_and_artifact response must have two elements, got %d", t.Name(), len(v))
			}
			result, artifact = v[0], v[1]
		default:
			return core.Message{}, fmt.Errorf("tool %s: content_and_artifact response must be a ContentAndArtifact, got %T", t.Name(), result)
		}
	}

	var msg core.Message
	if items, ok := result.([]any); ok {
		msg = core.ToolMessage(call.ID, call.Name, "")
		msg.Parts = contentParts(items)
	} else {
		msg = core.ToolMessage(call.ID, call.Name, Stringify(result))
	}
	msg.Artifact = artifact
	return msg, nil
}

// contentParts keeps a list result as one part per element. Parts pass
// through, everything else becomes a text part.
func contentParts(items []any) []core.Part {
	parts := make([]core.Part, 0, len(items))
	for _, it := range items {
		if p, ok := it.(core.Part); ok {
			parts = append(parts, p)
			continue
		}
		parts = append(parts, core.TextPart{Text: Stringify(it)})
	}
	return parts
}

// Stringify renders a tool result as message content. Strings pass
// through; other values are pretty-printed JSON where possible. Run keeps
// []any results as content parts instead.
func Stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case fmt.Stringer:
		return s.String()
	case error:
		return s.Error()
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}
