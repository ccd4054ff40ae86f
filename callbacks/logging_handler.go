package callbacks

import (
	"context"

	"github.com/hupe1980/chainmesh/logging"
)

// LoggingHandler writes one structured log line per run transition.
type LoggingHandler struct {
	BaseHandler
	logger logging.Logger
	// LogChunks enables a debug line per streamed chunk.
	LogChunks bool
}

// NewLoggingHandler returns a handler that logs through l.
func NewLoggingHandler(l logging.Logger) *LoggingHandler {
	return &LoggingHandler{logger: logging.OrNoOp(l)}
}

// OnRunStart implements Handler.
func (h *LoggingHandler) OnRunStart(_ context.Context, run Run) error {
	h.logger.Debug(
		"run.start",
		"run_id", run.ID,
		"parent_run_id", run.ParentRunID,
		"kind", string(run.Kind),
		"name", run.Name,
		"tags", run.Tags,
	)
	return nil
}

// OnRunChunk implements Handler.
func (h *LoggingHandler) OnRunChunk(_ context.Context, run Run, _ any) error {
	if h.LogChunks {
		h.logger.Debug("run.chunk", "run_id", run.ID, "name", run.Name)
	}
	return nil
}

// OnRunEnd implements Handler.
func (h *LoggingHandler) OnRunEnd(_ context.Context, run Run) error {
	h.logger.Info(
		"run.end",
		"run_id", run.ID,
		"kind", string(run.Kind),
		"name", run.Name,
		"duration_ms", run.Duration().Milliseconds(),
	)
	return nil
}

// OnRunError implements Handler.
func (h *LoggingHandler) OnRunError(_ context.Context, run Run) error {
	h.logger.Error(
		"run.error",
		"run_id", run.ID,
		"kind", string(run.Kind),
		"name", run.Name,
		"duration_ms", run.Duration().Milliseconds(),
		"error", errString(run.Error),
	)
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
