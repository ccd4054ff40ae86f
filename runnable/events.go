package runnable

import (
	"context"
	"slices"

	"github.com/hupe1980/chainmesh/callbacks"
	"github.com/hupe1980/chainmesh/config"
)

// Event names are "on_<kind>_<phase>", for example "on_chat_model_stream".
const (
	phaseStart  = "start"
	phaseStream = "stream"
	phaseEnd    = "end"
	phaseError  = "error"
)

// StreamEvent is one lifecycle notification of a run inside a streamed graph.
type StreamEvent struct {
	Event     string
	RunID     string
	Name      string
	Kind      callbacks.Kind
	ParentIDs []string
	Tags      []string
	Metadata  map[string]any
	Data      EventData
}

// EventData carries the payload of a StreamEvent. Only the fields relevant to
// the phase are set.
type EventData struct {
	Input  any
	Chunk  any
	Output any
	Error  error
}

// EventOptions configure StreamEvents. Include filters are combined with OR;
// an event must pass the include filters (if any) and match no exclude filter.
type EventOptions struct {
	Config       []config.Option
	IncludeNames []string
	IncludeKinds []callbacks.Kind
	IncludeTags  []string
	ExcludeNames []string
	ExcludeKinds []callbacks.Kind
	ExcludeTags  []string
}

func (o EventOptions) accept(run callbacks.Run) bool {
	include := len(o.IncludeNames) == 0 && len(o.IncludeKinds) == 0 && len(o.IncludeTags) == 0
	if slices.Contains(o.IncludeNames, run.Name) || slices.Contains(o.IncludeKinds, run.Kind) || anyTag(o.IncludeTags, run.Tags) {
		include = true
	}
	if !include {
		return false
	}
	return !slices.Contains(o.ExcludeNames, run.Name) && !slices.Contains(o.ExcludeKinds, run.Kind) && !anyTag(o.ExcludeTags, run.Tags)
}

func anyTag(want, have []string) bool {
	for _, t := range want {
		if slices.Contains(have, t) {
			return true
		}
	}
	return false
}

// StreamEvents streams r and yields the start, stream, end and error events
// of every run in the composed graph, including r's own run, in the order
// they occur.
func StreamEvents(ctx context.Context, r Runnable, input any, optFns ...func(o *EventOptions)) *Stream[StreamEvent] {
	opts := EventOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	return NewStream(ctx, func(ctx context.Context, send func(StreamEvent) error) error {
		h := &eventHandler{opts: opts, send: send}
		cfgOpts := append(append([]config.Option(nil), opts.Config...), config.WithCallbacks(h))
		s := StreamOf(ctx, r, input, cfgOpts...)
		for _, err := range s.All() {
			if err != nil {
				return err
			}
		}
		return nil
	})
}

type eventHandler struct {
	opts EventOptions
	send func(StreamEvent) error
}

func (h *eventHandler) emit(run callbacks.Run, phase string, data EventData) error {
	if !h.opts.accept(run) {
		return nil
	}
	return h.send(StreamEvent{
		Event:     "on_" + string(run.Kind) + "_" + phase,
		RunID:     run.ID,
		Name:      run.Name,
		Kind:      run.Kind,
		ParentIDs: run.ParentIDs,
		Tags:      run.Tags,
		Metadata:  run.Metadata,
		Data:      data,
	})
}

func (h *eventHandler) OnRunStart(_ context.Context, run callbacks.Run) error {
	return h.emit(run, phaseStart, EventData{Input: run.Inputs})
}

func (h *eventHandler) OnRunChunk(_ context.Context, run callbacks.Run, chunk any) error {
	return h.emit(run, phaseStream, EventData{Chunk: chunk})
}

func (h *eventHandler) OnRunEnd(_ context.Context, run callbacks.Run) error {
	return h.emit(run, phaseEnd, EventData{Input: run.Inputs, Output: run.Outputs})
}

func (h *eventHandler) OnRunError(_ context.Context, run callbacks.Run) error {
	return h.emit(run, phaseError, EventData{Input: run.Inputs, Error: run.Error})
}
