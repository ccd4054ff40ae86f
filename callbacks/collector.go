package callbacks

import (
	"context"
	"sync"
)

// Collector is a Handler that records every finished run in memory. It is
// safe for concurrent use and is mostly useful in tests and debugging tools.
type Collector struct {
	mu      sync.Mutex
	started []Run
	runs    []Run
	chunks  map[string][]any
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector {
	return &Collector{chunks: map[string][]any{}}
}

// OnRunStart implements Handler.
func (c *Collector) OnRunStart(_ context.Context, run Run) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, run)
	return nil
}

// OnRunChunk implements Handler.
func (c *Collector) OnRunChunk(_ context.Context, run Run, chunk any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks[run.ID] = append(c.chunks[run.ID], chunk)
	return nil
}

// OnRunEnd implements Handler.
func (c *Collector) OnRunEnd(_ context.Context, run Run) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs = append(c.runs, run)
	return nil
}

// OnRunError implements Handler.
func (c *Collector) OnRunError(_ context.Context, run Run) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs = append(c.runs, run)
	return nil
}

// Started returns runs in the order they started.
func (c *Collector) Started() []Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Run(nil), c.started...)
}

// Runs returns finished runs in the order they finished.
func (c *Collector) Runs() []Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Run(nil), c.runs...)
}

// Chunks returns the chunks streamed by the run with the given id.
func (c *Collector) Chunks(runID string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.chunks[runID]...)
}

// Find returns the first finished run with the given name.
func (c *Collector) Find(name string) (Run, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.runs {
		if r.Name == name {
			return r, true
		}
	}
	return Run{}, false
}

// Unfinished returns the ids of started runs that never reached End or Error.
func (c *Collector) Unfinished() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	done := make(map[string]int, len(c.runs))
	for _, r := range c.runs {
		done[r.ID]++
	}
	var out []string
	for _, r := range c.started {
		if done[r.ID] == 0 {
			out = append(out, r.ID)
			continue
		}
		done[r.ID]--
	}
	return out
}

// Reset clears all recorded runs.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = nil
	c.runs = nil
	c.chunks = map[string][]any{}
}
