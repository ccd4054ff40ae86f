package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/chainmesh/callbacks"
)

// AssertPaired checks that every run recorded by c was finished exactly once.
func AssertPaired(t *testing.T, c *callbacks.Collector) {
	t.Helper()
	assert.Len(t, c.Runs(), len(c.Started()))
	assert.Empty(t, c.Unfinished())
	seen := map[string]int{}
	for _, r := range c.Runs() {
		seen[r.ID]++
	}
	for id, n := range seen {
		assert.Equalf(t, 1, n, "run %s finished %d times", id, n)
	}
}

// RunsOfKind returns the finished runs of kind k in completion order.
func RunsOfKind(c *callbacks.Collector, k callbacks.Kind) []callbacks.Run {
	var out []callbacks.Run
	for _, r := range c.Runs() {
		if r.Kind == k {
			out = append(out, r)
		}
	}
	return out
}
