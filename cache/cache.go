// Package cache stores model results keyed by prompt and model parameters.
//
// Lookups and updates are independent operations. Two concurrent identical
// requests may both miss, both call the model and both write; the last write
// wins. Callers that need single-flight semantics must add it themselves.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/hupe1980/chainmesh/core"
)

// Cache is the result cache consulted by chat models before generation.
type Cache interface {
	// Lookup returns the cached message for prompt under llmKey.
	Lookup(ctx context.Context, prompt, llmKey string) (core.Message, bool, error)
	// Update stores msg for prompt under llmKey, replacing any prior value.
	Update(ctx context.Context, prompt, llmKey string, msg core.Message) error
}

// Key derives a fixed-length cache key from prompt and llmKey.
func Key(prompt, llmKey string) string {
	h := sha256.New()
	h.Write([]byte(llmKey))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	return hex.EncodeToString(h.Sum(nil))
}

// InMemory is a process-local Cache.
type InMemory struct {
	mu      sync.RWMutex
	entries map[string]core.Message
	maxSize int
	order   []string
}

// InMemoryOptions configure an InMemory cache.
type InMemoryOptions struct {
	// MaxSize bounds the number of entries; the oldest entry is evicted
	// first. Zero means unbounded.
	MaxSize int
}

// NewInMemory returns an empty InMemory cache.
func NewInMemory(optFns ...func(o *InMemoryOptions)) *InMemory {
	opts := InMemoryOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &InMemory{entries: make(map[string]core.Message), maxSize: opts.MaxSize}
}

// Lookup implements Cache.
func (c *InMemory) Lookup(_ context.Context, prompt, llmKey string) (core.Message, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msg, ok := c.entries[Key(prompt, llmKey)]
	if !ok {
		return core.Message{}, false, nil
	}
	return msg.Clone(), true, nil
}

// Update implements Cache.
func (c *InMemory) Update(_ context.Context, prompt, llmKey string, msg core.Message) error {
	key := Key(prompt, llmKey)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = msg.Clone()
	for c.maxSize > 0 && len(c.order) > c.maxSize {
		delete(c.entries, c.order[0])
		c.order = c.order[1:]
	}
	return nil
}

// Len returns the number of cached entries.
func (c *InMemory) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear drops every entry.
func (c *InMemory) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]core.Message)
	c.order = nil
}
