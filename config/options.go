package config

import (
	"time"

	"github.com/hupe1980/chainmesh/callbacks"
	"github.com/hupe1980/chainmesh/logging"
)

// WithTags appends tags.
func WithTags(tags ...string) Option {
	return func(c *Config) { c.Tags = append(c.Tags, tags...) }
}

// WithMetadata shallow-merges md into the metadata.
func WithMetadata(md map[string]any) Option {
	return func(c *Config) {
		if c.Metadata == nil {
			c.Metadata = make(map[string]any, len(md))
		}
		for k, v := range md {
			c.Metadata[k] = v
		}
	}
}

// WithCallbacks registers inheritable handlers.
func WithCallbacks(handlers ...callbacks.Handler) Option {
	return func(c *Config) {
		m := c.Callbacks
		if m == nil {
			m = callbacks.NewManager()
		}
		for _, h := range handlers {
			m = m.AddHandler(h, true)
		}
		c.Callbacks = m
	}
}

// WithCallbackManager replaces the callback manager.
func WithCallbackManager(m *callbacks.Manager) Option {
	return func(c *Config) { c.Callbacks = m }
}

// WithRunName sets the traced name of the next run.
func WithRunName(name string) Option {
	return func(c *Config) { c.RunName = name }
}

// WithRunID sets the id of the next run.
func WithRunID(id string) Option {
	return func(c *Config) { c.RunID = id }
}

// WithRecursionLimit sets the nesting ceiling.
func WithRecursionLimit(n int) Option {
	return func(c *Config) { c.RecursionLimit = n }
}

// WithMaxConcurrency bounds parallel fan-out.
func WithMaxConcurrency(n int) Option {
	return func(c *Config) { c.MaxConcurrency = n }
}

// WithTimeout bounds the next run.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithLogger sets the diagnostics logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithParams binds keyword arguments for the next runnable.
func WithParams(params map[string]any) Option {
	return func(c *Config) {
		if c.Params == nil {
			c.Params = make(map[string]any, len(params))
		}
		for k, v := range params {
			c.Params[k] = v
		}
	}
}

// WithoutSequenceTags suppresses positional "seq:step:N" tags.
func WithoutSequenceTags() Option {
	return func(c *Config) { c.OmitSequenceTags = true }
}

// WithConfig merges cfg into the config being built.
func WithConfig(cfg Config) Option {
	return func(c *Config) { *c = Merge(*c, cfg) }
}
