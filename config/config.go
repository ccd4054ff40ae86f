package config

import (
	"context"
	"time"

	"github.com/hupe1980/chainmesh/callbacks"
	"github.com/hupe1980/chainmesh/logging"
)

// DefaultRecursionLimit bounds nested delegation when no limit is configured.
const DefaultRecursionLimit = 25

// Config is the per-call options bag threaded through every runnable call.
//
// A Config is treated as immutable: Ensure, Merge and Patch always return a
// new value and never modify their arguments. Cancellation is not part of the
// config; it travels in the context.Context passed alongside it.
type Config struct {
	// Tags are inherited and appended at each nesting level.
	Tags []string
	// Metadata is shallow-merged with child values overriding parent values.
	Metadata map[string]any
	// Callbacks observes the runs started with this config.
	Callbacks *callbacks.Manager
	// RunName overrides the traced name of the next run.
	RunName string
	// RunID overrides the id of the next run. It is only honored for a
	// single invocation and is never inherited by child calls.
	RunID string
	// RecursionLimit caps nested delegation depth and agent steps.
	RecursionLimit int
	// MaxConcurrency bounds parallel fan-out. Zero means unbounded.
	MaxConcurrency int
	// Timeout is applied once at the next run boundary.
	Timeout time.Duration
	// Logger receives diagnostics of the framework itself.
	Logger logging.Logger
	// Params carries bound keyword arguments for the next runnable only.
	Params map[string]any
	// OmitSequenceTags suppresses the "seq:step:N" tags on sequence children.
	OmitSequenceTags bool
}

// Option mutates a Config.
type Option func(c *Config)

// Ensure returns a config built from optFns with non-nil tags and metadata.
// It never fails. Scalar fields stay unset so that a config passed on to a
// nested call does not override values bound further down; read them through
// Limit and Log.
func Ensure(optFns ...Option) Config {
	return fill(Apply(optFns...))
}

// Apply builds a config from optFns without filling defaults, so that the
// result can be used as the patch side of Merge.
func Apply(optFns ...Option) Config {
	c := Config{}
	for _, fn := range optFns {
		if fn != nil {
			fn(&c)
		}
	}
	return c
}

func fill(c Config) Config {
	if c.Tags == nil {
		c.Tags = []string{}
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	return c
}

// From returns an option that copies every field of cfg. It lets a fully
// built Config be passed where options are expected.
func From(cfg Config) Option {
	return func(c *Config) { *c = clone(cfg) }
}

// Options converts cfg back into an option list. The inverse of Ensure.
func (c Config) Options() []Option { return []Option{From(c)} }

// Limit returns the recursion limit, DefaultRecursionLimit when unset.
func (c Config) Limit() int {
	if c.RecursionLimit <= 0 {
		return DefaultRecursionLimit
	}
	return c.RecursionLimit
}

// Log returns the configured logger or a no-op logger.
func (c Config) Log() logging.Logger { return logging.OrNoOp(c.Logger) }

// Merge returns base overlaid with patch:
//   - tags are concatenated
//   - metadata is shallow-merged with patch winning
//   - callbacks of both are notified
//   - scalar fields set in patch override base
func Merge(base, patch Config) Config {
	out := clone(base)
	if len(patch.Tags) > 0 {
		out.Tags = append(out.Tags, patch.Tags...)
	}
	if len(patch.Metadata) > 0 {
		if out.Metadata == nil {
			out.Metadata = make(map[string]any, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			out.Metadata[k] = v
		}
	}
	switch {
	case out.Callbacks == nil:
		out.Callbacks = patch.Callbacks
	case patch.Callbacks != nil:
		out.Callbacks = out.Callbacks.Merge(patch.Callbacks)
	}
	if patch.RunName != "" {
		out.RunName = patch.RunName
	}
	if patch.RunID != "" {
		out.RunID = patch.RunID
	}
	if patch.RecursionLimit > 0 {
		out.RecursionLimit = patch.RecursionLimit
	}
	if patch.MaxConcurrency > 0 {
		out.MaxConcurrency = patch.MaxConcurrency
	}
	if patch.Timeout > 0 {
		out.Timeout = patch.Timeout
	}
	if patch.Logger != nil {
		out.Logger = patch.Logger
	}
	if len(patch.Params) > 0 {
		if out.Params == nil {
			out.Params = make(map[string]any, len(patch.Params))
		}
		for k, v := range patch.Params {
			out.Params[k] = v
		}
	}
	if patch.OmitSequenceTags {
		out.OmitSequenceTags = true
	}
	return out
}

// PatchOptions derive a child configuration in Patch.
type PatchOptions struct {
	// Callbacks replaces the callbacks of the parent config, typically with
	// the manager returned by RunManager.GetChild.
	Callbacks *callbacks.Manager
	// RecursionLimit overrides the parent limit when positive.
	RecursionLimit int
	// MaxConcurrency overrides the parent limit when positive.
	MaxConcurrency int
	// RunName names the child run.
	RunName string
}

// Patch derives the config for a child step. Fields that must not be reused
// by sibling calls (run id, timeout, bound params) are always stripped. When
// callbacks are replaced the run name is dropped as well, because it
// belonged to the parent run.
func Patch(cfg Config, opts PatchOptions) Config {
	out := clone(cfg)
	out.RunID = ""
	out.Timeout = 0
	out.Params = nil
	if opts.Callbacks != nil {
		out.Callbacks = opts.Callbacks
		out.RunName = ""
	}
	if opts.RecursionLimit > 0 {
		out.RecursionLimit = opts.RecursionLimit
	}
	if opts.MaxConcurrency > 0 {
		out.MaxConcurrency = opts.MaxConcurrency
	}
	if opts.RunName != "" {
		out.RunName = opts.RunName
	}
	return out
}

// RunIDs returns one config per fanned-out item. An explicit run id is kept
// for the first item only; the rest get none and a warning is logged.
func RunIDs(cfg Config, n int) []Config {
	out := make([]Config, n)
	for i := range out {
		out[i] = clone(cfg)
		if i > 0 {
			out[i].RunID = ""
		}
	}
	if cfg.RunID != "" && n > 1 {
		cfg.Log().Warn(
			"config.run_id.ignored",
			"run_id", cfg.RunID,
			"items", n,
			"reason", "run id applies to the first item of a batch only",
		)
	}
	return out
}

func clone(c Config) Config {
	out := c
	if c.Tags != nil {
		out.Tags = append(make([]string, 0, len(c.Tags)), c.Tags...)
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	if c.Params != nil {
		out.Params = make(map[string]any, len(c.Params))
		for k, v := range c.Params {
			out.Params[k] = v
		}
	}
	return out
}

type ctxKey struct{}

// NewContext returns a context carrying cfg so deeply nested code, such as a
// tool body, can recover the enclosing run's config without a parameter.
func NewContext(ctx context.Context, cfg Config) context.Context {
	return context.WithValue(ctx, ctxKey{}, cfg)
}

// FromContext returns the config stored by NewContext.
func FromContext(ctx context.Context) (Config, bool) {
	cfg, ok := ctx.Value(ctxKey{}).(Config)
	return cfg, ok
}
