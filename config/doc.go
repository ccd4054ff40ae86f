// Package config defines the per-call configuration threaded through every
// runnable invocation: tags, metadata, callbacks, run naming, recursion and
// concurrency limits.
//
// Build a config from options with Ensure, combine two with Merge, and derive
// a child step's config with Patch. Static fields can be loaded from YAML.
package config
