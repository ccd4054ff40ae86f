// Package core provides the foundational value types shared by every
// chainmesh package:
//
//   - Messages (system, user, assistant, tool) and their streaming chunks
//   - Tool calls and index-addressed tool-call fragments
//   - Chunk concatenation used to fold a stream back into a single value
//   - Prompt values produced by prompt templates
//   - Error kinds (not implemented, not concatenable, not found, usage,
//     recursion limit, recovered panics) matched with errors.Is / errors.As
//
// The package has no dependencies on the execution machinery so adapters,
// tools and runnables can all depend on it.
package core
