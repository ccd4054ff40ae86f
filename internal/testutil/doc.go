// Package testutil contains helper builders and assertions shared by the
// package tests: a fluent builder for assistant messages with tool calls
// and checks for the run pairing guarantees of the callbacks package. It
// is not intended for production usage.
package testutil
