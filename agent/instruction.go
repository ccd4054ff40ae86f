package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/chainmesh/internal/util"
)

// Provider supplies dynamic instruction text at runtime, derived from the
// agent state.
type Provider interface {
	Instruction(ctx context.Context, state State) (string, error)
}

// Func is a functional adapter to allow ordinary functions to be used as Providers.
type Func func(ctx context.Context, state State) (string, error)

// Instruction implements Provider.
func (f Func) Instruction(ctx context.Context, state State) (string, error) { return f(ctx, state) }

// Instruction is the system prompt of an agent: either static text or a
// dynamic provider. Static text containing "{{" is a text/template
// rendered against the state values on every model call.
type Instruction struct {
	text     string
	provider Provider
}

// NewInstructionFromText creates an Instruction from a static string.
func NewInstructionFromText(text string) Instruction { return Instruction{text: text} }

// NewInstructionFromProvider creates an Instruction from a dynamic provider.
func NewInstructionFromProvider(p Provider) Instruction { return Instruction{provider: p} }

// NewInstructionFromFunc creates an Instruction from a function.
func NewInstructionFromFunc(f func(ctx context.Context, state State) (string, error)) Instruction {
	return Instruction{provider: Func(f)}
}

// IsStatic returns true if the instruction is backed by a static string.
func (i Instruction) IsStatic() bool { return i.provider == nil }

// IsZero reports whether no instruction was configured.
func (i Instruction) IsZero() bool { return i.provider == nil && i.text == "" }

// Resolve returns the instruction text, invoking the provider if needed.
func (i Instruction) Resolve(ctx context.Context, state State) (string, error) {
	if i.provider != nil {
		return i.provider.Instruction(ctx, state)
	}
	if !strings.Contains(i.text, "{{") {
		return i.text, nil
	}
	tmpl, err := util.ParseGoTemplate(i.text)
	if err != nil {
		return "", fmt.Errorf("failed to parse instruction: %w", err)
	}
	text, err := util.RenderTemplate(tmpl, state.Values)
	if err != nil {
		return "", fmt.Errorf("failed to render instruction: %w", err)
	}
	return text, nil
}
