package tool

import (
	"errors"
	"fmt"

	"github.com/hupe1980/chainmesh/core"
)

// DefaultErrorSuffix is appended to error content by DefaultErrors.
const DefaultErrorSuffix = "Please fix your mistakes."

type policyMode int

const (
	policyUnset policyMode = iota
	policyPropagate
	policyDefault
	policyMessage
	policyFunc
)

// ErrorPolicy decides what happens when a tool call fails. The zero value
// is unset and defers to the enclosing policy.
type ErrorPolicy struct {
	mode policyMode
	msg  string
	fn   func(call core.ToolCall, err error) string
}

// PropagateErrors returns the failure to the caller, aborting the batch.
func PropagateErrors() ErrorPolicy { return ErrorPolicy{mode: policyPropagate} }

// DefaultErrors turns the failure into an error message made of the error
// text and DefaultErrorSuffix.
func DefaultErrors() ErrorPolicy { return ErrorPolicy{mode: policyDefault} }

// ErrorMessage turns every failure into the fixed content msg.
func ErrorMessage(msg string) ErrorPolicy { return ErrorPolicy{mode: policyMessage, msg: msg} }

// ErrorFunc turns a failure into the content returned by fn.
func ErrorFunc(fn func(call core.ToolCall, err error) string) ErrorPolicy {
	return ErrorPolicy{mode: policyFunc, fn: fn}
}

// IsSet reports whether p was configured.
func (p ErrorPolicy) IsSet() bool { return p.mode != policyUnset }

// Or returns p when set, otherwise fallback.
func (p ErrorPolicy) Or(fallback ErrorPolicy) ErrorPolicy {
	if p.IsSet() {
		return p
	}
	return fallback
}

// Handle applies the policy. It returns the error message for call, or err
// itself when the policy propagates. Cancellation always propagates.
func (p ErrorPolicy) Handle(call core.ToolCall, err error) (core.Message, error) {
	if core.IsCancellation(err) {
		return core.Message{}, err
	}
	var content string
	switch p.mode {
	case policyDefault:
		content = DefaultErrorContent(err)
	case policyMessage:
		content = p.msg
	case policyFunc:
		content = p.fn(call, err)
	default:
		return core.Message{}, err
	}
	return core.ToolErrorMessage(call.ID, call.Name, content), nil
}

// DefaultErrorContent renders err for the model.
func DefaultErrorContent(err error) string {
	return fmt.Sprintf("Error: %s\n %s", errorText(err), DefaultErrorSuffix)
}

func errorText(err error) string {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Message
	}
	return err.Error()
}
