package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/chainmesh/config"
	"github.com/hupe1980/chainmesh/core"
	"github.com/hupe1980/chainmesh/internal/backoff"
	"github.com/hupe1980/chainmesh/model"
)

// ExitBehavior selects what a limit middleware does once a limit is hit.
type ExitBehavior string

const (
	// ExitEnd ends the loop with an explanatory assistant message.
	ExitEnd ExitBehavior = "end"
	// ExitError aborts the invocation with a limit error.
	ExitError ExitBehavior = "error"
	// ExitContinue blocks only the calls over the limit with error results
	// and lets the loop go on. Tool call limits only.
	ExitContinue ExitBehavior = "continue"
)

// State fields maintained by ModelCallLimit.
const (
	KeyThreadModelCalls = "thread_model_call_count"
	KeyRunModelCalls    = "run_model_call_count"
)

// ErrLimitExceeded is matched by the limit errors with errors.Is.
var ErrLimitExceeded = errors.New("limit exceeded")

// LimitError is returned by the limit middleware in ExitError mode.
type LimitError struct {
	What   string
	Thread int
	Run    int
	// ThreadLimit and RunLimit are zero when unlimited.
	ThreadLimit int
	RunLimit    int
}

func (e *LimitError) Error() string {
	return "limit error: " + limitText(e.What, e.Thread, e.Run, e.ThreadLimit, e.RunLimit)
}

// Is reports whether target is ErrLimitExceeded.
func (e *LimitError) Is(target error) bool { return target == ErrLimitExceeded }

func limitText(what string, thread, run, threadLimit, runLimit int) string {
	var parts []string
	if threadLimit > 0 && thread >= threadLimit {
		parts = append(parts, fmt.Sprintf("thread limit (%d/%d)", thread, threadLimit))
	}
	if runLimit > 0 && run >= runLimit {
		parts = append(parts, fmt.Sprintf("run limit (%d/%d)", run, runLimit))
	}
	return fmt.Sprintf("%s limits exceeded: %s", what, strings.Join(parts, ", "))
}

// ModelCallLimitOptions configures ModelCallLimit.
type ModelCallLimitOptions struct {
	// ThreadLimit caps model calls across invocations sharing a state.
	ThreadLimit int
	// RunLimit caps model calls within one invocation.
	RunLimit int
	// ExitBehavior is ExitEnd (default) or ExitError.
	ExitBehavior ExitBehavior
}

// ModelCallLimit stops the loop before a model call would exceed a limit.
// The thread count lives in the state and survives across invocations
// when the caller passes the previous final state back in.
func ModelCallLimit(optFns ...func(o *ModelCallLimitOptions)) Middleware {
	opts := ModelCallLimitOptions{ExitBehavior: ExitEnd}
	for _, fn := range optFns {
		fn(&opts)
	}
	exceeded := func(thread, run int) bool {
		return (opts.ThreadLimit > 0 && thread >= opts.ThreadLimit) || (opts.RunLimit > 0 && run >= opts.RunLimit)
	}
	return Middleware{
		Name:        "ModelCallLimit",
		StateFields: map[string]any{KeyThreadModelCalls: 0, KeyRunModelCalls: 0},
		BeforeAgent: func(context.Context, State) (*Update, error) {
			return &Update{Values: map[string]any{KeyRunModelCalls: 0}}, nil
		},
		BeforeModel: func(_ context.Context, s State) (*Update, error) {
			thread, run := s.Int(KeyThreadModelCalls), s.Int(KeyRunModelCalls)
			if !exceeded(thread, run) {
				return nil, nil
			}
			if opts.ExitBehavior == ExitError {
				return nil, &LimitError{What: "Model call", Thread: thread, Run: run, ThreadLimit: opts.ThreadLimit, RunLimit: opts.RunLimit}
			}
			text := limitText("Model call", thread, run, opts.ThreadLimit, opts.RunLimit)
			return &Update{Messages: []core.Message{core.AssistantMessage(text)}, JumpTo: JumpEnd}, nil
		},
		AfterModel: func(_ context.Context, s State) (*Update, error) {
			return &Update{Values: map[string]any{
				KeyThreadModelCalls: s.Int(KeyThreadModelCalls) + 1,
				KeyRunModelCalls:    s.Int(KeyRunModelCalls) + 1,
			}}, nil
		},
	}
}

// ToolCallLimitOptions configures ToolCallLimit.
type ToolCallLimitOptions struct {
	// ToolName restricts counting to one tool. Empty counts every tool.
	ToolName    string
	ThreadLimit int
	RunLimit    int
	// ExitBehavior is ExitContinue (default), ExitEnd or ExitError.
	ExitBehavior ExitBehavior
}

// ToolCallLimit caps tool calls. Counting happens when the model requests
// calls; calls over the limit are never executed.
func ToolCallLimit(optFns ...func(o *ToolCallLimitOptions)) Middleware {
	opts := ToolCallLimitOptions{ExitBehavior: ExitContinue}
	for _, fn := range optFns {
		fn(&opts)
	}
	suffix := "tool_call_count"
	name := "ToolCallLimit"
	what := "Tool call"
	if opts.ToolName != "" {
		suffix = opts.ToolName + "_" + suffix
		name += "[" + opts.ToolName + "]"
		what = fmt.Sprintf("Tool call (%s)", opts.ToolName)
	}
	threadKey, runKey := "thread_"+suffix, "run_"+suffix
	allowed := func(thread, run int) bool {
		return (opts.ThreadLimit <= 0 || thread < opts.ThreadLimit) && (opts.RunLimit <= 0 || run < opts.RunLimit)
	}

	return Middleware{
		Name:        name,
		StateFields: map[string]any{threadKey: 0, runKey: 0},
		BeforeAgent: func(context.Context, State) (*Update, error) {
			return &Update{Values: map[string]any{runKey: 0}}, nil
		},
		AfterModel: func(_ context.Context, s State) (*Update, error) {
			ai, ok := s.LastAI()
			if !ok || !ai.HasToolCalls() {
				return nil, nil
			}
			thread, run := s.Int(threadKey), s.Int(runKey)
			var blocked []core.Message
			for _, tc := range ai.ToolCalls {
				if opts.ToolName != "" && tc.Name != opts.ToolName {
					continue
				}
				if allowed(thread, run) {
					thread++
					run++
					continue
				}
				if opts.ExitBehavior == ExitError {
					return nil, &LimitError{What: what, Thread: thread, Run: run, ThreadLimit: opts.ThreadLimit, RunLimit: opts.RunLimit}
				}
				text := limitText(what, thread, run, opts.ThreadLimit, opts.RunLimit)
				blocked = append(blocked, core.ToolErrorMessage(tc.ID, tc.Name, text+". Do not call this tool again."))
			}
			u := &Update{Values: map[string]any{threadKey: thread, runKey: run}, Messages: blocked}
			if len(blocked) > 0 && opts.ExitBehavior == ExitEnd {
				for _, tc := range s.PendingToolCalls() {
					if !containsCall(blocked, tc.ID) {
						u.Messages = append(u.Messages, core.ToolErrorMessage(tc.ID, tc.Name, "Tool call skipped: the agent stopped."))
					}
				}
				u.Messages = append(u.Messages, core.AssistantMessage(limitText(what, thread, run, opts.ThreadLimit, opts.RunLimit)))
				u.JumpTo = JumpEnd
			}
			return u, nil
		},
	}
}

func containsCall(msgs []core.Message, id string) bool {
	for _, m := range msgs {
		if m.ToolCallID == id {
			return true
		}
	}
	return false
}

// ModelFallback retries a failed model call on each fallback model in turn.
// Cancellation is never retried.
func ModelFallback(fallbacks ...*model.ChatModel) Middleware {
	return Middleware{
		Name: "ModelFallback",
		WrapModelCall: func(ctx context.Context, req ModelRequest, next ModelHandler) (ModelResponse, error) {
			resp, err := next(ctx, req)
			if err == nil || core.IsCancellation(err) {
				return resp, err
			}
			errs := []error{err}
			for _, fb := range fallbacks {
				req.Config.Log().Warn("agent.model.fallback", "from", req.Model.Name(), "to", fb.Name(), "error", err.Error())
				req.Model = fb
				resp, err = next(ctx, req)
				if err == nil || core.IsCancellation(err) {
					return resp, err
				}
				errs = append(errs, err)
			}
			return ModelResponse{}, errors.Join(errs...)
		},
	}
}

// ModelRetryOptions configures ModelRetry.
type ModelRetryOptions struct {
	// MaxRetries is the number of retries after the first attempt. Default 2.
	MaxRetries int
	// RetryOn decides whether an error is retried. Defaults to every
	// error except cancellation and usage errors.
	RetryOn func(err error) bool
	// InitialDelay and MaxDelay bound the exponential backoff. Defaults
	// 200ms and 5s.
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// ModelRetry retries failed model calls on the same model, backing off
// between attempts.
func ModelRetry(optFns ...func(o *ModelRetryOptions)) Middleware {
	opts := ModelRetryOptions{MaxRetries: 2, InitialDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.RetryOn == nil {
		opts.RetryOn = func(err error) bool {
			return !core.IsCancellation(err) && !errors.Is(err, core.ErrUsage)
		}
	}
	return Middleware{
		Name: "ModelRetry",
		WrapModelCall: func(ctx context.Context, req ModelRequest, next ModelHandler) (ModelResponse, error) {
			return retryModel(ctx, req, next, opts, req.Config)
		},
	}
}

func retryModel(ctx context.Context, req ModelRequest, next ModelHandler, opts ModelRetryOptions, cfg config.Config) (ModelResponse, error) {
	var err error
	for attempt := 1; attempt <= opts.MaxRetries+1; attempt++ {
		var resp ModelResponse
		resp, err = next(ctx, req)
		if err == nil || !opts.RetryOn(err) {
			return resp, err
		}
		if attempt > opts.MaxRetries {
			break
		}
		cfg.Log().Debug("agent.model.retry", "model", req.Model.Name(), "attempt", attempt, "error", err.Error())
		policy := backoff.DefaultPolicy()
		policy.Initial, policy.Max = opts.InitialDelay, opts.MaxDelay
		if err := backoff.Sleep(ctx, backoff.Compute(policy, attempt)); err != nil {
			return ModelResponse{}, err
		}
	}
	return ModelResponse{}, err
}
