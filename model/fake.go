package model

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/chainmesh/callbacks"
	"github.com/hupe1980/chainmesh/config"
	"github.com/hupe1980/chainmesh/core"
	"github.com/hupe1980/chainmesh/runnable"
)

// FakeModel is an in-memory Model for tests and examples. It replays
// scripted assistant messages in order; without a script it echoes the
// text of the last request message. Streaming emits one chunk per rune and
// splits tool call arguments into two fragments.
type FakeModel struct {
	mu        sync.Mutex
	info      Info
	responses []core.Message
	next      int
	requests  []Request
	err       error
	delay     time.Duration
}

// NewFakeModel returns a FakeModel replaying responses.
func NewFakeModel(responses ...core.Message) *FakeModel {
	return &FakeModel{
		info:      Info{Name: "fake-model", Provider: "fake", SupportsTools: true},
		responses: responses,
	}
}

// WithName sets the reported model name.
func (m *FakeModel) WithName(name string) *FakeModel {
	m.info.Name = name
	return m
}

// WithError makes every call fail with err.
func (m *FakeModel) WithError(err error) *FakeModel {
	m.err = err
	return m
}

// WithDelay pauses before every emitted response.
func (m *FakeModel) WithDelay(d time.Duration) *FakeModel {
	m.delay = d
	return m
}

// Requests returns the requests received so far.
func (m *FakeModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// Calls returns the number of Generate calls.
func (m *FakeModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *FakeModel) respond(req Request) (core.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req.Clone())
	if m.err != nil {
		return core.Message{}, m.err
	}
	if len(m.responses) == 0 {
		if len(req.Messages) == 0 {
			return core.Message{}, fmt.Errorf("no messages provided")
		}
		return core.AssistantMessage(req.Messages[len(req.Messages)-1].Text()), nil
	}
	if m.next >= len(m.responses) {
		return core.Message{}, fmt.Errorf("fake model %s: script exhausted after %d responses", m.info.Name, len(m.responses))
	}
	msg := m.responses[m.next].Clone()
	m.next++
	if msg.Role == "" {
		msg.Role = core.RoleAssistant
	}
	if msg.ID == "" {
		msg.ID = core.NewID()
	}
	return msg, nil
}

// Generate implements Model.
func (m *FakeModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)

		msg, err := m.respond(req)
		if err != nil {
			errCh <- err
			return
		}
		emit := func(r Response) bool {
			if m.delay > 0 {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return false
				case <-time.After(m.delay):
				}
			}
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return false
			case respCh <- r:
				return true
			}
		}
		if req.Stream {
			for _, chunk := range splitMessage(msg) {
				if !emit(Response{Partial: true, Chunk: chunk}) {
					return
				}
			}
		}
		reason := "stop"
		if len(msg.ToolCalls) > 0 {
			reason = "tool_calls"
		}
		emit(Response{Message: msg, FinishReason: reason})
	}()
	return respCh, errCh
}

// Info implements Model.
func (m *FakeModel) Info() Info { return m.info }

func splitMessage(msg core.Message) []core.MessageChunk {
	var out []core.MessageChunk
	for _, r := range msg.Text() {
		out = append(out, core.MessageChunk{ID: msg.ID, Role: core.RoleAssistant, Content: string(r)})
	}
	for i, tc := range msg.ToolCalls {
		args := ArgsJSON(tc.Args)
		half := len(args) / 2
		out = append(out,
			core.MessageChunk{ID: msg.ID, ToolCallChunks: []core.ToolCallChunk{{Index: i, ID: tc.ID, Name: tc.Name, Args: args[:half]}}},
			core.MessageChunk{ID: msg.ID, ToolCallChunks: []core.ToolCallChunk{{Index: i, Args: args[half:]}}},
		)
	}
	if len(out) > 0 && msg.Usage != nil {
		out[len(out)-1].Usage = msg.Usage
	}
	return out
}

// FakeLLMOptions configure a FakeLLM.
type FakeLLMOptions struct {
	Name string
	// Responses are returned in order, cycling. Empty means echo the prompt.
	Responses []string
	// Sleep pauses between streamed characters.
	Sleep time.Duration
}

// FakeLLM is a text completion runnable for tests. It accepts a string,
// a core.PromptValue or messages, and returns a string. Stream yields one
// chunk per rune, so the concatenated stream equals the Invoke result.
type FakeLLM struct {
	opts FakeLLMOptions

	mu   sync.Mutex
	next int
}

// NewFakeLLM returns a FakeLLM.
func NewFakeLLM(optFns ...func(o *FakeLLMOptions)) *FakeLLM {
	opts := FakeLLMOptions{Name: "FakeLLM"}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &FakeLLM{opts: opts}
}

// Name implements runnable.Runnable.
func (l *FakeLLM) Name() string { return l.opts.Name }

func (l *FakeLLM) complete(input any) (string, error) {
	var prompt string
	switch v := input.(type) {
	case string:
		prompt = v
	case core.PromptValue:
		prompt = v.String()
	default:
		msgs, err := core.ToMessages(input)
		if err != nil {
			return "", err
		}
		prompt = core.BufferString(msgs)
	}
	if len(l.opts.Responses) == 0 {
		return prompt, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.opts.Responses[l.next%len(l.opts.Responses)]
	l.next++
	return out, nil
}

// Invoke implements runnable.Runnable.
func (l *FakeLLM) Invoke(ctx context.Context, input any, optFns ...config.Option) (any, error) {
	cfg := config.Ensure(optFns...)
	return runnable.InvokeWithRun(ctx, cfg, callbacks.KindLLM, l.Name(), input, func(context.Context, config.Config, *callbacks.RunManager) (any, error) {
		return l.complete(input)
	})
}

// Stream implements runnable.Streamer.
func (l *FakeLLM) Stream(ctx context.Context, input any, optFns ...config.Option) *runnable.Stream[any] {
	cfg := config.Ensure(optFns...)
	return runnable.StreamWithRun(ctx, cfg, callbacks.KindLLM, l.Name(), input, func(ctx context.Context, _ config.Config, _ *callbacks.RunManager, send func(any) error) error {
		text, err := l.complete(input)
		if err != nil {
			return err
		}
		for _, r := range text {
			if l.opts.Sleep > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(l.opts.Sleep):
				}
			}
			if err := send(string(r)); err != nil {
				return err
			}
		}
		return nil
	})
}
