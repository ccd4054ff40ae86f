// Package parser turns model output into application values.
package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/hupe1980/chainmesh/callbacks"
	"github.com/hupe1980/chainmesh/config"
	"github.com/hupe1980/chainmesh/core"
	"github.com/hupe1980/chainmesh/internal/schema"
	"github.com/hupe1980/chainmesh/runnable"
)

// ParseError reports model output that could not be parsed. Output holds
// the raw text so a caller can feed it back to the model.
type ParseError struct {
	Output string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("output parser error: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Text extracts the text of a model output: a string, core.Message,
// core.MessageChunk or core.PromptValue.
func Text(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case core.Message:
		return t.Text(), nil
	case core.MessageChunk:
		return t.Content, nil
	case core.PromptValue:
		return t.String(), nil
	case nil:
		return "", nil
	}
	return "", &core.UsageError{Message: fmt.Sprintf("cannot parse %T as text", v)}
}

// StringParser returns the text of a model output. It streams: each input
// chunk yields its text immediately.
type StringParser struct{}

// NewStringParser returns a StringParser.
func NewStringParser() StringParser { return StringParser{} }

// Name implements runnable.Runnable.
func (StringParser) Name() string { return "StrOutputParser" }

// Invoke implements runnable.Runnable.
func (p StringParser) Invoke(ctx context.Context, input any, optFns ...config.Option) (any, error) {
	cfg := config.Ensure(optFns...)
	return runnable.InvokeWithRun(ctx, cfg, callbacks.KindParser, p.Name(), input, func(context.Context, config.Config, *callbacks.RunManager) (any, error) {
		return Text(input)
	})
}

// Stream implements runnable.Streamer.
func (p StringParser) Stream(ctx context.Context, input any, optFns ...config.Option) *runnable.Stream[any] {
	return p.Transform(ctx, runnable.FromSlice[any](ctx, input), optFns...)
}

// Transform implements runnable.Transformer.
func (p StringParser) Transform(ctx context.Context, in *runnable.Stream[any], optFns ...config.Option) *runnable.Stream[any] {
	cfg := config.Ensure(optFns...)
	return runnable.StreamWithRun(ctx, cfg, callbacks.KindParser, p.Name(), nil, func(_ context.Context, _ config.Config, _ *callbacks.RunManager, send func(any) error) error {
		defer in.Close()
		for chunk, err := range in.All() {
			if err != nil {
				return err
			}
			text, err := Text(chunk)
			if err != nil {
				return err
			}
			if text == "" {
				continue
			}
			if err := send(text); err != nil {
				return err
			}
		}
		return nil
	})
}

// JSONOptions configure a JSONParser.
type JSONOptions struct {
	// Schema, when set, is a JSON Schema the parsed value must satisfy.
	Schema map[string]any
}

// JSONParser decodes the text of a model output as JSON. Markdown code
// fences around the payload are stripped. Streaming input is buffered and
// parsed once at the end.
type JSONParser struct {
	schema *jsonschema.Schema
}

// NewJSONParser returns a JSONParser. An invalid schema is a UsageError.
func NewJSONParser(optFns ...func(o *JSONOptions)) (*JSONParser, error) {
	opts := JSONOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	p := &JSONParser{}
	if opts.Schema != nil {
		s, err := schema.Compile(opts.Schema)
		if err != nil {
			return nil, &core.UsageError{Message: err.Error()}
		}
		p.schema = s
	}
	return p, nil
}

// Name implements runnable.Runnable.
func (*JSONParser) Name() string { return "JsonOutputParser" }

// Parse decodes text.
func (p *JSONParser) Parse(text string) (any, error) {
	payload := stripFences(text)
	var out any
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return nil, &ParseError{Output: text, Err: fmt.Errorf("invalid json: %w", err)}
	}
	if p.schema != nil {
		if err := schema.Validate(p.schema, out); err != nil {
			return nil, &ParseError{Output: text, Err: fmt.Errorf("schema mismatch: %s", schema.Summary(err))}
		}
	}
	return out, nil
}

// Invoke implements runnable.Runnable.
func (p *JSONParser) Invoke(ctx context.Context, input any, optFns ...config.Option) (any, error) {
	cfg := config.Ensure(optFns...)
	return runnable.InvokeWithRun(ctx, cfg, callbacks.KindParser, p.Name(), input, func(context.Context, config.Config, *callbacks.RunManager) (any, error) {
		text, err := Text(input)
		if err != nil {
			return nil, err
		}
		return p.Parse(text)
	})
}

// Transform implements runnable.Transformer.
func (p *JSONParser) Transform(ctx context.Context, in *runnable.Stream[any], optFns ...config.Option) *runnable.Stream[any] {
	cfg := config.Ensure(optFns...)
	return runnable.StreamWithRun(ctx, cfg, callbacks.KindParser, p.Name(), nil, func(_ context.Context, _ config.Config, _ *callbacks.RunManager, send func(any) error) error {
		defer in.Close()
		var buf strings.Builder
		for chunk, err := range in.All() {
			if err != nil {
				return err
			}
			text, err := Text(chunk)
			if err != nil {
				return err
			}
			buf.WriteString(text)
		}
		out, err := p.Parse(buf.String())
		if err != nil {
			return err
		}
		return send(out)
	})
}

func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
