package prompt

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"text/template"

	"github.com/hupe1980/chainmesh/callbacks"
	"github.com/hupe1980/chainmesh/config"
	"github.com/hupe1980/chainmesh/core"
	"github.com/hupe1980/chainmesh/internal/util"
	"github.com/hupe1980/chainmesh/runnable"
)

// Format selects the template syntax.
type Format string

const (
	// FormatFString uses "{name}" placeholders with "{{" and "}}" escapes.
	FormatFString Format = "f-string"
	// FormatGoTemplate uses text/template syntax ("{{ .name }}").
	FormatGoTemplate Format = "go-template"
)

// Options configure a PromptTemplate.
type Options struct {
	// Format defaults to FormatFString.
	Format Format
	// Partials are fixed values merged under the call-time values. A value
	// may be a func() string, evaluated at format time.
	Partials map[string]any
	// Name is the traced run name. Defaults to "PromptTemplate".
	Name string
}

// PromptTemplate renders a string prompt from named variables.
//
// Invoke accepts a map[string]any of variables. When the template has
// exactly one input variable, any other value is bound to that variable.
// The output is a core.PromptValue.
type PromptTemplate struct {
	text      string
	opts      Options
	segments  []util.Segment
	tmpl      *template.Template
	variables []string
}

// NewPromptTemplate parses text. A malformed template is a UsageError.
func NewPromptTemplate(text string, optFns ...func(o *Options)) (*PromptTemplate, error) {
	opts := Options{Format: FormatFString, Name: "PromptTemplate"}
	for _, fn := range optFns {
		fn(&opts)
	}
	p := &PromptTemplate{text: text, opts: opts}
	switch opts.Format {
	case FormatFString:
		segs, err := util.ParseFString(text)
		if err != nil {
			return nil, &core.UsageError{Message: fmt.Sprintf("invalid prompt template: %v", err)}
		}
		p.segments = segs
		p.variables = util.FStringVariables(segs)
	case FormatGoTemplate:
		tmpl, err := util.ParseGoTemplate(text)
		if err != nil {
			return nil, &core.UsageError{Message: fmt.Sprintf("invalid prompt template: %v", err)}
		}
		p.tmpl = tmpl
		p.variables = util.TemplateVariables(tmpl)
	default:
		return nil, &core.UsageError{Message: fmt.Sprintf("unknown template format %q", opts.Format)}
	}
	return p, nil
}

// MustPromptTemplate is like NewPromptTemplate but panics on error.
func MustPromptTemplate(text string, optFns ...func(o *Options)) *PromptTemplate {
	p, err := NewPromptTemplate(text, optFns...)
	if err != nil {
		panic(err)
	}
	return p
}

// Name implements runnable.Runnable.
func (p *PromptTemplate) Name() string { return p.opts.Name }

// Template returns the raw template text.
func (p *PromptTemplate) Template() string { return p.text }

// InputVariables returns the variables a caller must supply, excluding
// partials.
func (p *PromptTemplate) InputVariables() []string {
	return withoutPartials(p.variables, p.opts.Partials)
}

// Partial returns a copy of p with additional fixed values.
func (p *PromptTemplate) Partial(values map[string]any) *PromptTemplate {
	cp := *p
	cp.opts.Partials = maps.Clone(p.opts.Partials)
	if cp.opts.Partials == nil {
		cp.opts.Partials = map[string]any{}
	}
	maps.Copy(cp.opts.Partials, values)
	return &cp
}

// Format renders the template. Every input variable must be present.
func (p *PromptTemplate) Format(values map[string]any) (string, error) {
	all := mergePartials(p.opts.Partials, values)
	if missing := missingVariables(p.variables, all); len(missing) > 0 {
		return "", &core.UsageError{Message: fmt.Sprintf("missing variables %v for prompt template, expected %v", missing, p.variables)}
	}
	if p.tmpl != nil {
		out, err := util.RenderTemplate(p.tmpl, all)
		if err != nil {
			return "", fmt.Errorf("render prompt template: %w", err)
		}
		return out, nil
	}
	return util.RenderFString(p.segments, all), nil
}

// FormatPrompt renders the template as a string PromptValue.
func (p *PromptTemplate) FormatPrompt(values map[string]any) (core.PromptValue, error) {
	text, err := p.Format(values)
	if err != nil {
		return core.PromptValue{}, err
	}
	return core.NewStringPromptValue(text), nil
}

// Invoke implements runnable.Runnable.
func (p *PromptTemplate) Invoke(ctx context.Context, input any, optFns ...config.Option) (any, error) {
	cfg := config.Ensure(optFns...)
	return runnable.InvokeWithRun(ctx, cfg, callbacks.KindPrompt, p.Name(), input, func(context.Context, config.Config, *callbacks.RunManager) (any, error) {
		values, err := coerceValues(input, p.InputVariables())
		if err != nil {
			return nil, err
		}
		return p.FormatPrompt(values)
	})
}

func coerceValues(input any, vars []string) (map[string]any, error) {
	if m, ok := input.(map[string]any); ok {
		return m, nil
	}
	if len(vars) == 1 {
		return map[string]any{vars[0]: input}, nil
	}
	return nil, &core.UsageError{Message: fmt.Sprintf("prompt input must be map[string]any with keys %v, got %T", vars, input)}
}

func mergePartials(partials, values map[string]any) map[string]any {
	all := make(map[string]any, len(partials)+len(values))
	for k, v := range partials {
		if fn, ok := v.(func() string); ok {
			v = fn()
		}
		all[k] = v
	}
	maps.Copy(all, values)
	return all
}

func missingVariables(vars []string, values map[string]any) []string {
	var missing []string
	for _, v := range vars {
		if _, ok := values[v]; !ok {
			missing = append(missing, v)
		}
	}
	return missing
}

func withoutPartials(vars []string, partials map[string]any) []string {
	out := make([]string, 0, len(vars))
	for _, v := range vars {
		if _, ok := partials[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}

func union(lists ...[]string) []string {
	seen := map[string]struct{}{}
	for _, l := range lists {
		for _, v := range l {
			seen[v] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
