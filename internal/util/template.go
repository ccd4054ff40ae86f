package util

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"text/template/parse"
)

var funcs = template.FuncMap{
	"default": func(defaultVal any, val any) any {
		if val == nil || val == "" {
			return defaultVal
		}
		return val
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"title": func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(string(s[0])) + strings.ToLower(s[1:])
	},
	"join": func(sep string, items []any) string {
		strItems := make([]string, len(items))
		for i, item := range items {
			strItems[i] = fmt.Sprintf("%v", item)
		}
		return strings.Join(strItems, sep)
	},
}

// ParseGoTemplate parses text as a text/template with the prompt helper funcs.
// Missing keys are errors.
func ParseGoTemplate(text string) (*template.Template, error) {
	return template.New("prompt").Funcs(funcs).Option("missingkey=error").Parse(text)
}

// RenderTemplate executes a parsed template against values.
func RenderTemplate(tmpl *template.Template, values map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, values); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// TemplateVariables lists the top-level fields (".name") a template reads,
// sorted.
func TemplateVariables(tmpl *template.Template) []string {
	seen := map[string]struct{}{}
	var walk func(n parse.Node)
	walkPipe := func(p *parse.PipeNode) {
		if p == nil {
			return
		}
		for _, cmd := range p.Cmds {
			for _, arg := range cmd.Args {
				walk(arg)
			}
		}
	}
	walk = func(n parse.Node) {
		switch v := n.(type) {
		case *parse.ListNode:
			if v == nil {
				return
			}
			for _, c := range v.Nodes {
				walk(c)
			}
		case *parse.ActionNode:
			walkPipe(v.Pipe)
		case *parse.PipeNode:
			walkPipe(v)
		case *parse.FieldNode:
			if len(v.Ident) > 0 {
				seen[v.Ident[0]] = struct{}{}
			}
		case *parse.IfNode:
			walkPipe(v.Pipe)
			walk(v.List)
			walk(v.ElseList)
		case *parse.RangeNode:
			walkPipe(v.Pipe)
			walk(v.List)
			walk(v.ElseList)
		case *parse.WithNode:
			walkPipe(v.Pipe)
			walk(v.ElseList)
		}
	}
	if tmpl.Tree != nil {
		walk(tmpl.Root)
	}
	return sortedKeys(seen)
}

// Segment is one piece of a parsed f-string template: either literal text
// or a variable reference.
type Segment struct {
	Literal  string
	Variable string
}

// ParseFString splits an f-string style template. "{name}" is a variable;
// "{{" and "}}" are literal braces.
func ParseFString(text string) ([]Segment, error) {
	var (
		segs []Segment
		lit  strings.Builder
	)
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch c {
		case '{':
			if i+1 < len(text) && text[i+1] == '{' {
				lit.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(text[i+1:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unclosed '{' at offset %d", i)
			}
			name := strings.TrimSpace(text[i+1 : i+1+end])
			if name == "" || strings.ContainsAny(name, "{") {
				return nil, fmt.Errorf("invalid variable at offset %d", i)
			}
			if lit.Len() > 0 {
				segs = append(segs, Segment{Literal: lit.String()})
				lit.Reset()
			}
			segs = append(segs, Segment{Variable: name})
			i += end + 1
		case '}':
			if i+1 < len(text) && text[i+1] == '}' {
				lit.WriteByte('}')
				i++
				continue
			}
			return nil, fmt.Errorf("single '}' at offset %d", i)
		default:
			lit.WriteByte(c)
		}
	}
	if lit.Len() > 0 {
		segs = append(segs, Segment{Literal: lit.String()})
	}
	return segs, nil
}

// FStringVariables lists the distinct variables of parsed segments, sorted.
func FStringVariables(segs []Segment) []string {
	seen := map[string]struct{}{}
	for _, s := range segs {
		if s.Variable != "" {
			seen[s.Variable] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// RenderFString substitutes values into parsed segments. Callers check for
// missing variables first; a missing value renders as "<nil>".
func RenderFString(segs []Segment, values map[string]any) string {
	var b strings.Builder
	for _, s := range segs {
		if s.Variable == "" {
			b.WriteString(s.Literal)
			continue
		}
		b.WriteString(fmt.Sprint(values[s.Variable]))
	}
	return b.String()
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
