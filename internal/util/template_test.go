package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFString(t *testing.T) {
	segs, err := ParseFString("Hi { name }, {{literal}} is {age}.")
	require.NoError(t, err)
	assert.Equal(t, []Segment{
		{Literal: "Hi "},
		{Variable: "name"},
		{Literal: ", {literal} is "},
		{Variable: "age"},
		{Literal: "."},
	}, segs)
	assert.Equal(t, []string{"age", "name"}, FStringVariables(segs))
	assert.Equal(t, "Hi Ada, {literal} is 36.", RenderFString(segs, map[string]any{"name": "Ada", "age": 36}))
}

func TestParseFString_Errors(t *testing.T) {
	for _, text := range []string{"{open", "close}", "empty {}", "{ }"} {
		t.Run(text, func(t *testing.T) {
			_, err := ParseFString(text)
			assert.Error(t, err)
		})
	}
}

func TestGoTemplate(t *testing.T) {
	tmpl, err := ParseGoTemplate(`{{title .name}}{{if .admin}} ({{upper .role}}){{end}}{{range .items}}.{{end}}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "items", "name", "role"}, TemplateVariables(tmpl))

	out, err := RenderTemplate(tmpl, map[string]any{"name": "aDA", "admin": true, "role": "ops", "items": []int{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, "Ada (OPS)..", out)

	_, err = RenderTemplate(tmpl, map[string]any{"name": "x"})
	assert.Error(t, err)
}
