package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/chainmesh/config"
)

func TestParsePipeline(t *testing.T) {
	p, err := ParsePipeline([]byte(`
config:
  run_name: summarize
  timeout: 5s
model:
  name: tiny
  temperature: 0.1
  rate_limit: 5
prompt:
  user: "{text}"
`))
	require.NoError(t, err)
	assert.Equal(t, "fake", p.Model.Provider)
	require.NotNil(t, p.Model.Temperature)
	assert.InDelta(t, 0.1, *p.Model.Temperature, 1e-9)

	chain, cfg, err := p.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "summarize", cfg.RunName)
	assert.Equal(t, 5*time.Second, cfg.Timeout)

	out, err := chain.Invoke(context.Background(), map[string]any{"text": "ping"}, config.WithConfig(cfg))
	require.NoError(t, err)
	assert.Equal(t, "ping", out)
}

func TestParsePipeline_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "no user prompt", yaml: "model: {provider: fake}", wantErr: "prompt.user is required"},
		{name: "bad yaml", yaml: "prompt: [", wantErr: "parse pipeline"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePipeline([]byte(tt.yaml))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestPipeline_BuildErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "unknown provider", yaml: "model: {provider: nope}\nprompt: {user: x}", wantErr: `unknown model provider "nope"`},
		{name: "unknown parser", yaml: "prompt: {user: x}\nparser: xml", wantErr: `unknown parser "xml"`},
		{name: "bad ttl", yaml: "prompt: {user: x}\ncache: {redis: 'localhost:6379', ttl: soon}", wantErr: "cache.ttl"},
		{name: "bad timeout", yaml: "prompt: {user: x}\nconfig: {timeout: later}", wantErr: "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParsePipeline([]byte(tt.yaml))
			require.NoError(t, err)
			_, _, err = p.Build(context.Background())
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestPipeline_MemoryCache(t *testing.T) {
	p, err := ParsePipeline([]byte(`
model:
  provider: fake
  responses: [first]
cache: {}
prompt:
  user: "{q}"
`))
	require.NoError(t, err)
	chain, cfg, err := p.Build(context.Background())
	require.NoError(t, err)

	in := map[string]any{"q": "same"}
	out, err := chain.Invoke(context.Background(), in, config.WithConfig(cfg))
	require.NoError(t, err)
	assert.Equal(t, "first", out)

	// the script has one response, so a second model call would fail
	out, err = chain.Invoke(context.Background(), in, config.WithConfig(cfg))
	require.NoError(t, err)
	assert.Equal(t, "first", out)
}
