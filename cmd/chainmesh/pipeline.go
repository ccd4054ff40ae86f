package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/chainmesh/cache"
	"github.com/hupe1980/chainmesh/config"
	"github.com/hupe1980/chainmesh/core"
	"github.com/hupe1980/chainmesh/model"
	modelanthropic "github.com/hupe1980/chainmesh/model/anthropic"
	"github.com/hupe1980/chainmesh/model/bedrock"
	modelopenai "github.com/hupe1980/chainmesh/model/openai"
	"github.com/hupe1980/chainmesh/parser"
	"github.com/hupe1980/chainmesh/prompt"
	"github.com/hupe1980/chainmesh/runnable"
)

// Pipeline is the YAML description of a prompt | model | parser chain.
//
//	config:
//	  tags: [cli]
//	  timeout: 30s
//	model:
//	  provider: openai
//	  name: gpt-4o-mini
//	  temperature: 0.2
//	  rate_limit: 2
//	cache:
//	  redis: localhost:6379
//	  ttl: 1h
//	prompt:
//	  system: You are a terse assistant.
//	  user: "Summarize: {text}"
//	parser: string
type Pipeline struct {
	Config config.File    `yaml:"config"`
	Model  ModelSpec      `yaml:"model"`
	Cache  *CacheSpec     `yaml:"cache"`
	Prompt PromptSpec     `yaml:"prompt"`
	Parser string         `yaml:"parser"`
	Schema map[string]any `yaml:"schema"`
}

// ModelSpec selects and configures the chat model.
type ModelSpec struct {
	// Provider is one of openai, anthropic, bedrock or fake.
	Provider    string   `yaml:"provider"`
	Name        string   `yaml:"name"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
	Stop        []string `yaml:"stop"`
	// RateLimit is the allowed requests per second. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	// Responses scripts the fake provider. Empty echoes the last message.
	Responses []string `yaml:"responses"`
}

// CacheSpec enables the result cache. Memory is used unless Redis is set.
type CacheSpec struct {
	Redis  string `yaml:"redis"`
	Prefix string `yaml:"prefix"`
	TTL    string `yaml:"ttl"`
}

// PromptSpec holds the chat prompt messages in f-string format.
type PromptSpec struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
	// Format is f-string (default) or go-template.
	Format string `yaml:"format"`
}

// LoadPipeline reads a pipeline file.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	return ParsePipeline(data)
}

// ParsePipeline decodes a pipeline from YAML.
func ParsePipeline(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse pipeline: %w", err)
	}
	if p.Prompt.User == "" {
		return nil, fmt.Errorf("parse pipeline: prompt.user is required")
	}
	if p.Model.Provider == "" {
		p.Model.Provider = "fake"
	}
	return &p, nil
}

// Build assembles the runnable chain and the base config.
func (p *Pipeline) Build(ctx context.Context) (runnable.Runnable, config.Config, error) {
	cfg, err := p.Config.Config()
	if err != nil {
		return nil, config.Config{}, err
	}

	tmpl, err := p.prompt()
	if err != nil {
		return nil, config.Config{}, err
	}
	chat, err := p.chatModel(ctx)
	if err != nil {
		return nil, config.Config{}, err
	}
	out, err := p.parser()
	if err != nil {
		return nil, config.Config{}, err
	}
	return runnable.Pipe(tmpl, chat, out), cfg, nil
}

func (p *Pipeline) prompt() (*prompt.ChatPromptTemplate, error) {
	format := prompt.FormatFString
	if p.Prompt.Format != "" {
		format = prompt.Format(p.Prompt.Format)
	}
	withFormat := func(o *prompt.Options) { o.Format = format }

	var msgs []prompt.MessageTemplate
	if p.Prompt.System != "" {
		sys, err := prompt.RoleMessage(core.RoleSystem, p.Prompt.System, withFormat)
		if err != nil {
			return nil, fmt.Errorf("prompt.system: %w", err)
		}
		msgs = append(msgs, sys)
	}
	user, err := prompt.RoleMessage(core.RoleUser, p.Prompt.User, withFormat)
	if err != nil {
		return nil, fmt.Errorf("prompt.user: %w", err)
	}
	return prompt.NewChatPromptTemplate(append(msgs, user)...), nil
}

func (p *Pipeline) chatModel(ctx context.Context) (*model.ChatModel, error) {
	spec := p.Model
	var m model.Model
	switch strings.ToLower(spec.Provider) {
	case "fake":
		responses := make([]core.Message, 0, len(spec.Responses))
		for _, r := range spec.Responses {
			responses = append(responses, core.AssistantMessage(r))
		}
		fake := model.NewFakeModel(responses...)
		if spec.Name != "" {
			fake = fake.WithName(spec.Name)
		}
		m = fake
	case "openai":
		m = modelopenai.NewModel(func(o *modelopenai.Options) {
			if spec.Name != "" {
				o.Model = spec.Name
			}
			if spec.MaxTokens > 0 {
				o.MaxCompletionTokens = int64(spec.MaxTokens)
			}
		})
	case "anthropic":
		m = modelanthropic.NewModel(func(o *modelanthropic.Options) {
			if spec.Name != "" {
				o.Model = anthropic.Model(spec.Name)
			}
			if spec.MaxTokens > 0 {
				o.MaxTokens = int64(spec.MaxTokens)
			}
		})
	case "bedrock":
		br, err := bedrock.NewModelFromConfig(ctx, func(o *bedrock.Options) {
			if spec.Name != "" {
				o.Model = spec.Name
			}
			if spec.MaxTokens > 0 {
				o.MaxTokens = spec.MaxTokens
			}
		})
		if err != nil {
			return nil, err
		}
		m = br
	default:
		return nil, fmt.Errorf("unknown model provider %q", spec.Provider)
	}

	c, err := p.cache()
	if err != nil {
		return nil, err
	}
	return model.NewChatModel(m, func(o *model.ChatModelOptions) {
		o.Temperature = spec.Temperature
		o.MaxTokens = spec.MaxTokens
		o.Stop = spec.Stop
		o.Cache = c
		if spec.RateLimit > 0 {
			o.Limiter = model.NewLimiter(spec.RateLimit, 1)
		}
	}), nil
}

func (p *Pipeline) cache() (cache.Cache, error) {
	if p.Cache == nil {
		return nil, nil
	}
	if p.Cache.Redis == "" {
		return cache.NewInMemory(), nil
	}
	var ttl time.Duration
	if p.Cache.TTL != "" {
		d, err := time.ParseDuration(p.Cache.TTL)
		if err != nil {
			return nil, fmt.Errorf("cache.ttl: %w", err)
		}
		ttl = d
	}
	rdb := redis.NewClient(&redis.Options{Addr: p.Cache.Redis})
	return cache.NewRedis(rdb, func(o *cache.RedisOptions) {
		if p.Cache.Prefix != "" {
			o.Prefix = p.Cache.Prefix
		}
		o.TTL = ttl
	})
}

func (p *Pipeline) parser() (runnable.Runnable, error) {
	switch strings.ToLower(p.Parser) {
	case "", "string":
		return parser.NewStringParser(), nil
	case "json":
		return parser.NewJSONParser(func(o *parser.JSONOptions) { o.Schema = p.Schema })
	default:
		return nil, fmt.Errorf("unknown parser %q", p.Parser)
	}
}
