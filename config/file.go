package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the YAML representation of the static parts of a Config.
//
//	tags: [nightly]
//	metadata:
//	  team: search
//	run_name: summarize
//	recursion_limit: 10
//	max_concurrency: 4
//	timeout: 30s
type File struct {
	Tags           []string       `yaml:"tags"`
	Metadata       map[string]any `yaml:"metadata"`
	RunName        string         `yaml:"run_name"`
	RecursionLimit int            `yaml:"recursion_limit"`
	MaxConcurrency int            `yaml:"max_concurrency"`
	Timeout        string         `yaml:"timeout"`
}

// Load reads a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML into a populated Config.
func Parse(data []byte) (Config, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return f.Config()
}

// Config converts the file representation into a populated Config.
func (f File) Config() (Config, error) {
	c := Config{
		Tags:           f.Tags,
		Metadata:       f.Metadata,
		RunName:        f.RunName,
		RecursionLimit: f.RecursionLimit,
		MaxConcurrency: f.MaxConcurrency,
	}
	if f.RecursionLimit < 0 {
		return Config{}, fmt.Errorf("parse config: recursion_limit must not be negative, got %d", f.RecursionLimit)
	}
	if f.MaxConcurrency < 0 {
		return Config{}, fmt.Errorf("parse config: max_concurrency must not be negative, got %d", f.MaxConcurrency)
	}
	if f.Timeout != "" {
		d, err := time.ParseDuration(f.Timeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse config: timeout: %w", err)
		}
		c.Timeout = d
	}
	return fill(c), nil
}
