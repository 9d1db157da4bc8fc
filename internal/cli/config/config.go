// Package config reads and writes the rl CLI config: named contexts, each
// pointing at one control plane.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk file. CurrentContext names the context used when no
// --context flag is given.
type Config struct {
	CurrentContext string              `yaml:"currentContext"`
	Contexts       map[string]*Context `yaml:"contexts"`
}

// Context holds connection details for one control plane.
type Context struct {
	Server             string `yaml:"server"`
	TimeoutSeconds     int    `yaml:"timeoutSeconds,omitempty"`
	PollIntervalMillis int    `yaml:"pollIntervalMillis,omitempty"`
	TLS                bool   `yaml:"tls,omitempty"`
	// Compression is requested for tunnel channels ("" or "zstd").
	Compression string `yaml:"compression,omitempty"`
}

// Timeout returns the per-call timeout, or zero when unset.
func (c *Context) Timeout() time.Duration {
	if c == nil || c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PollInterval returns the lifecycle poll interval, or zero when unset.
func (c *Context) PollInterval() time.Duration {
	if c == nil || c.PollIntervalMillis <= 0 {
		return 0
	}
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

var (
	ErrContextNotFound = errors.New("context not found")
	ErrInvalidContext  = errors.New("invalid context")
)

// Load decodes the config file. A missing file yields (nil, nil).
func Load(path string) (*Config, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	expanded, err := expandPath(trimmed)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", expanded, err)
	}
	for name, ctx := range cfg.Contexts {
		if err := ctx.validate(); err != nil {
			return nil, fmt.Errorf("context %q: %w", name, err)
		}
	}
	return &cfg, nil
}

func (c *Context) validate() error {
	if c == nil {
		return fmt.Errorf("%w: empty", ErrInvalidContext)
	}
	if c.TimeoutSeconds < 0 || c.PollIntervalMillis < 0 {
		return fmt.Errorf("%w: negative durations", ErrInvalidContext)
	}
	switch c.Compression {
	case "", "zstd":
	default:
		return fmt.Errorf("%w: unknown compression %q", ErrInvalidContext, c.Compression)
	}
	return nil
}

// Save writes the config, creating parent directories. The file is private to
// the user.
func (c *Config) Save(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is required")
	}
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0o600)
}

// SetContext adds or replaces a context. The first context added becomes current.
func (c *Config) SetContext(name string, ctx *Context) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidContext)
	}
	if err := ctx.validate(); err != nil {
		return err
	}
	if c.Contexts == nil {
		c.Contexts = make(map[string]*Context)
	}
	c.Contexts[name] = ctx
	if c.CurrentContext == "" {
		c.CurrentContext = name
	}
	return nil
}

// UseContext switches the current context.
func (c *Config) UseContext(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("%w: %s", ErrContextNotFound, name)
	}
	c.CurrentContext = name
	return nil
}

// Names lists context names sorted.
func (c *Config) Names() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.Contexts))
	for name := range c.Contexts {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resolve picks a context by explicit name, falling back to CurrentContext.
// No config or no selection yields (nil, "", nil).
func (c *Config) Resolve(name string) (*Context, string, error) {
	if c == nil {
		return nil, "", nil
	}
	ctxName := strings.TrimSpace(name)
	if ctxName == "" {
		ctxName = c.CurrentContext
	}
	if ctxName == "" {
		return nil, "", nil
	}
	ctx, ok := c.Contexts[ctxName]
	if !ok {
		return nil, ctxName, fmt.Errorf("%w: %s", ErrContextNotFound, ctxName)
	}
	return ctx, ctxName, nil
}

func expandPath(path string) (string, error) {
	switch {
	case path == "~" || strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/")), nil
	case filepath.IsAbs(path):
		return path, nil
	default:
		return filepath.Abs(path)
	}
}
