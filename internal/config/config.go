// Package config handles loading, validating, and applying
// configuration for the forge build engine. Configuration is read from
// a YAML file and can be overridden by CLI flags.
package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/forge/internal/content"
	dockerexec "github.com/terrpan/forge/internal/executor/docker"
	"github.com/terrpan/forge/internal/worker"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Executor ExecutorConfig `yaml:"executor"`
	Pool     PoolConfig     `yaml:"pool"`
	GitHub   GitHubConfig   `yaml:"github"`
	Logging  LoggingConfig  `yaml:"logging"`
	OTel     OTelConfig     `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// Executor
// ---------------------------------------------------------------------------

// ExecutorConfig selects and configures the command backend.
type ExecutorConfig struct {
	// Type selects the backend: "local" or "docker". "local" still
	// switches to a container for builds whose privileged-requirement
	// scan demands one.
	Type string `yaml:"type"`

	// Docker holds container-backend settings.
	Docker DockerConfig `yaml:"docker"`
}

// DockerConfig holds Docker-specific executor settings.
type DockerConfig struct {
	// Image is the container image builds run in.
	// Default: "docker.io/library/debian:stable-slim".
	Image string `yaml:"image"`

	// ContainerRoot is where the project root is mounted.
	// Default: /workspace.
	ContainerRoot string `yaml:"container_root"`
}

// ---------------------------------------------------------------------------
// Worker pool & orphan recovery
// ---------------------------------------------------------------------------

// PoolConfig sizes the worker pool and the orphan-recovery sweep.
type PoolConfig struct {
	// Workers is the fixed pool size. Default: 2.
	Workers int64 `yaml:"workers"`

	// MaxRunningMinutes is how long a build may stay running before
	// the orphan sweep times it out. Default: 120.
	MaxRunningMinutes int `yaml:"max_running_minutes"`

	// MaxQueuedMinutes is the equivalent threshold for queued builds.
	// Default: 30.
	MaxQueuedMinutes int `yaml:"max_queued_minutes"`

	// SweepIntervalSeconds is the sweep period. Default: 60.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

// ---------------------------------------------------------------------------
// GitHub (remote build definitions)
// ---------------------------------------------------------------------------

// GitHubConfig configures the remote content provider used to resolve
// nested build scripts that live in a remote repository.
type GitHubConfig struct {
	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`
	// Token can stay empty for public repositories.
	Token string `yaml:"token"`
	// TokenPath reads the token from a file. Token wins if both are set.
	TokenPath string `yaml:"token_path"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error. Default: info.
	Level string `yaml:"level"`
	// Format: text, json. Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP push is active. Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export. Default: true.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout. Default: false.
	StdOut bool `yaml:"stdout"`

	// PrometheusPort, when > 0, serves /metrics on this port in serve
	// mode. Default: 0 (disabled).
	PrometheusPort int `yaml:"prometheus_port"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Executor.Type == "" {
		c.Executor.Type = "local"
	}
	if c.Executor.Docker.Image == "" {
		c.Executor.Docker.Image = "docker.io/library/debian:stable-slim"
	}
	if c.Executor.Docker.ContainerRoot == "" {
		c.Executor.Docker.ContainerRoot = dockerexec.DefaultContainerRoot
	}
	if c.Pool.Workers == 0 {
		c.Pool.Workers = 2
	}
	if c.Pool.MaxRunningMinutes == 0 {
		c.Pool.MaxRunningMinutes = 120
	}
	if c.Pool.MaxQueuedMinutes == 0 {
		c.Pool.MaxQueuedMinutes = 30
	}
	if c.Pool.SweepIntervalSeconds == 0 {
		c.Pool.SweepIntervalSeconds = 60
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if !c.OTel.Enabled && c.OTel.Endpoint == "" && !c.OTel.Insecure {
		c.OTel.Insecure = true
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	switch c.Executor.Type {
	case "local", "docker":
	default:
		return fmt.Errorf("executor.type %q is not supported (supported: local, docker)", c.Executor.Type)
	}

	if c.Pool.Workers < 1 {
		return fmt.Errorf("pool.workers must be at least 1")
	}
	if c.Pool.MaxRunningMinutes < 1 {
		return fmt.Errorf("pool.max_running_minutes must be at least 1")
	}
	if c.Pool.MaxQueuedMinutes < 1 {
		return fmt.Errorf("pool.max_queued_minutes must be at least 1")
	}

	if (c.GitHub.Owner == "") != (c.GitHub.Repo == "") {
		return fmt.Errorf("github.owner and github.repo must be set together")
	}

	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewDockerFactory returns the container-executor factory the worker
// pool uses to start one build container per containerized build.
func (c *Config) NewDockerFactory(logger *slog.Logger) worker.DockerFactory {
	docker := c.Executor.Docker
	return func(ctx context.Context, hostRoot string, privileged bool) (worker.ContainerExecutor, error) {
		return dockerexec.New(ctx, dockerexec.Config{
			Image:         docker.Image,
			HostRoot:      hostRoot,
			ContainerRoot: docker.ContainerRoot,
			Privileged:    privileged,
		}, logger.WithGroup("executor.docker"))
	}
}

// NewContentProvider returns the provider remote build definitions are
// read through: GitHub when configured, the local filesystem otherwise.
func (c *Config) NewContentProvider(ctx context.Context) (content.Provider, error) {
	if c.GitHub.Owner == "" {
		return content.Local{}, nil
	}

	token := c.GitHub.Token
	if token == "" && c.GitHub.TokenPath != "" {
		data, err := os.ReadFile(c.GitHub.TokenPath)
		if err != nil {
			return nil, fmt.Errorf("reading github token from %s: %w", c.GitHub.TokenPath, err)
		}
		token = strings.TrimSpace(string(data))
	}

	return content.NewGitHub(ctx, c.GitHub.Owner, c.GitHub.Repo, token), nil
}

// SweepThresholds returns the orphan-recovery durations.
func (c *Config) SweepThresholds() (maxRunning, maxQueued, interval time.Duration) {
	return time.Duration(c.Pool.MaxRunningMinutes) * time.Minute,
		time.Duration(c.Pool.MaxQueuedMinutes) * time.Minute,
		time.Duration(c.Pool.SweepIntervalSeconds) * time.Second
}
