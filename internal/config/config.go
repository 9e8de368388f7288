// Package config loads the coordinator configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"plan-coordinator/internal/rules"
)

// Backends selectable per collaborator.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendTemporal = "temporal"
)

type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// RequestTimeout bounds each request, collaborator calls included.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type TemporalConfig struct {
	HostPort         string        `yaml:"host_port"`
	Namespace        string        `yaml:"namespace"`
	TaskQueue        string        `yaml:"task_queue"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
	MachineID        uint16        `yaml:"machine_id"`
}

type DraftsConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type ResourcesConfig struct {
	Backend   string `yaml:"backend"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type ApprovalConfig struct {
	Engine string       `yaml:"engine"`
	Steps  []rules.Step `yaml:"steps"`
}

func (a ApprovalConfig) Policy() rules.Policy {
	if len(a.Steps) == 0 {
		return rules.DefaultPolicy()
	}
	return rules.Policy{Steps: a.Steps}
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Temporal  TemporalConfig  `yaml:"temporal"`
	Drafts    DraftsConfig    `yaml:"drafts"`
	Resources ResourcesConfig `yaml:"resources"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Log       LogConfig       `yaml:"log"`
}

func Default() Config {
	return Config{
		HTTP: HTTPConfig{Addr: ":8090", RequestTimeout: 10 * time.Second},
		Temporal: TemporalConfig{
			HostPort:  "localhost:7233",
			Namespace: "default",
			TaskQueue: "PLAN_APPROVAL_TASK_QUEUE",
		},
		Drafts:    DraftsConfig{Backend: BackendSQLite, Path: "plans.db"},
		Resources: ResourcesConfig{Backend: BackendRedis, Addr: "localhost:6379", KeyPrefix: "plans:"},
		Approval:  ApprovalConfig{Engine: BackendTemporal},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path skips the file; a missing file is only an error when the path
// was given explicitly.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOptional is Load for a default path that may not exist.
func LoadOptional(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return Load("")
	}
	return Load(path)
}

func (c *Config) applyEnv() {
	c.HTTP.Addr = getEnvDefault("PLANS_HTTP_ADDR", c.HTTP.Addr)
	c.Temporal.HostPort = getEnvDefault("TEMPORAL_HOSTPORT", c.Temporal.HostPort)
	c.Temporal.Namespace = getEnvDefault("TEMPORAL_NAMESPACE", c.Temporal.Namespace)
	c.Drafts.Path = getEnvDefault("PLANS_DRAFTS_PATH", c.Drafts.Path)
	c.Resources.Addr = getEnvDefault("REDIS_ADDR", c.Resources.Addr)
	c.Resources.Password = getEnvDefault("REDIS_PASSWORD", c.Resources.Password)
	c.Log.Level = getEnvDefault("PLANS_LOG_LEVEL", c.Log.Level)

	// PLANS_BACKEND=memory runs every collaborator in process.
	if getEnvDefault("PLANS_BACKEND", "") == BackendMemory {
		c.Drafts.Backend = BackendMemory
		c.Resources.Backend = BackendMemory
		c.Approval.Engine = BackendMemory
	}
}

func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	switch c.Drafts.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Drafts.Path == "" {
			return errors.New("drafts.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("drafts.backend: unknown backend %q", c.Drafts.Backend)
	}
	switch c.Resources.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("resources.backend: unknown backend %q", c.Resources.Backend)
	}
	switch c.Approval.Engine {
	case BackendMemory, BackendTemporal:
	default:
		return fmt.Errorf("approval.engine: unknown engine %q", c.Approval.Engine)
	}
	if err := c.Approval.Policy().Validate(); err != nil {
		return fmt.Errorf("approval.steps: %w", err)
	}
	return nil
}

// Logger builds the process logger writing to w.
func (l LogConfig) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func getEnvDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
