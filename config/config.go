// Package config loads the gateway configuration.
//
// Configuration comes from one YAML file. Defaults fill anything the file
// leaves out, then a handful of MCP_GATEWAY_* environment variables
// override the file, so a container can point the same file at different
// infrastructure.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/schue/moqui-mcp-sub002/adapter"
	"github.com/schue/moqui-mcp-sub002/logger"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Queue backends.
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
)

// Config is the gateway configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Keepalive  KeepaliveConfig  `yaml:"keepalive"`
	Queue      QueueConfig      `yaml:"queue"`
	Events     EventsConfig     `yaml:"events"`
	Backend    BackendConfig    `yaml:"backend"`
	Log        logger.Config    `yaml:"log"`
	ServerInfo ServerInfoConfig `yaml:"server_info"`

	// Tools replaces the built-in tool table when non-empty.
	Tools []ToolConfig `yaml:"tools,omitempty"`
	// Resources replaces the built-in resource template table when non-empty.
	Resources []ResourceConfig `yaml:"resources,omitempty"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Addr is the listen address. Default: :8080
	Addr string `yaml:"addr"`

	// BasePath prefixes the endpoint, e.g. /api.
	BasePath string `yaml:"base_path"`

	// Endpoint is the RPC and stream path. Default: /mcp
	Endpoint string `yaml:"endpoint"`

	SessionHeader string `yaml:"session_header"`
	UserHeader    string `yaml:"user_header"`

	// WriteTimeout bounds each stream write. Default: 10s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MetricsPath serves Prometheus metrics when set. Default: /metrics
	MetricsPath string `yaml:"metrics_path"`

	// AllowedOrigins limits browser origins. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// KeepaliveConfig configures the ping driver.
type KeepaliveConfig struct {
	// Interval between pings. Zero disables keep-alive. Default: 30s
	Interval time.Duration `yaml:"interval"`

	// IdleTimeout closes sessions without a stream that have been idle this
	// long. Zero disables the sweep.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// QueueConfig selects where pending notifications wait.
type QueueConfig struct {
	// Backend is "memory" or "redis". Default: memory
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Prefix namespaces the per-session list keys. Default: mcp:pending:
	Prefix string `yaml:"prefix"`
}

// EventsConfig configures where domain events come from.
type EventsConfig struct {
	// NATSURL enables the NATS event source. Empty means events only come
	// from in-process publishers.
	NATSURL string `yaml:"nats_url"`

	// Subject to subscribe to. Default: moqui.notifications
	Subject string `yaml:"subject"`

	// TopicPrefixes limits which event topics are delivered. Empty allows all.
	TopicPrefixes []string `yaml:"topic_prefixes"`

	// DeliveryTimeout bounds delivery of one event. Default: 5s
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
}

// BackendConfig locates the backend capability.
type BackendConfig struct {
	// URL of the backend's invoke endpoint. Empty runs without a backend:
	// every forwarded operation fails as unknown.
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

type ServerInfoConfig struct {
	Name         string `yaml:"name"`
	Version      string `yaml:"version"`
	Instructions string `yaml:"instructions"`
}

// ToolConfig declares one tool. InputSchema is written as YAML and handed
// to the adapter as JSON.
type ToolConfig struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Operation   string         `yaml:"operation"`
	InputSchema map[string]any `yaml:"input_schema,omitempty"`
}

type ResourceConfig struct {
	URITemplate string `yaml:"uri_template"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	MimeType    string `yaml:"mime_type"`
	Operation   string `yaml:"operation"`
}

// Default returns the configuration used for anything a file leaves unset.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          ":8080",
			Endpoint:      "/mcp",
			SessionHeader: "Mcp-Session-Id",
			UserHeader:    "X-User-Id",
			WriteTimeout:  10 * time.Second,
			MetricsPath:   "/metrics",
		},
		Keepalive: KeepaliveConfig{
			Interval: 30 * time.Second,
		},
		Queue: QueueConfig{
			Backend: QueueMemory,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "mcp:pending:",
			},
		},
		Events: EventsConfig{
			Subject:         "moqui.notifications",
			DeliveryTimeout: 5 * time.Second,
		},
		Backend: BackendConfig{
			Timeout: 30 * time.Second,
		},
		Log: logger.Config{
			Level:  "INFO",
			Format: "text",
		},
		ServerInfo: ServerInfoConfig{
			Name:    "moqui-mcp-gateway",
			Version: "dev",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays the MCP_GATEWAY_* variables and the logger's LOG_*
// variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("MCP_GATEWAY_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("MCP_GATEWAY_REDIS_ADDR"); v != "" {
		c.Queue.Backend = QueueRedis
		c.Queue.Redis.Addr = v
	}
	if v := os.Getenv("MCP_GATEWAY_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: MCP_GATEWAY_REDIS_DB: %v", ErrInvalidConfig, err)
		}
		c.Queue.Redis.DB = db
	}
	if v := os.Getenv("MCP_GATEWAY_NATS_URL"); v != "" {
		c.Events.NATSURL = v
	}
	if v := os.Getenv("MCP_GATEWAY_BACKEND_URL"); v != "" {
		c.Backend.URL = v
	}
	c.Log = logger.ApplyEnv(c.Log)
	return nil
}

// Validate reports every problem found, wrapped in ErrInvalidConfig.
func (c *Config) Validate() error {
	var problems []string
	if c.Server.Addr == "" {
		problems = append(problems, "server.addr is required")
	}
	if c.Server.Endpoint == "" || !strings.HasPrefix(c.Server.Endpoint, "/") {
		problems = append(problems, "server.endpoint must start with /")
	}
	if c.Server.SessionHeader == "" {
		problems = append(problems, "server.session_header is required")
	}
	if c.Keepalive.Interval < 0 || c.Keepalive.IdleTimeout < 0 {
		problems = append(problems, "keepalive durations must not be negative")
	}
	if c.Keepalive.IdleTimeout > 0 && c.Keepalive.Interval == 0 {
		problems = append(problems, "keepalive.idle_timeout needs keepalive.interval")
	}
	switch c.Queue.Backend {
	case QueueMemory:
	case QueueRedis:
		if c.Queue.Redis.Addr == "" {
			problems = append(problems, "queue.redis.addr is required for the redis backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("queue.backend %q is not one of memory, redis", c.Queue.Backend))
	}
	if c.Events.NATSURL != "" && c.Events.Subject == "" {
		problems = append(problems, "events.subject is required with events.nats_url")
	}
	seen := make(map[string]bool, len(c.Tools))
	for i, t := range c.Tools {
		switch {
		case t.Name == "":
			problems = append(problems, fmt.Sprintf("tools[%d].name is required", i))
		case seen[t.Name]:
			problems = append(problems, fmt.Sprintf("tools[%d]: duplicate name %q", i, t.Name))
		case t.Operation == "":
			problems = append(problems, fmt.Sprintf("tools[%d].operation is required", i))
		case strings.TrimSpace(t.Description) == "":
			problems = append(problems, fmt.Sprintf("tools[%d].description is required", i))
		}
		seen[t.Name] = true
	}
	for i, r := range c.Resources {
		if r.URITemplate == "" || r.Operation == "" {
			problems = append(problems, fmt.Sprintf("resources[%d]: uri_template and operation are required", i))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
}

// ToolSpecs returns the configured tool table, or nil to keep the default.
func (c *Config) ToolSpecs() ([]adapter.ToolSpec, error) {
	if len(c.Tools) == 0 {
		return nil, nil
	}
	specs := make([]adapter.ToolSpec, 0, len(c.Tools))
	for _, t := range c.Tools {
		spec := adapter.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Operation:   t.Operation,
		}
		if t.InputSchema != nil {
			raw, err := json.Marshal(t.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("tool %s: encode input_schema: %w", t.Name, err)
			}
			spec.InputSchema = raw
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// ResourceSpecs returns the configured resource templates, or nil to keep
// the default.
func (c *Config) ResourceSpecs() []adapter.ResourceSpec {
	if len(c.Resources) == 0 {
		return nil
	}
	specs := make([]adapter.ResourceSpec, 0, len(c.Resources))
	for _, r := range c.Resources {
		specs = append(specs, adapter.ResourceSpec{
			URITemplate: r.URITemplate,
			Name:        r.Name,
			Description: r.Description,
			MimeType:    r.MimeType,
			Operation:   r.Operation,
		})
	}
	return specs
}
