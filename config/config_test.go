package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"MCP_GATEWAY_ADDR", "MCP_GATEWAY_REDIS_ADDR", "MCP_GATEWAY_REDIS_DB",
		"MCP_GATEWAY_NATS_URL", "MCP_GATEWAY_BACKEND_URL",
		"LOG_LEVEL", "LOG_FORMAT", "LOG_ADD_SOURCE",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, QueueMemory, cfg.Queue.Backend)
	assert.Equal(t, 30*time.Second, cfg.Keepalive.Interval)
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  addr: ":9090"
  base_path: /api
  allowed_origins: ["https://shop.example.com", "*.example.org"]
keepalive:
  interval: 15s
  idle_timeout: 10m
queue:
  backend: redis
  redis:
    addr: redis:6379
    db: 2
events:
  nats_url: nats://nats:4222
  topic_prefixes: [order., invoice.]
backend:
  url: http://moqui:8080/rest/s1/mcp/invoke
  timeout: 5s
  headers:
    X-Service-Token: secret
log:
  level: DEBUG
  format: json
server_info:
  name: shop-gateway
tools:
  - name: find_orders
    description: Find orders by status
    operation: mcp.order.find
    input_schema:
      type: object
      properties:
        status: {type: string}
      required: [status]
resources:
  - uri_template: "order://{orderId}"
    name: order
    operation: mcp.order.get
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "/api", cfg.Server.BasePath)
	assert.Equal(t, "/mcp", cfg.Server.Endpoint, "unset fields keep defaults")
	assert.Equal(t, []string{"https://shop.example.com", "*.example.org"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 15*time.Second, cfg.Keepalive.Interval)
	assert.Equal(t, 10*time.Minute, cfg.Keepalive.IdleTimeout)
	assert.Equal(t, QueueRedis, cfg.Queue.Backend)
	assert.Equal(t, "redis:6379", cfg.Queue.Redis.Addr)
	assert.Equal(t, 2, cfg.Queue.Redis.DB)
	assert.Equal(t, "mcp:pending:", cfg.Queue.Redis.Prefix)
	assert.Equal(t, []string{"order.", "invoice."}, cfg.Events.TopicPrefixes)
	assert.Equal(t, "moqui.notifications", cfg.Events.Subject)
	assert.Equal(t, 5*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, "secret", cfg.Backend.Headers["X-Service-Token"])
	assert.Equal(t, "DEBUG", cfg.Log.Level)
	assert.Equal(t, "shop-gateway", cfg.ServerInfo.Name)
	assert.Equal(t, "dev", cfg.ServerInfo.Version)

	tools, err := cfg.ToolSpecs()
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "mcp.order.find", tools[0].Operation)
	assert.JSONEq(t, `{"type":"object","properties":{"status":{"type":"string"}},"required":["status"]}`, string(tools[0].InputSchema))

	resources := cfg.ResourceSpecs()
	require.Len(t, resources, 1)
	assert.Equal(t, "order://{orderId}", resources[0].URITemplate)
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MCP_GATEWAY_ADDR", ":7000")
	t.Setenv("MCP_GATEWAY_REDIS_ADDR", "cache:6379")
	t.Setenv("MCP_GATEWAY_REDIS_DB", "3")
	t.Setenv("MCP_GATEWAY_NATS_URL", "nats://bus:4222")
	t.Setenv("MCP_GATEWAY_BACKEND_URL", "http://backend/invoke")
	t.Setenv("LOG_LEVEL", "WARN")

	cfg, err := Load(writeConfig(t, "server:\n  addr: \":9090\"\n"))
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, QueueRedis, cfg.Queue.Backend)
	assert.Equal(t, "cache:6379", cfg.Queue.Redis.Addr)
	assert.Equal(t, 3, cfg.Queue.Redis.DB)
	assert.Equal(t, "nats://bus:4222", cfg.Events.NATSURL)
	assert.Equal(t, "http://backend/invoke", cfg.Backend.URL)
	assert.Equal(t, "WARN", cfg.Log.Level)
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "server: [not, a, map]"))
	assert.Error(t, err)

	t.Setenv("MCP_GATEWAY_REDIS_DB", "zero")
	_, err = Load("")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "no addr", mutate: func(c *Config) { c.Server.Addr = "" }, wantErr: "server.addr"},
		{name: "relative endpoint", mutate: func(c *Config) { c.Server.Endpoint = "mcp" }, wantErr: "server.endpoint"},
		{name: "unknown queue", mutate: func(c *Config) { c.Queue.Backend = "kafka" }, wantErr: "queue.backend"},
		{name: "redis without addr", mutate: func(c *Config) { c.Queue.Backend = QueueRedis; c.Queue.Redis.Addr = "" }, wantErr: "queue.redis.addr"},
		{name: "negative interval", mutate: func(c *Config) { c.Keepalive.Interval = -time.Second }, wantErr: "negative"},
		{name: "idle sweep without driver", mutate: func(c *Config) { c.Keepalive.Interval = 0; c.Keepalive.IdleTimeout = time.Minute }, wantErr: "idle_timeout"},
		{name: "nats without subject", mutate: func(c *Config) { c.Events.NATSURL = "nats://x"; c.Events.Subject = "" }, wantErr: "events.subject"},
		{name: "duplicate tool", mutate: func(c *Config) {
			c.Tools = []ToolConfig{{Name: "a", Description: "A", Operation: "x"}, {Name: "a", Description: "A", Operation: "y"}}
		}, wantErr: "duplicate"},
		{name: "tool without operation", mutate: func(c *Config) { c.Tools = []ToolConfig{{Name: "a", Description: "A"}} }, wantErr: "operation"},
		{name: "tool without description", mutate: func(c *Config) { c.Tools = []ToolConfig{{Name: "a", Operation: "x"}} }, wantErr: "tools[0].description"},
		{name: "resource without template", mutate: func(c *Config) { c.Resources = []ResourceConfig{{Operation: "x"}} }, wantErr: "uri_template"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDefaultTablesKeptWithoutOverride(t *testing.T) {
	cfg := Default()
	tools, err := cfg.ToolSpecs()
	require.NoError(t, err)
	assert.Nil(t, tools)
	assert.Nil(t, cfg.ResourceSpecs())
}
