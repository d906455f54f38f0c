// Command mcp-gateway serves the MCP protocol gateway: RPC over HTTP POST,
// per-session notification streams over GET, and domain events from NATS
// fanned out to the sessions of their target users.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/schue/moqui-mcp-sub002/adapter"
	"github.com/schue/moqui-mcp-sub002/backend"
	"github.com/schue/moqui-mcp-sub002/bridge"
	"github.com/schue/moqui-mcp-sub002/config"
	"github.com/schue/moqui-mcp-sub002/logger"
	"github.com/schue/moqui-mcp-sub002/metric"
	"github.com/schue/moqui-mcp-sub002/server"
	"github.com/schue/moqui-mcp-sub002/server/queues"
	"github.com/schue/moqui-mcp-sub002/server/session"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var configPath, addr, logLevel string

	flagSet := pflag.NewFlagSet("mcp-gateway", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", os.Getenv("MCP_GATEWAY_CONFIG"), "path to the YAML config file")
	flagSet.StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	flagSet.StringVar(&logLevel, "log-level", "", "DEBUG, INFO, WARN or ERROR, overrides log.level")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	log := logger.NewLogger(cfg.Log)
	logger.DefaultLogger = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := newGateway(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer gw.close()
	return gw.serve(ctx)
}

// gateway holds the wired components and what must be released on exit.
type gateway struct {
	cfg       *config.Config
	log       *logger.Logger
	transport *server.Transport
	http      *server.StreamableHTTPServer
	keepalive *server.Keepalive
	bridge    *bridge.Bridge
	closers   []func()
}

func newGateway(ctx context.Context, cfg *config.Config, log *logger.Logger) (*gateway, error) {
	gw := &gateway{cfg: cfg, log: log}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := metric.NewMetrics(reg)

	queue, err := gw.newQueue(ctx)
	if err != nil {
		gw.close()
		return nil, err
	}
	registry := session.NewRegistry()
	gw.transport = server.NewTransport(registry,
		server.WithQueue(queue),
		server.WithTransportLogger(log),
		server.WithMetrics(metrics),
	)

	a, err := gw.newAdapter(metrics)
	if err != nil {
		gw.close()
		return nil, err
	}
	mcpServer := server.NewMCPServer(gw.transport, a,
		server.WithServerLogger(log),
		server.WithServerMetrics(metrics),
	)

	router := mux.NewRouter()
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	gw.http = server.NewStreamableHTTPServer(mcpServer,
		server.WithBasePath(cfg.Server.BasePath),
		server.WithEndpoint(cfg.Server.Endpoint),
		server.WithSessionHeader(cfg.Server.SessionHeader),
		server.WithUserHeader(cfg.Server.UserHeader),
		server.WithWriteTimeout(cfg.Server.WriteTimeout),
		server.WithOriginAllowlist(cfg.Server.AllowedOrigins),
		server.WithHTTPServer(httpSrv),
		server.WithHTTPLogger(log),
	)
	gw.http.AddRoutes(router)
	if cfg.Server.MetricsPath != "" {
		router.Handle(cfg.Server.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})).Methods(http.MethodGet)
	}
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(registry.GetStatistics())
	}).Methods(http.MethodGet)

	if err := gw.startBridge(metrics); err != nil {
		gw.close()
		return nil, err
	}

	if cfg.Keepalive.Interval > 0 {
		gw.keepalive = server.NewKeepalive(gw.transport, cfg.Keepalive.Interval,
			server.WithIdleTimeout(cfg.Keepalive.IdleTimeout),
			server.WithKeepaliveLogger(log),
			server.WithKeepaliveMetrics(metrics),
		)
	}
	return gw, nil
}

func (gw *gateway) newQueue(ctx context.Context) (queues.Queue[server.Outbound], error) {
	if gw.cfg.Queue.Backend != config.QueueRedis {
		return queues.NewLocalQueue[server.Outbound](), nil
	}
	rc := gw.cfg.Queue.Redis
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", rc.Addr, err)
	}
	gw.closers = append(gw.closers, func() { _ = client.Close() })
	gw.log.Info("pending notifications stored in redis", "addr", rc.Addr, "prefix", rc.Prefix)
	return queues.NewRedisQueue[server.Outbound](client, rc.Prefix, queues.WithRedisLogger(gw.log)), nil
}

func (gw *gateway) newAdapter(metrics *metric.Metrics) (*adapter.Adapter, error) {
	var capability backend.Capability
	if url := gw.cfg.Backend.URL; url != "" {
		opts := []backend.HTTPOption{
			backend.WithTimeout(gw.cfg.Backend.Timeout),
			backend.WithLogger(gw.log),
		}
		for k, v := range gw.cfg.Backend.Headers {
			opts = append(opts, backend.WithHeader(k, v))
		}
		capability = backend.NewHTTPCapability(url, opts...)
	} else {
		gw.log.Warn("no backend configured, forwarded operations will fail")
		capability = backend.NewOperations()
	}

	info := gw.cfg.ServerInfo
	opts := []adapter.Option{
		adapter.WithServerInfo(info.Name, info.Version, info.Instructions),
		adapter.WithLogger(gw.log),
		adapter.WithMetrics(metrics),
	}
	tools, err := gw.cfg.ToolSpecs()
	if err != nil {
		return nil, err
	}
	if tools != nil {
		opts = append(opts, adapter.WithTools(tools...))
	}
	if resources := gw.cfg.ResourceSpecs(); resources != nil {
		opts = append(opts, adapter.WithResources(resources...))
	}
	return adapter.New(capability, opts...)
}

func (gw *gateway) startBridge(metrics *metric.Metrics) error {
	ev := gw.cfg.Events
	gw.bridge = bridge.New(
		bridge.WithTopicPrefixes(ev.TopicPrefixes...),
		bridge.WithDeliveryTimeout(ev.DeliveryTimeout),
		bridge.WithLogger(gw.log),
		bridge.WithMetrics(metrics),
	)
	gw.closers = append(gw.closers, gw.bridge.Destroy)

	if ev.NATSURL == "" {
		gw.log.Info("no event source configured")
		gw.bridge.SetTransport(gw.transport)
		return nil
	}
	conn, err := bridge.ConnectNATS(ev.NATSURL, gw.cfg.ServerInfo.Name, gw.log)
	if err != nil {
		return err
	}
	gw.closers = append(gw.closers, func() { drain(conn) })

	if err := gw.bridge.Init(bridge.NewNATSSource(conn,
		bridge.WithSubject(ev.Subject),
		bridge.WithNATSLogger(gw.log),
	)); err != nil {
		return err
	}
	gw.bridge.SetTransport(gw.transport)
	return nil
}

func drain(conn *nats.Conn) {
	if err := conn.Drain(); err != nil {
		conn.Close()
	}
}

func (gw *gateway) serve(ctx context.Context) error {
	if gw.keepalive != nil {
		if err := gw.keepalive.Start(); err != nil {
			return err
		}
		defer gw.keepalive.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		gw.log.Info("listening", "addr", gw.cfg.Server.Addr, "endpoint", gw.http.Path())
		errCh <- gw.http.Start(gw.cfg.Server.Addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	gw.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := gw.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

// close releases in reverse order of acquisition.
func (gw *gateway) close() {
	for i := len(gw.closers) - 1; i >= 0; i-- {
		gw.closers[i]()
	}
	gw.closers = nil
}
