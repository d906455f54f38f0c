// Package mcptest runs a complete in-process gateway for tests: registry,
// transport, adapter and bridge behind a real HTTP listener, with a small
// client that speaks the RPC and stream protocol.
package mcptest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/schue/moqui-mcp-sub002/adapter"
	"github.com/schue/moqui-mcp-sub002/backend"
	"github.com/schue/moqui-mcp-sub002/bridge"
	"github.com/schue/moqui-mcp-sub002/logger"
	"github.com/schue/moqui-mcp-sub002/mcp"
	"github.com/schue/moqui-mcp-sub002/server"
	"github.com/schue/moqui-mcp-sub002/server/session"
	"github.com/schue/moqui-mcp-sub002/testutil"
)

// Server is a running gateway.
type Server struct {
	*httptest.Server

	Transport *server.Transport
	Adapter   *adapter.Adapter
	Bridge    *bridge.Bridge
	// Events publishes domain events into the bridge.
	Events *bridge.LocalSource
	// Backend answers the adapter's operations. Register handlers on it
	// before calling them.
	Backend *backend.Operations

	endpoint string
}

type config struct {
	adapterOpts []adapter.Option
	httpOpts    []server.StreamableHTTPOption
	bridgeOpts  []bridge.Option
	logger      *logger.Logger
}

type Option func(*config)

// WithAdapterOptions passes options to the adapter.
func WithAdapterOptions(opts ...adapter.Option) Option {
	return func(c *config) {
		c.adapterOpts = append(c.adapterOpts, opts...)
	}
}

// WithHTTPOptions passes options to the HTTP server.
func WithHTTPOptions(opts ...server.StreamableHTTPOption) Option {
	return func(c *config) {
		c.httpOpts = append(c.httpOpts, opts...)
	}
}

// WithBridgeOptions passes options to the bridge.
func WithBridgeOptions(opts ...bridge.Option) Option {
	return func(c *config) {
		c.bridgeOpts = append(c.bridgeOpts, opts...)
	}
}

// WithLogger logs every component through l instead of discarding output.
func WithLogger(l *logger.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// NewServer starts a gateway and closes it when the test ends.
func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()
	cfg := &config{logger: logger.Nop()}
	for _, opt := range opts {
		opt(cfg)
	}

	ops := backend.NewOperations()
	a, err := adapter.New(ops, append([]adapter.Option{adapter.WithLogger(cfg.logger)}, cfg.adapterOpts...)...)
	if err != nil {
		t.Fatalf("mcptest: build adapter: %v", err)
	}

	tr := server.NewTransport(session.NewRegistry(), server.WithTransportLogger(cfg.logger))
	mcpServer := server.NewMCPServer(tr, a, server.WithServerLogger(cfg.logger))
	httpServer := server.NewStreamableHTTPServer(mcpServer,
		append([]server.StreamableHTTPOption{server.WithHTTPLogger(cfg.logger)}, cfg.httpOpts...)...)

	events := bridge.NewLocalSource()
	b := bridge.New(append([]bridge.Option{bridge.WithLogger(cfg.logger)}, cfg.bridgeOpts...)...)
	if err := b.Init(events); err != nil {
		t.Fatalf("mcptest: init bridge: %v", err)
	}
	b.SetTransport(tr)

	s := &Server{
		Server:    httptest.NewServer(httpServer),
		Transport: tr,
		Adapter:   a,
		Bridge:    b,
		Events:    events,
		Backend:   ops,
		endpoint:  httpServer.Path(),
	}
	t.Cleanup(s.Close)
	return s
}

// Close ends every session and stops the listener.
func (s *Server) Close() {
	s.Bridge.Destroy()
	s.Transport.CloseAll(context.Background())
	s.Server.Close()
}

// Client connects to the gateway as userID.
func (s *Server) Client(userID string) *Client {
	return &Client{
		url:    s.URL + s.endpoint,
		userID: userID,
		http:   s.Server.Client(),
	}
}

// Client is a minimal RPC and stream client.
type Client struct {
	url       string
	userID    string
	http      *http.Client
	sessionID string
	nextID    atomic.Int64
}

// Response is a decoded RPC response.
type Response struct {
	Result json.RawMessage `json:"result"`
	Error  *mcp.Error      `json:"error"`
}

// SessionID returns the id assigned by Initialize.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Initialize opens a session.
func (c *Client) Initialize(ctx context.Context) (*Response, error) {
	resp, httpResp, err := c.do(ctx, "initialize", map[string]any{
		"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
		"clientInfo":      map[string]any{"name": "mcptest", "version": "1.0.0"},
	})
	if err != nil {
		return nil, err
	}
	c.sessionID = httpResp.Header.Get(server.DefaultSessionHeader)
	if c.sessionID == "" && resp.Error == nil {
		return nil, fmt.Errorf("initialize: no session id in response")
	}
	return resp, nil
}

// Call sends one request and returns its response.
func (c *Client) Call(ctx context.Context, method string, params any) (*Response, error) {
	resp, _, err := c.do(ctx, method, params)
	return resp, err
}

// CallTool runs a tool through tools/call.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*Response, error) {
	return c.Call(ctx, string(mcp.MethodToolsCall), map[string]any{"name": name, "arguments": args})
}

// Notify sends a client notification.
func (c *Client) Notify(ctx context.Context, method string) error {
	body, err := json.Marshal(map[string]any{"jsonrpc": mcp.JSONRPC_VERSION, "method": method})
	if err != nil {
		return err
	}
	httpResp, err := c.post(ctx, body)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("notify %s: unexpected status %s", method, httpResp.Status)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method string, params any) (*Response, *http.Response, error) {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": mcp.JSONRPC_VERSION,
		"id":      c.nextID.Add(1),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, nil, err
	}
	httpResp, err := c.post(ctx, body)
	if err != nil {
		return nil, nil, err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(httpResp.Body)
		return nil, httpResp, fmt.Errorf("%s: unexpected status %s: %s", method, httpResp.Status, bytes.TrimSpace(raw))
	}
	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, httpResp, fmt.Errorf("%s: decode response: %w", method, err)
	}
	return &resp, httpResp, nil
}

func (c *Client) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)
	return c.http.Do(req)
}

func (c *Client) setHeaders(req *http.Request) {
	if c.userID != "" {
		req.Header.Set(server.DefaultUserHeader, c.userID)
	}
	if c.sessionID != "" {
		req.Header.Set(server.DefaultSessionHeader, c.sessionID)
	}
}

// Stream is an open notification stream.
type Stream struct {
	frames chan testutil.Frame
	cancel context.CancelFunc
	body   io.Closer
}

// OpenStream attaches a notification stream to the session. Frames arrive
// on Frames until the server ends the stream or Close is called.
func (c *Client) OpenStream(ctx context.Context) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.setHeaders(req)
	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("open stream: unexpected status %s", resp.Status)
	}

	s := &Stream{frames: make(chan testutil.Frame, 64), cancel: cancel, body: resp.Body}
	go s.read(ctx, resp.Body)
	return s, nil
}

func (s *Stream) read(ctx context.Context, r io.Reader) {
	defer close(s.frames)
	br := bufio.NewReader(r)
	var block strings.Builder
	for {
		line, err := br.ReadString('\n')
		block.WriteString(line)
		if strings.TrimRight(line, "\r\n") == "" && block.Len() > len(line) {
			for _, f := range testutil.ParseFrames(block.String()) {
				select {
				case s.frames <- f:
				case <-ctx.Done():
					return
				}
			}
			block.Reset()
		}
		if err != nil {
			return
		}
	}
}

// Frames delivers parsed frames. It is closed when the stream ends.
func (s *Stream) Frames() <-chan testutil.Frame {
	return s.frames
}

// Next waits up to timeout for the next frame.
func (s *Stream) Next(timeout time.Duration) (testutil.Frame, error) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			return testutil.Frame{}, io.EOF
		}
		return f, nil
	case <-time.After(timeout):
		return testutil.Frame{}, fmt.Errorf("no frame within %s", timeout)
	}
}

// Close drops the stream.
func (s *Stream) Close() {
	s.cancel()
	s.body.Close()
}

// CloseSession ends the session with DELETE.
func (c *Client) CloseSession(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("close session: unexpected status %s", resp.Status)
	}
	return nil
}
