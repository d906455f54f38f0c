package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/schue/moqui-mcp-sub002/logger"
	"github.com/schue/moqui-mcp-sub002/mcp"
	"github.com/schue/moqui-mcp-sub002/server/session"
)

// Default header names.
const (
	DefaultSessionHeader = "Mcp-Session-Id"
	DefaultUserHeader    = "X-User-Id"
)

// StreamableHTTPOption defines a function type for configuring StreamableHTTPServer
type StreamableHTTPOption func(*StreamableHTTPServer)

// WithSessionIDGenerator sets a custom session ID generator
func WithSessionIDGenerator(generator func() string) StreamableHTTPOption {
	return func(s *StreamableHTTPServer) {
		s.sessionIDGenerator = generator
	}
}

// WithUserIDFunc sets how the owning user is derived from an initialize
// request. It replaces the user header lookup.
func WithUserIDFunc(fn func(r *http.Request) string) StreamableHTTPOption {
	return func(s *StreamableHTTPServer) {
		s.userIDFunc = fn
	}
}

// WithBasePath sets the path prefix of the endpoint.
func WithBasePath(basePath string) StreamableHTTPOption {
	return func(s *StreamableHTTPServer) {
		if basePath != "" && !strings.HasPrefix(basePath, "/") {
			basePath = "/" + basePath
		}
		s.basePath = strings.TrimSuffix(basePath, "/")
	}
}

// WithEndpoint sets the endpoint path under the base path.
func WithEndpoint(endpoint string) StreamableHTTPOption {
	return func(s *StreamableHTTPServer) {
		if !strings.HasPrefix(endpoint, "/") {
			endpoint = "/" + endpoint
		}
		s.endpoint = endpoint
	}
}

// WithSessionHeader sets the header carrying the session id.
func WithSessionHeader(name string) StreamableHTTPOption {
	return func(s *StreamableHTTPServer) {
		s.sessionHeader = name
	}
}

// WithUserHeader sets the header the default user lookup reads.
func WithUserHeader(name string) StreamableHTTPOption {
	return func(s *StreamableHTTPServer) {
		s.userHeader = name
	}
}

// WithWriteTimeout bounds each frame write on a stream.
func WithWriteTimeout(d time.Duration) StreamableHTTPOption {
	return func(s *StreamableHTTPServer) {
		s.writeTimeout = d
	}
}

// WithHTTPServer sets the HTTP server instance used by Start.
func WithHTTPServer(srv *http.Server) StreamableHTTPOption {
	return func(s *StreamableHTTPServer) {
		s.srv = srv
	}
}

// WithOriginAllowlist limits which browser origins may use the endpoint.
// Entries are full origins such as https://app.example.com or wildcard
// subdomains such as *.example.com.
func WithOriginAllowlist(origins []string) StreamableHTTPOption {
	return func(s *StreamableHTTPServer) {
		s.originAllowlist = origins
	}
}

func WithHTTPLogger(l *logger.Logger) StreamableHTTPOption {
	return func(s *StreamableHTTPServer) {
		s.logger = l
	}
}

// StreamableHTTPServer exposes an MCPServer on one HTTP endpoint. POST
// carries RPC messages, GET opens the session's notification stream and
// DELETE closes the session.
type StreamableHTTPServer struct {
	server             *MCPServer
	basePath           string
	endpoint           string
	sessionHeader      string
	userHeader         string
	srv                *http.Server
	router             *mux.Router
	sessionIDGenerator func() string
	userIDFunc         func(r *http.Request) string
	writeTimeout       time.Duration
	originAllowlist    []string
	logger             *logger.Logger
}

// NewStreamableHTTPServer creates a new Streamable HTTP server instance with the given MCP server and options.
func NewStreamableHTTPServer(server *MCPServer, opts ...StreamableHTTPOption) *StreamableHTTPServer {
	s := &StreamableHTTPServer{
		server:             server,
		endpoint:           "/mcp",
		sessionHeader:      DefaultSessionHeader,
		userHeader:         DefaultUserHeader,
		sessionIDGenerator: func() string { return uuid.New().String() },
		writeTimeout:       10 * time.Second,
		logger:             logger.DefaultLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Component("http")
	s.router = mux.NewRouter()
	s.AddRoutes(s.router)
	return s
}

// Path returns the endpoint path, base path included.
func (s *StreamableHTTPServer) Path() string {
	return s.basePath + s.endpoint
}

// AddRoutes registers the endpoint's handlers on router.
func (s *StreamableHTTPServer) AddRoutes(router *mux.Router) {
	router.Handle(s.Path(), s.checkOrigin(s.handlePost)).Methods(http.MethodPost)
	router.Handle(s.Path(), s.checkOrigin(s.handleGet)).Methods(http.MethodGet)
	router.Handle(s.Path(), s.checkOrigin(s.handleDelete)).Methods(http.MethodDelete)
}

// checkOrigin rejects browser requests from origins outside the allowlist.
// Requests without an Origin header are not from a browser and pass.
func (s *StreamableHTTPServer) checkOrigin(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin, ok := r.Header["Origin"]; ok && len(origin) > 0 && !s.isValidOrigin(origin[0]) {
			s.logger.Warn("request from disallowed origin", "origin", origin[0], "method", r.Method)
			http.Error(w, "Forbidden: invalid origin", http.StatusForbidden)
			return
		}
		next(w, r)
	})
}

// isValidOrigin reports whether origin may call the endpoint. Loopback
// origins are always allowed and an empty allowlist allows everything.
// Entries of the form *.example.com match any subdomain.
func (s *StreamableHTTPServer) isValidOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" {
		return true
	}
	if len(s.originAllowlist) == 0 {
		return true
	}
	for _, allowed := range s.originAllowlist {
		if allowed == origin {
			return true
		}
		if suffix, ok := strings.CutPrefix(allowed, "*"); ok && strings.HasPrefix(suffix, ".") && strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// ServeHTTP implements the http.Handler interface.
func (s *StreamableHTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start begins serving on addr.
func (s *StreamableHTTPServer) Start(addr string) error {
	if s.srv == nil {
		s.srv = &http.Server{
			Addr:              addr,
			Handler:           s,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown closes every session, which says goodbye on open streams and
// ends their handlers, then stops the HTTP server.
func (s *StreamableHTTPServer) Shutdown(ctx context.Context) error {
	s.server.Transport().CloseAll(ctx)
	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}

func (s *StreamableHTTPServer) userID(r *http.Request) string {
	if s.userIDFunc != nil {
		return s.userIDFunc(r)
	}
	return r.Header.Get(s.userHeader)
}

// handlePost processes POST requests to the MCP endpoint
func (s *StreamableHTTPServer) handlePost(w http.ResponseWriter, r *http.Request) {
	var rawMessage json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&rawMessage); err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, mcp.PARSE_ERROR, "Parse error")
		return
	}

	var baseMessage struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(rawMessage, &baseMessage); err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, mcp.INVALID_REQUEST, "Invalid Request")
		return
	}

	transport := s.server.Transport()
	sessionID := r.Header.Get(s.sessionHeader)

	if baseMessage.Method == string(mcp.MethodInitialize) {
		if sessionID == "" {
			sessionID = s.sessionIDGenerator()
		}
		userID := s.userID(r)
		if existing, ok := transport.Registry().GetSession(sessionID); ok && existing.UserID() != userID {
			http.Error(w, "Forbidden: session belongs to another user", http.StatusForbidden)
			return
		}
		if _, err := transport.OpenSession(sessionID, userID); err != nil {
			s.logger.Error("failed to open session", "session_id", sessionID, "error", err)
			http.Error(w, "Failed to open session", http.StatusInternalServerError)
			return
		}
		w.Header().Set(s.sessionHeader, sessionID)
	} else if sessionID == "" {
		http.Error(w, "Bad Request: "+s.sessionHeader+" header must be provided", http.StatusBadRequest)
		return
	}

	sess, ok := s.ownedSession(w, r, sessionID)
	if !ok {
		return
	}

	ctx := s.server.WithContext(r.Context(), sess)
	response := s.server.HandleMessage(ctx, rawMessage)
	if response == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// handleGet attaches the response as the session's stream and holds it
// until the client goes away or another stream replaces it.
func (s *StreamableHTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	if !acceptsEventStream(r) {
		http.Error(w, "Not Acceptable: Client must accept text/event-stream", http.StatusNotAcceptable)
		return
	}

	sessionID := r.Header.Get(s.sessionHeader)
	if sessionID == "" {
		http.Error(w, "Bad Request: "+s.sessionHeader+" header must be provided", http.StatusBadRequest)
		return
	}
	if _, ok := s.ownedSession(w, r, sessionID); !ok {
		return
	}
	transport := s.server.Transport()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	sink := newHTTPSink(w, s.writeTimeout)
	if err := sink.Flush(); err != nil {
		s.logger.Debug("stream not flushable", "session_id", sessionID, "error", err)
		return
	}

	att, err := transport.RegisterSseWriter(r.Context(), sessionID, sink)
	if err != nil {
		return
	}
	defer transport.ReleaseSink(sessionID, att)

	s.logger.Debug("stream opened", "session_id", sessionID)
	select {
	case <-r.Context().Done():
	case <-att.Done():
	}
	s.logger.Debug("stream ended", "session_id", sessionID)
}

// handleDelete processes DELETE requests to the MCP endpoint (for session termination)
func (s *StreamableHTTPServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(s.sessionHeader)
	if sessionID == "" {
		http.Error(w, "Bad Request: "+s.sessionHeader+" header must be provided", http.StatusBadRequest)
		return
	}
	if _, ok := s.ownedSession(w, r, sessionID); !ok {
		return
	}
	if !s.server.Transport().CloseSession(r.Context(), sessionID) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ownedSession looks up the session and checks it belongs to the caller.
// On failure it writes 404 or 403 and returns false.
func (s *StreamableHTTPServer) ownedSession(w http.ResponseWriter, r *http.Request, sessionID string) (*session.Session, bool) {
	sess, ok := s.server.Transport().Registry().GetSession(sessionID)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return nil, false
	}
	if userID := s.userID(r); sess.UserID() != userID {
		s.logger.Warn("session used by another user", "session_id", sessionID, "method", r.Method)
		http.Error(w, "Forbidden: session belongs to another user", http.StatusForbidden)
		return nil, false
	}
	return sess, true
}

// NewTestStreamableHTTPServer creates a test server for testing purposes
func NewTestStreamableHTTPServer(server *MCPServer, opts ...StreamableHTTPOption) *httptest.Server {
	return httptest.NewServer(NewStreamableHTTPServer(server, opts...))
}
