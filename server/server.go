package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/schue/moqui-mcp-sub002/logger"
	"github.com/schue/moqui-mcp-sub002/mcp"
	"github.com/schue/moqui-mcp-sub002/metric"
	"github.com/schue/moqui-mcp-sub002/server/session"
)

// Dispatcher resolves and runs RPC methods. Returned errors that are, or
// wrap, an *mcp.Error keep their code; anything else is an internal error.
type Dispatcher interface {
	CallMethod(ctx context.Context, method string, params map[string]any) (any, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, method string, params map[string]any) (any, error)

func (f DispatcherFunc) CallMethod(ctx context.Context, method string, params map[string]any) (any, error) {
	return f(ctx, method, params)
}

// methodValidator is implemented by dispatchers that can say which method
// names they serve. It keeps metric labels bounded to real methods.
type methodValidator interface {
	IsValidMethod(name string) bool
}

// MethodUnknown labels RPC calls whose method name is not served.
const MethodUnknown = "unknown"

var builtinMethods = map[mcp.MCPMethod]bool{
	mcp.MethodInitialize:              true,
	mcp.MethodPing:                    true,
	mcp.MethodToolsList:               true,
	mcp.MethodToolsCall:               true,
	mcp.MethodResourcesList:           true,
	mcp.MethodResourcesTemplatesList:  true,
	mcp.MethodResourcesRead:           true,
	mcp.MethodResourcesSubscribe:      true,
	mcp.MethodResourcesUnsubscribe:    true,
	mcp.MethodPromptsList:             true,
	mcp.MethodPromptsGet:              true,
	mcp.MethodNotificationInitialized: true,
}

// MCPServer is the RPC entry point. It validates envelopes, keeps session
// bookkeeping in step with the protocol, handles subscriptions, and hands
// every other method to the Dispatcher.
type MCPServer struct {
	transport  *Transport
	dispatcher Dispatcher
	logger     *logger.Logger
	metrics    *metric.Metrics
}

// ServerOption configures an MCPServer.
type ServerOption func(*MCPServer)

func WithServerLogger(l *logger.Logger) ServerOption {
	return func(s *MCPServer) {
		s.logger = l
	}
}

func WithServerMetrics(m *metric.Metrics) ServerOption {
	return func(s *MCPServer) {
		s.metrics = m
	}
}

// NewMCPServer creates a server dispatching to d and tracking sessions on t.
func NewMCPServer(t *Transport, d Dispatcher, opts ...ServerOption) *MCPServer {
	s := &MCPServer{
		transport:  t,
		dispatcher: d,
		logger:     logger.DefaultLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Component("rpc")
	return s
}

// Transport returns the transport sessions are tracked on.
func (s *MCPServer) Transport() *Transport {
	return s.transport
}

// WithContext returns a copy of ctx carrying sess, for HandleMessage.
func (s *MCPServer) WithContext(ctx context.Context, sess *session.Session) context.Context {
	return session.NewContext(ctx, sess)
}

// HandleMessage processes one raw JSON-RPC message and returns the response
// to send, or nil for notifications.
func (s *MCPServer) HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage {
	var req mcp.JSONRPCRequest
	if err := json.Unmarshal(message, &req); err != nil {
		s.recordCall("", mcp.PARSE_ERROR)
		return mcp.NewJSONRPCError(mcp.RequestId{}, mcp.NewError(mcp.PARSE_ERROR, "Parse error"))
	}
	if req.JSONRPC != mcp.JSONRPC_VERSION || req.Method == "" {
		s.recordCall(req.Method, mcp.INVALID_REQUEST)
		return mcp.NewJSONRPCError(req.ID, mcp.NewError(mcp.INVALID_REQUEST, "Invalid Request"))
	}

	sess := session.FromContext(ctx)
	if sess != nil {
		s.transport.Registry().TouchSession(sess.SessionID())
	}

	if req.ID.IsNil() {
		s.handleNotification(sess, req)
		return nil
	}

	params, err := decodeParams(req.Params)
	if err != nil {
		s.recordCall(req.Method, mcp.INVALID_PARAMS)
		return mcp.NewJSONRPCError(req.ID, mcp.NewError(mcp.INVALID_PARAMS, err.Error()))
	}

	result, err := s.handleRequest(ctx, sess, req.Method, params)
	if err != nil {
		rpcErr := toRPCError(err)
		s.recordCall(req.Method, rpcErr.Code)
		s.logger.Debug("request failed", "method", req.Method, "id", req.ID.String(), "code", rpcErr.Code, "error", rpcErr.Message)
		return mcp.NewJSONRPCError(req.ID, rpcErr)
	}
	s.recordCall(req.Method, 0)
	return mcp.NewJSONRPCResponse(req.ID, result)
}

func (s *MCPServer) handleRequest(ctx context.Context, sess *session.Session, method string, params map[string]any) (any, error) {
	switch mcp.MCPMethod(method) {
	case mcp.MethodInitialize:
		if sess != nil {
			s.transport.Registry().SetSessionState(sess.SessionID(), session.StateInitializing)
		}
		return s.dispatcher.CallMethod(ctx, method, params)
	case mcp.MethodResourcesSubscribe, mcp.MethodResourcesUnsubscribe:
		return s.handleSubscription(sess, mcp.MCPMethod(method), params)
	default:
		return s.dispatcher.CallMethod(ctx, method, params)
	}
}

func (s *MCPServer) handleNotification(sess *session.Session, req mcp.JSONRPCRequest) {
	switch mcp.MCPMethod(req.Method) {
	case mcp.MethodNotificationInitialized:
		if sess == nil {
			s.logger.Warn("initialized notification without a session")
			return
		}
		s.transport.Registry().SetSessionState(sess.SessionID(), session.StateInitialized)
		s.logger.Debug("session initialized", "session_id", sess.SessionID())
	default:
		s.logger.Debug("notification ignored", "method", req.Method)
	}
}

func (s *MCPServer) handleSubscription(sess *session.Session, method mcp.MCPMethod, params map[string]any) (any, error) {
	if sess == nil {
		return nil, mcp.NewError(mcp.INVALID_REQUEST, "subscriptions require a session")
	}
	uri, _ := params["uri"].(string)
	if uri == "" {
		return nil, mcp.NewError(mcp.INVALID_PARAMS, "missing required parameter: uri")
	}
	if method == mcp.MethodResourcesSubscribe {
		sess.Subscribe(uri)
	} else {
		sess.Unsubscribe(uri)
	}
	return map[string]any{}, nil
}

// recordCall counts a call, labelling client-chosen method names that are
// not served as MethodUnknown.
func (s *MCPServer) recordCall(method string, code int) {
	s.metrics.RPCCall(s.methodLabel(method), code)
}

func (s *MCPServer) methodLabel(method string) string {
	if builtinMethods[mcp.MCPMethod(method)] {
		return method
	}
	if v, ok := s.dispatcher.(methodValidator); ok && v.IsValidMethod(method) {
		return method
	}
	return MethodUnknown
}

func decodeParams(raw json.RawMessage) (map[string]any, error) {
	params := map[string]any{}
	if len(raw) == 0 || string(raw) == "null" {
		return params, nil
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("params must be an object: %w", err)
	}
	return params, nil
}

func toRPCError(err error) *mcp.Error {
	var rpcErr *mcp.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return mcp.NewError(mcp.INTERNAL_ERROR, err.Error())
}
