// Package adapter resolves RPC method and tool names to backend operations
// and normalizes their results and failures into RPC errors. Tools and
// methods live in separate tables: an unknown name in either is
// METHOD_NOT_FOUND, but a failing tool is TOOL_EXECUTION_ERROR while a
// failing method is INTERNAL_ERROR.
package adapter

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cast"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/schue/moqui-mcp-sub002/backend"
	"github.com/schue/moqui-mcp-sub002/logger"
	"github.com/schue/moqui-mcp-sub002/mcp"
	"github.com/schue/moqui-mcp-sub002/metric"
	"github.com/schue/moqui-mcp-sub002/server/session"
)

const tracerName = "github.com/schue/moqui-mcp-sub002/adapter"

var (
	attrOperation = attribute.Key("gateway.backend.operation")
	attrTool      = attribute.Key("gateway.tool.name")
	attrMethod    = attribute.Key("gateway.rpc.method")
	attrSessionID = attribute.Key("gateway.session.id")
)

// Default backend operations for methods the gateway does not answer itself.
const (
	OperationResourceList = "mcp.resource.list"
	OperationResourceRead = "mcp.resource.read"
	OperationPromptList   = "mcp.prompt.list"
	OperationPromptGet    = "mcp.prompt.get"
)

type methodHandler func(ctx context.Context, params map[string]any) (any, error)

// method is one entry of the method table. A local handler answers in the
// gateway, possibly calling operation itself; otherwise the call is
// forwarded to operation.
type method struct {
	operation string
	local     methodHandler
}

// Adapter maps names to backend operations. Its tables are built once by
// New and never change, so it is safe for concurrent use.
type Adapter struct {
	backend    backend.Capability
	authorizer backend.Authorizer
	logger     *logger.Logger
	metrics    *metric.Metrics
	tracer     trace.Tracer

	info         mcp.Implementation
	instructions string

	toolSpecs     []ToolSpec
	resourceSpecs []ResourceSpec

	tools     map[string]*tool
	toolOrder []string
	methods   map[string]method
	resources []*resource
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTools replaces the default tool table.
func WithTools(tools ...ToolSpec) Option {
	return func(a *Adapter) {
		a.toolSpecs = tools
	}
}

// WithResources replaces the default resource template table.
func WithResources(resources ...ResourceSpec) Option {
	return func(a *Adapter) {
		a.resourceSpecs = resources
	}
}

// WithAuthorizer sets the authorizer suspended around backend calls.
func WithAuthorizer(authz backend.Authorizer) Option {
	return func(a *Adapter) {
		a.authorizer = authz
	}
}

// WithServerInfo sets what initialize reports about the gateway.
func WithServerInfo(name, version, instructions string) Option {
	return func(a *Adapter) {
		a.info = mcp.Implementation{Name: name, Version: version}
		a.instructions = instructions
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(a *Adapter) {
		a.logger = l
	}
}

func WithMetrics(m *metric.Metrics) Option {
	return func(a *Adapter) {
		a.metrics = m
	}
}

// WithTracerProvider sets where backend invocation spans go. The default is
// the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(a *Adapter) {
		a.tracer = tp.Tracer(tracerName)
	}
}

// New builds an Adapter over capability. It fails if a tool schema or
// resource template does not compile, or a tool name is reused.
func New(capability backend.Capability, opts ...Option) (*Adapter, error) {
	a := &Adapter{
		backend:       capability,
		authorizer:    backend.NopAuthorizer{},
		logger:        logger.DefaultLogger,
		tracer:        otel.Tracer(tracerName),
		info:          mcp.Implementation{Name: "mcp-gateway", Version: "dev"},
		toolSpecs:     DefaultTools(),
		resourceSpecs: DefaultResources(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Component("adapter")

	a.tools = make(map[string]*tool, len(a.toolSpecs))
	for _, spec := range a.toolSpecs {
		if _, dup := a.tools[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate tool name %q", spec.Name)
		}
		t, err := compileTool(spec)
		if err != nil {
			return nil, err
		}
		a.tools[spec.Name] = t
		a.toolOrder = append(a.toolOrder, spec.Name)
	}
	for _, spec := range a.resourceSpecs {
		r, err := compileResource(spec)
		if err != nil {
			return nil, err
		}
		a.resources = append(a.resources, r)
	}

	a.methods = map[string]method{
		string(mcp.MethodInitialize):             {local: a.initialize},
		string(mcp.MethodPing):                   {local: a.ping},
		string(mcp.MethodToolsList):              {local: a.listTools},
		string(mcp.MethodToolsCall):              {local: a.callToolMethod},
		string(mcp.MethodResourcesTemplatesList): {local: a.listResourceTemplates},
		string(mcp.MethodResourcesRead):          {operation: OperationResourceRead, local: a.readResource},
		string(mcp.MethodResourcesList):          {operation: OperationResourceList},
		string(mcp.MethodPromptsList):            {operation: OperationPromptList},
		string(mcp.MethodPromptsGet):             {operation: OperationPromptGet},
	}
	return a, nil
}

// CallTool runs the named tool with args.
func (a *Adapter) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	t, ok := a.tools[name]
	if !ok {
		return nil, mcp.Errorf(mcp.METHOD_NOT_FOUND, "Tool not found: %s", name)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := t.validate(args); err != nil {
		return nil, mcp.Errorf(mcp.INVALID_PARAMS, "Invalid arguments for tool %s: %v", name, err)
	}

	ctx, span := a.tracer.Start(ctx, "tool "+name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrTool.String(name)),
	)
	defer span.End()

	result, err := a.invoke(ctx, t.spec.Operation, args)
	if err != nil {
		a.logger.WithContext(ctx).Warn("tool failed", "tool", name, "operation", t.spec.Operation, "error", err)
		return nil, mcp.NewError(mcp.TOOL_EXECUTION_ERROR, err.Error())
	}
	return result, nil
}

// CallMethod runs an RPC method. Local methods answer from the gateway's own
// tables; the rest are forwarded to their backend operation with params as
// arguments.
func (a *Adapter) CallMethod(ctx context.Context, name string, params map[string]any) (any, error) {
	m, ok := a.methods[name]
	if !ok {
		return nil, mcp.Errorf(mcp.METHOD_NOT_FOUND, "Method not found: %s", name)
	}
	if params == nil {
		params = map[string]any{}
	}
	if m.local != nil {
		return m.local(ctx, params)
	}

	ctx, span := a.tracer.Start(ctx, "method "+name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrMethod.String(name)),
	)
	defer span.End()

	result, err := a.invoke(ctx, m.operation, params)
	if err != nil {
		a.logger.WithContext(ctx).Warn("method failed", "method", name, "operation", m.operation, "error", err)
		return nil, mcp.NewError(mcp.INTERNAL_ERROR, err.Error())
	}
	return result, nil
}

// invoke calls the backend with authorization suspended. The restore runs
// however the call ends, including by panic.
func (a *Adapter) invoke(ctx context.Context, operation string, args map[string]any) (result any, err error) {
	attrs := []attribute.KeyValue{attrOperation.String(operation)}
	if sess := session.FromContext(ctx); sess != nil {
		attrs = append(attrs, attrSessionID.String(sess.SessionID()))
	}
	ctx, span := a.tracer.Start(ctx, "backend.invoke",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	defer span.End()
	defer a.metrics.ObserveBackend(operation, time.Now())

	ctx, restore := a.authorizer.Suspend(ctx)
	defer restore()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
			a.logger.WithContext(ctx).Error("backend operation panicked", "operation", operation, "panic", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	raw, err := a.backend.Invoke(ctx, operation, args)
	if err != nil {
		return nil, err
	}
	return unwrapResult(raw), nil
}

// unwrapResult flattens a backend reply of the form {"result": x} to x. A
// nil reply or nil nested result becomes an empty object.
func unwrapResult(raw any) any {
	if raw == nil {
		return map[string]any{}
	}
	m, err := cast.ToStringMapE(raw)
	if err != nil {
		return raw
	}
	nested, ok := m["result"]
	if !ok {
		return raw
	}
	if nested == nil {
		return map[string]any{}
	}
	return nested
}

func (a *Adapter) initialize(_ context.Context, params map[string]any) (any, error) {
	version := cast.ToString(params["protocolVersion"])
	if !mcp.IsValidProtocolVersion(version) {
		version = mcp.LATEST_PROTOCOL_VERSION
	}
	result := map[string]any{
		"protocolVersion": version,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": true},
			"resources": map[string]any{"subscribe": true, "listChanged": true},
			"prompts":   map[string]any{"listChanged": true},
			"logging":   map[string]any{},
		},
		"serverInfo": a.info,
	}
	if a.instructions != "" {
		result["instructions"] = a.instructions
	}
	return result, nil
}

func (a *Adapter) ping(context.Context, map[string]any) (any, error) {
	return map[string]any{}, nil
}

func (a *Adapter) listTools(context.Context, map[string]any) (any, error) {
	return map[string]any{"tools": a.ListTools()}, nil
}

func (a *Adapter) callToolMethod(ctx context.Context, params map[string]any) (any, error) {
	name := cast.ToString(params["name"])
	if name == "" {
		return nil, mcp.NewError(mcp.INVALID_PARAMS, "missing required parameter: name")
	}
	var args map[string]any
	if raw, ok := params["arguments"]; ok && raw != nil {
		var err error
		if args, err = cast.ToStringMapE(raw); err != nil {
			return nil, mcp.NewError(mcp.INVALID_PARAMS, "arguments must be an object")
		}
	}
	return a.CallTool(ctx, name, args)
}

func (a *Adapter) listResourceTemplates(context.Context, map[string]any) (any, error) {
	templates := make([]mcp.ResourceTemplate, 0, len(a.resources))
	for _, r := range a.resources {
		templates = append(templates, r.describe())
	}
	return map[string]any{"resourceTemplates": templates}, nil
}

// readResource routes a URI to the operation of the first matching
// template, or to the generic read operation.
func (a *Adapter) readResource(ctx context.Context, params map[string]any) (any, error) {
	uri := cast.ToString(params["uri"])
	if uri == "" {
		return nil, mcp.NewError(mcp.INVALID_PARAMS, "missing required parameter: uri")
	}

	operation, args := OperationResourceRead, map[string]any{"uri": uri}
	for _, r := range a.resources {
		if vars, ok := r.match(uri); ok {
			operation = r.spec.Operation
			for k, v := range vars {
				args[k] = v
			}
			break
		}
	}

	result, err := a.invoke(ctx, operation, args)
	if err != nil {
		a.logger.Warn("resource read failed", "uri", uri, "operation", operation, "error", err)
		return nil, mcp.NewError(mcp.INTERNAL_ERROR, err.Error())
	}
	return result, nil
}

// IsValidTool reports whether name is in the tool table.
func (a *Adapter) IsValidTool(name string) bool {
	_, ok := a.tools[name]
	return ok
}

// IsValidMethod reports whether name is in the method table.
func (a *Adapter) IsValidMethod(name string) bool {
	_, ok := a.methods[name]
	return ok
}

// GetServiceForTool returns the backend operation the tool runs.
func (a *Adapter) GetServiceForTool(name string) (string, bool) {
	t, ok := a.tools[name]
	if !ok {
		return "", false
	}
	return t.spec.Operation, true
}

// GetServiceForMethod returns the backend operation behind a method.
// Methods the gateway answers without the backend report false.
func (a *Adapter) GetServiceForMethod(name string) (string, bool) {
	m, ok := a.methods[name]
	if !ok || m.operation == "" {
		return "", false
	}
	return m.operation, true
}

// ListTools describes every tool in declaration order.
func (a *Adapter) ListTools() []mcp.Tool {
	tools := make([]mcp.Tool, 0, len(a.toolOrder))
	for _, name := range a.toolOrder {
		tools = append(tools, a.tools[name].describe())
	}
	return tools
}

// GetToolNames returns the tool names, sorted.
func (a *Adapter) GetToolNames() []string {
	names := make([]string, 0, len(a.tools))
	for name := range a.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetMethodNames returns the method names, sorted.
func (a *Adapter) GetMethodNames() []string {
	names := make([]string, 0, len(a.methods))
	for name := range a.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
