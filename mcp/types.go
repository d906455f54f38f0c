// Package mcp defines the JSON-RPC envelopes, method names and error codes
// spoken by the gateway on its RPC surface and its notification stream.
package mcp

import (
	"encoding/json"
	"fmt"
)

const (
	JSONRPC_VERSION = "2.0"

	// LATEST_PROTOCOL_VERSION is answered when a client asks for a version
	// the gateway does not know.
	LATEST_PROTOCOL_VERSION = "2025-06-18"
)

// ValidProtocolVersions lists the protocol revisions accepted during initialize.
var ValidProtocolVersions = []string{
	LATEST_PROTOCOL_VERSION,
	"2025-03-26",
	"2024-11-05",
}

// MCPMethod names a request or notification method.
type MCPMethod string

const (
	MethodInitialize             MCPMethod = "initialize"
	MethodPing                   MCPMethod = "ping"
	MethodToolsList              MCPMethod = "tools/list"
	MethodToolsCall              MCPMethod = "tools/call"
	MethodResourcesList          MCPMethod = "resources/list"
	MethodResourcesTemplatesList MCPMethod = "resources/templates/list"
	MethodResourcesRead          MCPMethod = "resources/read"
	MethodResourcesSubscribe     MCPMethod = "resources/subscribe"
	MethodResourcesUnsubscribe   MCPMethod = "resources/unsubscribe"
	MethodPromptsList            MCPMethod = "prompts/list"
	MethodPromptsGet             MCPMethod = "prompts/get"

	MethodNotificationInitialized          MCPMethod = "notifications/initialized"
	MethodNotificationCancelled            MCPMethod = "notifications/cancelled"
	MethodNotificationMessage              MCPMethod = "notifications/message"
	MethodNotificationProgress             MCPMethod = "notifications/progress"
	MethodNotificationToolsListChanged     MCPMethod = "notifications/tools/list_changed"
	MethodNotificationResourcesListChanged MCPMethod = "notifications/resources/list_changed"
	MethodNotificationPromptsListChanged   MCPMethod = "notifications/prompts/list_changed"
	MethodNotificationResourceUpdated      MCPMethod = "notifications/resources/updated"
)

// IsValidProtocolVersion reports whether v is one of ValidProtocolVersions.
func IsValidProtocolVersion(v string) bool {
	for _, known := range ValidProtocolVersions {
		if known == v {
			return true
		}
	}
	return false
}

// RequestId is a JSON-RPC id: a string, a number or null.
type RequestId struct {
	value any
}

// NewRequestId wraps v, which should be a string or a number.
func NewRequestId(v any) RequestId {
	return RequestId{value: v}
}

// Value returns the raw id.
func (r RequestId) Value() any {
	return r.value
}

// IsNil reports whether the id is absent or null.
func (r RequestId) IsNil() bool {
	return r.value == nil
}

func (r RequestId) String() string {
	switch v := r.value.(type) {
	case nil:
		return "<nil>"
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (r RequestId) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.value)
}

func (r *RequestId) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v.(type) {
	case nil, string, float64:
		r.value = v
		return nil
	default:
		return fmt.Errorf("request id must be a string or a number, got %s", string(data))
	}
}

// JSONRPCMessage is any message on the RPC surface.
type JSONRPCMessage any

// JSONRPCRequest is the inbound request envelope. A request whose ID is nil
// is a notification and gets no response.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      RequestId       `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is a successful response.
type JSONRPCResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      RequestId `json:"id"`
	Result  any       `json:"result"`
}

// JSONRPCError is a failed response.
type JSONRPCError struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      RequestId `json:"id"`
	Error   *Error    `json:"error"`
}

// JSONRPCNotification is an outbound notification: no id, no response.
type JSONRPCNotification struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

// NewNotification builds a notification envelope for method.
func NewNotification(method MCPMethod, params map[string]any) JSONRPCNotification {
	return JSONRPCNotification{
		JSONRPC: JSONRPC_VERSION,
		Method:  string(method),
		Params:  params,
	}
}

// NewJSONRPCResponse builds a successful response. A nil result is sent as
// an empty object.
func NewJSONRPCResponse(id RequestId, result any) JSONRPCResponse {
	if result == nil {
		result = map[string]any{}
	}
	return JSONRPCResponse{
		JSONRPC: JSONRPC_VERSION,
		ID:      id,
		Result:  result,
	}
}

// NewJSONRPCError builds an error response.
func NewJSONRPCError(id RequestId, err *Error) JSONRPCError {
	return JSONRPCError{
		JSONRPC: JSONRPC_VERSION,
		ID:      id,
		Error:   err,
	}
}

// Tool describes one entry of a tools/list response.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ResourceTemplate describes one entry of a resources/templates/list response.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Implementation names a peer in the initialize handshake.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}
