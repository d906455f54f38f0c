package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/schue/moqui-mcp-sub002/logger"
)

// maxResponseBytes bounds how much of a backend reply is read.
const maxResponseBytes = 16 << 20

// HTTPCapability invokes operations on a remote business engine. Each call
// is a POST of {"operation": ..., "arguments": ...}; the decoded body is the
// result unless it carries an "error" member.
type HTTPCapability struct {
	url    string
	client *http.Client
	header http.Header
	logger *logger.Logger
}

// HTTPOption configures an HTTPCapability.
type HTTPOption func(*HTTPCapability)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPCapability) {
		h.client = c
	}
}

// WithTimeout sets the per-call timeout of the default client.
func WithTimeout(d time.Duration) HTTPOption {
	return func(h *HTTPCapability) {
		h.client.Timeout = d
	}
}

// WithHeader adds a header to every call, e.g. a service credential.
func WithHeader(key, value string) HTTPOption {
	return func(h *HTTPCapability) {
		h.header.Add(key, value)
	}
}

func WithLogger(l *logger.Logger) HTTPOption {
	return func(h *HTTPCapability) {
		h.logger = l
	}
}

func NewHTTPCapability(url string, opts ...HTTPOption) *HTTPCapability {
	h := &HTTPCapability{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
		header: make(http.Header),
		logger: logger.DefaultLogger,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.Component("backend")
	return h
}

type invokeRequest struct {
	Operation string         `json:"operation"`
	Arguments map[string]any `json:"arguments"`
}

type invokeError struct {
	Message string `json:"message"`
}

func (h *HTTPCapability) Invoke(ctx context.Context, operation string, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	body, err := json.Marshal(invokeRequest{Operation: operation, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("encode %s arguments: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", operation, err)
	}
	for k, vs := range h.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", operation, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", operation, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		h.logger.Warn("backend call failed", "operation", operation, "status", resp.StatusCode)
		if msg := errorMessage(raw); msg != "" {
			return nil, fmt.Errorf("%s: %s", operation, msg)
		}
		return nil, fmt.Errorf("%s: backend returned %s", operation, resp.Status)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	var result any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", operation, err)
	}
	if msg := errorMessage(raw); msg != "" {
		return nil, fmt.Errorf("%s: %s", operation, msg)
	}
	return result, nil
}

// errorMessage extracts an "error" member, which may be a string or an
// object with a message.
func errorMessage(raw []byte) string {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || len(envelope.Error) == 0 || string(envelope.Error) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(envelope.Error, &s); err == nil {
		return s
	}
	var obj invokeError
	if err := json.Unmarshal(envelope.Error, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(envelope.Error)
}
