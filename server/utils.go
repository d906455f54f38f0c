package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/schue/moqui-mcp-sub002/mcp"
)

func writeJSONRPCError(
	w http.ResponseWriter,
	status int,
	code int,
	message string,
) {
	response := mcp.NewJSONRPCError(mcp.RequestId{}, mcp.NewError(code, message))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// acceptsEventStream reports whether the request's Accept header allows
// text/event-stream.
func acceptsEventStream(r *http.Request) bool {
	for _, accept := range splitHeader(r.Header.Get("Accept")) {
		if strings.HasPrefix(accept, "text/event-stream") || strings.HasPrefix(accept, "*/*") {
			return true
		}
	}
	return false
}

// splitHeader splits a comma-separated header value into individual values
func splitHeader(header string) []string {
	if header == "" {
		return nil
	}

	var values []string
	for _, value := range splitAndTrim(header, ',') {
		if value != "" {
			values = append(values, value)
		}
	}
	return values
}

// splitAndTrim splits a string by the given separator and trims whitespace from each part
func splitAndTrim(s string, sep rune) []string {
	var result []string
	var builder strings.Builder
	var inQuotes bool

	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			builder.WriteRune(r)
		case r == sep && !inQuotes:
			result = append(result, strings.TrimSpace(builder.String()))
			builder.Reset()
		default:
			builder.WriteRune(r)
		}
	}

	if builder.Len() > 0 {
		result = append(result, strings.TrimSpace(builder.String()))
	}
	return result
}
