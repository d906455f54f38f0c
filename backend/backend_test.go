package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schue/moqui-mcp-sub002/logger"
)

func TestOperations(t *testing.T) {
	ops := NewOperations()
	ops.Register("mcp.entity.find", func(ctx context.Context, args map[string]any) (any, error) {
		return map[string]any{"entity": args["entityName"]}, nil
	})
	ops.Register("mcp.screen.browse", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, nil
	})

	got, err := ops.Invoke(context.Background(), "mcp.entity.find", map[string]any{"entityName": "Order"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"entity": "Order"}, got)
	assert.Equal(t, []string{"mcp.entity.find", "mcp.screen.browse"}, ops.Names())

	_, err = ops.Invoke(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownOperation)
}

func TestNopAuthorizer(t *testing.T) {
	ctx := context.Background()
	got, restore := NopAuthorizer{}.Suspend(ctx)
	assert.Equal(t, ctx, got)
	assert.NotPanics(t, restore)
}

func TestHTTPCapability(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    any
		wantErr string
	}{
		{name: "result", status: http.StatusOK, body: `{"result":{"count":2}}`, want: map[string]any{"result": map[string]any{"count": float64(2)}}},
		{name: "empty body", status: http.StatusOK, body: ``, want: nil},
		{name: "error string", status: http.StatusOK, body: `{"error":"entity not found"}`, wantErr: "entity not found"},
		{name: "error object", status: http.StatusOK, body: `{"error":{"message":"permission denied"}}`, wantErr: "permission denied"},
		{name: "server error", status: http.StatusInternalServerError, body: `oops`, wantErr: "500 Internal Server Error"},
		{name: "server error with message", status: http.StatusBadGateway, body: `{"error":"upstream down"}`, wantErr: "upstream down"},
		{name: "bad json", status: http.StatusOK, body: `{`, wantErr: "decode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got invokeRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "secret", r.Header.Get("X-Service-Token"))
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewHTTPCapability(srv.URL,
				WithHeader("X-Service-Token", "secret"),
				WithTimeout(5*time.Second),
				WithLogger(logger.Nop()),
			)
			result, err := c.Invoke(context.Background(), "mcp.entity.find", map[string]any{"entityName": "Order"})

			assert.Equal(t, "mcp.entity.find", got.Operation)
			assert.Equal(t, "Order", got.Arguments["entityName"])
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, result)
		})
	}
}

func TestHTTPCapabilityHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewHTTPCapability(srv.URL, WithLogger(logger.Nop())).Invoke(ctx, "slow", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
