package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestIdUnmarshalling(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		want    any
		wantNil bool
		wantErr bool
	}{
		{name: "string id", json: `{"jsonrpc":"2.0","id":"abc","method":"ping"}`, want: "abc"},
		{name: "numeric id", json: `{"jsonrpc":"2.0","id":7,"method":"ping"}`, want: float64(7)},
		{name: "missing id", json: `{"jsonrpc":"2.0","method":"notifications/initialized"}`, wantNil: true},
		{name: "null id", json: `{"jsonrpc":"2.0","id":null,"method":"ping"}`, wantNil: true},
		{name: "object id", json: `{"jsonrpc":"2.0","id":{"a":1},"method":"ping"}`, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var req JSONRPCRequest
			err := json.Unmarshal([]byte(tc.json), &req)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantNil, req.ID.IsNil())
			if !tc.wantNil {
				assert.Equal(t, tc.want, req.ID.Value())
			}
		})
	}
}

func TestRequestIdString(t *testing.T) {
	assert.Equal(t, "42", NewRequestId(float64(42)).String())
	assert.Equal(t, "1.5", NewRequestId(1.5).String())
	assert.Equal(t, "req-1", NewRequestId("req-1").String())
	assert.Equal(t, "<nil>", RequestId{}.String())
}

func TestResponseEnvelopes(t *testing.T) {
	t.Run("nil result becomes empty object", func(t *testing.T) {
		data, err := json.Marshal(NewJSONRPCResponse(NewRequestId(float64(1)), nil))
		require.NoError(t, err)
		assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, string(data))
	})

	t.Run("error response", func(t *testing.T) {
		resp := NewJSONRPCError(NewRequestId("x"), NewError(METHOD_NOT_FOUND, "tool not found: nope"))
		data, err := json.Marshal(resp)
		require.NoError(t, err)
		assert.JSONEq(t, `{"jsonrpc":"2.0","id":"x","error":{"code":-32601,"message":"tool not found: nope"}}`, string(data))
	})

	t.Run("notification omits empty params", func(t *testing.T) {
		data, err := json.Marshal(NewNotification(MethodNotificationToolsListChanged, nil))
		require.NoError(t, err)
		assert.JSONEq(t, `{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`, string(data))
	})
}

func TestIsErrorCode(t *testing.T) {
	err := fmt.Errorf("calling backend: %w", Errorf(TOOL_EXECUTION_ERROR, "boom %d", 1))
	assert.True(t, IsErrorCode(err, TOOL_EXECUTION_ERROR))
	assert.False(t, IsErrorCode(err, INTERNAL_ERROR))
	assert.False(t, IsErrorCode(errors.New("plain"), TOOL_EXECUTION_ERROR))
	assert.Equal(t, "jsonrpc error -32000: boom 1", Errorf(TOOL_EXECUTION_ERROR, "boom %d", 1).Error())
}

func TestIsValidProtocolVersion(t *testing.T) {
	assert.True(t, IsValidProtocolVersion(LATEST_PROTOCOL_VERSION))
	assert.True(t, IsValidProtocolVersion("2024-11-05"))
	assert.False(t, IsValidProtocolVersion("1999-01-01"))
}
