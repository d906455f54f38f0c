package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schue/moqui-mcp-sub002/bridge"
	"github.com/schue/moqui-mcp-sub002/mcp"
	"github.com/schue/moqui-mcp-sub002/mcptest"
	"github.com/schue/moqui-mcp-sub002/server"
	"github.com/schue/moqui-mcp-sub002/testutil"
)

const frameWait = 5 * time.Second

func connect(t *testing.T, srv *mcptest.Server, userID string) *mcptest.Client {
	t.Helper()
	c := srv.Client(userID)
	resp, err := c.Initialize(context.Background())
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	require.NoError(t, c.Notify(context.Background(), string(mcp.MethodNotificationInitialized)))
	return c
}

func openStream(t *testing.T, c *mcptest.Client) *mcptest.Stream {
	t.Helper()
	s, err := c.OpenStream(context.Background())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func decode(t *testing.T, f testutil.Frame) mcp.JSONRPCNotification {
	t.Helper()
	var n mcp.JSONRPCNotification
	require.NoError(t, f.Decode(&n))
	return n
}

func TestNotificationsQueuedUntilStreamOpens(t *testing.T) {
	ctx := context.Background()
	srv := mcptest.NewServer(t)
	alice := connect(t, srv, "alice")

	for i := 0; i < 2; i++ {
		srv.Events.Publish(ctx, bridge.DomainEvent{Topic: "order.placed", Title: "placed", TargetUserIDs: []string{"alice"}})
	}
	assert.Equal(t, 2, srv.Transport.QueueLength(ctx, alice.SessionID()))

	stream := openStream(t, alice)
	first, err := stream.Next(frameWait)
	require.NoError(t, err)
	second, err := stream.Next(frameWait)
	require.NoError(t, err)

	assert.Less(t, first.ID, second.ID)
	for _, f := range []testutil.Frame{first, second} {
		n := decode(t, f)
		assert.Equal(t, string(mcp.MethodNotificationMessage), n.Method)
		assert.Equal(t, "order.placed", n.Params["topic"])
	}
	assert.Zero(t, srv.Transport.QueueLength(ctx, alice.SessionID()))
}

func TestUserFanOutAcrossSessions(t *testing.T) {
	ctx := context.Background()
	srv := mcptest.NewServer(t)
	bob1 := connect(t, srv, "bob")
	bob2 := connect(t, srv, "bob")
	carol := connect(t, srv, "carol")

	stream := openStream(t, bob1)
	require.Eventually(t, func() bool { return srv.Transport.IsSessionActive(bob1.SessionID()) }, frameWait, 10*time.Millisecond)

	srv.Events.Publish(ctx, bridge.DomainEvent{Topic: "invoice.due", Title: "Invoice due", TargetUserIDs: []string{"bob"}})

	f, err := stream.Next(frameWait)
	require.NoError(t, err)
	assert.Equal(t, "Invoice due", decode(t, f).Params["title"])
	assert.Equal(t, 1, srv.Transport.QueueLength(ctx, bob2.SessionID()))
	assert.Zero(t, srv.Transport.QueueLength(ctx, carol.SessionID()))
}

func TestToolDiscoveryAndErrors(t *testing.T) {
	ctx := context.Background()
	srv := mcptest.NewServer(t)
	srv.Backend.Register("mcp.entity.find", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("entity OrderHeader not found")
	})
	c := connect(t, srv, "alice")

	resp, err := c.Call(ctx, string(mcp.MethodToolsList), map[string]any{})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	var listed struct {
		Tools []mcp.Tool `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &listed))
	var names []string
	for _, tool := range listed.Tools {
		names = append(names, tool.Name)
		assert.NotEmpty(t, tool.Description)
	}
	assert.ElementsMatch(t, srv.Adapter.GetToolNames(), names)

	tests := []struct {
		name     string
		tool     string
		args     map[string]any
		wantCode int
		wantMsg  string
	}{
		{name: "unknown tool", tool: "unknown-tool", args: map[string]any{}, wantCode: mcp.METHOD_NOT_FOUND},
		{name: "backend failure", tool: "find_entities", args: map[string]any{"entityName": "OrderHeader"}, wantCode: mcp.TOOL_EXECUTION_ERROR, wantMsg: "entity OrderHeader not found"},
		{name: "invalid arguments", tool: "find_entities", args: map[string]any{}, wantCode: mcp.INVALID_PARAMS},
		{name: "unregistered operation", tool: "browse_screens", args: map[string]any{}, wantCode: mcp.TOOL_EXECUTION_ERROR},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := c.CallTool(ctx, tt.tool, tt.args)
			require.NoError(t, err)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, resp.Error.Message)
			}
		})
	}

	resp, err = c.Call(ctx, "sampling/createMessage", map[string]any{})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.METHOD_NOT_FOUND, resp.Error.Code)
}

func TestResourceSubscription(t *testing.T) {
	ctx := context.Background()
	srv := mcptest.NewServer(t)
	watcher := connect(t, srv, "alice")
	bystander := connect(t, srv, "bob")

	resp, err := watcher.Call(ctx, string(mcp.MethodResourcesSubscribe), map[string]any{"uri": "entity://OrderHeader"})
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	stream := openStream(t, watcher)
	require.NoError(t, srv.Bridge.NotifyResourceUpdated(ctx, "entity://OrderHeader"))

	f, err := stream.Next(frameWait)
	require.NoError(t, err)
	n := decode(t, f)
	assert.Equal(t, string(mcp.MethodNotificationResourceUpdated), n.Method)
	assert.Equal(t, "entity://OrderHeader", n.Params["uri"])
	assert.Zero(t, srv.Transport.QueueLength(ctx, bystander.SessionID()))
}

func TestTopicPrefixFilter(t *testing.T) {
	ctx := context.Background()
	srv := mcptest.NewServer(t, mcptest.WithBridgeOptions(bridge.WithTopicPrefixes("order.")))
	c := connect(t, srv, "alice")

	srv.Events.Publish(ctx, bridge.DomainEvent{Topic: "hr.payroll", TargetUserIDs: []string{"alice"}})
	srv.Events.Publish(ctx, bridge.DomainEvent{Topic: "order.shipped", TargetUserIDs: []string{"alice"}})
	srv.Events.Publish(ctx, bridge.DomainEvent{Topic: "order.untargeted"})

	assert.Equal(t, 1, srv.Transport.QueueLength(ctx, c.SessionID()))
}

func TestCloseSessionSendsGoodbye(t *testing.T) {
	ctx := context.Background()
	srv := mcptest.NewServer(t)
	c := connect(t, srv, "alice")
	stream := openStream(t, c)
	require.Eventually(t, func() bool { return srv.Transport.IsSessionActive(c.SessionID()) }, frameWait, 10*time.Millisecond)

	require.NoError(t, c.CloseSession(ctx))

	f, err := stream.Next(frameWait)
	require.NoError(t, err)
	assert.Equal(t, server.EventClose, f.Event)
	_, err = stream.Next(frameWait)
	assert.ErrorIs(t, err, io.EOF, "the stream ends after the goodbye frame")
	assert.False(t, srv.Transport.Registry().HasSession(c.SessionID()))

	_, err = c.Call(ctx, string(mcp.MethodPing), nil)
	assert.Error(t, err, "closed sessions are unknown")
}

func TestReplacedStreamIsAbandoned(t *testing.T) {
	ctx := context.Background()
	srv := mcptest.NewServer(t)
	c := connect(t, srv, "alice")

	old := openStream(t, c)
	require.Eventually(t, func() bool { return srv.Transport.IsSessionActive(c.SessionID()) }, frameWait, 10*time.Millisecond)
	_, err := old.Next(10 * time.Millisecond)
	require.Error(t, err)

	replacement := openStream(t, c)
	_, err = old.Next(frameWait)
	assert.ErrorIs(t, err, io.EOF, "the superseded stream is ended")

	require.NoError(t, srv.Bridge.NotifyPromptsListChanged(ctx))
	f, err := replacement.Next(frameWait)
	require.NoError(t, err)
	assert.Equal(t, string(mcp.MethodNotificationPromptsListChanged), decode(t, f).Method)
}
