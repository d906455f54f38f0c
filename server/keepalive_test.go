package server

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schue/moqui-mcp-sub002/logger"
	"github.com/schue/moqui-mcp-sub002/metric"
	"github.com/schue/moqui-mcp-sub002/server/session"
	"github.com/schue/moqui-mcp-sub002/testutil"
)

func TestKeepaliveTickPingsLiveSinks(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(t)
	m := metric.NewMetrics(prometheus.NewRegistry())
	k := NewKeepalive(tr, time.Second, WithKeepaliveLogger(logger.Nop()), WithKeepaliveMetrics(m))

	for _, id := range []string{"s1", "s2", "s3"} {
		_, err := tr.OpenSession(id, "alice")
		require.NoError(t, err)
	}
	live := testutil.NewRecordingSink()
	_, err := tr.RegisterSseWriter(ctx, "s1", live)
	require.NoError(t, err)

	assert.Equal(t, 1, k.Tick(ctx))
	frames := live.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, EventPing, frames[0].Event)
	assert.Equal(t, float64(3), promtest.ToFloat64(m.SessionsActive))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.SinksAttached))
}

func TestKeepaliveTickSweepsIdleSessions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tr := NewTransport(session.NewRegistry(session.WithClock(clock)),
		WithTransportLogger(logger.Nop()),
		WithTransportClock(clock),
	)
	_, err := tr.OpenSession("s1", "alice")
	require.NoError(t, err)

	k := NewKeepalive(tr, time.Second, WithIdleTimeout(time.Minute), WithKeepaliveLogger(logger.Nop()))
	k.Tick(ctx)
	assert.True(t, tr.Registry().HasSession("s1"))

	now = now.Add(2 * time.Minute)
	k.Tick(ctx)
	assert.False(t, tr.Registry().HasSession("s1"))
}

func TestKeepaliveStartStop(t *testing.T) {
	tr := newTestTransport(t)
	k := NewKeepalive(tr, 50*time.Millisecond, WithKeepaliveLogger(logger.Nop()))

	_, err := tr.OpenSession("s1", "")
	require.NoError(t, err)
	sink := testutil.NewRecordingSink()
	_, err = tr.RegisterSseWriter(context.Background(), "s1", sink)
	require.NoError(t, err)

	require.NoError(t, k.Start())
	require.NoError(t, k.Start(), "second start is a no-op")
	assert.Eventually(t, func() bool { return len(sink.Frames()) > 0 }, 5*time.Second, 20*time.Millisecond)
	k.Stop()
	k.Stop()
}

func TestKeepaliveRejectsNonPositiveInterval(t *testing.T) {
	k := NewKeepalive(newTestTransport(t), 0, WithKeepaliveLogger(logger.Nop()))
	assert.Error(t, k.Start())
}
