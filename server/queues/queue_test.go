package queues

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schue/moqui-mcp-sub002/testutil"
)

type item struct {
	Seq  int    `json:"seq"`
	Body string `json:"body"`
}

func backends() map[string]func() Queue[item] {
	return map[string]func() Queue[item]{
		"local": func() Queue[item] { return NewLocalQueue[item]() },
		"redis": func() Queue[item] { return NewRedisQueue[item](testutil.NewFakeRedis(), DefaultRedisPrefix) },
	}
}

func TestQueueFIFO(t *testing.T) {
	for name, newQueue := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := newQueue()
			for i := 1; i <= 3; i++ {
				require.NoError(t, q.Push(ctx, "s1", item{Seq: i}))
			}
			require.NoError(t, q.Push(ctx, "s2", item{Seq: 99}))

			n, err := q.Len(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			var got []int
			drained, err := q.Drain(ctx, "s1", func(it item) error {
				got = append(got, it.Seq)
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, 3, drained)
			assert.Equal(t, []int{1, 2, 3}, got)

			n, err = q.Len(ctx, "s1")
			require.NoError(t, err)
			assert.Zero(t, n)

			n, err = q.Len(ctx, "s2")
			require.NoError(t, err)
			assert.Equal(t, 1, n, "other keys are untouched")
		})
	}
}

func TestQueueDrainStopsOnError(t *testing.T) {
	for name, newQueue := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := newQueue()
			for i := 1; i <= 3; i++ {
				require.NoError(t, q.Push(ctx, "s1", item{Seq: i}))
			}

			boom := errors.New("sink gone")
			drained, err := q.Drain(ctx, "s1", func(it item) error {
				if it.Seq == 2 {
					return boom
				}
				return nil
			})
			assert.ErrorIs(t, err, boom)
			assert.Equal(t, 1, drained)

			var rest []int
			_, err = q.Drain(ctx, "s1", func(it item) error {
				rest = append(rest, it.Seq)
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, []int{2, 3}, rest, "the failed item stays at the head")
		})
	}
}

func TestQueueDrainStopSentinel(t *testing.T) {
	for name, newQueue := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := newQueue()
			require.NoError(t, q.Push(ctx, "s1", item{Seq: 1}))

			drained, err := q.Drain(ctx, "s1", func(item) error { return ErrStopDrain })
			require.NoError(t, err)
			assert.Zero(t, drained)

			n, _ := q.Len(ctx, "s1")
			assert.Equal(t, 1, n)
		})
	}
}

func TestQueueDelete(t *testing.T) {
	for name, newQueue := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := newQueue()
			require.NoError(t, q.Push(ctx, "s1", item{Seq: 1}))
			require.NoError(t, q.Delete(ctx, "s1"))
			n, err := q.Len(ctx, "s1")
			require.NoError(t, err)
			assert.Zero(t, n)
			require.NoError(t, q.Delete(ctx, "never-existed"))
		})
	}
}

func TestRedisQueueStoresJSONUnderPrefix(t *testing.T) {
	ctx := context.Background()
	fake := testutil.NewFakeRedis()
	q := NewRedisQueue[item](fake, "pending:")

	require.NoError(t, q.Push(ctx, "s1", item{Seq: 1, Body: "hello"}))
	assert.Equal(t, []string{`{"seq":1,"body":"hello"}`}, fake.List("pending:s1"))
}

func TestRedisQueueSkipsUndecodableItems(t *testing.T) {
	ctx := context.Background()
	fake := testutil.NewFakeRedis()
	fake.RPush(ctx, "p:s1", "not json")
	log := testutil.NewTestLogger()
	q := NewRedisQueue[item](fake, "p:", WithRedisLogger(log.Logger))
	require.NoError(t, q.Push(ctx, "s1", item{Seq: 2}))

	var got []int
	drained, err := q.Drain(ctx, "s1", func(it item) error {
		got = append(got, it.Seq)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, drained)
	assert.Equal(t, []int{2}, got)
	assert.True(t, log.Contains("component=redis-queue"))
	assert.True(t, log.Contains(`msg="dropping undecodable queued item"`))
}

func TestRedisQueueSurfacesBackendErrors(t *testing.T) {
	ctx := context.Background()
	fake := testutil.NewFakeRedis()
	q := NewRedisQueue[item](fake, "p:")
	down := errors.New("connection refused")
	fake.FailWith(down)

	assert.ErrorIs(t, q.Push(ctx, "s1", item{Seq: 1}), down)
	_, err := q.Len(ctx, "s1")
	assert.ErrorIs(t, err, down)
	_, err = q.Drain(ctx, "s1", func(item) error { return nil })
	assert.ErrorIs(t, err, down)
}

func TestLocalQueueDrainHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewLocalQueue[item]()
	require.NoError(t, q.Push(ctx, "s1", item{Seq: 1}))
	cancel()

	_, err := q.Drain(ctx, "s1", func(item) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
