package session

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufferSink struct {
	bytes.Buffer
}

func (b *bufferSink) Flush() error { return nil }

func TestRegistryCreateSession(t *testing.T) {
	r := NewRegistry()

	sess, created, err := r.CreateSession("s1", "alice")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "s1", sess.SessionID())
	assert.Equal(t, "alice", sess.UserID())
	assert.Equal(t, StateUninitialized, sess.State())

	assert.True(t, r.HasSession("s1"))
	assert.Equal(t, []string{"s1"}, r.GetSessionsForUser("alice"))
}

func TestRegistryCreateSessionEmptyID(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.CreateSession("", "alice")
	assert.ErrorIs(t, err, ErrEmptySessionID)
	assert.Empty(t, r.SessionIDs())
}

func TestRegistryCreateSessionDoesNotOverwrite(t *testing.T) {
	r := NewRegistry()
	first, _, err := r.CreateSession("s1", "alice")
	require.NoError(t, err)
	first.Subscribe("topic")

	second, created, err := r.CreateSession("s1", "bob")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, first, second)
	assert.Equal(t, "alice", second.UserID())
	assert.True(t, second.IsSubscribed("topic"))
	assert.Empty(t, r.GetSessionsForUser("bob"))
}

func TestRegistryCloseSession(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.CreateSession("s1", "alice")
	require.NoError(t, err)
	_, _, err = r.CreateSession("s2", "alice")
	require.NoError(t, err)

	assert.True(t, r.CloseSession("s1"))
	assert.False(t, r.HasSession("s1"))
	assert.Equal(t, []string{"s2"}, r.GetSessionsForUser("alice"))

	assert.True(t, r.CloseSession("s2"))
	users := r.GetSessionsForUser("alice")
	assert.NotNil(t, users)
	assert.Empty(t, users)
	assert.Equal(t, 0, r.GetStatistics().UsersWithSessions)

	assert.False(t, r.CloseSession("missing"))
}

func TestRegistryCloseInvalidatesLiveReferences(t *testing.T) {
	r := NewRegistry()
	sess, _, err := r.CreateSession("s1", "alice")
	require.NoError(t, err)
	att := sess.AttachSink(&bufferSink{})

	r.CloseSession("s1")

	assert.True(t, sess.Closed())
	assert.False(t, sess.HasLiveSink())
	select {
	case <-att.Done():
	default:
		t.Fatal("attachment should be released when the session closes")
	}
}

func TestRegistryAnonymousSessionsAreNotIndexed(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.CreateSession("sys", "")
	require.NoError(t, err)

	stats := r.GetStatistics()
	assert.Equal(t, 1, stats.TotalSessions)
	assert.Equal(t, 0, stats.UsersWithSessions)
	assert.Empty(t, r.GetSessionsForUser(""))
}

func TestRegistrySessionLock(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"s1", "s2"} {
		_, _, err := r.CreateSession(id, "alice")
		require.NoError(t, err)
	}
	a := r.GetSessionLock("s1")
	assert.Same(t, a, r.GetSessionLock("s1"))
	assert.NotSame(t, a, r.GetSessionLock("s2"))

	r.CloseSession("s1")
	assert.NotSame(t, a, r.GetSessionLock("s1"), "closing drops the old lock")
	assert.Len(t, r.locks, 1)
}

func TestRegistrySessionLockUnknownIDNotKept(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.CreateSession("s1", "alice")
	require.NoError(t, err)
	r.CloseSession("s1")

	lock := r.GetSessionLock("s1")
	require.NotNil(t, lock)
	lock.Lock()
	lock.Unlock()
	assert.NotSame(t, lock, r.GetSessionLock("s1"))
	assert.Empty(t, r.locks, "a lookup after close must not re-add the entry")

	_, _, err = r.CreateSession("s1", "alice")
	require.NoError(t, err)
	assert.Same(t, r.GetSessionLock("s1"), r.GetSessionLock("s1"))
}

func TestRegistryStateAndTouch(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(WithClock(func() time.Time { return now }))
	sess, _, err := r.CreateSession("s1", "alice")
	require.NoError(t, err)
	assert.Equal(t, now, sess.CreatedAt())

	assert.True(t, r.SetSessionState("s1", StateInitialized))
	assert.Equal(t, StateInitialized, sess.State())
	assert.Equal(t, "initialized", sess.State().String())

	now = now.Add(time.Minute)
	assert.True(t, r.TouchSession("s1"))
	assert.Equal(t, now, sess.LastActivity())

	assert.False(t, r.SetSessionState("missing", StateInitialized))
	assert.False(t, r.TouchSession("missing"))
}

func TestRegistryStatistics(t *testing.T) {
	r := NewRegistry()
	for _, tc := range []struct{ id, user string }{
		{"s1", "alice"}, {"s2", "alice"}, {"s3", "bob"}, {"s4", ""},
	} {
		_, _, err := r.CreateSession(tc.id, tc.user)
		require.NoError(t, err)
	}

	stats := r.GetStatistics()
	assert.Equal(t, 4, stats.TotalSessions)
	assert.Equal(t, 2, stats.UsersWithSessions)
	assert.Equal(t, map[string]int{"alice": 2, "bob": 1}, stats.SessionsPerUser)
}

func TestSessionSinkSlot(t *testing.T) {
	r := NewRegistry()
	sess, _, err := r.CreateSession("s1", "alice")
	require.NoError(t, err)
	assert.False(t, sess.HasLiveSink())

	first := sess.AttachSink(&bufferSink{})
	assert.True(t, sess.HasLiveSink())

	second := sess.AttachSink(&bufferSink{})
	select {
	case <-first.Done():
	default:
		t.Fatal("replacing a sink must invalidate the previous attachment")
	}
	live, ok := sess.LiveSink()
	require.True(t, ok)
	assert.Same(t, second, live)

	assert.False(t, sess.DetachSink(first), "stale attachment cannot detach the new one")
	sess.MarkBroken(second)
	assert.False(t, sess.HasLiveSink())
	assert.True(t, sess.DetachSink(second))
	assert.False(t, sess.DetachSink(nil))
}

func TestSessionTopics(t *testing.T) {
	r := NewRegistry()
	sess, _, err := r.CreateSession("s1", "alice")
	require.NoError(t, err)

	sess.Subscribe("b://x")
	sess.Subscribe("a://y")
	assert.Equal(t, []string{"a://y", "b://x"}, sess.Topics())
	sess.Unsubscribe("a://y")
	assert.False(t, sess.IsSubscribed("a://y"))
	assert.True(t, sess.IsSubscribed("b://x"))
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			user := fmt.Sprintf("u%d", i%5)
			_, _, err := r.CreateSession(id, user)
			assert.NoError(t, err)
			r.TouchSession(id)
			_ = r.GetSessionsForUser(user)
			_ = r.GetStatistics()
			if i%2 == 0 {
				r.CloseSession(id)
			}
		}(i)
	}
	wg.Wait()

	stats := r.GetStatistics()
	assert.Equal(t, 25, stats.TotalSessions)
	total := 0
	for _, n := range stats.SessionsPerUser {
		total += n
	}
	assert.Equal(t, 25, total)
}
