package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/smiecj/distsqld/pkg/metrics"
	"github.com/smiecj/distsqld/pkg/queryoptions"
	"github.com/smiecj/distsqld/pkg/status"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(unregister UnregisterFunc, idleTimeout time.Duration) *Registry {
	if unregister == nil {
		unregister = func(context.Context, uuid.UUID, status.Status) {}
	}
	return New(unregister, idleTimeout, metrics.NewRegistry())
}

func TestGetInvalidHandle(t *testing.T) {
	r := newTestRegistry(nil, 0)
	_, err := r.Get(uuid.New(), false)
	require.ErrorIs(t, err, ErrInvalidHandle)
}

func TestGetMarkActiveIncrementsRefCount(t *testing.T) {
	r := newTestRegistry(nil, 0)
	s := NewSession(KindLegacy, "conn-1", "alice", "default", "1.2.3.4:1000", queryoptions.Default())
	r.Register(s)

	got, err := r.Get(s.ID, true)
	require.NoError(t, err)
	got.Lock()
	require.Equal(t, 1, got.RefCount())
	got.Unlock()

	r.Release(got)
	got.Lock()
	require.Equal(t, 0, got.RefCount())
	got.Unlock()
}

func TestGetRejectsClosedAndExpired(t *testing.T) {
	r := newTestRegistry(nil, 0)
	s := NewSession(KindLegacy, "conn-1", "alice", "default", "", queryoptions.Default())
	r.Register(s)

	require.NoError(t, r.Close(context.Background(), s.ID, false))
	_, err := r.Get(s.ID, true)
	require.ErrorIs(t, err, ErrInvalidHandle) // removed from registry entirely once closed

	s2 := NewSession(KindLegacy, "conn-2", "bob", "default", "", queryoptions.Default())
	r.Register(s2)
	s2.Lock()
	s2.mu.expired = true
	s2.Unlock()
	_, err = r.Get(s2.ID, true)
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestCloseCascadesToInflightQueries(t *testing.T) {
	var unregistered []uuid.UUID
	r := newTestRegistry(func(_ context.Context, qid uuid.UUID, cause status.Status) {
		unregistered = append(unregistered, qid)
		require.Equal(t, "Session closed", cause.GetErrorMsg())
	}, 0)

	s := NewSession(KindLegacy, "conn-1", "alice", "default", "", queryoptions.Default())
	r.Register(s)
	q1, q2 := uuid.New(), uuid.New()
	require.NoError(t, r.BindInflightQuery(s, q1))
	require.NoError(t, r.BindInflightQuery(s, q2))

	require.NoError(t, r.Close(context.Background(), s.ID, false))
	require.ElementsMatch(t, []uuid.UUID{q1, q2}, unregistered)

	s.Lock()
	require.True(t, s.Closed())
	s.Unlock()
}

func TestCloseIdempotentWithIgnoreMissing(t *testing.T) {
	r := newTestRegistry(nil, 0)
	require.NoError(t, r.Close(context.Background(), uuid.New(), true))
	require.Error(t, r.Close(context.Background(), uuid.New(), false))
}

func TestBindInflightRejectedAfterClose(t *testing.T) {
	r := newTestRegistry(nil, 0)
	s := NewSession(KindLegacy, "conn-1", "alice", "default", "", queryoptions.Default())
	r.Register(s)
	require.NoError(t, r.Close(context.Background(), s.ID, false))
	require.ErrorIs(t, r.BindInflightQuery(s, uuid.New()), ErrSessionClosed)
}

func TestOnDisconnectClosesAllSessionsForConnection(t *testing.T) {
	r := newTestRegistry(nil, 0)
	s1 := NewSession(KindLegacy, "conn-1", "alice", "default", "", queryoptions.Default())
	s2 := NewSession(KindLegacy, "conn-1", "alice", "other", "", queryoptions.Default())
	r.Register(s1)
	r.Register(s2)

	r.OnDisconnect(context.Background(), "conn-1")

	_, err := r.Get(s1.ID, false)
	require.ErrorIs(t, err, ErrInvalidHandle)
	_, err = r.Get(s2.ID, false)
	require.ErrorIs(t, err, ErrInvalidHandle)
}

func TestSweepOnceExpiresIdleSessionWithoutRefs(t *testing.T) {
	var causeMsg string
	r := newTestRegistry(func(_ context.Context, _ uuid.UUID, cause status.Status) {
		causeMsg = cause.GetErrorMsg()
	}, 10*time.Millisecond)

	s := NewSession(KindLegacy, "conn-1", "alice", "default", "", queryoptions.Default())
	r.Register(s)
	require.NoError(t, r.BindInflightQuery(s, uuid.New()))

	s.Lock()
	s.mu.lastAccessedMs = time.Now().Add(-time.Hour).UnixMilli()
	s.Unlock()

	r.sweepOnce(context.Background())

	s.Lock()
	require.True(t, s.Expired())
	s.Unlock()
	require.Equal(t, "Session expired due to inactivity", causeMsg)
}

func TestSweepOnceSkipsSessionsWithRefs(t *testing.T) {
	r := newTestRegistry(nil, 10*time.Millisecond)
	s := NewSession(KindLegacy, "conn-1", "alice", "default", "", queryoptions.Default())
	r.Register(s)
	acquired, err := r.Get(s.ID, true)
	require.NoError(t, err)

	acquired.Lock()
	acquired.mu.lastAccessedMs = time.Now().Add(-time.Hour).UnixMilli()
	acquired.Unlock()

	r.sweepOnce(context.Background())

	acquired.Lock()
	require.False(t, acquired.Expired())
	acquired.Unlock()
}
