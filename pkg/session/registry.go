package session

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/smiecj/distsqld/pkg/log"
	"github.com/smiecj/distsqld/pkg/metrics"
	"github.com/smiecj/distsqld/pkg/status"
	"github.com/smiecj/distsqld/pkg/stopper"
	"github.com/smiecj/distsqld/pkg/syncutil"
)

// Sentinel errors surfaced to callers of Get.
var (
	ErrInvalidHandle = errors.New("invalid session handle")
	ErrSessionClosed = errors.New("session closed")
	ErrSessionExpired = errors.New("session expired")
)

// UnregisterFunc unregisters a query by id, giving a human-readable cause.
// The Session Registry never imports the Query Registry directly (that
// would create the cycle the design notes warn about); instead the
// daemon wires this callback at startup.
type UnregisterFunc func(ctx context.Context, queryID uuid.UUID, cause status.Status)

// Registry is the Session Registry: session creation,
// lookup, idle expiration, and connection-to-sessions binding.
type Registry struct {
	unregisterQuery UnregisterFunc
	idleTimeout     time.Duration

	openSessions *metrics.Gauge
	numExpired   *metrics.Counter

	mu struct {
		syncutil.RWMutex
		sessions          map[uuid.UUID]*Session
		connToSessions    map[string]map[uuid.UUID]struct{}
	}
}

// New constructs a Registry. idleTimeout of 0 disables idle-session
// expiration, matching the idle_session_timeout=0 default.
func New(unregisterQuery UnregisterFunc, idleTimeout time.Duration, reg *metrics.Registry) *Registry {
	r := &Registry{
		unregisterQuery: unregisterQuery,
		idleTimeout:     idleTimeout,
		openSessions:    reg.NewGauge("distsqld_open_sessions", "Number of currently open client sessions"),
		numExpired:      reg.NewCounter("distsqld_sessions_expired_total", "Total sessions expired due to inactivity"),
	}
	r.mu.sessions = make(map[uuid.UUID]*Session)
	r.mu.connToSessions = make(map[string]map[uuid.UUID]struct{})
	return r
}

// Register inserts a newly created session into the registry and binds it
// to its connection id.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mu.sessions[s.ID] = s
	if r.mu.connToSessions[s.ConnectionID] == nil {
		r.mu.connToSessions[s.ConnectionID] = make(map[uuid.UUID]struct{})
	}
	r.mu.connToSessions[s.ConnectionID][s.ID] = struct{}{}
	r.openSessions.Inc()
}

// Get resolves a session id. If markActive, the session's lock is acquired
// to reject a closed or expired session and to bump the reference count
// atomically with that check Callers that pass
// markActive=true must call Release when done with the session.
func (r *Registry) Get(sessionID uuid.UUID, markActive bool) (*Session, error) {
	r.mu.RLock()
	s, ok := r.mu.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidHandle
	}
	if !markActive {
		return s, nil
	}
	s.Lock()
	defer s.Unlock()
	if s.mu.closed {
		return nil, ErrSessionClosed
	}
	if s.mu.expired {
		return nil, errors.Wrapf(ErrSessionExpired, "last accessed at %s", time.UnixMilli(s.mu.lastAccessedMs))
	}
	s.acquireLocked()
	return s, nil
}

// Release decrements a session's reference count and refreshes its
// last-accessed timestamp.
func (r *Registry) Release(s *Session) {
	s.Lock()
	defer s.Unlock()
	s.releaseLocked()
}

// Close removes a session from the registry, marks it closed, and
// unregisters every query it had in flight with the cause "Session
// closed". Idempotent when ignoreMissing is true.
func (r *Registry) Close(ctx context.Context, sessionID uuid.UUID, ignoreMissing bool) error {
	r.mu.Lock()
	s, ok := r.mu.sessions[sessionID]
	if ok {
		delete(r.mu.sessions, sessionID)
		if conns := r.mu.connToSessions[s.ConnectionID]; conns != nil {
			delete(conns, sessionID)
			if len(conns) == 0 {
				delete(r.mu.connToSessions, s.ConnectionID)
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		if ignoreMissing {
			return nil
		}
		return ErrInvalidHandle
	}

	s.Lock()
	s.mu.closed = true
	inflight := s.snapshotInflightLocked()
	s.Unlock()

	r.openSessions.Dec()
	cause := status.New("Session closed")
	for _, queryID := range inflight {
		r.unregisterQuery(ctx, queryID, cause)
	}
	return nil
}

// OnDisconnect closes every session bound to connectionID, tolerating
// sessions that were already closed by other means.
func (r *Registry) OnDisconnect(ctx context.Context, connectionID string) {
	r.mu.RLock()
	ids := make([]uuid.UUID, 0, len(r.mu.connToSessions[connectionID]))
	for id := range r.mu.connToSessions[connectionID] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		_ = r.Close(ctx, id, true)
	}
}

// BindInflightQuery records queryID as in-flight on s. Returns
// ErrSessionClosed if the session was closed concurrently (its
// inflight_queries set is frozen once closed).
func (r *Registry) BindInflightQuery(s *Session, queryID uuid.UUID) error {
	s.Lock()
	defer s.Unlock()
	if s.mu.closed {
		return ErrSessionClosed
	}
	s.addInflightLocked(queryID)
	return nil
}

// UnbindInflightQuery drops queryID from s's in-flight set.
func (r *Registry) UnbindInflightQuery(s *Session, queryID uuid.UUID) {
	s.Lock()
	defer s.Unlock()
	s.removeInflightLocked(queryID)
}

// RunIdleSweep starts the background idle-session expiration loop, waking
// every idleTimeout/2. It runs until sp quiesces.
// No-op if idleTimeout is 0.
func (r *Registry) RunIdleSweep(ctx context.Context, sp *stopper.Stopper) {
	if r.idleTimeout <= 0 {
		return
	}
	_ = sp.RunAsyncTask(ctx, "session-expiration", func(ctx context.Context) {
		ticker := time.NewTicker(r.idleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-sp.ShouldQuiesce():
				return
			case <-ticker.C:
				r.sweepOnce(ctx)
			}
		}
	})
}

func (r *Registry) sweepOnce(ctx context.Context) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.mu.sessions))
	for _, s := range r.mu.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	now := time.Now().UnixMilli()
	cause := status.New("Session expired due to inactivity")
	for _, s := range sessions {
		var inflight []uuid.UUID
		s.Lock()
		if s.mu.refCount > 0 || s.mu.closed || s.mu.expired {
			s.Unlock()
			continue
		}
		if now-s.mu.lastAccessedMs <= r.idleTimeout.Milliseconds() {
			s.Unlock()
			continue
		}
		s.mu.expired = true
		inflight = s.snapshotInflightLocked()
		s.Unlock()

		r.numExpired.Inc()
		log.Infof(ctx, "expiring session %s: last active at %s", s.ID, time.UnixMilli(s.mu.lastAccessedMs))
		for _, queryID := range inflight {
			r.unregisterQuery(ctx, queryID, cause)
		}
	}
}
