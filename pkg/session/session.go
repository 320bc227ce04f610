// Package session implements the Session Registry: client login contexts,
// their idle expiration, and the connection-to-sessions binding used to
// close every session on disconnect.
package session

import (
	"time"

	"github.com/google/uuid"
	"github.com/smiecj/distsqld/pkg/queryoptions"
	"github.com/smiecj/distsqld/pkg/syncutil"
)

// Kind distinguishes the client protocol that created a Session.
type Kind int

const (
	// KindLegacy sessions are created implicitly, one per connection.
	KindLegacy Kind = iota
	// KindHS2 sessions are created explicitly by the protocol handler.
	KindHS2
)

// Session is a client login context. Every field below its mutex is
// protected by it; ID, Kind, ConnectionID and CreatedAt are set once at
// construction and never mutated, so they're safe to read without the
// lock.
type Session struct {
	ID           uuid.UUID
	Kind         Kind
	ConnectionID string
	CreatedAt    time.Time

	mu struct {
		syncutil.Mutex

		connectedUser  string
		delegatedUser  string
		database       string
		networkAddress string
		lastAccessedMs int64
		refCount       int
		closed         bool
		expired        bool
		options        queryoptions.Options
		inflight       map[uuid.UUID]struct{}
	}
}

// NewSession constructs a Session in its initial (open, unreferenced) state.
func NewSession(kind Kind, connectionID, connectedUser, database, networkAddress string, opts queryoptions.Options) *Session {
	s := &Session{
		ID:           uuid.New(),
		Kind:         kind,
		ConnectionID: connectionID,
		CreatedAt:    time.Now(),
	}
	s.mu.connectedUser = connectedUser
	s.mu.database = database
	s.mu.networkAddress = networkAddress
	s.mu.options = opts
	s.mu.lastAccessedMs = time.Now().UnixMilli()
	s.mu.inflight = make(map[uuid.UUID]struct{})
	return s
}

// Lock/Unlock expose the per-session lock to callers that need to compose
// several field reads/writes atomically (e.g. the Session Registry's
// expiration sweep, which must hold the session lock while evaluating the
// expiry predicate -- the ).
func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// RefCount returns the current in-flight reference count. Caller must hold
// the session lock.
func (s *Session) RefCount() int { return s.mu.refCount }

// Closed reports whether the session has been closed. Caller must hold the
// session lock.
func (s *Session) Closed() bool { return s.mu.closed }

// Expired reports whether the session has been marked expired. Caller must
// hold the session lock.
func (s *Session) Expired() bool { return s.mu.expired }

// LastAccessedMs returns the last-accessed timestamp in epoch
// milliseconds. Caller must hold the session lock.
func (s *Session) LastAccessedMs() int64 { return s.mu.lastAccessedMs }

// Options returns the session's default query options. Caller must hold
// the session lock.
func (s *Session) Options() queryoptions.Options { return s.mu.options }

// SetOptions replaces the session's default query options (SET statement
// handling). Caller must hold the session lock.
func (s *Session) SetOptions(o queryoptions.Options) { s.mu.options = o }

// ConnectedUser returns the transport-authenticated identity. Caller must
// hold the session lock.
func (s *Session) ConnectedUser() string { return s.mu.connectedUser }

// DelegatedUser returns the do-as user, or "" if none. Caller must hold
// the session lock.
func (s *Session) DelegatedUser() string { return s.mu.delegatedUser }

// SetDelegatedUser records the do-as user after authorization succeeds.
// Caller must hold the session lock.
func (s *Session) SetDelegatedUser(u string) { s.mu.delegatedUser = u }

// NetworkAddress returns the client's connection address, used by the
// audit log's network_address field. Caller must hold the session lock.
func (s *Session) NetworkAddress() string { return s.mu.networkAddress }

// Database returns the session's current default database. Caller must
// hold the session lock.
func (s *Session) Database() string { return s.mu.database }

// SetDatabase updates the session's default database (USE statement).
// Caller must hold the session lock.
func (s *Session) SetDatabase(db string) { s.mu.database = db }

// acquireLocked increments the reference count; caller must hold the lock
// and must have already checked Closed()/Expired().
func (s *Session) acquireLocked() { s.mu.refCount++ }

// releaseLocked decrements the reference count and refreshes
// last-accessed; caller must hold the lock.
func (s *Session) releaseLocked() {
	if s.mu.refCount > 0 {
		s.mu.refCount--
	}
	s.mu.lastAccessedMs = time.Now().UnixMilli()
}

// addInflightLocked records queryID as in-flight on this session. Caller
// must hold the lock and must not call this once Closed() is true: once
// closed, inflight_queries is frozen.
func (s *Session) addInflightLocked(queryID uuid.UUID) {
	s.mu.inflight[queryID] = struct{}{}
}

// removeInflightLocked drops queryID from the in-flight set. Caller must
// hold the lock.
func (s *Session) removeInflightLocked(queryID uuid.UUID) {
	delete(s.mu.inflight, queryID)
}

// snapshotInflightLocked returns a copy of the in-flight query id set.
// Caller must hold the lock.
func (s *Session) snapshotInflightLocked() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(s.mu.inflight))
	for id := range s.mu.inflight {
		ids = append(ids, id)
	}
	return ids
}
