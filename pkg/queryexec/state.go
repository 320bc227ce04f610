// Package queryexec implements the coordinator-side Query Registry:
// QueryExecState bookkeeping, registration/unregistration, and the bounded
// query log ring.
package queryexec

import (
	"context"
	"time"

	"github.com/cockroachdb/redact"
	"github.com/google/uuid"
	"github.com/smiecj/distsqld/pkg/queryoptions"
	"github.com/smiecj/distsqld/pkg/rpcif"
	"github.com/smiecj/distsqld/pkg/status"
	"github.com/smiecj/distsqld/pkg/syncutil"
)

// Phase is the coordinator-side lifecycle state.
type Phase int

const (
	PhaseCreated Phase = iota
	PhasePlanning
	PhaseRunning
	PhaseFinished
	PhaseException
)

// State is the coordinator-side QueryExecState. All mutable fields are
// behind mu. Registry.Register publishes a State only after NewState has
// set every field, so concurrent ReportExecStatus calls never observe a
// half-initialized State; Register does not hold mu while publishing.
// Execute registers the State before planning starts (the "visible before
// planning returns" guarantee).
type State struct {
	QueryID        uuid.UUID
	SessionID      uuid.UUID
	SQL            redact.RedactableString
	StartedAt      time.Time
	ConnectedUser  string
	DelegatedUser  string
	NetworkAddress string

	mu struct {
		syncutil.Mutex

		options             queryoptions.Options
		phase               Phase
		queryStatus         status.Status
		coordinator         rpcif.Coordinator
		endedAt             time.Time
		lastActivity        time.Time
		rowsFetched         int64
		resultMetadata      rpcif.PlanResult
		doneCalled          bool
		isCancelled         bool
		effectiveIdleTimeoutMs int64
	}

	onDone func(*State) // archives into the query log; set by the registry
}

// NewState constructs a State in PhaseCreated with an OK status. connectedUser,
// delegatedUser and networkAddress are copied from the owning session at
// construction time so the audit log can still describe the query after
// the session itself has been torn down.
func NewState(sessionID uuid.UUID, sql string, opts queryoptions.Options, connectedUser, delegatedUser, networkAddress string) *State {
	s := &State{
		QueryID:        uuid.New(),
		SessionID:      sessionID,
		SQL:            redact.Sprint(sql),
		StartedAt:      time.Now(),
		ConnectedUser:  connectedUser,
		DelegatedUser:  delegatedUser,
		NetworkAddress: networkAddress,
	}
	s.mu.options = opts
	s.mu.phase = PhaseCreated
	s.mu.lastActivity = time.Now()
	return s
}

func (s *State) Lock()   { s.mu.Lock() }
func (s *State) Unlock() { s.mu.Unlock() }

// Phase returns the current lifecycle phase. Caller must hold the lock, or
// tolerate a racy read (the "racy read" pattern is only sanctioned
// for the aggregated status, not the phase, so callers reading Phase
// outside the lock must treat it as advisory only).
func (s *State) Phase() Phase { return s.mu.phase }

func (s *State) setPhaseLocked(p Phase) { s.mu.phase = p }

// touchLocked bumps last-activity to now; called on every operation that
// counts as "the query is doing something"
func (s *State) touchLocked() { s.mu.lastActivity = time.Now() }

// LastActivity returns the last-activity timestamp. Safe to call without
// the lock per the racy-read pattern: a stale read only delays
// expiration, it never causes an active query to be expired, because the
// expiration engine re-checks is_active() after computing the deadline.
func (s *State) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.lastActivity
}

// IsActive reports whether the query is presently doing work, i.e. not yet
// in a terminal phase. Used by the Expiration Engine's "is_active() ==
// false" check.
func (s *State) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.phase != PhaseFinished && s.mu.phase != PhaseException
}

// EffectiveTimeoutS returns the per-query QUERY_TIMEOUT_S option.
func (s *State) EffectiveTimeoutS() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.options.QueryTimeoutS
}

// SetEffectiveIdleTimeout records the idle-query timeout, in milliseconds,
// that Register computed for this query by combining the global default
// and the per-query option. The Expiration Engine's recompute step reads
// this back to re-derive a deadline from live activity data.
func (s *State) SetEffectiveIdleTimeout(ms int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.effectiveIdleTimeoutMs = ms
}

// EffectiveIdleTimeoutMs returns the timeout recorded by
// SetEffectiveIdleTimeout, or 0 if expiration is disabled for this query.
func (s *State) EffectiveIdleTimeoutMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.effectiveIdleTimeoutMs
}

// Status returns a copy of the aggregated query status, read under the
// lock. The field only transitions OK -> non-OK and never back, so a
// caller that has observed a non-OK status never later observes OK.
func (s *State) Status() status.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.queryStatus
}

// mergeStatusLocked applies the sticky first-error merge: once queryStatus
// is non-OK, later merges never overwrite it back to OK.
func (s *State) mergeStatusLocked(st status.Status) {
	s.mu.queryStatus.Merge(st)
}

// SetCoordinator records the Coordinator once execution begins.
func (s *State) SetCoordinator(c rpcif.Coordinator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.coordinator = c
	s.setPhaseLocked(PhaseRunning)
}

// SetResultMetadata records the planning result.
func (s *State) SetResultMetadata(pr rpcif.PlanResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.resultMetadata = pr
}

// ResultMetadata returns the recorded planning result.
func (s *State) ResultMetadata() rpcif.PlanResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.resultMetadata
}

// RecordFetch increments the row-fetch counter and touches last-activity,
// used by the client-facing Fetch RPC.
func (s *State) RecordFetch(rows int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.rowsFetched += rows
	s.touchLocked()
}

// Cancel implements QueryRegistry.Cancel's per-state half:
// sets query_status if still OK, marks cancelled, and signals the
// coordinator. Already-cancelled is a no-op, making Cancel idempotent
//.
func (s *State) Cancel(ctx context.Context, cause status.Status) {
	s.mu.Lock()
	if s.mu.isCancelled {
		s.mu.Unlock()
		return
	}
	s.mu.isCancelled = true
	s.mergeStatusLocked(cause)
	coord := s.mu.coordinator
	s.mu.Unlock()

	if coord != nil {
		coord.Cancel(ctx)
	}
}

// Finish transitions the query to a terminal phase and calls the Done()
// hook exactly once.
func (s *State) Finish(finalStatus status.Status) {
	s.mu.Lock()
	if !finalStatus.Ok() {
		s.mergeStatusLocked(finalStatus)
		s.setPhaseLocked(PhaseException)
	} else if s.mu.phase != PhaseException {
		s.setPhaseLocked(PhaseFinished)
	}
	s.mu.endedAt = time.Now()
	already := s.mu.doneCalled
	s.mu.doneCalled = true
	onDone := s.onDone
	s.mu.Unlock()

	if !already && onDone != nil {
		onDone(s)
	}
}

// EndedAt returns the end timestamp, zero if not yet finished.
func (s *State) EndedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.endedAt
}
