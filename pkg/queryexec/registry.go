package queryexec

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/smiecj/distsqld/pkg/audit"
	"github.com/smiecj/distsqld/pkg/authz"
	"github.com/smiecj/distsqld/pkg/expiry"
	"github.com/smiecj/distsqld/pkg/log"
	"github.com/smiecj/distsqld/pkg/profilelog"
	"github.com/smiecj/distsqld/pkg/querylocations"
	"github.com/smiecj/distsqld/pkg/queryoptions"
	"github.com/smiecj/distsqld/pkg/rpcif"
	"github.com/smiecj/distsqld/pkg/session"
	"github.com/smiecj/distsqld/pkg/status"
	"github.com/smiecj/distsqld/pkg/syncutil"
)

// Sentinel errors surfaced to RPC handlers.
var (
	ErrAlreadyRegistered = errors.New("query id already exists")
	ErrUnknownQuery      = errors.New("unknown query ID")
)

// Registry is the coordinator-side Query Registry. Lock order is
// session -> registry -> expiration; this type never acquires the
// expiration lock and then a session lock.
type Registry struct {
	sessions          *session.Registry
	frontend          rpcif.Frontend
	locations         *querylocations.Index
	expiration        *expiry.Queue
	logRing           *LogRing
	idleQueryTimeoutS int
	proxies           authz.ProxyMap
	profiles          *profilelog.Writer
	auditLog          *audit.Writer

	mu struct {
		syncutil.RWMutex
		byID map[uuid.UUID]*State
	}
}

// New constructs a Query Registry. idleQueryTimeoutS is the global default
// D from the (0 disables it unless a query sets its own). profiles and
// auditLog may be nil, disabling the profile log and audit log
// respectively, matching -log_query_to_file=false / an empty
// -audit_event_log_dir.
func New(
	sessions *session.Registry,
	frontend rpcif.Frontend,
	locations *querylocations.Index,
	expiration *expiry.Queue,
	logRingSize int,
	idleQueryTimeoutS int,
	proxies authz.ProxyMap,
	profiles *profilelog.Writer,
	auditLog *audit.Writer,
) *Registry {
	r := &Registry{
		sessions:          sessions,
		frontend:          frontend,
		locations:         locations,
		expiration:        expiration,
		logRing:           NewLogRing(logRingSize),
		idleQueryTimeoutS: idleQueryTimeoutS,
		proxies:           proxies,
		profiles:          profiles,
		auditLog:          auditLog,
	}
	r.mu.byID = make(map[uuid.UUID]*State)
	return r
}

// Activity implements expiry.ActivityFunc against the Query Registry, so
// the idle-query Sweeper can recompute a query's deadline from its live
// last-activity time instead of trusting a possibly-stale queue entry.
func (r *Registry) Activity(queryID uuid.UUID) (lastActiveMs, timeoutMs int64, active, ok bool) {
	exec, found := r.Get(queryID)
	if !found {
		return 0, 0, false, false
	}
	return exec.LastActivity().UnixMilli(), exec.EffectiveIdleTimeoutMs(), exec.IsActive(), true
}

// LogRing exposes the query log ring for read-only inspection (e.g. a
// SHOW QUERIES-style RPC handler).
func (r *Registry) LogRing() *LogRing { return r.logRing }

// Get resolves a query id under the registry lock. It never takes the
// returned State's own lock; callers do that themselves, matching the
// lock-order break Cancel relies on: registry briefly, then release, then
// exec-state.
func (r *Registry) Get(queryID uuid.UUID) (*State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.mu.byID[queryID]
	return s, ok
}

// Register inserts exec into the registry and binds it to sess's in-flight
// set. Lock order here is session -> registry.
func (r *Registry) Register(ctx context.Context, sess *session.Session, exec *State) error {
	sess.Lock()
	if sess.Closed() {
		sess.Unlock()
		return session.ErrSessionClosed
	}
	if sess.Expired() {
		sess.Unlock()
		return session.ErrSessionExpired
	}
	if sess.RefCount() == 0 {
		sess.Unlock()
		return errors.New("session has no active reference; call Get(markActive=true) first")
	}
	sess.Unlock()

	r.mu.Lock()
	if _, exists := r.mu.byID[exec.QueryID]; exists {
		r.mu.Unlock()
		return ErrAlreadyRegistered
	}
	exec.onDone = r.archive
	r.mu.byID[exec.QueryID] = exec
	r.mu.Unlock()

	if err := r.sessions.BindInflightQuery(sess, exec.QueryID); err != nil {
		r.mu.Lock()
		delete(r.mu.byID, exec.QueryID)
		r.mu.Unlock()
		return err
	}

	timeoutS := queryoptions.EffectiveQueryTimeoutS(r.idleQueryTimeoutS, exec.EffectiveTimeoutS())
	if timeoutS > 0 {
		exec.SetEffectiveIdleTimeout(int64(timeoutS) * 1000)
		r.expiration.Upsert(exec.QueryID, time.Now().Add(time.Duration(timeoutS)*time.Second).UnixMilli())
	}
	return nil
}

// Execute assigns a fresh query id, registers the query, checks do-as
// authorization, plans sql via the Frontend, and if planning succeeds
// records the result metadata and one query_locations entry per unique
// executor host. It does not start coordinator-side execution: the query
// stays in PhasePlanning until SetCoordinator records a Coordinator.
func (r *Registry) Execute(ctx context.Context, sess *session.Session, sql string) (*State, error) {
	sess.Lock()
	opts := sess.Options()
	database := sess.Database()
	connectedUser := sess.ConnectedUser()
	delegatedUser := sess.DelegatedUser()
	networkAddress := sess.NetworkAddress()
	sess.Unlock()

	exec := NewState(sess.ID, sql, opts, connectedUser, delegatedUser, networkAddress)

	if err := r.Register(ctx, sess, exec); err != nil {
		return nil, err
	}

	if err := r.checkAuthorization(connectedUser, delegatedUser); err != nil {
		r.Unregister(ctx, exec.QueryID, status.New(err.Error()))
		return exec, err
	}

	exec.Lock()
	exec.setPhaseLocked(PhasePlanning)
	exec.Unlock()

	plan, err := r.frontend.PlanQuery(ctx, sql, database, opts)
	if err != nil {
		exec.Finish(status.FromError(err))
		r.Unregister(ctx, exec.QueryID, status.FromError(err))
		return exec, err
	}
	exec.SetResultMetadata(plan)

	seen := make(map[string]struct{}, len(plan.ExecutorHosts))
	for _, host := range plan.ExecutorHosts {
		if _, dup := seen[host]; dup {
			continue
		}
		seen[host] = struct{}{}
		r.locations.AddFragmentLocation(host, exec.QueryID)
	}

	return exec, nil
}

// checkAuthorization enforces the do-as delegation check when the session
// has a delegated user set. A no-op when the session isn't delegating.
func (r *Registry) checkAuthorization(connectedUser, delegatedUser string) error {
	if delegatedUser == "" || delegatedUser == connectedUser {
		return nil
	}
	st := authz.AuthorizeProxyUser(r.proxies, connectedUser, delegatedUser)
	if st.Ok() {
		return nil
	}
	return errors.New(st.GetErrorMsg())
}

// Unregister cancels the query, removes it from the registry, unbinds it
// from its session, clears query_locations, records an audit entry if the
// query's final status is an authorization failure, and archives it into
// the query log. It matches session.UnregisterFunc's signature so it can
// be wired as the Session Registry's unregisterQuery callback.
func (r *Registry) Unregister(ctx context.Context, queryID uuid.UUID, cause status.Status) {
	exec, ok := r.Get(queryID)
	if !ok {
		return
	}

	exec.Cancel(ctx, cause)

	r.mu.Lock()
	delete(r.mu.byID, queryID)
	r.mu.Unlock()
	r.expiration.Remove(queryID)

	if sess, err := r.sessions.Get(exec.SessionID, false); err == nil {
		r.sessions.UnbindInflightQuery(sess, queryID)
	}

	r.locations.ClearQuery(queryID)
	finalStatus := exec.Status()
	exec.Finish(finalStatus)

	if r.auditLog != nil && authz.IsAuthorizationError(finalStatus) {
		entry := audit.Entry{
			QueryID:              exec.QueryID,
			SessionID:            exec.SessionID,
			StartTime:            exec.StartedAt.UTC().String(),
			AuthorizationFailure: true,
			Status:               finalStatus.GetErrorMsg(),
			User:                 exec.DelegatedUser,
			Impersonator:         exec.ConnectedUser,
			NetworkAddress:       exec.NetworkAddress,
			SQLStatement:         string(exec.SQL),
		}
		if err := r.auditLog.Append(entry); err != nil {
			log.Warningf(ctx, "audit log: failed to record authorization failure for query %s: %v", queryID, err)
		}
	}
}

// Cancel resolves the exec state and requests cooperative cancellation
// without unregistering it, preserving the distinction between
// fatal (Unregister) and recoverable (Cancel) events.
func (r *Registry) Cancel(ctx context.Context, queryID uuid.UUID, cause status.Status) error {
	exec, ok := r.Get(queryID)
	if !ok {
		return errors.Wrapf(ErrUnknownQuery, "query %s", queryID)
	}
	exec.Cancel(ctx, cause)
	return nil
}

// ReportExecStatus forwards an executor's status report to the query's
// Coordinator. Once Unregister(q) has returned, this always fails with
// ErrUnknownQuery.
func (r *Registry) ReportExecStatus(
	ctx context.Context, queryID uuid.UUID, backendIdx int, fragmentInstanceID uuid.UUID, done bool, st status.Status,
) error {
	exec, ok := r.Get(queryID)
	if !ok {
		return errors.Wrapf(ErrUnknownQuery,
			"ReportExecStatus(): Received report for unknown query ID %s (backend %d, fragment %s, done=%v)",
			queryID, backendIdx, fragmentInstanceID, done)
	}
	exec.mu.Lock()
	coord := exec.mu.coordinator
	exec.touchLocked()
	timeoutMs := exec.mu.effectiveIdleTimeoutMs
	exec.mu.Unlock()
	if timeoutMs > 0 {
		r.expiration.Upsert(queryID, time.Now().Add(time.Duration(timeoutMs)*time.Millisecond).UnixMilli())
	}
	if coord == nil {
		return errors.New("query has no coordinator yet")
	}
	coord.UpdateFragmentExecStatus(ctx, backendIdx, fragmentInstanceID, done, st)
	return nil
}

// archive computes the query log record, appends it to the ring, and
// writes it to the profile log file; wired as exec.onDone by Register so
// it runs exactly once per query, on the same call path as Finish.
func (r *Registry) archive(exec *State) {
	profileText := "" // profile tree rendering is out of scope
	rec := Record{
		QueryID:       exec.QueryID,
		SQL:           string(exec.SQL),
		StartTime:     exec.StartedAt,
		EndTime:       exec.EndedAt(),
		FinalStatus:   exec.Status(),
		ProfileText:   profileText,
		ProfileBase64: EncodeProfile(profileText),
	}
	r.logRing.Append(rec)
	if !rec.FinalStatus.Ok() {
		log.Infof(context.Background(), "query %s finished with error: %s", exec.QueryID, rec.FinalStatus.GetErrorMsg())
	}
	if r.profiles != nil {
		if err := r.profiles.Append(exec.QueryID, rec.ProfileBase64); err != nil {
			log.Warningf(context.Background(), "profile log: failed to append query %s: %v", exec.QueryID, err)
		}
	}
}
