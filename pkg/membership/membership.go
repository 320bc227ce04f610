// Package membership implements Membership Sync: tracking
// the live backend set from the "impala-membership" topic, and reconciling
// query_locations against it so queries with fragments on a vanished peer
// get cancelled. Grounded on pkg/gossip/node_set.go's counted-membership
// shape, generalized from node-id counts to backend-id -> address, with the
// same gauge-on-every-mutation idiom.
package membership

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/smiecj/distsqld/pkg/log"
	"github.com/smiecj/distsqld/pkg/metrics"
	"github.com/smiecj/distsqld/pkg/querylocations"
	"github.com/smiecj/distsqld/pkg/status"
	"github.com/smiecj/distsqld/pkg/syncutil"
)

// View is the live-backend-set state updated by the shared-state
// subscriber callback for topic "impala-membership".
type View struct {
	mu struct {
		syncutil.Mutex
		byBackendID map[string]string // backend id -> address
	}
	liveBackends *metrics.Gauge

	// dropLogLimiter throttles the "dropping cancellation, pool full" log
	// line to once per second per View, so a sustained overflow during an
	// outage doesn't flood the log the way an unthrottled per-query message
	// would (every heartbeat re-derives the same conclusion anyway).
	dropLogLimiter *rate.Limiter
}

// NewView constructs an empty View.
func NewView(reg *metrics.Registry) *View {
	v := &View{
		liveBackends:   reg.NewGauge("distsqld_membership_live_backends", "Number of currently live backends known to membership sync"),
		dropLogLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	v.mu.byBackendID = make(map[string]string)
	return v
}

func (v *View) updateGaugeLocked() {
	v.liveBackends.Update(int64(len(v.mu.byBackendID)))
}

// ApplyDelta applies one subscriber callback invocation for topic
// "impala-membership": if isDelta is false the known-backends map is
// cleared first; additions and deletions are then applied.
func (v *View) ApplyDelta(isDelta bool, added map[string]string, deleted []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !isDelta {
		v.mu.byBackendID = make(map[string]string)
	}
	for id, addr := range added {
		v.mu.byBackendID[id] = addr
	}
	for _, id := range deleted {
		delete(v.mu.byBackendID, id)
	}
	v.updateGaugeLocked()
}

// Addresses returns the rebuilt address set.
func (v *View) Addresses() map[string]struct{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]struct{}, len(v.mu.byBackendID))
	for _, addr := range v.mu.byBackendID {
		out[addr] = struct{}{}
	}
	return out
}

// Len returns the number of currently live backends.
func (v *View) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.mu.byBackendID)
}

// ConnCloser closes any cached RPC connection to addr, used to drop
// connections to a peer that membership sync has determined is gone.
type ConnCloser func(addr string)

// Submitter enqueues a cancellation work item, matching
// cancelpool.Pool.Submit's signature.
type Submitter func(queryID uuid.UUID, cause status.Status) error

// Reconcile implements the second half of the : for every
// (host, query_ids) entry in locations whose host fell out of the current
// address set, close cached connections to host, accumulate "failed
// peers" per query id, then enqueue one cancellation per affected query
// naming every unreachable host. If the cancellation pool is near-full
// (Submitter returns an error), the failure is logged and dropped rather
// than retried -- the next heartbeat re-derives the same conclusion.
func Reconcile(ctx context.Context, view *View, locations *querylocations.Index, closeConn ConnCloser, submit Submitter) {
	live := view.Addresses()

	failedHosts := make(map[uuid.UUID]map[string]struct{})
	closedAddrs := make(map[string]struct{})

	locations.RemoveAddressesNotIn(live, func(addr string, queryID uuid.UUID) {
		if failedHosts[queryID] == nil {
			failedHosts[queryID] = make(map[string]struct{})
		}
		failedHosts[queryID][addr] = struct{}{}
		if _, ok := closedAddrs[addr]; !ok {
			closedAddrs[addr] = struct{}{}
			closeConn(addr)
		}
	})

	for queryID, hosts := range failedHosts {
		hostList := make([]string, 0, len(hosts))
		for h := range hosts {
			hostList = append(hostList, h)
		}
		sort.Strings(hostList)
		cause := status.New("Cancelled due to unreachable impalad(s): " + strings.Join(hostList, ", "))
		if err := submit(queryID, cause); err != nil && view.dropLogLimiter.Allow() {
			log.Warningf(ctx, "membership sync: dropping cancellation for query %s, cancel pool full: %v", queryID, err)
		}
	}
}
