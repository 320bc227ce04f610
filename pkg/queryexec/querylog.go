package queryexec

import (
	"container/list"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	"github.com/smiecj/distsqld/pkg/status"
	"github.com/smiecj/distsqld/pkg/syncutil"
)

// Record is an archived, completed query (the QueryStateRecord).
type Record struct {
	QueryID        uuid.UUID
	SQL            string
	StartTime      time.Time
	EndTime        time.Time
	FinalStatus    status.Status
	ProfileText    string // pretty-printed profile
	ProfileBase64  string // base64-encoded profile, as written to the profile log
}

// LogRing is the bounded, newest-first query log ring. It is backed by
// container/list plus a secondary query-id index, the same entry/index-by-key shape
// pkg/sql/distsql/flow_registry.go uses for its flowRegistry map (there,
// entries are refcounted by waiters; here they're ordered by recency and
// evicted from the tail once the ring exceeds its bound).
type LogRing struct {
	mu struct {
		syncutil.Mutex
		ring  *list.List
		index map[uuid.UUID]*list.Element
	}
	bound int // -1 = unbounded, 0 = disabled
}

// NewLogRing constructs a LogRing bounded to size entries. size=-1 means
// unbounded; size=0 means archival is disabled (Append becomes a no-op),
// matching query_log_size semantics.
func NewLogRing(size int) *LogRing {
	r := &LogRing{bound: size}
	r.mu.ring = list.New()
	r.mu.index = make(map[uuid.UUID]*list.Element)
	return r
}

// Append records a completed query at the head of the ring, evicting the
// tail if the bound is exceeded. No-op if the ring is disabled (bound==0).
func (r *LogRing) Append(rec Record) {
	if r.bound == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	el := r.mu.ring.PushFront(rec)
	r.mu.index[rec.QueryID] = el

	if r.bound > 0 {
		for r.mu.ring.Len() > r.bound {
			tail := r.mu.ring.Back()
			if tail == nil {
				break
			}
			tailRec := tail.Value.(Record)
			delete(r.mu.index, tailRec.QueryID)
			r.mu.ring.Remove(tail)
		}
	}
}

// Len returns the current number of archived records.
func (r *LogRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mu.ring.Len()
}

// Lookup returns the archived record for queryID, if present.
func (r *LogRing) Lookup(queryID uuid.UUID) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.mu.index[queryID]
	if !ok {
		return Record{}, false
	}
	return el.Value.(Record), true
}

// Snapshot returns every archived record, newest first.
func (r *LogRing) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, r.mu.ring.Len())
	for el := r.mu.ring.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(Record))
	}
	return out
}

// EncodeProfile base64-encodes a pretty-printed profile string, matching
// the persisted profile log line format.
func EncodeProfile(prettyPrinted string) string {
	return base64.StdEncoding.EncodeToString([]byte(prettyPrinted))
}
