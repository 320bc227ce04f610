// Package querylocations implements the query_locations secondary index:
// network address -> set of query ids known to run a fragment there. It
// is a leaf package in the lock ordering, shared between the Query
// Registry (which populates it once a Coordinator is produced) and
// Membership Sync (which drains it when a peer disappears).
package querylocations

import (
	"github.com/google/uuid"
	"github.com/smiecj/distsqld/pkg/syncutil"
)

// Index is the address -> query-id-set mapping.
type Index struct {
	mu struct {
		syncutil.Mutex
		byAddress map[string]map[uuid.UUID]struct{}
	}
}

// New constructs an empty Index.
func New() *Index {
	idx := &Index{}
	idx.mu.byAddress = make(map[string]map[uuid.UUID]struct{})
	return idx
}

// AddFragmentLocation records that queryID has a fragment running at addr.
func (idx *Index) AddFragmentLocation(addr string, queryID uuid.UUID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.mu.byAddress[addr] == nil {
		idx.mu.byAddress[addr] = make(map[uuid.UUID]struct{})
	}
	idx.mu.byAddress[addr][queryID] = struct{}{}
}

// ClearQuery removes every entry mentioning queryID, called on Unregister.
func (idx *Index) ClearQuery(queryID uuid.UUID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for addr, ids := range idx.mu.byAddress {
		delete(ids, queryID)
		if len(ids) == 0 {
			delete(idx.mu.byAddress, addr)
		}
	}
}

// RemoveAddressesNotIn erases every address entry whose address is not in
// live, invoking onOrphaned once per (address, queryID) pair removed --
// the fan-out Membership Sync uses to build its "failed peers"
// accumulator, keyed by query id, before enqueuing cancellations.
func (idx *Index) RemoveAddressesNotIn(live map[string]struct{}, onOrphaned func(addr string, queryID uuid.UUID)) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for addr, ids := range idx.mu.byAddress {
		if _, ok := live[addr]; ok {
			continue
		}
		for queryID := range ids {
			onOrphaned(addr, queryID)
		}
		delete(idx.mu.byAddress, addr)
	}
}

// Snapshot returns a defensive copy, for tests and diagnostics.
func (idx *Index) Snapshot() map[string][]uuid.UUID {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make(map[string][]uuid.UUID, len(idx.mu.byAddress))
	for addr, ids := range idx.mu.byAddress {
		list := make([]uuid.UUID, 0, len(ids))
		for id := range ids {
			list = append(list, id)
		}
		out[addr] = list
	}
	return out
}
