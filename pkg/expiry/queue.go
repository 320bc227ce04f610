// Package expiry implements the ordered deadline queue backing the
// Expiration Engine: a min-heap-like structure over
// (deadline, id) pairs that supports upsert-by-id, so a query or session
// that keeps being touched can have its deadline pushed back without a
// linear scan.
package expiry

import (
	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/smiecj/distsqld/pkg/syncutil"
)

// entry is one (deadline, id) pair. Ordering is by DeadlineMs first, then by
// ID, so two entries with the same deadline never compare equal (btree.BTreeG
// treats !less(a,b) && !less(b,a) as "the same item").
type entry struct {
	ID         uuid.UUID
	DeadlineMs int64
}

func less(a, b entry) bool {
	if a.DeadlineMs != b.DeadlineMs {
		return a.DeadlineMs < b.DeadlineMs
	}
	return a.ID.String() < b.ID.String()
}

// Queue is an ordered deadline queue keyed by uuid.UUID, grounded on
// pkg/sql/catalog/lease/lease.go's btree.NewG(2, less) usage of the generic
// google/btree tree for an ordered, mutation-heavy working set.
type Queue struct {
	mu struct {
		syncutil.Mutex
		tree    *btree.BTreeG[entry]
		byID    map[uuid.UUID]entry
	}
}

// New constructs an empty Queue.
func New() *Queue {
	q := &Queue{}
	q.mu.tree = btree.NewG(32, less)
	q.mu.byID = make(map[uuid.UUID]entry)
	return q
}

// Upsert records id's deadline, replacing any previous deadline for id.
func (q *Queue) Upsert(id uuid.UUID, deadlineMs int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if old, ok := q.mu.byID[id]; ok {
		q.mu.tree.Delete(old)
	}
	e := entry{ID: id, DeadlineMs: deadlineMs}
	q.mu.byID[id] = e
	q.mu.tree.ReplaceOrInsert(e)
}

// Remove drops id from the queue, if present. Called on Unregister so a
// completed query is never reported as timed out.
func (q *Queue) Remove(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if old, ok := q.mu.byID[id]; ok {
		q.mu.tree.Delete(old)
		delete(q.mu.byID, id)
	}
}

// PopExpired removes and returns every id whose deadline is <= nowMs, in
// deadline order: walk the ordered queue from the front, stop at the first
// id not yet due.
func (q *Queue) PopExpired(nowMs int64) []uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []entry
	q.mu.tree.Ascend(func(e entry) bool {
		if e.DeadlineMs > nowMs {
			return false
		}
		due = append(due, e)
		return true
	})

	ids := make([]uuid.UUID, 0, len(due))
	for _, e := range due {
		q.mu.tree.Delete(e)
		delete(q.mu.byID, e.ID)
		ids = append(ids, e.ID)
	}
	return ids
}

// Len returns the number of pending deadlines.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.mu.tree.Len()
}
