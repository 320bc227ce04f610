// Package fragment implements the executor-side Fragment Registry:
// FragmentExecState bookkeeping and the
// ExecPlanFragment/CancelPlanFragment/TransmitData operations
// (ReportExecStatus is handled by pkg/queryexec, keyed by query id).
// Grounded on pkg/sql/distsql/flow_registry.go's refcounted
// entry map and pkg/sql/flowinfra/flow_scheduler.go's worker lifecycle.
package fragment

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/smiecj/distsqld/pkg/status"
	"github.com/smiecj/distsqld/pkg/syncutil"
)

// Params is the subset of ExecPlanFragment's request the registry itself
// needs; the plan fragment payload and runtime wiring are out of scope
// and passed through opaquely via Exec.
type Params struct {
	FragmentInstanceID uuid.UUID
	QueryID            uuid.UUID
	BackendIdx         int
}

// Exec runs the prepared fragment to completion and returns its final
// status; cancel is closed when the fragment is cancelled. It is supplied
// by the (out-of-scope) per-fragment runtime.
type Exec func(ctx context.Context, cancel <-chan struct{}) status.Status

// State is the executor-side FragmentExecState: fragment
// instance id, query id, backend index, status, worker handle. Prepare()
// must complete before Cancel() is observable, enforced here by only
// constructing a State (and thus only exposing a cancel channel) after
// Prepare succeeds -- see Registry.ExecPlanFragment.
type State struct {
	Params

	mu struct {
		syncutil.Mutex
		status    status.Status
		cancelled bool
	}

	cancelCh chan struct{}
	once     sync.Once
	done     chan struct{} // closed when the worker goroutine returns
}

func newState(p Params) *State {
	return &State{
		Params:   p,
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Cancel requests cooperative teardown. Fire-and-forget and idempotent:
// repeated calls after the first are no-ops.
func (s *State) Cancel() {
	s.mu.Lock()
	already := s.mu.cancelled
	s.mu.cancelled = true
	s.mu.Unlock()
	if !already {
		s.once.Do(func() { close(s.cancelCh) })
	}
}

// Status returns the fragment's current status.
func (s *State) Status() status.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.status
}

func (s *State) setStatusLocked(st status.Status) {
	s.mu.status.Merge(st)
}

// Done returns a channel closed once the worker goroutine running Exec has
// returned.
func (s *State) Done() <-chan struct{} { return s.done }
