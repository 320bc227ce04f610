package fragment

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/smiecj/distsqld/pkg/log"
	"github.com/smiecj/distsqld/pkg/status"
	"github.com/smiecj/distsqld/pkg/stopper"
	"github.com/smiecj/distsqld/pkg/syncutil"
)

// Registry is the executor-side Fragment Registry, keyed by
// fragment instance id.
type Registry struct {
	sp      *stopper.Stopper
	streams *StreamManager

	mu struct {
		syncutil.Mutex
		byInstance map[uuid.UUID]*State
	}
}

// New constructs a Registry. sp supervises the worker goroutines launched
// by ExecPlanFragment.
func New(sp *stopper.Stopper) *Registry {
	r := &Registry{sp: sp, streams: NewStreamManager()}
	r.mu.byInstance = make(map[uuid.UUID]*State)
	return r
}

// Streams exposes the registry's stream manager for TransmitData.
func (r *Registry) Streams() *StreamManager { return r.streams }

// ExecPlanFragment constructs a FragmentExecState, runs prepare before
// registering it (so Cancel() can never race with Prepare()), then on
// success inserts it under the registry lock
// and starts a worker goroutine running exec. The registry entry is
// removed when the worker exits, tolerating a concurrent
// CancelPlanFragment having already erased it.
func (r *Registry) ExecPlanFragment(ctx context.Context, p Params, prepare func(context.Context) error, exec Exec) status.Status {
	if err := prepare(ctx); err != nil {
		return status.FromError(err)
	}

	st := newState(p)
	r.mu.Lock()
	r.mu.byInstance[p.FragmentInstanceID] = st
	r.mu.Unlock()

	err := r.sp.RunAsyncTask(ctx, "exec-plan-fragment", func(ctx context.Context) {
		defer close(st.done)
		result := exec(ctx, st.cancelCh)
		st.mu.Lock()
		st.setStatusLocked(result)
		st.mu.Unlock()

		r.mu.Lock()
		delete(r.mu.byInstance, p.FragmentInstanceID)
		r.mu.Unlock()
	})
	if err != nil {
		r.mu.Lock()
		delete(r.mu.byInstance, p.FragmentInstanceID)
		r.mu.Unlock()
		return status.FromError(err)
	}
	return status.OK
}

// CancelPlanFragment looks up instanceID and requests cooperative
// cancellation. Absent returns INTERNAL_ERROR "unknown fragment id";
// cleanup of the registry entry remains the worker's job.
func (r *Registry) CancelPlanFragment(instanceID uuid.UUID) status.Status {
	r.mu.Lock()
	st, ok := r.mu.byInstance[instanceID]
	r.mu.Unlock()
	if !ok {
		return status.New(fmt.Sprintf("unknown fragment id: %s", instanceID))
	}
	st.Cancel()
	return status.OK
}

// Lookup returns the FragmentExecState for instanceID, if still registered.
func (r *Registry) Lookup(instanceID uuid.UUID) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.mu.byInstance[instanceID]
	return st, ok
}

// RowBatch is an opaque batch of result rows; its wire encoding is out of
// scope (the I/O manager collaborator).
type RowBatch []byte

// TransmitParams names one TransmitData call's addressing triple.
type TransmitParams struct {
	DestFragmentInstanceID uuid.UUID
	DestNodeID             int
	SenderID               int
	EOS                    bool
	Batch                  RowBatch
}

// TransmitData appends a non-empty row batch to the stream manager keyed by
// (dest-fragment-instance, dest-node, sender), closing the sender on EOS,
//
func (r *Registry) TransmitData(ctx context.Context, p TransmitParams) status.Status {
	key := StreamKey{FragmentInstanceID: p.DestFragmentInstanceID, NodeID: p.DestNodeID, SenderID: p.SenderID}

	if len(p.Batch) > 0 {
		if err := r.streams.Append(key, p.Batch); err != nil {
			return status.FromError(err)
		}
	}
	if p.EOS {
		if err := r.streams.Close(key); err != nil {
			return status.FromError(err)
		}
	}
	return status.OK
}

// Quiesce cancels every currently registered fragment, used on daemon
// shutdown to unblock worker goroutines before the Stopper waits on them.
func (r *Registry) Quiesce(ctx context.Context) {
	r.mu.Lock()
	states := make([]*State, 0, len(r.mu.byInstance))
	for _, st := range r.mu.byInstance {
		states = append(states, st)
	}
	r.mu.Unlock()
	for _, st := range states {
		st.Cancel()
	}
	log.Infof(ctx, "fragment registry: requested cancellation of %d in-flight fragments", len(states))
}
