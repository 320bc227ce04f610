// Package cancelpool implements the Cancellation Engine: a
// bounded, fixed-size worker pool that dispatches Unregister/Cancel calls
// off the calling goroutine (an RPC handler, a membership-sync tick, an
// expiration sweep) so none of those callers ever blocks on a query's
// teardown. Grounded on pkg/sql/flowinfra/flow_scheduler.go's
// FlowScheduler: a bounded queue plus a fixed worker count, drained by
// Stopper-tracked goroutines rather than an unbounded goroutine-per-task
// fan-out.
package cancelpool

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/smiecj/distsqld/pkg/metrics"
	"github.com/smiecj/distsqld/pkg/status"
	"github.com/smiecj/distsqld/pkg/stopper"
)

// ErrQueueFull is returned by Submit when the pool's bounded queue is at
// capacity, matching the overflow behavior: the caller is told
// immediately rather than blocking.
var ErrQueueFull = errors.New("cancellation pool queue is full")

// CancelFunc performs cooperative-cancellation teardown for one query id:
// the recoverable event (query stays registered).
type CancelFunc func(ctx context.Context, queryID uuid.UUID, cause status.Status)

// UnregisterFunc performs full teardown for one query id: the fatal event
// (session close, session expiry), removing the query from the registry
// entirely.
type UnregisterFunc func(ctx context.Context, queryID uuid.UUID, cause status.Status)

type job struct {
	queryID    uuid.UUID
	cause      status.Status
	unregister bool
}

// Pool is the bounded Cancellation Engine worker pool. Its queue depth is
// fixed at construction (the default capacity of 65536); Submit and
// SubmitUnregister never block the caller past a channel send that either
// succeeds immediately or fails with ErrQueueFull.
type Pool struct {
	jobs         chan job
	cancelFn     CancelFunc
	unregisterFn UnregisterFunc
	queued       *metrics.Gauge
	overflow     *metrics.Counter
	handled      *metrics.Counter
}

// New constructs a Pool with the given queue capacity and worker count, and
// starts the workers under sp. numWorkers matches the
// cancellation_thread_pool_size flag, default 5.
func New(sp *stopper.Stopper, cancelFn CancelFunc, unregisterFn UnregisterFunc, capacity, numWorkers int, reg *metrics.Registry) *Pool {
	p := &Pool{
		jobs:         make(chan job, capacity),
		cancelFn:     cancelFn,
		unregisterFn: unregisterFn,
		queued:       reg.NewGauge("distsqld_cancel_pool_queued", "Number of cancellation jobs currently queued"),
		overflow:     reg.NewCounter("distsqld_cancel_pool_overflow_total", "Total cancellation submissions rejected because the queue was full"),
		handled:      reg.NewCounter("distsqld_cancel_pool_handled_total", "Total cancellation jobs completed"),
	}
	for i := 0; i < numWorkers; i++ {
		_ = sp.RunAsyncTask(context.Background(), "cancel-pool-worker", p.worker)
	}
	return p
}

func (p *Pool) worker(ctx context.Context) {
	for j := range p.jobs {
		p.queued.Dec()
		if j.unregister {
			p.unregisterFn(ctx, j.queryID, j.cause)
		} else {
			p.cancelFn(ctx, j.queryID, j.cause)
		}
		p.handled.Inc()
	}
}

// Submit enqueues a recoverable cancellation job (unregister=false): the
// query is cancelled but stays registered. It never blocks: if the queue
// is full, it returns ErrQueueFull immediately and the caller is
// responsible for deciding whether to retry, matching the Open Question
// (retry policy on overflow is left to the caller; the engine itself makes
// no reliability promise beyond "not silently dropped without a return
// value").
func (p *Pool) Submit(queryID uuid.UUID, cause status.Status) error {
	return p.submit(queryID, cause, false)
}

// SubmitUnregister enqueues a fatal teardown job (unregister=true): the
// query is cancelled and removed from the registry. Used for session
// close and session expiry, which must not block the calling goroutine
// while every in-flight query on the session is torn down.
func (p *Pool) SubmitUnregister(queryID uuid.UUID, cause status.Status) error {
	return p.submit(queryID, cause, true)
}

func (p *Pool) submit(queryID uuid.UUID, cause status.Status, unregister bool) error {
	select {
	case p.jobs <- job{queryID: queryID, cause: cause, unregister: unregister}:
		p.queued.Inc()
		return nil
	default:
		p.overflow.Inc()
		return errors.Wrapf(ErrQueueFull, "query %s", queryID)
	}
}

// Close stops accepting new jobs. Workers drain whatever remains queued
// before returning, since Stop() on the shared Stopper waits for them.
func (p *Pool) Close() {
	close(p.jobs)
}
