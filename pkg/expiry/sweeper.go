package expiry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/smiecj/distsqld/pkg/log"
	"github.com/smiecj/distsqld/pkg/metrics"
	"github.com/smiecj/distsqld/pkg/stopper"
)

// ExpireFunc is invoked once per id confirmed past its deadline and
// inactive. It must not block for long; the sweeper calls it
// synchronously, one id at a time, in deadline order.
type ExpireFunc func(ctx context.Context, id uuid.UUID)

// ActivityFunc resolves id to its current last-activity time (ms since
// epoch) and effective timeout (ms), so the sweeper can recompute a
// deadline from live data instead of trusting a possibly-stale queue
// entry. ok is false once id is no longer known to the owner (already
// unregistered), in which case the sweeper just drops the queue entry.
type ActivityFunc func(id uuid.UUID) (lastActiveMs, timeoutMs int64, active, ok bool)

// Sweeper periodically pops due entries off a Queue, recomputes each
// entry's deadline from live activity data, and invokes an ExpireFunc only
// for ids that are both past the recomputed deadline and inactive.
// Mirrors the wake-every-timeout/2 loop pkg/session/registry.go's
// RunIdleSweep uses for the session side of the expiration algorithm.
type Sweeper struct {
	queue    *Queue
	interval time.Duration
	activity ActivityFunc
	onExpire ExpireFunc
	expired  *metrics.Counter
}

// NewSweeper constructs a Sweeper that checks queue every interval.
func NewSweeper(queue *Queue, interval time.Duration, activity ActivityFunc, onExpire ExpireFunc, reg *metrics.Registry, counterName, counterHelp string) *Sweeper {
	return &Sweeper{
		queue:    queue,
		interval: interval,
		activity: activity,
		onExpire: onExpire,
		expired:  reg.NewCounter(counterName, counterHelp),
	}
}

// Run starts the sweep loop under sp, returning once sp quiesces.
func (s *Sweeper) Run(ctx context.Context, sp *stopper.Stopper, taskName string) {
	if s.interval <= 0 {
		return
	}
	_ = sp.RunAsyncTask(ctx, taskName, func(ctx context.Context) {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-sp.ShouldQuiesce():
				return
			case <-ticker.C:
				s.sweepOnce(ctx)
			}
		}
	})
}

// sweepOnce pops every entry past its stored deadline, then for each one
// recomputes the deadline as last_active+timeout_ms: an id that is still
// active, or whose recomputed deadline is now in the future, is re-keyed
// under the new deadline rather than expired, so activity that raced with
// the sweep always wins. Only an id that is both inactive and still past
// its recomputed deadline is expired.
func (s *Sweeper) sweepOnce(ctx context.Context) {
	now := time.Now().UnixMilli()
	due := s.queue.PopExpired(now)
	for _, id := range due {
		lastActiveMs, timeoutMs, active, ok := s.activity(id)
		if !ok {
			continue // already unregistered; queue entry already dropped
		}
		newDeadlineMs := lastActiveMs + timeoutMs
		if active || newDeadlineMs > now {
			s.queue.Upsert(id, newDeadlineMs)
			continue
		}
		s.expired.Inc()
		log.Infof(ctx, "expiration sweep: id %s past deadline", id)
		s.onExpire(ctx, id)
	}
}
