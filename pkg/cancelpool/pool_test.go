package cancelpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/smiecj/distsqld/pkg/metrics"
	"github.com/smiecj/distsqld/pkg/status"
	"github.com/smiecj/distsqld/pkg/stopper"
)

func TestPoolDispatchesSubmittedJobs(t *testing.T) {
	sp := stopper.New()
	defer sp.Stop(context.Background())

	var mu sync.Mutex
	seen := make(map[uuid.UUID]status.Status)
	var wg sync.WaitGroup
	wg.Add(3)

	fn := func(ctx context.Context, queryID uuid.UUID, cause status.Status) {
		mu.Lock()
		seen[queryID] = cause
		mu.Unlock()
		wg.Done()
	}
	unregisterFn := func(ctx context.Context, queryID uuid.UUID, cause status.Status) {}

	p := New(sp, fn, unregisterFn, 16, 2, metrics.NewRegistry())
	defer p.Close()

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		if err := p.Submit(id, status.New("cancelled")); err != nil {
			t.Fatalf("Submit(%s) = %v", id, err)
		}
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancellation jobs to run")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(ids) {
		t.Fatalf("len(seen) = %d, want %d", len(seen), len(ids))
	}
}

func TestPoolSubmitRejectsWhenFull(t *testing.T) {
	sp := stopper.New()
	defer sp.Stop(context.Background())

	block := make(chan struct{})
	fn := func(ctx context.Context, queryID uuid.UUID, cause status.Status) {
		<-block
	}
	unregisterFn := func(ctx context.Context, queryID uuid.UUID, cause status.Status) {}
	p := New(sp, fn, unregisterFn, 1, 1, metrics.NewRegistry())
	defer p.Close()
	defer close(block)

	if err := p.Submit(uuid.New(), status.OK); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	// Give the single worker a moment to pick up the first job and start
	// blocking, so the queue slot is free but the worker is occupied.
	time.Sleep(20 * time.Millisecond)
	if err := p.Submit(uuid.New(), status.OK); err != nil {
		t.Fatalf("second Submit (queue slot free): %v", err)
	}
	if err := p.Submit(uuid.New(), status.OK); err == nil {
		t.Fatal("third Submit: want ErrQueueFull, got nil")
	}
}

func TestPoolSubmitUnregisterDispatchesToUnregisterFunc(t *testing.T) {
	sp := stopper.New()
	defer sp.Stop(context.Background())

	var mu sync.Mutex
	var gotCancel, gotUnregister []uuid.UUID
	fn := func(ctx context.Context, queryID uuid.UUID, cause status.Status) {
		mu.Lock()
		gotCancel = append(gotCancel, queryID)
		mu.Unlock()
	}
	unregisterFn := func(ctx context.Context, queryID uuid.UUID, cause status.Status) {
		mu.Lock()
		gotUnregister = append(gotUnregister, queryID)
		mu.Unlock()
	}
	p := New(sp, fn, unregisterFn, 16, 2, metrics.NewRegistry())
	defer p.Close()

	cancelID := uuid.New()
	unregisterID := uuid.New()
	if err := p.Submit(cancelID, status.New("cancelled")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := p.SubmitUnregister(unregisterID, status.New("session closed")); err != nil {
		t.Fatalf("SubmitUnregister: %v", err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotCancel) == 1 && len(gotUnregister) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, cancelID, gotCancel[0])
	require.Equal(t, unregisterID, gotUnregister[0])
}
