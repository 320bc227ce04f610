package fragment

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/smiecj/distsqld/pkg/status"
	"github.com/smiecj/distsqld/pkg/stopper"
)

func TestExecPlanFragmentRemovesEntryOnCompletion(t *testing.T) {
	sp := stopper.New()
	defer sp.Stop(context.Background())
	r := New(sp)

	p := Params{FragmentInstanceID: uuid.New(), QueryID: uuid.New(), BackendIdx: 0}
	done := make(chan struct{})
	st := r.ExecPlanFragment(context.Background(), p,
		func(ctx context.Context) error { return nil },
		func(ctx context.Context, cancel <-chan struct{}) status.Status {
			close(done)
			return status.OK
		})
	if !st.Ok() {
		t.Fatalf("ExecPlanFragment status = %v, want OK", st)
	}

	<-done
	if _, ok := r.Lookup(p.FragmentInstanceID); ok {
		// allow the worker goroutine a moment to delete the entry after exec returns
		time.Sleep(20 * time.Millisecond)
		if _, ok := r.Lookup(p.FragmentInstanceID); ok {
			t.Fatal("fragment entry still present after worker completed")
		}
	}
}

func TestCancelPlanFragmentUnknownID(t *testing.T) {
	sp := stopper.New()
	defer sp.Stop(context.Background())
	r := New(sp)

	st := r.CancelPlanFragment(uuid.New())
	if st.Ok() {
		t.Fatal("CancelPlanFragment(unknown) = OK, want error")
	}
}

func TestCancelPlanFragmentSignalsState(t *testing.T) {
	sp := stopper.New()
	defer sp.Stop(context.Background())
	r := New(sp)

	p := Params{FragmentInstanceID: uuid.New(), QueryID: uuid.New()}
	cancelled := make(chan struct{})
	st := r.ExecPlanFragment(context.Background(), p,
		func(ctx context.Context) error { return nil },
		func(ctx context.Context, cancel <-chan struct{}) status.Status {
			<-cancel
			close(cancelled)
			return status.New("cancelled")
		})
	if !st.Ok() {
		t.Fatalf("ExecPlanFragment status = %v", st)
	}

	if got := r.CancelPlanFragment(p.FragmentInstanceID); !got.Ok() {
		t.Fatalf("CancelPlanFragment = %v, want OK", got)
	}

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("worker was not cancelled")
	}
}

func TestTransmitDataAppendsAndClosesStream(t *testing.T) {
	sp := stopper.New()
	defer sp.Stop(context.Background())
	r := New(sp)

	key := TransmitParams{
		DestFragmentInstanceID: uuid.New(),
		DestNodeID:             1,
		SenderID:               2,
		Batch:                  RowBatch("row-bytes"),
	}
	if st := r.TransmitData(context.Background(), key); !st.Ok() {
		t.Fatalf("TransmitData(batch) = %v, want OK", st)
	}

	eos := key
	eos.Batch = nil
	eos.EOS = true
	if st := r.TransmitData(context.Background(), eos); !st.Ok() {
		t.Fatalf("TransmitData(eos) = %v, want OK", st)
	}

	streamKey := StreamKey{FragmentInstanceID: key.DestFragmentInstanceID, NodeID: key.DestNodeID, SenderID: key.SenderID}
	batches, closed := r.Streams().Drain(streamKey)
	if !closed {
		t.Fatal("stream not closed after EOS")
	}
	if len(batches) != 1 || string(batches[0]) != "row-bytes" {
		t.Fatalf("Drain() = %v, want [row-bytes]", batches)
	}
}
