package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/smiecj/distsqld/pkg/metrics"
	"github.com/smiecj/distsqld/pkg/rpcif"
)

type fakeDeserializer struct {
	objects map[string]rpcif.CatalogObject
}

func (d *fakeDeserializer) Deserialize(key string, value []byte) (rpcif.CatalogObject, error) {
	return d.objects[key], nil
}

type fakeFrontend struct {
	updateErr    error
	lookup       map[string]rpcif.CatalogObject
	serviceID    string
	updateCalls  int
	lastAdded    []rpcif.CatalogObject
	lastRemoved  []rpcif.CatalogObject
}

func (f *fakeFrontend) PlanQuery(ctx context.Context, sql, database string, opts interface{}) (rpcif.PlanResult, error) {
	return rpcif.PlanResult{}, nil
}

func (f *fakeFrontend) UpdateCatalogCache(ctx context.Context, added, removed []rpcif.CatalogObject) (string, error) {
	f.updateCalls++
	f.lastAdded = added
	f.lastRemoved = removed
	if f.updateErr != nil {
		return "", f.updateErr
	}
	return f.serviceID, nil
}

func (f *fakeFrontend) LookupCatalogObject(ctx context.Context, key string) (rpcif.CatalogObject, bool) {
	obj, ok := f.lookup[key]
	return obj, ok
}

type fakeLibCache struct {
	refreshed []string
	dropped   []string
	droppedAll bool
}

func (c *fakeLibCache) SetNeedsRefresh(location string) { c.refreshed = append(c.refreshed, location) }
func (c *fakeLibCache) Drop(location string)            { c.dropped = append(c.dropped, location) }
func (c *fakeLibCache) DropAll()                        { c.droppedAll = true }

func TestApplyDeltaCommitsOnSuccess(t *testing.T) {
	view := NewView(metrics.NewRegistry())
	deser := &fakeDeserializer{objects: map[string]rpcif.CatalogObject{
		"catalog-key": {Kind: rpcif.CatalogObjectCatalog, CatalogServiceID: "svc-1", CatalogVersion: 7},
	}}
	frontend := &fakeFrontend{serviceID: "svc-1"}
	libCache := &fakeLibCache{}
	s := New(view, frontend, libCache, deser, nil)

	delta := TopicDelta{
		Entries:   []TopicEntry{{Key: "catalog-key", Value: nil}},
		ToVersion: 10,
	}
	if err := s.ApplyDelta(context.Background(), delta); err != nil {
		t.Fatalf("ApplyDelta() = %v", err)
	}

	snap := view.Get()
	if !snap.Ready || snap.CatalogVersion != 7 || snap.TopicVersion != 10 || snap.CatalogServiceID != "svc-1" {
		t.Fatalf("view after ApplyDelta = %+v", snap)
	}
}

func TestApplyDeltaFailureMarksNotReadyAndResends(t *testing.T) {
	view := NewView(metrics.NewRegistry())
	view.mu.Lock()
	view.commitLocked(1, 1, "svc-1")
	view.mu.Unlock()

	deser := &fakeDeserializer{objects: map[string]rpcif.CatalogObject{}}
	frontend := &fakeFrontend{updateErr: errTest{}}
	libCache := &fakeLibCache{}
	resendCalled := false
	s := New(view, frontend, libCache, deser, func(ctx context.Context) { resendCalled = true })

	err := s.ApplyDelta(context.Background(), TopicDelta{ToVersion: 2})
	if err == nil {
		t.Fatal("ApplyDelta() = nil, want error")
	}
	if view.Ready() {
		t.Fatal("view still ready after failed update")
	}
	if !libCache.droppedAll {
		t.Fatal("library cache not dropped on failure")
	}
	if !resendCalled {
		t.Fatal("resend callback not invoked on failure")
	}
}

type errTest struct{}

func (errTest) Error() string { return "update failed" }

func TestApplyDeltaFailureStillAdvancesMinSubscriberVersionAndBroadcasts(t *testing.T) {
	view := NewView(metrics.NewRegistry())
	deser := &fakeDeserializer{objects: map[string]rpcif.CatalogObject{}}
	frontend := &fakeFrontend{updateErr: errTest{}}
	libCache := &fakeLibCache{}
	s := New(view, frontend, libCache, deser, func(ctx context.Context) {})

	waiterDone := make(chan struct{})
	go func() {
		view.Wait(func(snap Snapshot) bool { return snap.MinSubscriberTopicVersion >= 5 })
		close(waiterDone)
	}()

	if err := s.ApplyDelta(context.Background(), TopicDelta{ToVersion: 5}); err == nil {
		t.Fatal("ApplyDelta() = nil, want error")
	}

	select {
	case <-waiterDone:
	case <-time.After(time.Second):
		t.Fatal("waiter on min_subscriber_catalog_topic_version not woken by failed delta")
	}

	if snap := view.Get(); snap.MinSubscriberTopicVersion != 5 {
		t.Fatalf("MinSubscriberTopicVersion = %d, want 5", snap.MinSubscriberTopicVersion)
	}
}

func TestProcessCatalogUpdateResultFastPath(t *testing.T) {
	view := NewView(metrics.NewRegistry())
	frontend := &fakeFrontend{}
	s := New(view, frontend, &fakeLibCache{}, &fakeDeserializer{}, nil)

	added := []rpcif.CatalogObject{{Kind: rpcif.CatalogObjectOther, CatalogVersion: 5}}
	result := UpdateResult{Added: added, Version: 100}
	done := make(chan error, 1)
	go func() { done <- s.ProcessCatalogUpdateResult(context.Background(), result, false) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ProcessCatalogUpdateResult() = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("fast path should not block")
	}

	if frontend.updateCalls != 1 {
		t.Fatalf("UpdateCatalogCache calls = %d, want 1", frontend.updateCalls)
	}
	if len(frontend.lastAdded) != 1 || len(frontend.lastRemoved) != 0 {
		t.Fatalf("UpdateCatalogCache(added=%v, removed=%v), want 1 added, 0 removed", frontend.lastAdded, frontend.lastRemoved)
	}
}

func TestProcessCatalogUpdateResultSlowPathWaitsForVersion(t *testing.T) {
	view := NewView(metrics.NewRegistry())
	s := New(view, &fakeFrontend{}, &fakeLibCache{}, &fakeDeserializer{}, nil)

	result := UpdateResult{Version: 12}
	done := make(chan error, 1)
	go func() { done <- s.ProcessCatalogUpdateResult(context.Background(), result, false) }()

	select {
	case <-done:
		t.Fatal("slow path returned before catalog_version reached target")
	case <-time.After(50 * time.Millisecond):
	}

	view.mu.Lock()
	view.commitLocked(12, 12, "svc-1")
	view.broadcastLocked()
	view.mu.Unlock()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ProcessCatalogUpdateResult() = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("slow path did not return after catalog_version advanced")
	}
}
