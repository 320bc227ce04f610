// Package catalog implements Catalog Sync: applying topic
// deltas from the shared-state subscriber, maintaining the catalog view,
// and resolving ProcessCatalogUpdateResult's version waits. Grounded on
// original_source/be/src/service/impala-server.cc's CatalogUpdateCallback
// and UpdateCatalogMetrics/ProcessCatalogUpdateResult, and on pkg/gossip's
// condition-variable-guarded view pattern for the version-wait logic.
package catalog

import (
	"sync"

	"github.com/smiecj/distsqld/pkg/metrics"
)

// View is the catalog-version lock's guarded state: the locally observed
// catalog_version, topic_version, catalog_service_id, and the minimum
// topic version observed across subscribers, plus a readiness flag (not
// ready while resyncing from version 0).
type View struct {
	mu   sync.Mutex
	cond *sync.Cond

	catalogServiceID          string
	catalogVersion            int64
	topicVersion              int64
	minSubscriberTopicVersion int64
	ready                     bool

	readyGauge *metrics.Gauge
}

// NewView constructs an empty, not-ready View.
func NewView(reg *metrics.Registry) *View {
	v := &View{
		readyGauge: reg.NewGauge("distsqld_catalog_ready", "1 if the catalog cache is ready, 0 while resyncing"),
	}
	v.cond = sync.NewCond(&v.mu)
	return v
}

// Snapshot is a point-in-time copy of the catalog view's fields.
type Snapshot struct {
	CatalogServiceID          string
	CatalogVersion            int64
	TopicVersion              int64
	MinSubscriberTopicVersion int64
	Ready                     bool
}

// Get returns a Snapshot of the current view.
func (v *View) Get() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

func (v *View) snapshotLocked() Snapshot {
	return Snapshot{
		CatalogServiceID:          v.catalogServiceID,
		CatalogVersion:            v.catalogVersion,
		TopicVersion:              v.topicVersion,
		MinSubscriberTopicVersion: v.minSubscriberTopicVersion,
		Ready:                     v.ready,
	}
}

// Ready reports whether the catalog is ready to serve queries, used by
// cmd/daemon to flip the gRPC health service's serving status.
func (v *View) Ready() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ready
}

// setNotReadyLocked marks the catalog not ready, e.g. after a failed
// update forces a resync from version 0.
func (v *View) setNotReadyLocked() {
	v.ready = false
	v.readyGauge.Update(0)
}

// commitLocked commits {new_catalog_version, delta.to_version,
// resp.catalog_service_id}, marking the catalog ready.
func (v *View) commitLocked(newCatalogVersion, toVersion int64, serviceID string) {
	v.catalogServiceID = serviceID
	v.catalogVersion = newCatalogVersion
	v.topicVersion = toVersion
	v.ready = true
	v.readyGauge.Update(1)
}

// updateMinSubscriberVersionLocked always advances
// min_subscriber_catalog_topic_version from the delta, regardless of
// whether the update itself succeeded.
func (v *View) updateMinSubscriberVersionLocked(minVersion int64) {
	if minVersion > v.minSubscriberTopicVersion {
		v.minSubscriberTopicVersion = minVersion
	}
}

// Wait blocks until pred(v)==true, re-evaluating each time the
// catalog-version condition variable is broadcast. Used by
// ProcessCatalogUpdateResult's version waits.
func (v *View) Wait(pred func(Snapshot) bool) Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	for !pred(v.snapshotLocked()) {
		v.cond.Wait()
	}
	return v.snapshotLocked()
}

// broadcastLocked wakes every goroutine blocked in Wait.
func (v *View) broadcastLocked() {
	v.cond.Broadcast()
}
