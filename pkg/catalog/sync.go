package catalog

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/smiecj/distsqld/pkg/log"
	"github.com/smiecj/distsqld/pkg/rpcif"
)

// TopicEntry is one (key, serialized value) pair from the shared-state
// subscriber's topic delta.
type TopicEntry struct {
	Key   string
	Value []byte
}

// TopicDelta is the shared-state subscriber's update for topic
// "impala-catalog".
type TopicDelta struct {
	IsDelta     bool
	Entries     []TopicEntry
	DeletedKeys []string
	ToVersion   int64
}

// Deserializer turns one topic entry's raw bytes into a CatalogObject. Its
// wire format is out of scope; a real implementation would
// live alongside the Frontend.
type Deserializer interface {
	Deserialize(key string, value []byte) (rpcif.CatalogObject, error)
}

// Resend is invoked when an update fails, asking the shared-state
// subscriber to drop its cursor and resend the whole topic from version 0.
type Resend func(ctx context.Context)

// Sync implements Catalog Sync.
type Sync struct {
	view         *View
	frontend     rpcif.Frontend
	libCache     rpcif.LibraryCache
	deserializer Deserializer
	resend       Resend
}

// New constructs a Sync.
func New(view *View, frontend rpcif.Frontend, libCache rpcif.LibraryCache, deserializer Deserializer, resend Resend) *Sync {
	return &Sync{view: view, frontend: frontend, libCache: libCache, deserializer: deserializer, resend: resend}
}

// ApplyDelta runs the six-step catalog-delta application algorithm:
// deserialize, resolve deletions, update the catalog cache, resync from
// scratch on failure, commit on success. Step 6 (advance
// min_subscriber_catalog_topic_version and broadcast) always runs, on the
// failure path as well as the success path.
func (s *Sync) ApplyDelta(ctx context.Context, delta TopicDelta) error {
	var (
		newCatalogVersion int64
		serviceID         string
		added             []rpcif.CatalogObject
	)

	// Step 6 always runs, whichever path steps 3-5 take: a delta that fails
	// UpdateCatalogCache still had its to_version accepted off the topic, so
	// a waiter blocked on min_subscriber_catalog_topic_version must still be
	// woken.
	defer func() {
		s.view.mu.Lock()
		s.view.updateMinSubscriberVersionLocked(delta.ToVersion)
		s.view.broadcastLocked()
		s.view.mu.Unlock()
	}()

	// Step 1: deserialize additions, recording the catalog object's
	// version/service-id and flagging FUNCTION/DATA_SOURCE libraries as
	// needing a refresh.
	for _, e := range delta.Entries {
		obj, err := s.deserializer.Deserialize(e.Key, e.Value)
		if err != nil {
			return errors.Wrapf(err, "deserializing catalog entry %q", e.Key)
		}
		if obj.Kind == rpcif.CatalogObjectCatalog {
			serviceID = obj.CatalogServiceID
			newCatalogVersion = obj.CatalogVersion
		}
		if obj.Kind == rpcif.CatalogObjectFunction || obj.Kind == rpcif.CatalogObjectDataSource {
			if obj.LibraryLocation != "" {
				s.libCache.SetNeedsRefresh(obj.LibraryLocation)
			}
		}
		added = append(added, obj)
	}

	// Step 2: for each deletion, recover the pre-update object (so library
	// metadata isn't lost) and defer its removal from the library cache
	// until after the frontend update succeeds.
	var removed []rpcif.CatalogObject
	var pendingLibraryDrops []rpcif.CatalogObject
	for _, key := range delta.DeletedKeys {
		obj, ok := s.frontend.LookupCatalogObject(ctx, key)
		if !ok {
			continue
		}
		removed = append(removed, obj)
		if obj.Kind == rpcif.CatalogObjectFunction || obj.Kind == rpcif.CatalogObjectDataSource {
			pendingLibraryDrops = append(pendingLibraryDrops, obj)
		}
	}

	// Step 3: send the combined add/remove list to the frontend.
	respServiceID, err := s.frontend.UpdateCatalogCache(ctx, added, removed)
	if err != nil {
		// Step 4: on failure, drop our cursor, drop the library cache, and
		// mark the catalog not ready.
		log.Errorf(ctx, "catalog update failed, requesting full resync: %v", err)
		s.libCache.DropAll()
		s.view.mu.Lock()
		s.view.setNotReadyLocked()
		s.view.mu.Unlock()
		if s.resend != nil {
			s.resend(ctx)
		}
		return err
	}
	if respServiceID != "" {
		serviceID = respServiceID
	}

	// Step 5: commit under the catalog-version lock, then drop
	// no-longer-needed library entries, guarded against re-create races by
	// only dropping when the pre-drop lookup's catalog_version is still <=
	// new_catalog_version.
	s.view.mu.Lock()
	s.view.commitLocked(newCatalogVersion, delta.ToVersion, serviceID)
	s.view.mu.Unlock()

	for _, obj := range pendingLibraryDrops {
		if obj.CatalogVersion <= newCatalogVersion {
			s.libCache.Drop(obj.LibraryLocation)
		}
	}

	return nil
}

// UpdateResult is the DDL response's catalog-update metadata, consumed by
// ProcessCatalogUpdateResult. Added and Removed mirror the DDL response's
// updated_catalog_object/removed_catalog_object: on the fast path at most
// one of each is populated.
type UpdateResult struct {
	Added               []rpcif.CatalogObject
	Removed             []rpcif.CatalogObject
	Version             int64
	CatalogTopicVersion int64
	CatalogServiceID    string
}

// ProcessCatalogUpdateResult implements the fast/slow paths. If the DDL
// result carries an object to add or remove and waitForAll is false, it is
// a "fast" update: apply it directly to the local catalog cache via
// UpdateCatalogCache and return its status. Otherwise it blocks until the
// locally observed catalog_version reaches result.Version (or the service
// id changes, meaning a new catalog service started and the wait should
// stop), and if waitForAll, additionally until
// min_subscriber_catalog_topic_version reaches result.CatalogTopicVersion.
func (s *Sync) ProcessCatalogUpdateResult(ctx context.Context, result UpdateResult, waitForAll bool) error {
	if !waitForAll && (len(result.Added) > 0 || len(result.Removed) > 0) {
		_, err := s.frontend.UpdateCatalogCache(ctx, result.Added, result.Removed)
		if err != nil {
			log.Errorf(ctx, "catalog update failed: %v", err)
		}
		return err
	}

	startServiceID := s.view.Get().CatalogServiceID
	serviceChanged := func(snap Snapshot) bool {
		return startServiceID != "" && snap.CatalogServiceID != startServiceID
	}

	s.view.Wait(func(snap Snapshot) bool {
		if serviceChanged(snap) {
			return true
		}
		return snap.CatalogVersion >= result.Version
	})

	if !waitForAll {
		return nil
	}

	s.view.Wait(func(snap Snapshot) bool {
		if serviceChanged(snap) {
			return true
		}
		return snap.MinSubscriberTopicVersion >= result.CatalogTopicVersion
	})
	return nil
}
