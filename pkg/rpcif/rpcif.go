// Package rpcif declares the interfaces through which the control plane
// calls out to components treated as external collaborators: the
// Frontend (parser/planner), the per-query Coordinator, and the
// process-wide library cache. The control plane only ever holds one of
// these interfaces; it never constructs a concrete Frontend or Coordinator
// itself.
package rpcif

import (
	"context"

	"github.com/google/uuid"
	"github.com/smiecj/distsqld/pkg/status"
)

// PlanResult is the subset of a completed planning pass the control plane
// needs: enough to populate a QueryExecState's result metadata and to know
// which hosts will run fragments.
type PlanResult struct {
	ResultColumns  []string
	ExecutorHosts  []string
	CatalogObjects []CatalogObjectRef
}

// CatalogObjectRef names a catalog object a statement touched, used for
// audit logging (the audit log format).
type CatalogObjectRef struct {
	Name       string
	ObjectType string
	Privilege  string
}

// Frontend is the SQL parser/planner. ExecPlanFragment-side registries
// never call it directly; only the coordinator-side query registry does,
// during planning.
type Frontend interface {
	// PlanQuery parses and plans sql under the given session database and
	// options, returning a PlanResult or a planning error.
	PlanQuery(ctx context.Context, sql, database string, opts interface{}) (PlanResult, error)

	// UpdateCatalogCache applies a batch of added/removed catalog objects,
	// returning the new effective catalog_service_id.
	UpdateCatalogCache(ctx context.Context, added, removed []CatalogObject) (serviceID string, err error)

	// LookupCatalogObject resolves a catalog object by key, used by the
	// Catalog Sync deletion path to recover full object metadata before it
	// disappears from the topic.
	LookupCatalogObject(ctx context.Context, key string) (CatalogObject, bool)
}

// CatalogObjectKind mirrors TCatalogObjectType's kinds that matter to the
// control plane (library-cache invalidation only fires for these two).
type CatalogObjectKind int

const (
	CatalogObjectOther CatalogObjectKind = iota
	CatalogObjectCatalog
	CatalogObjectFunction
	CatalogObjectDataSource
)

// CatalogObject is a deserialized catalog topic entry.
type CatalogObject struct {
	Key             string
	Kind            CatalogObjectKind
	CatalogServiceID string
	CatalogVersion  int64
	LibraryLocation string // hdfs_location equivalent; set for FUNCTION/DATA_SOURCE
}

// Coordinator owns the dispatch of plan fragments to peers for one query.
// It is produced by Frontend.PlanQuery's caller (out of scope: the
// scheduler's placement algorithm) once planning succeeds.
type Coordinator interface {
	// Cancel requests cooperative teardown of every fragment this
	// coordinator dispatched. Cancellation is cooperative and idempotent.
	Cancel(ctx context.Context)

	// UpdateFragmentExecStatus forwards an executor's status report,
	// matching the ReportExecStatus forwarding.
	UpdateFragmentExecStatus(ctx context.Context, backendIdx int, fragmentInstanceID uuid.UUID, done bool, st status.Status)
}

// LibraryCache is the process-wide native-library cache invalidated by
// catalog updates.
type LibraryCache interface {
	SetNeedsRefresh(location string)
	Drop(location string)
	DropAll()
}
