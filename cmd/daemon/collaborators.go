package main

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/smiecj/distsqld/pkg/rpcif"
)

// unimplementedFrontend and unimplementedLibraryCache stand in for the two
// external collaborators this daemon treats as out of scope: the SQL
// parser/planner and the process-wide native library cache. A real
// deployment links this daemon against the actual Frontend/library-cache
// implementation instead of these placeholders.
type unimplementedFrontend struct{}

func (unimplementedFrontend) PlanQuery(ctx context.Context, sql, database string, opts interface{}) (rpcif.PlanResult, error) {
	return rpcif.PlanResult{}, errors.New("no Frontend configured for this daemon")
}

func (unimplementedFrontend) UpdateCatalogCache(ctx context.Context, added, removed []rpcif.CatalogObject) (string, error) {
	return "", errors.New("no Frontend configured for this daemon")
}

func (unimplementedFrontend) LookupCatalogObject(ctx context.Context, key string) (rpcif.CatalogObject, bool) {
	return rpcif.CatalogObject{}, false
}

type unimplementedLibraryCache struct{}

func (unimplementedLibraryCache) SetNeedsRefresh(location string) {}
func (unimplementedLibraryCache) Drop(location string)            {}
func (unimplementedLibraryCache) DropAll()                        {}
