// Package dictionary resolves table identifiers found in the redo stream to
// table metadata read from the source database's catalog.
package dictionary

import (
	"context"
	"errors"

	"github.com/maxpert/redoflow/redo"
)

// ErrTableNotFound is returned when the catalog has no table for an id
var ErrTableNotFound = errors.New("table not found in dictionary")

// Resolver looks up table metadata by table id.
// Topic and Schema of the returned metadata are left for the caller to fill.
type Resolver interface {
	ResolveTable(ctx context.Context, id redo.TableID) (*redo.TableMetadata, error)
}

// StaticResolver serves metadata from a fixed map. Used by tests and by
// deployments that pin the captured table set.
type StaticResolver map[redo.TableID]*redo.TableMetadata

// ResolveTable implements Resolver
func (s StaticResolver) ResolveTable(_ context.Context, id redo.TableID) (*redo.TableMetadata, error) {
	meta, ok := s[id]
	if !ok {
		return nil, ErrTableNotFound
	}
	copied := *meta
	copied.ID = id
	return &copied, nil
}
