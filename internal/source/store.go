// Package source reads pending records from the source-of-truth store and
// writes their bookkeeping attributes back.
package source

import (
	"context"
	"errors"

	"github.com/gisement-io/gisement/internal/ir"
)

// ErrNotFound is returned by Find when the record does not exist.
var ErrNotFound = errors.New("source record not found")

// Query selects records of the products table.
type Query struct {
	States []ir.SyncState
	Limit  int
}

// Patch is the write-back of one record. Empty ItemID and Slug leave the
// stored values untouched.
type Patch struct {
	State  ir.SyncState
	ItemID string
	Slug   string
}

// Store is the source-of-truth store.
type Store interface {
	// Select returns at most q.Limit records of the products table whose
	// state is one of q.States.
	Select(ctx context.Context, q Query) ([]*ir.SourceRecord, error)
	// Update writes a patch to a record of the products table.
	Update(ctx context.Context, id string, patch Patch) error
	// Find reads one record of any table.
	Find(ctx context.Context, table, id string) (*ir.SourceRecord, error)
}

// attributes translates a patch into source attribute names.
func attributes(table *ir.FieldTable, patch Patch) map[string]any {
	attrs := map[string]any{table.StatusField: table.Label(patch.State)}
	if patch.ItemID != "" && table.ItemIDField != "" {
		attrs[table.ItemIDField] = patch.ItemID
	}
	if patch.Slug != "" && table.SlugField != "" {
		attrs[table.SlugField] = patch.Slug
	}
	return attrs
}

func wants(q Query, s ir.SyncState) bool {
	for _, st := range q.States {
		if st == s {
			return true
		}
	}
	return false
}
