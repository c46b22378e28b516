package engine

import (
	"context"
	"fmt"

	"github.com/gisement-io/gisement/internal/ir"
	"github.com/gisement-io/gisement/internal/logging"
	"github.com/gisement-io/gisement/internal/target"
)

// Reconciler creates or updates the target item of a record. Writes are sent
// once; a failed record is retried by the next batch.
type Reconciler struct {
	Target target.Store
}

func NewReconciler(store target.Store) *Reconciler {
	return &Reconciler{Target: store}
}

// Upsert updates cachedID, or creates an item when cachedID is empty. When
// the cached item no longer exists a new item is created in its place and
// the old id is abandoned.
func (r *Reconciler) Upsert(ctx context.Context, collectionID, cachedID string, payload ir.Payload) (ir.Outcome, error) {
	if cachedID == "" {
		id, err := r.create(ctx, collectionID, payload)
		if err != nil {
			return ir.Outcome{}, err
		}
		return ir.Outcome{ItemID: id, Action: ir.ActionCreate}, nil
	}

	err := r.Target.UpdateItem(ctx, collectionID, cachedID, payload)
	if err == nil {
		return ir.Outcome{ItemID: cachedID, Action: ir.ActionUpdate}, nil
	}
	if !target.IsNotFound(err) {
		return ir.Outcome{}, classify(fmt.Errorf("update item %s: %w", cachedID, err))
	}

	logging.Warn("cached item is gone, recreating", "collection", collectionID, "item", cachedID)
	id, err := r.create(ctx, collectionID, payload)
	if err != nil {
		return ir.Outcome{}, fmt.Errorf("%w: item %s: %w", ErrStaleReference, cachedID, err)
	}
	return ir.Outcome{ItemID: id, Action: ir.ActionRecreate}, nil
}

func (r *Reconciler) create(ctx context.Context, collectionID string, payload ir.Payload) (string, error) {
	item, err := r.Target.CreateItem(ctx, collectionID, payload)
	if err != nil {
		return "", classify(fmt.Errorf("create item: %w", err))
	}
	return item.ID, nil
}

func classify(err error) error {
	if IsTransientError(err) {
		return fmt.Errorf("%w: %w", ErrTransientRemote, err)
	}
	return err
}
