package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/gisement-io/gisement/internal/ir"
	"github.com/gisement-io/gisement/internal/logging"
	"github.com/gisement-io/gisement/internal/target"
)

// DefaultPageSize is the number of items read when looking a name up.
const DefaultPageSize = 100

// Resolver finds or creates items of linked collections by display name.
type Resolver struct {
	Target   target.Store
	PageSize int
	Retry    *RetryPolicy
}

func NewResolver(store target.Store) *Resolver {
	return &Resolver{Target: store, PageSize: DefaultPageSize, Retry: DefaultRetryPolicy()}
}

// Resolve returns the id of the item named displayName in collectionID,
// creating it when no item matches. Names match case-insensitively and the
// first match wins. Only the first page is searched, so a collection larger
// than PageSize can receive a duplicate.
func (r *Resolver) Resolve(ctx context.Context, collectionID, displayName string) ir.Resolution {
	name := strings.TrimSpace(displayName)
	if name == "" {
		return ir.Resolution{Status: ir.Omitted}
	}
	pageSize := r.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	var items []*ir.TargetItem
	err := RetryWithBackoff(ctx, r.Retry, func() error {
		var err error
		items, err = r.Target.ListItems(ctx, collectionID, pageSize)
		return err
	}, IsTransientError)
	if err != nil {
		return failed(fmt.Errorf("%w: list %s: %w", ErrDegradedResolution, collectionID, err))
	}

	for _, it := range items {
		if strings.EqualFold(strings.TrimSpace(it.Name()), name) {
			return ir.Resolution{ID: it.ID, Status: ir.Resolved}
		}
	}
	if len(items) >= pageSize {
		logging.Warn("reference lookup hit the page cap, a duplicate may be created",
			"collection", collectionID, "name", name, "page_size", pageSize)
	}

	created, err := r.Target.CreateItem(ctx, collectionID, ir.Payload{"name": name, "slug": Slugify(name)})
	if err != nil {
		return failed(fmt.Errorf("%w: create %q in %s: %w", ErrDegradedResolution, name, collectionID, err))
	}
	logging.Info("created reference item", "collection", collectionID, "name", name, "id", created.ID)
	return ir.Resolution{ID: created.ID, Status: ir.Resolved}
}

func failed(err error) ir.Resolution {
	return ir.Resolution{Status: ir.Failed, Err: err}
}
