// Package target talks to the schema-typed collection store items are
// published to.
package target

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gisement-io/gisement/internal/ir"
)

// Store is the target collection store.
type Store interface {
	GetCollectionSchema(ctx context.Context, collectionID string) (*ir.CollectionSchema, error)
	PatchField(ctx context.Context, collectionID, fieldID string, patch FieldPatch) error
	ListItems(ctx context.Context, collectionID string, limit int) ([]*ir.TargetItem, error)
	CreateItem(ctx context.Context, collectionID string, fieldData ir.Payload) (*ir.TargetItem, error)
	UpdateItem(ctx context.Context, collectionID, itemID string, fieldData ir.Payload) error
}

// FieldPatch is the body of a field update. The API clears attributes that
// are left out, so every patch carries the full set.
type FieldPatch struct {
	IsRequired  bool             `json:"isRequired"`
	DisplayName string           `json:"displayName"`
	Validations FieldValidations `json:"validations"`
}

type FieldValidations struct {
	Options []ir.Option `json:"options"`
}

// ErrNotFound matches APIErrors reporting a missing resource.
var ErrNotFound = errors.New("resource not found")

const codeNotFound = "resource_not_found"

// APIError is a non-2xx answer from the target API.
type APIError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("target api %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("target api %d: %s", e.Status, e.Message)
}

// Is makes errors.Is(err, ErrNotFound) work for not-found answers.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && (e.Code == codeNotFound || e.Status == http.StatusNotFound)
}

// Temporary reports whether the request may succeed if sent again later.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// IsNotFound reports whether err says the addressed resource does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
