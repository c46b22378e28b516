package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gisement-io/gisement/internal/ir"
	"github.com/gisement-io/gisement/internal/logging"
	"github.com/gisement-io/gisement/internal/target"
	"golang.org/x/sync/singleflight"
)

// Locker serializes work across processes. Acquire returns once the key is
// held or the attempt failed; the returned func releases it.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// SettlePolicy bounds the wait for a patched option to show up in the
// schema. Each attempt sleeps then re-reads; the delay grows by Multiplier up
// to MaxDelay.
type SettlePolicy struct {
	Delay       time.Duration
	MaxAttempts int
	Multiplier  float64
	MaxDelay    time.Duration
}

func DefaultSettlePolicy() SettlePolicy {
	return SettlePolicy{
		Delay:       2 * time.Second,
		MaxAttempts: 3,
		Multiplier:  2,
		MaxDelay:    10 * time.Second,
	}
}

func (p SettlePolicy) next(d time.Duration) time.Duration {
	if p.Multiplier > 1 {
		d = time.Duration(float64(d) * p.Multiplier)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// OptionResult is the outcome of EnsureOption. Schema is the last schema
// read, handed back to the caller instead of being cached.
type OptionResult struct {
	ir.Resolution
	Schema  *ir.CollectionSchema
	Created bool
}

// Provisioner makes sure enumerated fields accept a value before it is used.
type Provisioner struct {
	Target target.Store
	Settle SettlePolicy
	Retry  *RetryPolicy
	// Locker, when set, guards option creation across processes.
	Locker Locker

	group   singleflight.Group
	created sync.Map // keys of options this provisioner added
}

func NewProvisioner(store target.Store, settle SettlePolicy) *Provisioner {
	return &Provisioner{Target: store, Settle: settle, Retry: DefaultRetryPolicy()}
}

// EnsureOption returns the id of optionName in the option set of fieldSlug,
// adding the option when it is missing. Names match case-insensitively.
func (p *Provisioner) EnsureOption(ctx context.Context, collectionID, fieldSlug, optionName string) OptionResult {
	name := strings.TrimSpace(optionName)
	if name == "" {
		return OptionResult{Resolution: ir.Resolution{Status: ir.Omitted}}
	}

	schema, err := p.readSchema(ctx, collectionID)
	if err != nil {
		return OptionResult{Resolution: failed(fmt.Errorf("%w: read schema %s: %w", ErrDegradedResolution, collectionID, err))}
	}
	field := schema.FieldBySlug(fieldSlug)
	if field == nil {
		return p.missingField(collectionID, fieldSlug, schema)
	}
	if opt, ok := field.OptionByName(name); ok {
		return OptionResult{Resolution: ir.Resolution{ID: opt.ID, Status: ir.Resolved}, Schema: schema}
	}

	key := collectionID + "/" + fieldSlug + "/" + strings.ToLower(name)
	v, _, _ := p.group.Do(key, func() (any, error) {
		return p.create(ctx, key, collectionID, fieldSlug, name, schema), nil
	})
	return v.(OptionResult)
}

func (p *Provisioner) create(ctx context.Context, key, collectionID, fieldSlug, name string, schema *ir.CollectionSchema) OptionResult {
	if p.Locker != nil {
		release, err := p.Locker.Acquire(ctx, "option/"+key)
		if err != nil {
			return OptionResult{Resolution: failed(fmt.Errorf("%w: lock option %q: %w", ErrDegradedResolution, name, err)), Schema: schema}
		}
		defer release()
	}

	_, seen := p.created.Load(key)
	if p.Locker != nil || seen {
		// Another caller may have added the option since our first read.
		var err error
		schema, err = p.readSchema(ctx, collectionID)
		if err != nil {
			return OptionResult{Resolution: failed(fmt.Errorf("%w: read schema %s: %w", ErrDegradedResolution, collectionID, err))}
		}
		if schema.FieldBySlug(fieldSlug) == nil {
			return p.missingField(collectionID, fieldSlug, schema)
		}
		if opt, ok := schema.FieldBySlug(fieldSlug).OptionByName(name); ok {
			return OptionResult{Resolution: ir.Resolution{ID: opt.ID, Status: ir.Resolved}, Schema: schema}
		}
	}

	field := schema.FieldBySlug(fieldSlug)
	options := make([]ir.Option, 0, len(field.Options)+1)
	options = append(options, field.Options...)
	options = append(options, ir.Option{Name: name})

	patch := target.FieldPatch{
		IsRequired:  field.IsRequired,
		DisplayName: field.DisplayName,
		Validations: target.FieldValidations{Options: options},
	}
	if err := p.Target.PatchField(ctx, collectionID, field.ID, patch); err != nil {
		return OptionResult{Resolution: failed(fmt.Errorf("%w: add option %q to %s: %w", ErrDegradedResolution, name, fieldSlug, err)), Schema: schema}
	}
	logging.Info("option added, waiting for schema to settle", "collection", collectionID, "field", fieldSlug, "option", name)

	attempts := p.Settle.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.Settle.Delay
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := sleep(ctx, delay); err != nil {
			return OptionResult{Resolution: failed(fmt.Errorf("%w: settle %q: %w", ErrDegradedResolution, name, err)), Schema: schema}
		}
		latest, err := p.readSchema(ctx, collectionID)
		if err != nil {
			logging.Warn("schema re-read failed", "collection", collectionID, "attempt", attempt, "error", err)
		} else {
			schema = latest
			if opt, ok := schema.FieldBySlug(fieldSlug).OptionByName(name); ok {
				p.created.Store(key, opt.ID)
				return OptionResult{Resolution: ir.Resolution{ID: opt.ID, Status: ir.Resolved}, Schema: schema, Created: true}
			}
		}
		delay = p.Settle.next(delay)
	}

	logging.Error("option still missing after settle attempts", "collection", collectionID, "field", fieldSlug, "option", name, "attempts", attempts)
	return OptionResult{
		Resolution: failed(fmt.Errorf("%w: %q in %s after %d attempt(s)", ErrOptionSettleTimeout, name, fieldSlug, attempts)),
		Schema:     schema,
	}
}

func (p *Provisioner) missingField(collectionID, fieldSlug string, schema *ir.CollectionSchema) OptionResult {
	logging.Error("field missing from collection schema", "collection", collectionID, "field", fieldSlug)
	return OptionResult{
		Resolution: failed(fmt.Errorf("%w: field %q not found in collection %s", ErrConfiguration, fieldSlug, collectionID)),
		Schema:     schema,
	}
}

func (p *Provisioner) readSchema(ctx context.Context, collectionID string) (*ir.CollectionSchema, error) {
	var schema *ir.CollectionSchema
	err := RetryWithBackoff(ctx, p.Retry, func() error {
		var err error
		schema, err = p.Target.GetCollectionSchema(ctx, collectionID)
		return err
	}, IsTransientError)
	return schema, err
}
