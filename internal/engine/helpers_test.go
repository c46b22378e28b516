package engine

import (
	"context"
	"testing"
	"time"

	"github.com/gisement-io/gisement/internal/config"
	"github.com/gisement-io/gisement/internal/ir"
	"github.com/gisement-io/gisement/internal/source"
	"github.com/gisement-io/gisement/internal/target"
	"github.com/stretchr/testify/require"
)

const (
	productsCol   = "col-products"
	partnersCol   = "col-partners"
	categoriesCol = "col-categories"
	productsTable = "Gisement"
)

func defaultTable(t *testing.T) *ir.FieldTable {
	t.Helper()
	cfg := &config.Config{}
	require.NoError(t, cfg.LoadFieldTable(""))
	return &cfg.FieldTable
}

func productSchema() *ir.CollectionSchema {
	return &ir.CollectionSchema{
		ID: productsCol,
		Fields: []ir.SchemaField{
			{ID: "f-name", Slug: "name", DisplayName: "Name", Type: "PlainText", IsRequired: true},
			{
				ID:          "f-statut",
				Slug:        "statut-vente-2",
				DisplayName: "Statut vente",
				Type:        "Option",
				IsRequired:  true,
				Options:     []ir.Option{{ID: "opt-dispo", Name: "Disponible"}},
			},
		},
	}
}

func fastSettle(attempts int) SettlePolicy {
	return SettlePolicy{Delay: time.Millisecond, MaxAttempts: attempts, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *source.Memory, *target.Memory) {
	t.Helper()
	table := defaultTable(t)
	src := source.NewMemory(table, productsTable)
	dst := target.NewMemory()
	dst.AddSchema(productSchema())

	o := NewOrchestrator(src, dst, table, productsCol, map[string]string{
		config.CollectionPartners:   partnersCol,
		config.CollectionCategories: categoriesCol,
	}, fastSettle(3))
	o.Mapper.Suffix = func() int { return 42 }
	o.Resolver.Retry = fastRetry(1)
	o.Provisioner.Retry = fastRetry(1)
	return o, src, dst
}

type recordingLocker struct {
	keys     []string
	released int
	err      error
}

func (l *recordingLocker) Acquire(_ context.Context, key string) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	l.keys = append(l.keys, key)
	return func() { l.released++ }, nil
}
