package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gisement-io/gisement/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTable() *ir.FieldTable {
	return &ir.FieldTable{
		NameField:   "Nom affiché",
		SlugField:   "Slug",
		ItemIDField: "Webflow item ID",
		StatusField: "Status SYNC",
		StatusLabels: map[ir.SyncState]string{
			ir.StatePending:         "A Publier",
			ir.StateUpdateRequested: "Mise à jour demandée",
			ir.StatePublished:       "Publié",
			ir.StateError:           "Erreur",
		},
	}
}

var eligible = []ir.SyncState{ir.StatePending, ir.StateUpdateRequested}

func TestStateFormula(t *testing.T) {
	table := testTable()
	assert.Equal(t,
		`OR({Status SYNC}='A Publier',{Status SYNC}='Mise à jour demandée')`,
		StateFormula(table, eligible))
	assert.Equal(t, `{Status SYNC}='Publié'`, StateFormula(table, []ir.SyncState{ir.StatePublished}))
	assert.Empty(t, StateFormula(table, nil))

	table.StatusLabels[ir.StatePending] = "l'attente"
	assert.Equal(t, `{Status SYNC}='l\'attente'`, StateFormula(table, []ir.SyncState{ir.StatePending}))
}

func newTestAirtable(t *testing.T, h http.HandlerFunc) *Airtable {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewAirtable(AirtableOptions{
		BaseURL:       srv.URL,
		APIKey:        "key",
		BaseID:        "app1",
		ProductsTable: "Gisement",
		RatePerSecond: 1000,
		Fields:        testTable(),
	})
}

func TestAirtable_SelectPagesUntilLimit(t *testing.T) {
	calls := 0
	at := newTestAirtable(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.Equal(t, "/app1/Gisement", r.URL.Path)
		assert.Equal(t, "3", r.URL.Query().Get("maxRecords"))
		assert.Contains(t, r.URL.Query().Get("filterByFormula"), "A Publier")

		if r.URL.Query().Get("offset") == "" {
			_, _ = w.Write([]byte(`{"records":[
				{"id":"rec1","fields":{"Nom affiché":"Chaise","Status SYNC":"A Publier"}},
				{"id":"rec2","fields":{"Nom affiché":"Table","Status SYNC":"Mise à jour demandée"}}
			],"offset":"page2"}`))
			return
		}
		_, _ = w.Write([]byte(`{"records":[
			{"id":"rec3","fields":{"Nom affiché":"Lampe","Status SYNC":"A Publier"}},
			{"id":"rec4","fields":{"Nom affiché":"Tapis","Status SYNC":"A Publier"}}
		]}`))
	})

	recs, err := at.Select(context.Background(), Query{States: eligible, Limit: 3})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, 2, calls)
	assert.Equal(t, ir.StatePending, recs[0].State)
	assert.Equal(t, ir.StateUpdateRequested, recs[1].State)
	assert.Equal(t, "Lampe", recs[2].String("Nom affiché"))
}

func TestAirtable_UpdateWritesLabels(t *testing.T) {
	var body map[string]map[string]any
	at := newTestAirtable(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/app1/Gisement/rec1", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"id":"rec1"}`))
	})

	require.NoError(t, at.Update(context.Background(), "rec1", Patch{State: ir.StatePublished, ItemID: "item-7", Slug: "chaise-12"}))
	assert.Equal(t, map[string]any{
		"Status SYNC":     "Publié",
		"Webflow item ID": "item-7",
		"Slug":            "chaise-12",
	}, body["fields"])

	require.NoError(t, at.Update(context.Background(), "rec1", Patch{State: ir.StateError}))
	assert.Equal(t, map[string]any{"Status SYNC": "Erreur"}, body["fields"])
}

func TestAirtable_FindNotFound(t *testing.T) {
	at := newTestAirtable(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/app1/Partenaires/recP" {
			_, _ = w.Write([]byte(`{"id":"recP","fields":{"Nom Société":"Acme"}}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"NOT_FOUND"}`))
	})

	rec, err := at.Find(context.Background(), "Partenaires", "recP")
	require.NoError(t, err)
	assert.Equal(t, "Acme", rec.String("Nom Société"))

	_, err = at.Find(context.Background(), "Partenaires", "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "NOT_FOUND")
}

func TestMemory_SelectAndUpdate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(testTable(), "Gisement")
	m.Add("Gisement", &ir.SourceRecord{ID: "a", Fields: map[string]any{"Status SYNC": "A Publier"}})
	m.Add("Gisement", &ir.SourceRecord{ID: "b", Fields: map[string]any{"Status SYNC": "Publié"}})
	m.Add("Gisement", &ir.SourceRecord{ID: "c", Fields: map[string]any{"Status SYNC": "Mise à jour demandée"}})

	recs, err := m.Select(ctx, Query{States: eligible, Limit: 5})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].ID)
	assert.Equal(t, "c", recs[1].ID)

	require.NoError(t, m.Update(ctx, "a", Patch{State: ir.StatePublished, ItemID: "item-1", Slug: "a-1"}))
	rec := m.Record("Gisement", "a")
	assert.Equal(t, ir.StatePublished, rec.State)
	assert.Equal(t, "Publié", rec.Fields["Status SYNC"])
	assert.Equal(t, "item-1", rec.Fields["Webflow item ID"])

	recs, err = m.Select(ctx, Query{States: eligible, Limit: 5})
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	_, err = m.Find(ctx, "Partenaires", "zzz")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_RoundTrip(t *testing.T) {
	dsn := os.Getenv("GISEMENT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("set GISEMENT_TEST_DATABASE_URL to run against postgres")
	}
	ctx := context.Background()
	pg, err := OpenPostgres(ctx, dsn, testTable(), "test_products")
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = pg.db.ExecContext(ctx, `DELETE FROM source_records WHERE table_name IN ('test_products', 'test_partners')`)
		_ = pg.Close()
	})

	require.NoError(t, pg.Insert(ctx, "test_products", &ir.SourceRecord{ID: "r1", Fields: map[string]any{"Nom affiché": "Chaise", "Status SYNC": "A Publier"}}))
	require.NoError(t, pg.Insert(ctx, "test_products", &ir.SourceRecord{ID: "r2", Fields: map[string]any{"Status SYNC": "Publié"}}))
	require.NoError(t, pg.Insert(ctx, "test_partners", &ir.SourceRecord{ID: "p1", Fields: map[string]any{"Nom": "Acme"}, State: ir.StatePublished}))

	recs, err := pg.Select(ctx, Query{States: eligible, Limit: 5})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Chaise", recs[0].String("Nom affiché"))

	require.NoError(t, pg.Update(ctx, "r1", Patch{State: ir.StatePublished, ItemID: "item-3"}))
	recs, err = pg.Select(ctx, Query{States: eligible, Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, recs)

	partner, err := pg.Find(ctx, "test_partners", "p1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", partner.String("Nom"))

	_, err = pg.Find(ctx, "test_partners", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, pg.Update(ctx, "missing", Patch{State: ir.StateError}), ErrNotFound)
}
