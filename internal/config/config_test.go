package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gisement-io/gisement/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("FIELD_TABLE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.BatchSize)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "airtable", cfg.SourceDriver)
	assert.Equal(t, "Gisement", cfg.Airtable.ProductsTable)
	assert.Equal(t, "Partenaires", cfg.Airtable.PartnersTable)
	assert.Equal(t, 2*time.Second, cfg.Settle.Delay)
	assert.Equal(t, 3, cfg.Settle.Attempts)
	assert.Equal(t, 1600, cfg.Image.MaxWidth)
	assert.Equal(t, 80, cfg.Image.Quality)
	assert.Equal(t, int64(4<<20), cfg.Image.MaxBytes)
	assert.Equal(t, int64(16383*16383), cfg.Image.MaxPixels)
	assert.True(t, cfg.Image.BlockPrivate)
	assert.Empty(t, cfg.Image.AllowedHosts)
	assert.Equal(t, "buffered", cfg.ProxyMode)

	assert.Equal(t, "Nom affiché", cfg.FieldTable.NameField)
	assert.Equal(t, "A Publier", cfg.FieldTable.Label(ir.StatePending))
	assert.Len(t, cfg.FieldTable.References, 2)
	assert.Equal(t, "statut-vente-2", cfg.FieldTable.Options[0].Target)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SYNC_BATCH_SIZE", "12")
	t.Setenv("OPTION_SETTLE_DELAY", "250ms")
	t.Setenv("WF_COLLECTION_ID_PRODUITS", "col-products")
	t.Setenv("IMAGE_ALLOWED_HOSTS", " airtableusercontent.com, ,dl.airtable.com")
	t.Setenv("IMAGE_BLOCK_PRIVATE_NETWORKS", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.BatchSize)
	assert.Equal(t, []string{"airtableusercontent.com", "dl.airtable.com"}, cfg.Image.AllowedHosts)
	assert.False(t, cfg.Image.BlockPrivate)
	assert.Equal(t, 250*time.Millisecond, cfg.Settle.Delay)
	assert.Equal(t, "col-products", cfg.Collections[CollectionProducts])
}

func TestLoad_CollectsParseErrors(t *testing.T) {
	t.Setenv("SYNC_BATCH_SIZE", "five")
	t.Setenv("OPTION_SETTLE_DELAY", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SYNC_BATCH_SIZE")
	assert.Contains(t, err.Error(), "OPTION_SETTLE_DELAY")
}

func TestLoadFieldTable_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.yaml")
	content := `
name: Title
itemId: Remote ID
status: State
statusLabels:
  pending: todo
  update_requested: redo
  published: done
  error: failed
fields:
  - { source: Price, target: price }
  - { source: Percent, target: percent, kind: text }
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg := &Config{}
	require.NoError(t, cfg.LoadFieldTable(path))
	assert.Equal(t, "Title", cfg.FieldTable.NameField)
	assert.Equal(t, ir.KindCopy, cfg.FieldTable.Fields[0].Kind)
	assert.Equal(t, ir.KindText, cfg.FieldTable.Fields[1].Kind)
	assert.Equal(t, ir.StateUpdateRequested, cfg.FieldTable.StateOf("redo"))
}

func TestParseFieldTable_Invalid(t *testing.T) {
	_, err := ParseFieldTable([]byte(`
name: Title
fields:
  - { source: A, target: a, kind: weird }
  - { source: B, target: a }
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "itemId attribute is required")
	assert.Contains(t, err.Error(), "unknown kind")
	assert.Contains(t, err.Error(), `target "a" mapped twice`)
	assert.Contains(t, err.Error(), "missing status label")
}

func TestValidate(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	err = cfg.ValidateServe()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SYNC_SECRET")
	assert.Contains(t, err.Error(), "WEBFLOW_API_TOKEN")
	assert.Contains(t, err.Error(), "AIRTABLE_API_KEY")

	cfg.Secret = "s"
	cfg.Webflow.Token = "t"
	cfg.Airtable.APIKey = "k"
	cfg.Airtable.BaseID = "b"
	cfg.Collections = map[string]string{
		CollectionProducts:   "p",
		CollectionCategories: "c",
		CollectionPartners:   "pa",
	}
	assert.NoError(t, cfg.ValidateServe())

	cfg.SourceDriver = "postgres"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}
