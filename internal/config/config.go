package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gisement-io/gisement/internal/ir"
	"gopkg.in/yaml.v3"
)

//go:embed fieldtable.yaml
var defaultFieldTable []byte

// Logical names of the target collections.
const (
	CollectionProducts   = "products"
	CollectionCategories = "categories"
	CollectionPartners   = "partners"
)

// Config is the process configuration. It is read from the environment; CLI
// flags override individual values.
type Config struct {
	Secret     string
	ListenAddr string
	LogLevel   string
	LogFormat  string
	BatchSize  int

	SourceDriver string // airtable | postgres
	Airtable     AirtableConfig
	DatabaseURL  string

	Webflow     WebflowConfig
	Collections map[string]string

	Settle     SettleConfig
	Image      ImageConfig
	ProxyMode  string // buffered | stream | off
	AssetCache AssetCacheConfig
	Report     ReportConfig
	Lock       LockConfig

	FieldTablePath string
	FieldTable     ir.FieldTable
}

type AirtableConfig struct {
	APIKey        string
	BaseID        string
	URL           string
	ProductsTable string
	PartnersTable string
	RatePerSecond int
}

type WebflowConfig struct {
	Token         string
	URL           string
	RatePerMinute int
}

// SettleConfig bounds the wait for a newly created option to become visible.
type SettleConfig struct {
	Delay    time.Duration
	Attempts int
}

type ImageConfig struct {
	MaxWidth  int
	Quality   int
	MaxBytes  int64
	MaxPixels int64
	// AllowedHosts limits the proxy to these source hosts. Empty allows all.
	AllowedHosts []string
	BlockPrivate bool
}

type AssetCacheConfig struct {
	Driver    string // none | memory | s3 | minio
	Size      int
	Bucket    string
	Prefix    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	PathStyle bool
}

type ReportConfig struct {
	Backend string // none | local | s3
	Path    string
	Bucket  string
	Key     string
	Region  string
}

type LockConfig struct {
	Backend string // none | file | dynamodb
	Dir     string
	Table   string
	Region  string
	TTL     time.Duration
}

// Load reads the configuration from the environment and the field table from
// FIELD_TABLE, falling back to the embedded product table.
func Load() (*Config, error) {
	cfg := &Config{
		Secret:       envString("SYNC_SECRET", ""),
		ListenAddr:   envString("LISTEN_ADDR", ":8080"),
		LogLevel:     envString("LOG_LEVEL", "info"),
		LogFormat:    envString("LOG_FORMAT", "text"),
		SourceDriver: envString("SOURCE_DRIVER", "airtable"),
		DatabaseURL:  envString("DATABASE_URL", ""),
		ProxyMode:    envString("PROXY_MODE", "buffered"),
		Airtable: AirtableConfig{
			APIKey:        envString("AIRTABLE_API_KEY", ""),
			BaseID:        envString("AIRTABLE_BASE_ID", ""),
			URL:           envString("AIRTABLE_URL", "https://api.airtable.com/v0"),
			ProductsTable: envString("AIRTABLE_TABLE_PRODUCTS", "Gisement"),
			PartnersTable: envString("AIRTABLE_TABLE_PARTNERS", "Partenaires"),
		},
		Webflow: WebflowConfig{
			Token: envString("WEBFLOW_API_TOKEN", ""),
			URL:   envString("WEBFLOW_URL", "https://api.webflow.com/v2"),
		},
		Collections: map[string]string{
			CollectionProducts:   envString("WF_COLLECTION_ID_PRODUITS", ""),
			CollectionCategories: envString("WF_COLLECTION_ID_CATEGORIES", ""),
			CollectionPartners:   envString("WF_COLLECTION_ID_PARTENAIRES", ""),
		},
		AssetCache: AssetCacheConfig{
			Driver:    envString("ASSET_CACHE_DRIVER", "memory"),
			Bucket:    envString("ASSET_CACHE_BUCKET", ""),
			Prefix:    envString("ASSET_CACHE_PREFIX", "assets/"),
			Endpoint:  envString("ASSET_CACHE_ENDPOINT", ""),
			Region:    envString("ASSET_CACHE_REGION", envString("AWS_REGION", "us-east-1")),
			AccessKey: envString("ASSET_CACHE_ACCESS_KEY", ""),
			SecretKey: envString("ASSET_CACHE_SECRET_KEY", ""),
		},
		Report: ReportConfig{
			Backend: envString("REPORT_BACKEND", "none"),
			Path:    envString("REPORT_PATH", ".gisement/last-run.json"),
			Bucket:  envString("REPORT_S3_BUCKET", ""),
			Key:     envString("REPORT_S3_KEY", "gisement/last-run.json"),
			Region:  envString("AWS_REGION", "us-east-1"),
		},
		Lock: LockConfig{
			Backend: envString("LOCK_BACKEND", "none"),
			Dir:     envString("LOCK_DIR", ".gisement/locks"),
			Table:   envString("LOCK_DYNAMODB_TABLE", ""),
			Region:  envString("AWS_REGION", "us-east-1"),
		},
		FieldTablePath: envString("FIELD_TABLE", ""),
	}

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	cfg.BatchSize, err = envInt("SYNC_BATCH_SIZE", 5)
	collect(err)
	cfg.Airtable.RatePerSecond, err = envInt("AIRTABLE_RATE_PER_SECOND", 5)
	collect(err)
	cfg.Webflow.RatePerMinute, err = envInt("WEBFLOW_RATE_PER_MINUTE", 60)
	collect(err)
	cfg.Settle.Delay, err = envDuration("OPTION_SETTLE_DELAY", 2*time.Second)
	collect(err)
	cfg.Settle.Attempts, err = envInt("OPTION_SETTLE_ATTEMPTS", 3)
	collect(err)
	cfg.Image.MaxWidth, err = envInt("IMAGE_MAX_WIDTH", 1600)
	collect(err)
	cfg.Image.Quality, err = envInt("IMAGE_QUALITY", 80)
	collect(err)
	cfg.Image.MaxBytes, err = envInt64("IMAGE_MAX_BYTES", 4<<20)
	collect(err)
	cfg.Image.MaxPixels, err = envInt64("IMAGE_MAX_PIXELS", 0x3FFF*0x3FFF)
	collect(err)
	cfg.Image.AllowedHosts = envList("IMAGE_ALLOWED_HOSTS")
	cfg.Image.BlockPrivate, err = envBool("IMAGE_BLOCK_PRIVATE_NETWORKS", true)
	collect(err)
	cfg.AssetCache.Size, err = envInt("ASSET_CACHE_SIZE", 256)
	collect(err)
	cfg.AssetCache.UseSSL, err = envBool("ASSET_CACHE_USE_SSL", true)
	collect(err)
	cfg.AssetCache.PathStyle, err = envBool("ASSET_CACHE_PATH_STYLE", false)
	collect(err)
	cfg.Lock.TTL, err = envDuration("LOCK_TTL", 10*time.Minute)
	collect(err)

	if err := cfg.LoadFieldTable(cfg.FieldTablePath); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// LoadFieldTable replaces the field table with the YAML file at path, or the
// embedded default when path is empty.
func (c *Config) LoadFieldTable(path string) error {
	raw := defaultFieldTable
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read field table %s: %w", path, err)
		}
		raw = b
	}
	table, err := ParseFieldTable(raw)
	if err != nil {
		return err
	}
	c.FieldTablePath = path
	c.FieldTable = *table
	return nil
}

// ParseFieldTable decodes and validates a YAML field table.
func ParseFieldTable(raw []byte) (*ir.FieldTable, error) {
	var table ir.FieldTable
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("parse field table: %w", err)
	}
	for i := range table.Fields {
		if table.Fields[i].Kind == "" {
			table.Fields[i].Kind = ir.KindCopy
		}
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return &table, nil
}

// Validate checks the values required to run a batch.
func (c *Config) Validate() error {
	var errs []error
	if c.Webflow.Token == "" {
		errs = append(errs, errors.New("WEBFLOW_API_TOKEN is required"))
	}
	if c.Collections[CollectionProducts] == "" {
		errs = append(errs, errors.New("WF_COLLECTION_ID_PRODUITS is required"))
	}
	for _, ref := range c.FieldTable.References {
		if c.Collections[ref.Collection] == "" {
			errs = append(errs, fmt.Errorf("collection id for %q (reference %q) is not configured", ref.Collection, ref.Target))
		}
	}
	switch c.SourceDriver {
	case "airtable":
		if c.Airtable.APIKey == "" {
			errs = append(errs, errors.New("AIRTABLE_API_KEY is required"))
		}
		if c.Airtable.BaseID == "" {
			errs = append(errs, errors.New("AIRTABLE_BASE_ID is required"))
		}
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres source"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SOURCE_DRIVER %q", c.SourceDriver))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("SYNC_BATCH_SIZE must be positive"))
	}
	if c.Settle.Attempts <= 0 {
		errs = append(errs, errors.New("OPTION_SETTLE_ATTEMPTS must be positive"))
	}
	switch strings.ToLower(c.ProxyMode) {
	case "buffered", "stream", "off":
	default:
		errs = append(errs, fmt.Errorf("unknown PROXY_MODE %q", c.ProxyMode))
	}
	return errors.Join(errs...)
}

// ValidateServe additionally requires the shared secret.
func (c *Config) ValidateServe() error {
	var errs []error
	if c.Secret == "" {
		errs = append(errs, errors.New("SYNC_SECRET is required"))
	}
	if err := c.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
