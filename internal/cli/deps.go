package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gisement-io/gisement/internal/assetcache"
	"github.com/gisement-io/gisement/internal/config"
	"github.com/gisement-io/gisement/internal/engine"
	"github.com/gisement-io/gisement/internal/imaging"
	"github.com/gisement-io/gisement/internal/source"
	"github.com/gisement-io/gisement/internal/state"
	"github.com/gisement-io/gisement/internal/target"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// loadConfig reads the environment and applies the persistent flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.LogLevel = logLevel
	cfg.LogFormat = logFormat
	if fieldTable != "" {
		if err := cfg.LoadFieldTable(fieldTable); err != nil {
			return nil, err
		}
	}
	if cfg.Airtable.PartnersTable != "" {
		for i := range cfg.FieldTable.References {
			if cfg.FieldTable.References[i].Collection == config.CollectionPartners {
				cfg.FieldTable.References[i].Table = cfg.Airtable.PartnersTable
			}
		}
	}
	return cfg, nil
}

// app holds everything a batch or the server needs. close releases the
// connections it opened.
type app struct {
	cfg          *config.Config
	orchestrator *engine.Orchestrator
	reports      state.ReportStore
	source       source.Store
	close        func()
}

func buildSource(ctx context.Context, cfg *config.Config) (source.Store, func(), error) {
	switch cfg.SourceDriver {
	case "postgres":
		pg, err := source.OpenPostgres(ctx, cfg.DatabaseURL, &cfg.FieldTable, cfg.Airtable.ProductsTable)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { _ = pg.Close() }, nil
	default:
		return source.NewAirtable(source.AirtableOptions{
			BaseURL:       cfg.Airtable.URL,
			APIKey:        cfg.Airtable.APIKey,
			BaseID:        cfg.Airtable.BaseID,
			ProductsTable: cfg.Airtable.ProductsTable,
			RatePerSecond: cfg.Airtable.RatePerSecond,
			Fields:        &cfg.FieldTable,
		}), func() {}, nil
	}
}

func buildTarget(cfg *config.Config) target.Store {
	return target.NewWebflow(target.WebflowOptions{
		BaseURL:       cfg.Webflow.URL,
		Token:         cfg.Webflow.Token,
		RatePerMinute: cfg.Webflow.RatePerMinute,
	})
}

func settlePolicy(cfg *config.Config) engine.SettlePolicy {
	p := engine.DefaultSettlePolicy()
	if cfg.Settle.Delay > 0 {
		p.Delay = cfg.Settle.Delay
	}
	if cfg.Settle.Attempts > 0 {
		p.MaxAttempts = cfg.Settle.Attempts
	}
	return p
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	src, closeSource, err := buildSource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	o := engine.NewOrchestrator(src, buildTarget(cfg), &cfg.FieldTable,
		cfg.Collections[config.CollectionProducts], cfg.Collections, settlePolicy(cfg))

	locker, err := state.OpenLocker(ctx, cfg.Lock)
	if err != nil {
		closeSource()
		return nil, err
	}
	if locker != nil {
		o.Locker = locker
		o.Provisioner.Locker = locker
	}

	reports, err := state.OpenReports(ctx, cfg.Report)
	if err != nil {
		closeSource()
		return nil, err
	}
	if reports != nil {
		o.Reports = reports
	}

	return &app{cfg: cfg, orchestrator: o, reports: reports, source: src, close: closeSource}, nil
}

func buildNormalizer(cfg *config.Config) *imaging.Normalizer {
	opts := imaging.DefaultOptions()
	opts.MaxWidth = cfg.Image.MaxWidth
	opts.Quality = cfg.Image.Quality
	opts.MaxBytes = cfg.Image.MaxBytes
	opts.MaxSourcePixels = cfg.Image.MaxPixels
	opts.AllowedHosts = cfg.Image.AllowedHosts
	opts.BlockPrivateNetworks = cfg.Image.BlockPrivate
	return imaging.New(opts, nil)
}

func buildCache(ctx context.Context, cfg *config.Config) (assetcache.Cache, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return assetcache.Open(ctx, cfg.AssetCache)
}
