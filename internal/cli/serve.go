package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gisement-io/gisement/internal/api"
	"github.com/gisement-io/gisement/internal/httpserver"
	"github.com/gisement-io/gisement/internal/logging"
	"github.com/gisement-io/gisement/internal/metrics"
	"github.com/gisement-io/gisement/internal/source"
	"github.com/spf13/cobra"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the sync endpoint and the image proxy",
	Long: `Starts the HTTP server. GET /api/sync?secret=... runs one batch;
GET /api/sync?proxy_url=... serves a normalized image. /healthz, /readyz and
/metrics are served next to it.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides LISTEN_ADDR)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.ListenAddr = serveAddr
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	cache, err := buildCache(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open asset cache: %w", err)
	}

	handler := api.New(api.Options{
		Secret:    cfg.Secret,
		BatchSize: cfg.BatchSize,
		ProxyMode: cfg.ProxyMode,
		Batcher:   a.orchestrator,
		Images:    buildNormalizer(cfg),
		Cache:     cache,
		Metrics:   metrics.New(),
	})

	var checks []httpserver.ReadinessCheck
	if pg, ok := a.source.(*source.Postgres); ok {
		checks = append(checks, httpserver.ReadinessCheck{Name: "postgres", Check: pg.Ping})
	}

	logger := logging.Logger()
	logger.Info("starting gisement",
		"version", Version,
		"source", cfg.SourceDriver,
		"proxy_mode", cfg.ProxyMode,
		"asset_cache", cfg.AssetCache.Driver,
		"lock", cfg.Lock.Backend,
		"reports", cfg.Report.Backend,
	)
	return httpserver.Run(ctx, logger, httpserver.Config{Addr: cfg.ListenAddr}, httpserver.Wrap(logger, handler.Routes(checks...)))
}

