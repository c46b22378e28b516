package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gisement-io/gisement/internal/engine"
	"github.com/spf13/cobra"
)

var (
	runMax        int
	runJSON       bool
	runProxyHost  string
	runProxyProto string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one sync batch",
	Long: `Selects the records waiting for publication and syncs them to the CMS, the
same way a call to the sync endpoint does. Asset URLs are routed through the
image proxy only when --proxy-host names the server that serves it.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntVar(&runMax, "max", 0, "Maximum number of records (defaults to SYNC_BATCH_SIZE)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Output the batch result as JSON")
	runCmd.Flags().StringVar(&runProxyHost, "proxy-host", "", "Host of the image proxy used to rewrite asset URLs")
	runCmd.Flags().StringVar(&runProxyProto, "proxy-proto", "https", "Scheme of the image proxy")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	limit := cfg.BatchSize
	if runMax > 0 {
		limit = runMax
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	out := cmd.OutOrStdout()
	var opts []engine.RunOption
	if runProxyHost != "" && cfg.ProxyMode != "off" {
		opts = append(opts, engine.WithAssetRewriter(engine.ProxyRewriter(runProxyProto, runProxyHost)))
	}
	if !runJSON {
		opts = append(opts, engine.WithEvents(progressPrinter(out)))
		fmt.Fprintf(out, "Selecting up to %d records...\n", limit)
	}

	result, err := a.orchestrator.RunBatch(ctx, limit, opts...)

	if runJSON {
		data, jerr := json.MarshalIndent(result, "", "  ")
		if jerr != nil {
			return fmt.Errorf("failed to marshal result: %w", jerr)
		}
		fmt.Fprintln(out, string(data))
		return err
	}

	if err != nil {
		return fmt.Errorf("batch failed: %w", err)
	}
	if len(result.Records) == 0 {
		fmt.Fprintln(out, "Nothing to sync.")
		return nil
	}
	renderSummary(out, result)
	return nil
}
