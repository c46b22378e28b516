package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gisement-io/gisement/internal/state"
	"github.com/spf13/cobra"
)

var reportJSON bool

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show the latest batch report",
	Long:  `Displays the report of the last batch saved by the configured REPORT_BACKEND.`,
	RunE:  runReport,
}

func init() {
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "Output in JSON format")
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reports, err := state.OpenReports(cmd.Context(), cfg.Report)
	if err != nil {
		return err
	}
	if reports == nil {
		return errors.New("no report backend configured (set REPORT_BACKEND to local or s3)")
	}

	out := cmd.OutOrStdout()
	result, err := reports.Latest(cmd.Context())
	if errors.Is(err, state.ErrNoReport) {
		fmt.Fprintln(out, "No batch report yet.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read report: %w", err)
	}

	if reportJSON {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	fmt.Fprintf(out, "Run: %s\nStarted: %s\nRecords: %d\n\n", result.RunID, result.StartedAt.Format("2006-01-02 15:04:05 MST"), len(result.Records))
	renderRecords(out, result)
	renderSummary(out, result)
	return nil
}
