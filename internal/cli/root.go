package cli

import (
	"github.com/gisement-io/gisement/internal/logging"
	"github.com/spf13/cobra"
)

var (
	logLevel   string
	logFormat  string
	fieldTable string
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:   "gisement",
	Short: "Catalog sync from a tabular source to a CMS collection",
	Long: `Gisement publishes catalog records from a tabular source store (Airtable or
Postgres) to a schema-typed CMS collection (Webflow).

Each batch picks up the records waiting for publication, resolves their linked
categories, partners and enumerated options, creates or updates the matching
CMS items and writes the outcome back to the source. An image proxy serves the
attachments resized and compressed for the CMS.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(logLevel, logFormat)
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOr("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", envOr("LOG_FORMAT", "text"), "Log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&fieldTable, "field-table", "", "Path to a YAML field table overriding FIELD_TABLE")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(fieldsCmd)
	rootCmd.AddCommand(versionCmd)
}
