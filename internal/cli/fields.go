package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/gisement-io/gisement/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var fieldsJSON bool

var fieldsCmd = &cobra.Command{
	Use:   "fields",
	Short: "Print the effective field table",
	Long: `Loads the field table (the embedded default, FIELD_TABLE or --field-table),
validates it and prints it.`,
	RunE: runFields,
}

func init() {
	fieldsCmd.Flags().BoolVar(&fieldsJSON, "json", false, "Output in JSON format")
}

func runFields(cmd *cobra.Command, args []string) error {
	path := fieldTable
	if path == "" {
		path = os.Getenv("FIELD_TABLE")
	}
	cfg := &config.Config{}
	if err := cfg.LoadFieldTable(path); err != nil {
		return fmt.Errorf("invalid field table: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if fieldsJSON {
		data, err = json.MarshalIndent(cfg.FieldTable, "", "  ")
		data = append(data, '\n')
	} else {
		data, err = yaml.Marshal(cfg.FieldTable)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal field table: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
