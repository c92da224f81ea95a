package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tgcollect/pkg/config"
	"tgcollect/pkg/logger"
	"tgcollect/pkg/store"
)

var (
	exportFormat string
	exportOutput string
)

var exportCmd = &cobra.Command{
	Use:   "export [job-id]",
	Short: "Export collected member records",
	Long: `Export writes collected member records as JSON or CSV. With a job id
only that job's records are exported; without one, everything is.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		if err := logger.Initialize(&cfg.Logging); err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}

		st, err := store.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer st.Close()

		jobID := ""
		if len(args) == 1 {
			jobID = args[0]
		}

		format := exportFormat
		if format == "" {
			format = cfg.Storage.ExportFormat
		}

		var data []byte
		switch format {
		case "csv":
			data, err = st.ExportCSV(jobID)
		case "json":
			data, err = st.ExportJSON(jobID)
		default:
			return fmt.Errorf("unsupported format %q (want json or csv)", format)
		}
		if err != nil {
			return fmt.Errorf("exporting records: %w", err)
		}

		if exportOutput == "" || exportOutput == "-" {
			_, err = os.Stdout.Write(data)
			return err
		}
		if err := os.WriteFile(exportOutput, data, 0o644); err != nil {
			return fmt.Errorf("writing export file: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Wrote %d bytes to %s\n", len(data), exportOutput)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "", "export format: json or csv (default from config)")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file (default stdout)")
	rootCmd.AddCommand(exportCmd)
}
