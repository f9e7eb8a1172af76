package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	logpkg "github.com/huntsman-telescope/drp/internal/logger"
)

func newIngestCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "ingest [directory]",
		Short: "Ingest every new exposure in the raw directory once",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), logpkg.EnvCLI)
			if err != nil {
				return err
			}
			defer a.Close()

			var dir string
			if len(args) == 1 {
				dir = args[0]
			}
			sum, err := a.ingestService(dir).IngestOnce(cmd.Context())
			if err != nil {
				return err
			}

			if format == formatJSON {
				return outputJSON(cmd, sum)
			}
			outputTable(cmd, table.Row{"Found", "Ingested", "Failed"},
				[]table.Row{{sum.Found, sum.Ingested, sum.Failed}})
			return nil
		},
	}
	addFormatFlag(cmd, &format)
	return cmd
}
