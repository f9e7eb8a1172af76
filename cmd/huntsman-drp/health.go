package main

import (
	"fmt"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	logpkg "github.com/huntsman-telescope/drp/internal/logger"
	healthuc "github.com/huntsman-telescope/drp/internal/usecase/health"
)

func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the database and clean up stale documents",
	}
	cmd.AddCommand(newHealthCheckCmd())
	cmd.AddCommand(newHealthCleanCmd())
	return cmd
}

func newHealthCheckCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Ping the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), logpkg.EnvCLI)
			if err != nil {
				return err
			}
			defer a.Close()

			report := healthuc.New(a.store, nil).Check(cmd.Context())
			if format == formatJSON {
				if err := outputJSON(cmd, report); err != nil {
					return err
				}
			} else {
				names := make([]string, 0, len(report.Checks))
				for n := range report.Checks {
					names = append(names, n)
				}
				sort.Strings(names)
				rows := make([]table.Row, 0, len(names))
				for _, n := range names {
					rows = append(rows, table.Row{n, report.Checks[n]})
				}
				outputTable(cmd, table.Row{"Check", "Result"}, rows)
			}
			if report.Status != healthuc.Healthy {
				return fmt.Errorf("status %s", report.Status)
			}
			return nil
		},
	}
	addFormatFlag(cmd, &format)
	return cmd
}

func newHealthCleanCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete documents whose file is missing or duplicated once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), logpkg.EnvCLI)
			if err != nil {
				return err
			}
			defer a.Close()

			status, err := a.healthMonitor().RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			if format == formatJSON {
				return outputJSON(cmd, status)
			}
			names := make([]string, 0, len(status))
			for n := range status {
				names = append(names, n)
			}
			sort.Strings(names)
			rows := make([]table.Row, 0, len(names))
			for _, n := range names {
				rows = append(rows, table.Row{n, status[n].Size, status[n].Deleted})
			}
			outputTable(cmd, table.Row{"Collection", "Size", "Deleted"}, rows)
			return nil
		},
	}
	addFormatFlag(cmd, &format)
	return cmd
}
