package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	domcalib "github.com/huntsman-telescope/drp/internal/domain/calib"
	"github.com/huntsman-telescope/drp/internal/domain/document"
	"github.com/huntsman-telescope/drp/internal/domain/filter"
	logpkg "github.com/huntsman-telescope/drp/internal/logger"
	calibuc "github.com/huntsman-telescope/drp/internal/usecase/calib"
)

func newCalibCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calib",
		Short: "Build and inspect master calibs",
	}
	cmd.AddCommand(newCalibProcessCmd())
	cmd.AddCommand(newCalibListCmd())
	return cmd
}

func newCalibProcessCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "process [YYYY-MM-DD]",
		Short: "Build and archive the master calibs of one date, or of every date",
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
			svc := a.calibService()

			if len(args) == 0 {
				if err := svc.RunOnce(cmd.Context()); err != nil {
					return err
				}
				st := svc.Status()
				fmt.Fprintf(cmd.OutOrStdout(), "built %d, failed %d\n", st.Built, st.Failed)
				return nil
			}

			date, err := domcalib.ParseDate(args[0])
			if err != nil {
				return fmt.Errorf("date must be YYYY-MM-DD: %w", err)
			}
			res, err := svc.ProcessDate(cmd.Context(), date)
			if err != nil {
				return err
			}
			if format == formatJSON {
				return outputJSON(cmd, resultRows(res))
			}
			rows := make([]table.Row, 0, len(res.IDs))
			for _, r := range resultRows(res) {
				rows = append(rows, table.Row{r.ID, r.State})
			}
			outputTable(cmd, table.Row{"Calib ID", "State"}, rows)
			return nil
		},
	}
	addFormatFlag(cmd, &format)
	return cmd
}

type calibState struct {
	ID    string `json:"calib_id"`
	State string `json:"state"`
}

// resultRows reports the final state of every calib of a date.
func resultRows(res calibuc.Result) []calibState {
	state := make(map[string]string, len(res.IDs))
	for _, id := range res.IDs {
		state[id.String()] = "up to date"
	}
	mark := func(ids []domcalib.ID, s string) {
		for _, id := range ids {
			state[id.String()] = s
		}
	}
	mark(res.ToProcess, "pending")
	mark(res.Built, "built")
	mark(res.Failed, "failed")
	mark(res.Archived, "archived")
	mark(res.ArchiveFailed, "archive failed")

	out := make([]calibState, 0, len(state))
	for id, s := range state {
		out = append(out, calibState{ID: id, State: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func newCalibListCmd() *cobra.Command {
	var (
		format      string
		date        string
		datasetType string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived master calibs",
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

			var conds []filter.Condition
			if date != "" {
				if _, err := domcalib.ParseDate(date); err != nil {
					return fmt.Errorf("date must be YYYY-MM-DD: %w", err)
				}
				conds = append(conds, filter.Eq(domcalib.FieldCalibDate, date))
			}
			if datasetType != "" {
				conds = append(conds, filter.Eq(domcalib.FieldDatasetType, datasetType))
			}
			docs, err := a.calibs.Find(cmd.Context(), filter.And(conds...))
			if err != nil {
				return err
			}
			sort.Slice(docs, func(i, j int) bool {
				return docs[i].String(domcalib.FieldFilename) < docs[j].String(domcalib.FieldFilename)
			})

			if format == formatJSON {
				out := make([]map[string]any, len(docs))
				for i, d := range docs {
					out[i] = d.Fields()
				}
				return outputJSON(cmd, out)
			}
			rows := make([]table.Row, 0, len(docs))
			for _, d := range docs {
				rows = append(rows, table.Row{
					d.String(domcalib.FieldCalibDate),
					d.String(domcalib.FieldDatasetType),
					matchingValues(a.calibConfig().Matching(d.String(domcalib.FieldDatasetType)), d),
					d.String(domcalib.FieldFilename),
				})
			}
			outputTable(cmd, table.Row{"Date", "Type", "Matching", "Filename"}, rows)
			return nil
		},
	}
	addFormatFlag(cmd, &format)
	cmd.Flags().StringVar(&date, "date", "", "Only calibs of this date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&datasetType, "type", "", "Only calibs of this dataset type")
	return cmd
}

func matchingValues(columns []string, d *document.Document) string {
	parts := make([]string, 0, len(columns))
	for _, c := range columns {
		v, _ := d.Get(c)
		parts = append(parts, fmt.Sprintf("%s=%v", c, v))
	}
	return strings.Join(parts, " ")
}
