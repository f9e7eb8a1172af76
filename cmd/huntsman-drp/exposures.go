package main

import (
	"fmt"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	domcalib "github.com/huntsman-telescope/drp/internal/domain/calib"
	"github.com/huntsman-telescope/drp/internal/domain/filter"
	logpkg "github.com/huntsman-telescope/drp/internal/logger"
	"github.com/huntsman-telescope/drp/internal/repository/collection"
)

func newExposuresCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exposures",
		Short: "Inspect raw exposures and their calexp metrics",
	}
	cmd.AddCommand(newExposuresListCmd())
	cmd.AddCommand(newExposuresCalexpCmd())
	cmd.AddCommand(newExposuresClearCmd())
	return cmd
}

func newExposuresListCmd() *cobra.Command {
	var (
		format   string
		obsType  string
		screened bool
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored exposures",
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
			if obsType != "" {
				conds = append(conds, filter.Eq(domcalib.FieldObservationType, obsType))
			}
			var opts []collection.FindOption
			if screened {
				opts = append(opts, collection.WithScreen(), collection.WithQualityFilter())
			}
			if limit > 0 {
				opts = append(opts, collection.WithLimit(limit))
			}
			docs, err := a.exposures.Find(cmd.Context(), filter.And(conds...), opts...)
			if err != nil {
				return err
			}
			sort.Slice(docs, func(i, j int) bool {
				ti, _ := docs[i].Time(domcalib.FieldDate)
				tj, _ := docs[j].Time(domcalib.FieldDate)
				return ti.Before(tj)
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
				date, _ := d.Time(domcalib.FieldDate)
				screen := d.Bool(domcalib.FieldScreenSuccess)
				rows = append(rows, table.Row{
					date.UTC().Format("2006-01-02 15:04:05"),
					d.String(domcalib.FieldObservationType),
					d.String(domcalib.FieldCameraName),
					d.String(domcalib.FieldFilter),
					screen,
					d.String(domcalib.FieldFilename),
				})
			}
			outputTable(cmd, table.Row{"Date", "Type", "Camera", "Filter", "Screened", "Filename"}, rows)
			return nil
		},
	}
	addFormatFlag(cmd, &format)
	cmd.Flags().StringVar(&obsType, "type", "", "Only exposures of this observation type")
	cmd.Flags().BoolVar(&screened, "screened", false, "Only exposures passing screening and quality criteria")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of exposures")
	return cmd
}

func newExposuresCalexpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "calexp",
		Short: "Process every science exposure missing calexp metrics once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), logpkg.EnvCLI)
			if err != nil {
				return err
			}
			defer a.Close()

			targets, err := a.exposures.FindCalexpTargets(cmd.Context())
			if err != nil {
				return err
			}
			svc := a.qualityService()
			var failed int
			for _, doc := range targets {
				if err := svc.Process(cmd.Context(), doc); err != nil {
					a.logger.Warn("Failed to process exposure",
						zap.String("filename", doc.String(domcalib.FieldFilename)), zap.Error(err))
					failed++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "processed %d, failed %d\n", len(targets)-failed, failed)
			return nil
		},
	}
}

func newExposuresClearCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear-calexp",
		Short: "Remove the calexp metrics of every exposure",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear calexp metrics without --yes")
			}
			a, err := newApp(cmd.Context(), logpkg.EnvCLI)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.exposures.ClearCalexpMetrics(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared calexp metrics of %d exposures\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the operation")
	return cmd
}
