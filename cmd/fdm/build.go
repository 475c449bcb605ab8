package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/synaptica-ai/fdm/pkg/common/config"
	"github.com/synaptica-ai/fdm/pkg/manifest"
	"github.com/synaptica-ai/fdm/pkg/pipeline"
)

var (
	runTables   []string
	skipDataset bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the manifest without touching the warehouse",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := manifestPath
		if path == "" {
			path = config.Load().ManifestPath
		}
		m, err := manifest.Load(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "manifest ok: %d tables into namespace %s\n", len(m.Tables), m.Namespace)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Build every table, then the person dataset",
	Long: "Build every manifest table, resuming from the first incomplete stage, and derive the person, " +
		"observation period and outside-observation tables once all tables are complete.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.runner.Run(cmd.Context(), pipeline.Request{
			Tables:      runTables,
			SkipDataset: skipDataset,
			RequestedBy: "cli",
		})
		if res != nil {
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
		}
		return err
	},
}

var tableCmd = &cobra.Command{
	Use:   "table [alias]",
	Short: "Build a single table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.runner.Run(cmd.Context(), pipeline.Request{Tables: args, SkipDataset: true, RequestedBy: "cli"})
		if res != nil && len(res.Tables) == 1 {
			if perr := printJSON(cmd.OutOrStdout(), res.Tables[0]); perr != nil {
				return perr
			}
			if res.Tables[0].Halted != nil {
				return fmt.Errorf("table %s halted: %w", args[0], res.Tables[0].Halted)
			}
		}
		return err
	},
}

func init() {
	runCmd.Flags().StringSliceVarP(&runTables, "table", "t", nil, "Restrict the run to these aliases (skips the dataset)")
	runCmd.Flags().BoolVar(&skipDataset, "skip-dataset", false, "Build tables only")
	runCmd.Flags().IntVarP(&concurrency, "concurrency", "c", 0, "Tables to build at once (default $BUILD_CONCURRENCY)")
}
