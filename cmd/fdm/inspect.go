package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/synaptica-ai/fdm/pkg/pipeline"
	"github.com/synaptica-ai/fdm/pkg/runlog"
)

var (
	headRows  int
	runsLimit int
)

var statusCmd = &cobra.Command{
	Use:   "status [alias...]",
	Short: "Show the build state of manifest tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		aliases := args
		if len(aliases) == 0 {
			for _, t := range a.manifest.Tables {
				aliases = append(aliases, t.Alias)
			}
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TABLE\tSTATE\tCACHED\tROWS")
		for _, alias := range aliases {
			st, err := a.runner.TableStatus(cmd.Context(), alias)
			if err != nil {
				return err
			}
			cached := st.Cached
			if cached == "" {
				cached = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", st.Table, st.State, cached, st.Rows)
		}
		return tw.Flush()
	},
}

var headCmd = &cobra.Command{
	Use:   "head [alias]",
	Short: "Print the first rows of a built table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		t, err := a.runner.Table(args[0])
		if err != nil {
			return err
		}
		rs, err := t.Head(cmd.Context(), headRows)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rs.Maps())
	},
}

var namespaceCmd = &cobra.Command{
	Use:   "namespace",
	Short: "Manage the target namespace",
}

var namespaceCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create the manifest namespace when it is missing",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		created, err := pipeline.EnsureNamespace(cmd.Context(), a.gw, a.manifest.Project, a.manifest.Namespace, nil)
		if err != nil {
			return err
		}
		if created {
			fmt.Fprintf(cmd.OutOrStdout(), "namespace %s created\n", a.manifest.Namespace)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "namespace %s already exists\n", a.manifest.Namespace)
		}
		return nil
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the build run log",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs for the manifest namespace",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		if a.runs == nil {
			return errRunLogDisabled
		}

		runs, err := a.runs.Recent(cmd.Context(), a.manifest.Namespace, runsLimit)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN\tSTATUS\tSTARTED\tREQUESTED BY")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.Status, r.StartedAt.Format("2006-01-02 15:04:05"), r.RequestedBy)
		}
		return tw.Flush()
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show one run and its table outcomes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		if a.runs == nil {
			return errRunLogDisabled
		}

		run, tables, err := a.runs.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), struct {
			Run    *runlog.BuildRun  `json:"run"`
			Tables []runlog.TableRun `json:"tables"`
		}{run, tables})
	},
}

var errRunLogDisabled = errors.New("run log is disabled; set RUN_LOG_ENABLED=true")

func init() {
	headCmd.Flags().IntVarP(&headRows, "rows", "n", 5, "Rows to print")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "Runs to list")

	namespaceCmd.AddCommand(namespaceCreateCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd)
}
