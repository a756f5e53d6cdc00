package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/lucasnoah/perfx/internal/db"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded pipeline runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		format, _ := cmd.Flags().GetString("format")

		d, closeDB, err := openHistory()
		if err != nil {
			return err
		}
		defer closeDB()

		runs, err := d.ListRuns(limit)
		if err != nil {
			return err
		}

		if format == "json" {
			if runs == nil {
				runs = []db.Run{}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(runs)
		}

		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tPIPELINE\tSTARTED\tFINISHED\tSTATUS")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Pipeline, r.StartedAt, dash(r.FinishedAt), dash(r.Status))
		}
		return w.Flush()
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the steps and commands of one run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		d, closeDB, err := openHistory()
		if err != nil {
			return err
		}
		defer closeDB()

		run, err := d.GetRun(args[0])
		if err != nil {
			return err
		}
		if run == nil {
			return fmt.Errorf("run %s not found", args[0])
		}
		steps, err := d.GetRunSteps(run.ID)
		if err != nil {
			return err
		}
		commands, err := d.GetRunCommands(run.ID)
		if err != nil {
			return err
		}

		if format == "json" {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Run      *db.Run         `json:"run"`
				Steps    []db.StepResult `json:"steps"`
				Commands []db.CommandRun `json:"commands"`
			}{run, steps, commands})
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Run:      %s\n", run.ID)
		fmt.Fprintf(out, "Pipeline: %s\n", run.Pipeline)
		fmt.Fprintf(out, "Started:  %s\n", run.StartedAt)
		fmt.Fprintf(out, "Finished: %s\n", dash(run.FinishedAt))
		fmt.Fprintf(out, "Status:   %s\n\n", dash(run.Status))

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STEP\tSTATUS\tDURATION\tREASON")
		for _, s := range steps {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Step, s.Status, millis(s.DurationMs), dash(s.Reason))
		}
		if err := w.Flush(); err != nil {
			return err
		}

		fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STEP\tKIND\tEXIT\tDURATION\tCOMMAND")
		for _, c := range commands {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", c.Step, c.Kind, c.ExitCode, millis(c.DurationMs), oneLine(c.Command))
		}
		return w.Flush()
	},
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete runs that started before a cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}

		d, closeDB, err := openHistory()
		if err != nil {
			return err
		}
		defer closeDB()

		n, err := d.DeleteRunsBefore(time.Now().Add(-olderThan))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d run(s)\n", n)
		return nil
	},
}

func openHistory() (*db.DB, func(), error) {
	p, _, err := loadPipeline()
	if err != nil {
		return nil, nil, err
	}
	return openDB(p)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func millis(ms int) string {
	return (time.Duration(ms) * time.Millisecond).Round(time.Millisecond).String()
}

func oneLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

func init() {
	historyCmd.Flags().Int("limit", 20, "maximum number of runs to list")
	historyCmd.Flags().String("format", "table", "Output format: table or json")
	historyShowCmd.Flags().String("format", "table", "Output format: table or json")
	historyPruneCmd.Flags().Duration("older-than", 30*24*time.Hour, "delete runs older than this")

	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyPruneCmd)
}
