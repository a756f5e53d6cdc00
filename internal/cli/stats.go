package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/lucasnoah/perfx/internal/analytics"
	"github.com/lucasnoah/perfx/internal/db"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Pass rates and duration percentiles from the run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		sinceDur, _ := cmd.Flags().GetDuration("since")
		format, _ := cmd.Flags().GetString("format")

		since := ""
		if sinceDur > 0 {
			since = time.Now().Add(-sinceDur).UTC().Format(db.TimeFormat)
		}

		d, closeDB, err := openHistory()
		if err != nil {
			return err
		}
		defer closeDB()

		summary, err := analytics.QueryRunSummary(d, since)
		if err != nil {
			return err
		}
		steps, err := analytics.QueryStepStats(d, since)
		if err != nil {
			return err
		}
		commands, err := analytics.QueryCommandStats(d, since)
		if err != nil {
			return err
		}

		if format == "json" {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"runs":     summary,
				"steps":    steps,
				"commands": commands,
			})
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Runs: %d (succeeded %d, failed %d, unfinished %d), pass rate %.1f%%\n",
			summary.Total, summary.Succeeded, summary.Failed, summary.Unfinished, summary.PassRate)
		fmt.Fprintf(out, "Run duration: avg %.2fs  p50 %.2fs  p95 %.2fs\n\n", summary.Avg, summary.P50, summary.P95)

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STEP\tRUNS\tPASS\tFAIL\tSKIP\tPASS%\tAVG\tP50\tP95")
		for _, s := range steps {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.1f\t%.2fs\t%.2fs\t%.2fs\n",
				s.Step, s.Runs, s.Succeeded, s.Failed, s.Skipped, s.PassRate, s.Avg, s.P50, s.P95)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		top, _ := cmd.Flags().GetInt("top")
		if top > 0 && len(commands) > top {
			commands = commands[:top]
		}
		fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STEP\tCOMMAND\tCOUNT\tFAIL%\tAVG\tP95")
		for _, c := range commands {
			fmt.Fprintf(w, "%s\t%s\t%d\t%.1f\t%.2fs\t%.2fs\n",
				c.Step, oneLine(c.Command), c.Count, c.FailRate, c.Avg, c.P95)
		}
		return w.Flush()
	},
}

func init() {
	statsCmd.Flags().Duration("since", 0, "only include runs newer than this (e.g. 168h)")
	statsCmd.Flags().String("format", "table", "Output format: table or json")
	statsCmd.Flags().Int("top", 10, "number of slowest commands to show")
}
