package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/lucasnoah/perfx/internal/deps"
	"github.com/lucasnoah/perfx/internal/pipeline"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the dependency cache",
}

func newTracker(cmd *cobra.Command) (*deps.Tracker, error) {
	p, cfg, err := loadPipeline()
	if err != nil {
		return nil, err
	}
	return deps.NewTracker(p.Global.DependencyCache, p.Global.WorkingDirectory, newLogger(cmd.ErrOrStderr(), cfg.Global.Verbose)), nil
}

var cacheInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show which steps have a cache entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		tracker, err := newTracker(cmd)
		if err != nil {
			return err
		}
		info := tracker.CacheInfo()

		if format == "json" {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Cache file: %s\n", info.CacheFile)
		fmt.Fprintf(cmd.OutOrStdout(), "Cached steps: %d\n", len(info.CachedSteps))
		fmt.Fprintf(cmd.OutOrStdout(), "Tracked dependencies: %d\n", info.TotalDependencies)
		for _, s := range info.CachedSteps {
			fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", s)
		}
		return nil
	},
}

var cacheShowCmd = &cobra.Command{
	Use:   "show <step>",
	Short: "Show the cached dependency snapshots of a step",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tracker, err := newTracker(cmd)
		if err != nil {
			return err
		}
		if !tracker.IsCached(args[0]) {
			return fmt.Errorf("step %q has no cache entry", args[0])
		}
		entries := tracker.Entries(args[0])
		if len(entries) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "Step %s is cached with no dependencies\n", args[0])
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PATH\tTYPE\tMODIFIED\tHASH")
		for _, s := range entries {
			path := s.Path
			if s.Type == pipeline.DependencyDirectory && s.Pattern != "" {
				path += " (" + s.Pattern + ")"
			}
			hash := s.Hash
			if len(hash) > 12 {
				hash = hash[:12]
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", path, s.Type, s.LastModified.Format(time.DateTime), hash)
		}
		return w.Flush()
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear [step]",
	Short: "Clear the cache of one step, or of every step",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tracker, err := newTracker(cmd)
		if err != nil {
			return err
		}
		if len(args) == 1 {
			tracker.ClearCache(args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared cache for step %s\n", args[0])
			return nil
		}
		tracker.ClearCache("")
		fmt.Fprintln(cmd.OutOrStdout(), "Cleared dependency cache")
		return nil
	},
}

func init() {
	cacheInfoCmd.Flags().String("format", "table", "Output format: table or json")

	cacheCmd.AddCommand(cacheInfoCmd)
	cacheCmd.AddCommand(cacheShowCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}
