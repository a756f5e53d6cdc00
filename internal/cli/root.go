package cli

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var (
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "perfx",
	Short: "Incremental pipeline runner for evaluation workflows",
	Long: `perfx runs a declarative pipeline of shell-command steps.

Steps whose declared inputs did not change since their last successful run are
skipped, commands can be gated on platform conditions, tracked files are backed
up before they are modified, and cleanup commands always run.

The pipeline is read from perfx.yaml (or perfx.yml, perfx.jsonc, perfx.json)
in the current directory unless --config is given. Results are written to the
output directory and run history to a SQLite database there.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

// newLogger builds the structured logger used by every component. It writes
// to w at info level, debug when --verbose or global.verbose is set.
func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose || debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to pipeline config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(reposCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(serveCmd)
}
