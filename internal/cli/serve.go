package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lucasnoah/perfx/internal/web"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local run history UI",
	Long: `Start a read-only browser UI on localhost showing recorded runs, their steps
and commands, and pass-rate statistics.

The same data is available as JSON under /api/runs, /api/runs/<id> and
/api/stats. /trace/stream follows trace.jsonl of the output directory as
Server-Sent Events, so a run in progress can be watched live.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		host, _ := cmd.Flags().GetString("host")

		p, cfg, err := loadPipeline()
		if err != nil {
			return err
		}
		d, closeDB, err := openDB(p)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer closeDB()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger := newLogger(cmd.ErrOrStderr(), cfg.Global.Verbose)
		addr := fmt.Sprintf("%s:%d", host, port)
		return web.NewServer(d, p.Global.OutputDirectory, addr, logger).Start(ctx)
	},
}

func init() {
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("host", "localhost", "Interface to bind")
}
