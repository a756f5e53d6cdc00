package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/lucasnoah/perfx/internal/command"
	"github.com/lucasnoah/perfx/internal/db"
	"github.com/lucasnoah/perfx/internal/engine"
	"github.com/lucasnoah/perfx/internal/pipeline"
	"github.com/lucasnoah/perfx/internal/recorder"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [step]...",
	Short: "Run the pipeline, or only the named steps",
	Long: `Run executes every enabled step in declared order, or only the steps named
on the command line. Steps whose dependencies are unchanged since their last
successful run are skipped unless --force is given.

The exit status is non-zero when any executed step failed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		noDB, _ := cmd.Flags().GetBool("no-db")
		grace, _ := cmd.Flags().GetDuration("grace-period")

		p, cfg, err := loadPipeline()
		if err != nil {
			return err
		}
		logger := newLogger(cmd.ErrOrStderr(), cfg.Global.Verbose)
		runID := uuid.NewString()

		fileRec, err := recorder.NewFile(p.Global.OutputDirectory, runID, logger)
		if err != nil {
			return err
		}
		recs := recorder.Multi{fileRec}

		var dbRec *recorder.Database
		if !noDB {
			d, closeDB, err := openDB(p)
			if err != nil {
				fileRec.Close()
				return err
			}
			defer closeDB()
			dbRec, err = recorder.NewDatabase(d, runID, p.Name, logger)
			if err != nil {
				fileRec.Close()
				return err
			}
			recs = append(recs, dbRec)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		eng, err := engine.New(p, engine.Options{
			Recorder: recs,
			Runner:   command.NewExecRunner(grace),
			Logger:   logger,
			Progress: cmd.ErrOrStderr(),
			Force:    force,
			RunID:    runID,
		})
		if err != nil {
			if dbRec != nil {
				dbRec.MarkFailed()
			}
			recs.Close()
			return err
		}

		res, runErr := eng.Run(ctx, args)
		if runErr != nil && dbRec != nil {
			dbRec.MarkFailed()
		}
		if err := recs.Close(); err != nil {
			logger.Warn("could not finalize run results", "error", err)
		}
		if res != nil {
			printRunResult(cmd, res)
		}
		if runErr != nil {
			if errors.Is(runErr, context.Canceled) {
				return fmt.Errorf("run %s interrupted", runID)
			}
			return runErr
		}
		if res.Failed() {
			return fmt.Errorf("run %s failed: %d step(s) failed", runID, countStatus(res, pipeline.StepFailed))
		}
		return nil
	},
}

func printRunResult(cmd *cobra.Command, res *engine.RunResult) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tSTATUS\tDURATION\tREASON")
	for _, s := range res.Steps {
		reason := s.Reason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Name, s.Status, s.Duration.Round(time.Millisecond), reason)
	}
	w.Flush()
	fmt.Fprintf(cmd.OutOrStdout(), "\nrun %s: %d succeeded, %d skipped, %d failed in %s\n",
		res.RunID,
		countStatus(res, pipeline.StepSucceeded),
		countStatus(res, pipeline.StepSkipped),
		countStatus(res, pipeline.StepFailed),
		res.Duration.Round(time.Millisecond))
}

func countStatus(res *engine.RunResult, status pipeline.StepStatus) int {
	n := 0
	for _, s := range res.Steps {
		if s.Status == status {
			n++
		}
	}
	return n
}

// openDB opens and migrates the run history database configured for p.
func openDB(p *pipeline.Pipeline) (*db.DB, func(), error) {
	dsn := p.Global.Database
	if dsn == "" {
		if err := os.MkdirAll(p.Global.OutputDirectory, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create output dir: %w", err)
		}
		dsn = db.DefaultDBPath(p.Global.OutputDirectory)
	}
	d, err := db.Open(dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := d.Migrate(); err != nil {
		d.Close()
		return nil, nil, err
	}
	return d, func() { d.Close() }, nil
}

func init() {
	runCmd.Flags().Bool("force", false, "run steps even when their dependencies are unchanged")
	runCmd.Flags().Bool("no-db", false, "do not record the run in the history database")
	runCmd.Flags().Duration("grace-period", 0, "send SIGTERM and wait this long before killing a timed-out command")
}
