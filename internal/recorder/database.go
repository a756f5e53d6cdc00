package recorder

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/lucasnoah/perfx/internal/db"
	"github.com/lucasnoah/perfx/internal/pipeline"
)

// Database writes records into the run history tables. Insert failures are
// logged and do not interrupt the run.
type Database struct {
	mu     sync.Mutex
	db     *db.DB
	runID  string
	logger *slog.Logger
	failed bool
	closed bool
}

// NewDatabase registers a new run and returns a recorder bound to it. The
// caller keeps ownership of d.
func NewDatabase(d *db.DB, runID, pipelineName string, logger *slog.Logger) (*Database, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := d.StartRun(runID, pipelineName); err != nil {
		return nil, fmt.Errorf("register run: %w", err)
	}
	return &Database{db: d, runID: runID, logger: logger}, nil
}

func (r *Database) AddCommand(rec pipeline.ExecutionRecord) {
	if rec.RunID == "" {
		rec.RunID = r.runID
	}
	if err := r.db.LogCommandRun(rec); err != nil {
		r.logger.Warn("could not record command", "step", rec.Step, "command", rec.Command, "error", err)
	}
}

func (r *Database) AddStepResult(step string, outcome pipeline.StepOutcome) {
	r.mu.Lock()
	if outcome.Status == pipeline.StepFailed {
		r.failed = true
	}
	r.mu.Unlock()
	if err := r.db.LogStepResult(r.runID, step, outcome); err != nil {
		r.logger.Warn("could not record step result", "step", step, "error", err)
	}
}

// MarkFailed records the run as failed on Close regardless of step outcomes.
// Use it when the run aborted before any step failed.
func (r *Database) MarkFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = true
}

// Close marks the run finished, failed when any step failed. It is a no-op
// after the first call.
func (r *Database) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	status := "succeeded"
	if r.failed {
		status = "failed"
	}
	return r.db.FinishRun(r.runID, status)
}
