package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lucasnoah/perfx/internal/pipeline"
)

// TimeFormat is the layout used for every timestamp column.
const TimeFormat = "2006-01-02 15:04:05"

func now() string {
	return time.Now().UTC().Format(TimeFormat)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return now()
	}
	return t.UTC().Format(TimeFormat)
}

// Run represents a row in the runs table.
type Run struct {
	ID         string `json:"id"`
	Pipeline   string `json:"pipeline"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
	Status     string `json:"status"`
}

// CommandRun represents a row in the command_runs table.
type CommandRun struct {
	ID         int    `json:"id"`
	RunID      string `json:"run_id"`
	Step       string `json:"step"`
	Command    string `json:"command"`
	Kind       string `json:"kind"`
	Cwd        string `json:"cwd"`
	ExitCode   int    `json:"exit_code"`
	Success    bool   `json:"success"`
	DurationMs int    `json:"duration_ms"`
	Error      string `json:"error"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Timestamp  string `json:"timestamp"`
}

// StepResult represents a row in the step_results table.
type StepResult struct {
	ID         int    `json:"id"`
	RunID      string `json:"run_id"`
	Step       string `json:"step"`
	Status     string `json:"status"`
	Reason     string `json:"reason"`
	DurationMs int    `json:"duration_ms"`
	Timestamp  string `json:"timestamp"`
}

// StartRun inserts a run row with no finish time.
func (d *DB) StartRun(id, pipelineName string) error {
	_, err := d.conn.Exec(
		d.Rebind(`INSERT INTO runs (id, pipeline, started_at, status) VALUES (?, ?, ?, ?)`),
		id, pipelineName, now(), "running",
	)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// FinishRun stamps the finish time and final status of a run.
func (d *DB) FinishRun(id, status string) error {
	res, err := d.conn.Exec(
		d.Rebind(`UPDATE runs SET finished_at = ?, status = ? WHERE id = ?`),
		now(), status, id,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// LogCommandRun inserts one execution record.
func (d *DB) LogCommandRun(rec pipeline.ExecutionRecord) error {
	_, err := d.conn.Exec(
		d.Rebind(`INSERT INTO command_runs
		 (run_id, step, command, kind, cwd, exit_code, success, duration_ms, error, stdout, stderr, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.RunID, rec.Step, rec.Command, rec.Kind, rec.Cwd, rec.ExitCode, rec.Success,
		rec.Duration.Milliseconds(), rec.Error, rec.Stdout, rec.Stderr, formatTime(rec.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("log command run: %w", err)
	}
	return nil
}

// LogStepResult inserts the terminal outcome of a step.
func (d *DB) LogStepResult(runID, step string, outcome pipeline.StepOutcome) error {
	_, err := d.conn.Exec(
		d.Rebind(`INSERT INTO step_results (run_id, step, status, reason, duration_ms, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		runID, step, string(outcome.Status), outcome.Reason, outcome.Duration.Milliseconds(), now(),
	)
	if err != nil {
		return fmt.Errorf("log step result: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first. A limit of zero or
// less returns every run.
func (d *DB) ListRuns(limit int) ([]Run, error) {
	query := `SELECT id, pipeline, started_at, finished_at, status FROM runs ORDER BY started_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := d.conn.Query(d.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var finished, status sql.NullString
		if err := rows.Scan(&r.ID, &r.Pipeline, &r.StartedAt, &finished, &status); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.FinishedAt = finished.String
		r.Status = status.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns a single run, or nil when it does not exist.
func (d *DB) GetRun(id string) (*Run, error) {
	row := d.conn.QueryRow(
		d.Rebind(`SELECT id, pipeline, started_at, finished_at, status FROM runs WHERE id = ?`), id,
	)
	var r Run
	var finished, status sql.NullString
	err := row.Scan(&r.ID, &r.Pipeline, &r.StartedAt, &finished, &status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	r.FinishedAt = finished.String
	r.Status = status.String
	return &r, nil
}

// GetRunSteps returns the step results of a run in the order they were logged.
func (d *DB) GetRunSteps(runID string) ([]StepResult, error) {
	rows, err := d.conn.Query(
		d.Rebind(`SELECT id, run_id, step, status, reason, duration_ms, timestamp
		 FROM step_results WHERE run_id = ? ORDER BY id`), runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get run steps: %w", err)
	}
	defer rows.Close()

	var results []StepResult
	for rows.Next() {
		var s StepResult
		var reason sql.NullString
		if err := rows.Scan(&s.ID, &s.RunID, &s.Step, &s.Status, &reason, &s.DurationMs, &s.Timestamp); err != nil {
			return nil, fmt.Errorf("scan step result: %w", err)
		}
		s.Reason = reason.String
		results = append(results, s)
	}
	return results, rows.Err()
}

// GetRunCommands returns the execution records of a run in execution order.
func (d *DB) GetRunCommands(runID string) ([]CommandRun, error) {
	rows, err := d.conn.Query(
		d.Rebind(`SELECT id, run_id, step, command, kind, cwd, exit_code, success, duration_ms, error, stdout, stderr, timestamp
		 FROM command_runs WHERE run_id = ? ORDER BY id`), runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get run commands: %w", err)
	}
	defer rows.Close()

	var cmds []CommandRun
	for rows.Next() {
		var c CommandRun
		var cwd, errText, stdout, stderr sql.NullString
		if err := rows.Scan(&c.ID, &c.RunID, &c.Step, &c.Command, &c.Kind, &cwd, &c.ExitCode, &c.Success,
			&c.DurationMs, &errText, &stdout, &stderr, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("scan command run: %w", err)
		}
		c.Cwd = cwd.String
		c.Error = errText.String
		c.Stdout = stdout.String
		c.Stderr = stderr.String
		cmds = append(cmds, c)
	}
	return cmds, rows.Err()
}

// DeleteRunsBefore removes runs that started before cutoff, along with their
// command and step rows. It returns the number of runs removed.
func (d *DB) DeleteRunsBefore(cutoff time.Time) (int, error) {
	ts := cutoff.UTC().Format(TimeFormat)
	tx, err := d.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Child rows are deleted explicitly; SQLite only cascades when the
	// foreign_keys pragma is on for this connection.
	for _, table := range []string{"command_runs", "step_results"} {
		if _, err := tx.Exec(d.Rebind(`DELETE FROM `+table+` WHERE run_id IN (SELECT id FROM runs WHERE started_at < ?)`), ts); err != nil {
			return 0, fmt.Errorf("prune %s: %w", table, err)
		}
	}
	res, err := tx.Exec(d.Rebind(`DELETE FROM runs WHERE started_at < ?`), ts)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return int(n), nil
}
