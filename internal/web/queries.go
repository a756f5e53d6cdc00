package web

import (
	"database/sql"
	"fmt"

	"github.com/lucasnoah/perfx/internal/db"
)

// recentFailures returns the most recent failed commands across all runs.
func (s *Server) recentFailures(limit int) ([]db.CommandRun, error) {
	rows, err := s.db.Conn().Query(s.db.Rebind(
		`SELECT id, run_id, step, command, kind, exit_code, duration_ms, error, timestamp
		 FROM command_runs WHERE success = ?
		 ORDER BY id DESC LIMIT ?`),
		false, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent failures: %w", err)
	}
	defer rows.Close()

	var out []db.CommandRun
	for rows.Next() {
		var c db.CommandRun
		var errText sql.NullString
		if err := rows.Scan(&c.ID, &c.RunID, &c.Step, &c.Command, &c.Kind, &c.ExitCode,
			&c.DurationMs, &errText, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("scan command run: %w", err)
		}
		if errText.Valid {
			c.Error = errText.String
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// runStatus converts a run's stored status to the label shown in the UI.
func runStatus(r db.Run) string {
	if r.Status == "" || (r.Status == "running" && r.FinishedAt == "") {
		return "running"
	}
	return r.Status
}
