package analytics

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
	Rebind(query string) string
}

// StepStats holds outcome and duration stats for a step across runs.
type StepStats struct {
	Step      string  `json:"step"`
	Runs      int     `json:"runs"`
	Succeeded int     `json:"succeeded"`
	Failed    int     `json:"failed"`
	Skipped   int     `json:"skipped"`
	PassRate  float64 `json:"pass_rate_pct"`
	Avg       float64 `json:"avg_seconds"`
	P50       float64 `json:"p50_seconds"`
	P95       float64 `json:"p95_seconds"`
}

// timestamp formats to try when parsing timestamps from the database
var timestampFormats = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, f := range timestampFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

// QueryStepStats returns pass rate and duration percentiles per step. Skipped
// results count toward Runs but not toward the pass rate or the durations.
func QueryStepStats(database DB, since string) ([]StepStats, error) {
	query := `SELECT step, status, duration_ms FROM step_results`
	args := []any{}
	if since != "" {
		query += ` WHERE timestamp >= ?`
		args = append(args, since)
	}

	rows, err := database.Conn().Query(database.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query step stats: %w", err)
	}
	defer rows.Close()

	type acc struct {
		stats     StepStats
		durations []float64
	}
	steps := make(map[string]*acc)
	for rows.Next() {
		var step, status string
		var ms int64
		if err := rows.Scan(&step, &status, &ms); err != nil {
			return nil, fmt.Errorf("scan step stats: %w", err)
		}
		a, ok := steps[step]
		if !ok {
			a = &acc{stats: StepStats{Step: step}}
			steps[step] = a
		}
		a.stats.Runs++
		switch status {
		case "succeeded":
			a.stats.Succeeded++
		case "failed":
			a.stats.Failed++
		case "skipped":
			a.stats.Skipped++
			continue
		}
		a.durations = append(a.durations, float64(ms)/1000)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []StepStats
	for _, a := range steps {
		sort.Float64s(a.durations)
		s := a.stats
		s.PassRate = pct(s.Succeeded, s.Succeeded+s.Failed)
		s.Avg = avg(a.durations)
		s.P50 = percentile(a.durations, 50)
		s.P95 = percentile(a.durations, 95)
		results = append(results, s)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Step < results[j].Step
	})
	return results, nil
}

// CommandStats holds failure and duration stats for one command of a step.
type CommandStats struct {
	Step     string  `json:"step"`
	Command  string  `json:"command"`
	Count    int     `json:"count"`
	Failures int     `json:"failures"`
	FailRate float64 `json:"fail_rate_pct"`
	Avg      float64 `json:"avg_seconds"`
	P50      float64 `json:"p50_seconds"`
	P95      float64 `json:"p95_seconds"`
}

// QueryCommandStats returns per-command stats, slowest average first.
func QueryCommandStats(database DB, since string) ([]CommandStats, error) {
	query := `SELECT step, command, success, duration_ms FROM command_runs`
	args := []any{}
	if since != "" {
		query += ` WHERE timestamp >= ?`
		args = append(args, since)
	}

	rows, err := database.Conn().Query(database.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query command stats: %w", err)
	}
	defer rows.Close()

	type key struct{ step, command string }
	type acc struct {
		count, failures int
		durations       []float64
	}
	cmds := make(map[key]*acc)
	for rows.Next() {
		var k key
		var success bool
		var ms int64
		if err := rows.Scan(&k.step, &k.command, &success, &ms); err != nil {
			return nil, fmt.Errorf("scan command stats: %w", err)
		}
		a, ok := cmds[k]
		if !ok {
			a = &acc{}
			cmds[k] = a
		}
		a.count++
		if !success {
			a.failures++
		}
		a.durations = append(a.durations, float64(ms)/1000)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []CommandStats
	for k, a := range cmds {
		sort.Float64s(a.durations)
		results = append(results, CommandStats{
			Step:     k.step,
			Command:  k.command,
			Count:    a.count,
			Failures: a.failures,
			FailRate: pct(a.failures, a.count),
			Avg:      avg(a.durations),
			P50:      percentile(a.durations, 50),
			P95:      percentile(a.durations, 95),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Avg != results[j].Avg {
			return results[i].Avg > results[j].Avg
		}
		if results[i].Step != results[j].Step {
			return results[i].Step < results[j].Step
		}
		return results[i].Command < results[j].Command
	})
	return results, nil
}

// RunSummary holds aggregate stats over whole pipeline runs.
type RunSummary struct {
	Total      int     `json:"total"`
	Succeeded  int     `json:"succeeded"`
	Failed     int     `json:"failed"`
	Unfinished int     `json:"unfinished"`
	PassRate   float64 `json:"pass_rate_pct"`
	Avg        float64 `json:"avg_seconds"`
	P50        float64 `json:"p50_seconds"`
	P95        float64 `json:"p95_seconds"`
}

// QueryRunSummary aggregates runs. Wall-clock duration is taken from the
// started/finished timestamps of finished runs.
func QueryRunSummary(database DB, since string) (*RunSummary, error) {
	query := `SELECT started_at, finished_at, status FROM runs`
	args := []any{}
	if since != "" {
		query += ` WHERE started_at >= ?`
		args = append(args, since)
	}

	rows, err := database.Conn().Query(database.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query run summary: %w", err)
	}
	defer rows.Close()

	var s RunSummary
	var durations []float64
	for rows.Next() {
		var startedAt string
		var finishedAt, status sql.NullString
		if err := rows.Scan(&startedAt, &finishedAt, &status); err != nil {
			return nil, fmt.Errorf("scan run summary: %w", err)
		}
		s.Total++
		if !finishedAt.Valid {
			s.Unfinished++
			continue
		}
		switch status.String {
		case "succeeded":
			s.Succeeded++
		case "failed":
			s.Failed++
		}
		start, err := parseTimestamp(startedAt)
		if err != nil {
			continue
		}
		end, err := parseTimestamp(finishedAt.String)
		if err != nil {
			continue
		}
		if d := end.Sub(start).Seconds(); d >= 0 {
			durations = append(durations, d)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Float64s(durations)
	s.PassRate = pct(s.Succeeded, s.Succeeded+s.Failed)
	s.Avg = avg(durations)
	s.P50 = percentile(durations, 50)
	s.P95 = percentile(durations, 95)
	return &s, nil
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
