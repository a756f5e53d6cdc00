package analytics

import (
	"database/sql"
	"testing"

	"github.com/lucasnoah/perfx/internal/db"
)

func testDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func exec(t *testing.T, conn *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := conn.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func addRun(t *testing.T, c *sql.DB, id, started, finished, status string) {
	t.Helper()
	if finished == "" {
		exec(t, c, `INSERT INTO runs (id, pipeline, started_at, status) VALUES (?, 'demo', ?, ?)`, id, started, status)
		return
	}
	exec(t, c, `INSERT INTO runs (id, pipeline, started_at, finished_at, status) VALUES (?, 'demo', ?, ?, ?)`, id, started, finished, status)
}

func addStep(t *testing.T, c *sql.DB, run, step, status string, ms int, ts string) {
	t.Helper()
	exec(t, c, `INSERT INTO step_results (run_id, step, status, duration_ms, timestamp) VALUES (?, ?, ?, ?, ?)`, run, step, status, ms, ts)
}

func addCommand(t *testing.T, c *sql.DB, run, step, command string, success bool, ms int, ts string) {
	t.Helper()
	exec(t, c, `INSERT INTO command_runs (run_id, step, command, kind, exit_code, success, duration_ms, timestamp)
		VALUES (?, ?, ?, 'normal', 0, ?, ?, ?)`, run, step, command, success, ms, ts)
}

// --- QueryStepStats ---

func TestQueryStepStats(t *testing.T) {
	d := testDB(t)
	c := d.Conn()
	addRun(t, c, "r1", "2024-06-01 10:00:00", "2024-06-01 10:05:00", "succeeded")
	addRun(t, c, "r2", "2024-06-02 10:00:00", "2024-06-02 10:05:00", "failed")
	addRun(t, c, "r3", "2024-06-03 10:00:00", "2024-06-03 10:05:00", "succeeded")

	addStep(t, c, "r1", "build", "succeeded", 10000, "2024-06-01 10:01:00")
	addStep(t, c, "r2", "build", "failed", 20000, "2024-06-02 10:01:00")
	addStep(t, c, "r3", "build", "skipped", 0, "2024-06-03 10:01:00")
	addStep(t, c, "r1", "analyze", "succeeded", 3000, "2024-06-01 10:02:00")

	results, err := QueryStepStats(d, "")
	if err != nil {
		t.Fatalf("QueryStepStats: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(results))
	}
	if results[0].Step != "analyze" || results[1].Step != "build" {
		t.Errorf("results not sorted by step: %+v", results)
	}

	build := results[1]
	if build.Runs != 3 || build.Succeeded != 1 || build.Failed != 1 || build.Skipped != 1 {
		t.Errorf("build counts = %+v", build)
	}
	if build.PassRate != 50.0 {
		t.Errorf("build pass rate = %f, want 50.0", build.PassRate)
	}
	if build.Avg != 15.0 {
		t.Errorf("build avg = %f, want 15.0 (skipped excluded)", build.Avg)
	}
	if build.P50 != 15.0 {
		t.Errorf("build p50 = %f, want 15.0", build.P50)
	}
}

func TestQueryStepStats_Since(t *testing.T) {
	d := testDB(t)
	c := d.Conn()
	addRun(t, c, "r1", "2024-06-01 10:00:00", "", "running")
	addStep(t, c, "r1", "build", "failed", 1000, "2024-06-01 10:01:00")
	addStep(t, c, "r1", "build", "succeeded", 1000, "2024-06-10 10:01:00")

	results, err := QueryStepStats(d, "2024-06-05 00:00:00")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Runs != 1 || results[0].PassRate != 100.0 {
		t.Errorf("since filter not applied: %+v", results)
	}
}

func TestQueryStepStats_Empty(t *testing.T) {
	d := testDB(t)
	results, err := QueryStepStats(d, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}

// --- QueryCommandStats ---

func TestQueryCommandStats(t *testing.T) {
	d := testDB(t)
	c := d.Conn()
	addRun(t, c, "r1", "2024-06-01 10:00:00", "", "running")
	addCommand(t, c, "r1", "build", "make", true, 4000, "2024-06-01 10:00:01")
	addCommand(t, c, "r1", "build", "make", false, 6000, "2024-06-01 10:00:02")
	addCommand(t, c, "r1", "build", "make", true, 5000, "2024-06-01 10:00:03")
	addCommand(t, c, "r1", "test", "go test ./...", true, 1000, "2024-06-01 10:00:04")

	results, err := QueryCommandStats(d, "")
	if err != nil {
		t.Fatalf("QueryCommandStats: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(results))
	}
	mk := results[0]
	if mk.Command != "make" {
		t.Fatalf("slowest command should sort first, got %+v", results)
	}
	if mk.Count != 3 || mk.Failures != 1 {
		t.Errorf("make counts = %+v", mk)
	}
	if mk.FailRate != 33.3 {
		t.Errorf("make fail rate = %f, want 33.3", mk.FailRate)
	}
	if mk.Avg != 5.0 || mk.P50 != 5.0 {
		t.Errorf("make avg/p50 = %f/%f, want 5.0/5.0", mk.Avg, mk.P50)
	}
}

// --- QueryRunSummary ---

func TestQueryRunSummary(t *testing.T) {
	d := testDB(t)
	c := d.Conn()
	addRun(t, c, "r1", "2024-06-01 10:00:00", "2024-06-01 10:01:00", "succeeded")
	addRun(t, c, "r2", "2024-06-02 10:00:00", "2024-06-02 10:03:00", "failed")
	addRun(t, c, "r3", "2024-06-03 10:00:00", "", "running")

	s, err := QueryRunSummary(d, "")
	if err != nil {
		t.Fatalf("QueryRunSummary: %v", err)
	}
	if s.Total != 3 || s.Succeeded != 1 || s.Failed != 1 || s.Unfinished != 1 {
		t.Errorf("summary counts = %+v", s)
	}
	if s.PassRate != 50.0 {
		t.Errorf("pass rate = %f, want 50.0", s.PassRate)
	}
	if s.Avg != 120.0 {
		t.Errorf("avg = %f, want 120.0", s.Avg)
	}
}

func TestQueryRunSummary_Empty(t *testing.T) {
	d := testDB(t)
	s, err := QueryRunSummary(d, "")
	if err != nil {
		t.Fatal(err)
	}
	if s.Total != 0 || s.Avg != 0 {
		t.Errorf("empty summary = %+v", s)
	}
}

// --- helpers ---

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"2024-06-01 10:00:00", true},
		{"2024-06-01T10:00:00Z", true},
		{"2024-06-01T10:00:00", true},
		{"2024-06-01 10:00:00.000", true},
		{"not-a-date", false},
	}
	for _, tc := range tests {
		_, err := parseTimestamp(tc.input)
		if tc.valid && err != nil {
			t.Errorf("parseTimestamp(%q) = error %v, want success", tc.input, err)
		}
		if !tc.valid && err == nil {
			t.Errorf("parseTimestamp(%q) = success, want error", tc.input)
		}
	}
}

func TestAvg(t *testing.T) {
	if v := avg([]float64{10, 20, 30}); v != 20.0 {
		t.Errorf("avg([10,20,30]) = %f, want 20.0", v)
	}
	if v := avg(nil); v != 0.0 {
		t.Errorf("avg(nil) = %f, want 0.0", v)
	}
}

func TestPercentile(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	p50 := percentile(values, 50)
	if p50 < 5.0 || p50 > 6.0 {
		t.Errorf("p50 = %f, expected ~5.5", p50)
	}
	p95 := percentile(values, 95)
	if p95 < 9.0 || p95 > 10.0 {
		t.Errorf("p95 = %f, expected ~9.6", p95)
	}
	if v := percentile(nil, 50); v != 0.0 {
		t.Errorf("percentile(nil, 50) = %f, want 0.0", v)
	}
}

func TestPct(t *testing.T) {
	if v := pct(1, 4); v != 25.0 {
		t.Errorf("pct(1,4) = %f, want 25.0", v)
	}
	if v := pct(0, 0); v != 0.0 {
		t.Errorf("pct(0,0) = %f, want 0.0", v)
	}
}
