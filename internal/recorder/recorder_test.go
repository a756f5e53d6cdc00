package recorder

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/perfx/internal/db"
	"github.com/lucasnoah/perfx/internal/pipeline"
)

func sampleRecords() []pipeline.ExecutionRecord {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []pipeline.ExecutionRecord{
		{RunID: "run-1", Step: "build", Command: "make", Kind: "normal", Cwd: "/src", Stdout: "built\n",
			Success: true, Duration: 1500 * time.Millisecond, Timestamp: ts},
		{RunID: "run-1", Step: "build", Command: "make test", Kind: "normal", Stderr: "boom", ExitCode: 2,
			Error: "exit code mismatch: got 2, want 0", Duration: 500 * time.Millisecond, Timestamp: ts},
	}
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	for _, r := range sampleRecords() {
		m.AddCommand(r)
	}
	m.AddStepResult("build", pipeline.StepOutcome{Status: pipeline.StepFailed})
	m.AddStepResult("build", pipeline.StepOutcome{Status: pipeline.StepSucceeded})

	if got := len(m.Commands()); got != 2 {
		t.Errorf("Commands() len = %d, want 2", got)
	}
	if got := len(m.Steps()); got != 2 {
		t.Errorf("Steps() len = %d, want 2", got)
	}
	out, ok := m.Outcome("build")
	if !ok || out.Status != pipeline.StepSucceeded {
		t.Errorf("Outcome(build) = %+v, %v; want last recorded", out, ok)
	}
	if _, ok := m.Outcome("missing"); ok {
		t.Error("Outcome(missing) should report false")
	}

	cmds := m.Commands()
	cmds[0].Command = "mutated"
	if m.Commands()[0].Command != "make" {
		t.Error("Commands() must return a copy")
	}
}

type closingRecorder struct {
	*Memory
	closed bool
	err    error
}

func (c *closingRecorder) Close() error {
	c.closed = true
	return c.err
}

func TestMulti(t *testing.T) {
	a := NewMemory()
	b := &closingRecorder{Memory: NewMemory(), err: errors.New("disk full")}
	m := Multi{a, b}

	m.AddCommand(sampleRecords()[0])
	m.AddStepResult("build", pipeline.StepOutcome{Status: pipeline.StepSucceeded})

	if len(a.Commands()) != 1 || len(b.Commands()) != 1 {
		t.Error("every member should receive the command")
	}
	if len(a.Steps()) != 1 || len(b.Steps()) != 1 {
		t.Error("every member should receive the step result")
	}
	err := m.Close()
	if !b.closed {
		t.Error("closer member was not closed")
	}
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("Close() = %v, want joined member error", err)
	}
}

func TestFileRecorder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")
	f, err := NewFile(dir, "run-1", nil)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	for _, r := range sampleRecords() {
		f.AddCommand(r)
	}
	f.AddStepResult("build", pipeline.StepOutcome{Status: pipeline.StepFailed, Reason: "command failed"})
	f.AddStepResult("report", pipeline.StepOutcome{Status: pipeline.StepSkipped, Reason: "dependencies unchanged"})

	// The trace is flushed per event, before Close.
	trace, err := os.Open(filepath.Join(dir, TraceFile))
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	sc := bufio.NewScanner(trace)
	for sc.Scan() {
		var ev TraceEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("bad trace line %q: %v", sc.Text(), err)
		}
		if ev.RunID != "run-1" {
			t.Errorf("trace run_id = %q", ev.RunID)
		}
		types = append(types, ev.Type)
	}
	trace.Close()
	if strings.Join(types, ",") != "command,command,step_result,step_result" {
		t.Errorf("trace event types = %v", types)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var res struct {
		RunID    string                     `json:"run_id"`
		Steps    map[string]json.RawMessage `json:"steps"`
		Commands []pipeline.ExecutionRecord `json:"commands"`
	}
	if err := pipeline.ReadJSON(filepath.Join(dir, ResultsFile), &res); err != nil {
		t.Fatalf("read results: %v", err)
	}
	if res.RunID != "run-1" || len(res.Commands) != 2 || len(res.Steps) != 2 {
		t.Errorf("results = %+v", res)
	}

	log, _ := os.ReadFile(filepath.Join(dir, CommandsFile))
	for _, want := range []string{"EXECUTED COMMANDS LOG", "Command #1", "Command: make\n", "Working Directory: /src",
		"Duration: 1.50s", "Success: true", "Command #2", "Exit Code: 2", "Stderr:\nboom"} {
		if !strings.Contains(string(log), want) {
			t.Errorf("commands log missing %q:\n%s", want, log)
		}
	}

	summary, _ := os.ReadFile(filepath.Join(dir, SummaryFile))
	for _, want := range []string{"EVALUATION SUMMARY", "Total Commands: 2", "Successful Commands: 1",
		"Failed Commands: 1", "Total Duration: 2.00s", "Steps Completed: 2",
		"  - build: failed (command failed)", "  - report: skipped (dependencies unchanged)"} {
		if !strings.Contains(string(summary), want) {
			t.Errorf("summary missing %q:\n%s", want, summary)
		}
	}
}

func TestNewFileUnwritableDir(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFile(filepath.Join(blocker, "out"), "run-1", nil); err == nil {
		t.Error("expected error when the output dir cannot be created")
	}
}

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

func TestDatabaseRecorder(t *testing.T) {
	d := testDB(t)
	r, err := NewDatabase(d, "run-1", "demo", nil)
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	for _, rec := range sampleRecords() {
		rec.RunID = ""
		r.AddCommand(rec)
	}
	r.AddStepResult("build", pipeline.StepOutcome{Status: pipeline.StepFailed, Duration: 2 * time.Second})
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	cmds, err := d.GetRunCommands("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(cmds) != 2 || cmds[0].Command != "make" || cmds[1].ExitCode != 2 {
		t.Errorf("commands = %+v", cmds)
	}
	steps, _ := d.GetRunSteps("run-1")
	if len(steps) != 1 || steps[0].Status != "failed" {
		t.Errorf("steps = %+v", steps)
	}
	run, _ := d.GetRun("run-1")
	if run == nil || run.Status != "failed" || run.FinishedAt == "" {
		t.Errorf("run = %+v", run)
	}
}

func TestDatabaseRecorderSucceeded(t *testing.T) {
	d := testDB(t)
	r, err := NewDatabase(d, "run-2", "demo", nil)
	if err != nil {
		t.Fatal(err)
	}
	r.AddStepResult("a", pipeline.StepOutcome{Status: pipeline.StepSucceeded})
	r.AddStepResult("b", pipeline.StepOutcome{Status: pipeline.StepSkipped})
	r.Close()
	run, _ := d.GetRun("run-2")
	if run.Status != "succeeded" {
		t.Errorf("run status = %q, want succeeded", run.Status)
	}
}

func TestDatabaseRecorderMarkFailed(t *testing.T) {
	d := testDB(t)
	r, err := NewDatabase(d, "run-3", "demo", nil)
	if err != nil {
		t.Fatal(err)
	}
	r.MarkFailed()
	r.Close()
	run, _ := d.GetRun("run-3")
	if run.Status != "failed" {
		t.Errorf("run status = %q, want failed", run.Status)
	}
}
