package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lucasnoah/perfx/internal/pipeline"
)

// Result file names written into the output directory on Close.
const (
	TraceFile    = "trace.jsonl"
	ResultsFile  = "evaluation_results.json"
	CommandsFile = "executed_commands.log"
	SummaryFile  = "summary.txt"
)

var rule = strings.Repeat("=", 50)

// TraceEvent is one line of the JSONL trace.
type TraceEvent struct {
	Type      string                    `json:"type"`
	Timestamp time.Time                 `json:"timestamp"`
	RunID     string                    `json:"run_id"`
	Step      string                    `json:"step,omitempty"`
	Command   *pipeline.ExecutionRecord `json:"command,omitempty"`
	Outcome   *pipeline.StepOutcome     `json:"outcome,omitempty"`
}

type stepResult struct {
	Timestamp time.Time            `json:"timestamp"`
	Outcome   pipeline.StepOutcome `json:"results"`
}

type results struct {
	Timestamp time.Time                  `json:"timestamp"`
	RunID     string                     `json:"run_id"`
	Steps     map[string]stepResult      `json:"steps"`
	Commands  []pipeline.ExecutionRecord `json:"commands"`
}

// File streams a JSONL trace while the run is in progress and writes the
// result files when closed.
type File struct {
	mu      sync.Mutex
	dir     string
	runID   string
	started time.Time
	logger  *slog.Logger

	file   *os.File
	writer *bufio.Writer
	enc    *json.Encoder
	err    error

	commands []pipeline.ExecutionRecord
	steps    map[string]stepResult
	order    []string
}

// NewFile creates dir if needed and opens the trace file for appending.
func NewFile(dir, runID string, logger *slog.Logger) (*File, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, TraceFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	w := bufio.NewWriter(f)
	return &File{
		dir:     dir,
		runID:   runID,
		started: time.Now(),
		logger:  logger,
		file:    f,
		writer:  w,
		enc:     json.NewEncoder(w),
		steps:   make(map[string]stepResult),
	}, nil
}

func (f *File) AddCommand(rec pipeline.ExecutionRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, rec)
	f.trace(TraceEvent{Type: "command", Timestamp: time.Now(), RunID: f.runID, Step: rec.Step, Command: &rec})
}

func (f *File) AddStepResult(step string, outcome pipeline.StepOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.steps[step]; !ok {
		f.order = append(f.order, step)
	}
	f.steps[step] = stepResult{Timestamp: time.Now(), Outcome: outcome}
	f.trace(TraceEvent{Type: "step_result", Timestamp: time.Now(), RunID: f.runID, Step: step, Outcome: &outcome})
}

// trace appends an event and flushes to disk. The first failure is kept and
// returned from Close; later events are dropped.
func (f *File) trace(ev TraceEvent) {
	if f.err != nil {
		return
	}
	err := f.enc.Encode(ev)
	if err == nil {
		err = f.writer.Flush()
	}
	if err == nil {
		err = f.file.Sync()
	}
	if err != nil {
		f.err = fmt.Errorf("write trace: %w", err)
		f.logger.Warn("trace write failed", "path", f.file.Name(), "error", err)
	}
}

// Close writes evaluation_results.json, executed_commands.log and summary.txt
// and closes the trace.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := pipeline.WriteJSON(filepath.Join(f.dir, ResultsFile), results{
		Timestamp: f.started,
		RunID:     f.runID,
		Steps:     f.steps,
		Commands:  f.commands,
	}); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	if err := pipeline.WriteAtomic(filepath.Join(f.dir, CommandsFile), []byte(f.commandsLog())); err != nil {
		return fmt.Errorf("write commands log: %w", err)
	}
	if err := pipeline.WriteAtomic(filepath.Join(f.dir, SummaryFile), []byte(f.summary())); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}

	if err := f.writer.Flush(); err != nil && f.err == nil {
		f.err = err
	}
	if err := f.file.Close(); err != nil && f.err == nil {
		f.err = err
	}
	return f.err
}

func (f *File) commandsLog() string {
	var b strings.Builder
	b.WriteString("EXECUTED COMMANDS LOG\n")
	b.WriteString(rule + "\n\n")
	for i, c := range f.commands {
		fmt.Fprintf(&b, "Command #%d\n", i+1)
		b.WriteString(strings.Repeat("-", 20) + "\n")
		fmt.Fprintf(&b, "Timestamp: %s\n", c.Timestamp.Format(time.RFC3339))
		fmt.Fprintf(&b, "Step: %s\n", c.Step)
		fmt.Fprintf(&b, "Command: %s\n", c.Command)
		if c.Cwd != "" {
			fmt.Fprintf(&b, "Working Directory: %s\n", c.Cwd)
		}
		fmt.Fprintf(&b, "Duration: %.2fs\n", c.Duration.Seconds())
		fmt.Fprintf(&b, "Exit Code: %d\n", c.ExitCode)
		fmt.Fprintf(&b, "Success: %t\n", c.Success)
		if c.Stdout != "" {
			fmt.Fprintf(&b, "Output:\n%s\n", c.Stdout)
		}
		if c.Stderr != "" {
			fmt.Fprintf(&b, "Stderr:\n%s\n", c.Stderr)
		}
		if c.Error != "" {
			fmt.Fprintf(&b, "Error:\n%s\n", c.Error)
		}
		b.WriteString("\n" + rule + "\n\n")
	}
	return b.String()
}

func (f *File) summary() string {
	var b strings.Builder
	b.WriteString("EVALUATION SUMMARY\n")
	b.WriteString(rule + "\n\n")
	fmt.Fprintf(&b, "Run ID: %s\n", f.runID)
	fmt.Fprintf(&b, "Timestamp: %s\n", f.started.Format(time.RFC3339))
	fmt.Fprintf(&b, "Total Commands: %d\n", len(f.commands))

	ok := 0
	var total time.Duration
	for _, c := range f.commands {
		if c.Success {
			ok++
		}
		total += c.Duration
	}
	fmt.Fprintf(&b, "Successful Commands: %d\n", ok)
	fmt.Fprintf(&b, "Failed Commands: %d\n", len(f.commands)-ok)
	fmt.Fprintf(&b, "Total Duration: %.2fs\n", total.Seconds())

	fmt.Fprintf(&b, "\nSteps Completed: %d\n", len(f.order))
	for _, name := range f.order {
		out := f.steps[name].Outcome
		if out.Reason != "" {
			fmt.Fprintf(&b, "  - %s: %s (%s)\n", name, out.Status, out.Reason)
		} else {
			fmt.Fprintf(&b, "  - %s: %s\n", name, out.Status)
		}
	}
	return b.String()
}
