package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/perfx/internal/command"
	"github.com/lucasnoah/perfx/internal/condition"
	"github.com/lucasnoah/perfx/internal/deps"
	"github.com/lucasnoah/perfx/internal/fileguard"
	"github.com/lucasnoah/perfx/internal/pipeline"
	"github.com/lucasnoah/perfx/internal/recorder"
	"github.com/lucasnoah/perfx/internal/repo"
)

// ErrUnmetDependency is the reason a step fails when a depends_on step did not
// complete.
var ErrUnmetDependency = errors.New("unmet dependency")

// Runner executes a single shell command.
type Runner interface {
	Run(ctx context.Context, req command.Request) (*command.Result, error)
}

// Evaluator decides whether a command's condition holds.
type Evaluator interface {
	Evaluate(nameOrExpr string) bool
}

// Tracker decides whether a step's inputs changed since it last completed.
type Tracker interface {
	HasChanged(step string, deps []pipeline.Dependency) bool
	MarkStepCompleted(step string)
	ClearCache(step string)
	IsCached(step string) bool
}

// Guard backs up, modifies and restores files touched by commands.
type Guard interface {
	Backup(path, description string) bool
	Modify(path string, replacements []pipeline.Replacement, description string) bool
	Rollback(path string) bool
	RollbackOnFailure() bool
}

// Provisioner makes a repository available locally and returns its path.
type Provisioner interface {
	EnsureRepository(ctx context.Context, r pipeline.Repository) (string, error)
}

// Options configures an Engine. Only Recorder is required; every other
// collaborator falls back to the default implementation.
type Options struct {
	Recorder    recorder.Recorder
	Runner      Runner
	Evaluator   Evaluator
	Tracker     Tracker
	Guard       Guard
	Provisioner Provisioner
	Logger      *slog.Logger
	Progress    io.Writer // live progress output; nil = silent
	Force       bool      // run steps even when their dependencies are unchanged
	RunID       string
}

// Engine executes the steps of a pipeline in declared order.
type Engine struct {
	p           *pipeline.Pipeline
	recorder    recorder.Recorder
	runner      Runner
	evaluator   Evaluator
	tracker     Tracker
	guard       Guard
	provisioner Provisioner
	logger      *slog.Logger
	progress    io.Writer
	force       bool
	runID       string
}

// New creates an engine for p.
func New(p *pipeline.Pipeline, opts Options) (*Engine, error) {
	if p == nil {
		return nil, errors.New("engine: pipeline is required")
	}
	if opts.Recorder == nil {
		return nil, errors.New("engine: recorder is required")
	}

	e := &Engine{
		p:           p,
		recorder:    opts.Recorder,
		runner:      opts.Runner,
		evaluator:   opts.Evaluator,
		tracker:     opts.Tracker,
		guard:       opts.Guard,
		provisioner: opts.Provisioner,
		logger:      opts.Logger,
		progress:    opts.Progress,
		force:       opts.Force,
		runID:       opts.RunID,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.runID == "" {
		e.runID = uuid.NewString()
	}
	if e.runner == nil {
		e.runner = command.NewExecRunner(0)
	}
	if e.evaluator == nil {
		e.evaluator = condition.New(p.Conditions, condition.HostFacts(), e.logger)
	}
	if e.tracker == nil {
		e.tracker = deps.NewTracker(p.Global.DependencyCache, p.Global.WorkingDirectory, e.logger)
	}
	if e.provisioner == nil {
		e.provisioner = repo.NewManager(nil, p.Global.WorkingDirectory, e.logger)
	}
	if e.guard == nil && needsGuard(p) {
		g, err := fileguard.New(p.FileOperations, e.logger)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		e.guard = g
	}
	return e, nil
}

func needsGuard(p *pipeline.Pipeline) bool {
	for _, s := range p.Steps {
		for _, c := range s.Commands {
			if c.TracksFileMutation() {
				return true
			}
		}
	}
	return false
}

// RunID returns the identifier stamped on every record of this engine's run.
func (e *Engine) RunID() string {
	return e.runID
}

// logf prints a progress line if a progress writer is configured.
func (e *Engine) logf(format string, args ...any) {
	if e.progress != nil {
		fmt.Fprintf(e.progress, "  → "+format+"\n", args...)
	}
}

// CommandResult is the outcome of one command within a step.
type CommandResult struct {
	Command  string                 `json:"command"`
	Kind     pipeline.CommandKind   `json:"kind"`
	Status   pipeline.CommandStatus `json:"status"`
	ExitCode int                    `json:"exit_code"`
	Duration time.Duration          `json:"duration_ns"`
	Error    string                 `json:"error,omitempty"`
}

// StepResult is the outcome of one selected step.
type StepResult struct {
	Name     string              `json:"name"`
	Status   pipeline.StepStatus `json:"status"`
	Reason   string              `json:"reason,omitempty"`
	Duration time.Duration       `json:"duration_ns"`
	Commands []CommandResult     `json:"commands,omitempty"`
}

// RunResult captures the outcome of a pipeline run.
type RunResult struct {
	RunID    string        `json:"run_id"`
	Steps    []StepResult  `json:"steps"`
	Duration time.Duration `json:"duration_ns"`
}

// Failed reports whether any executed step failed.
func (r *RunResult) Failed() bool {
	for _, s := range r.Steps {
		if s.Status == pipeline.StepFailed {
			return true
		}
	}
	return false
}

// Step returns the result for the named step.
func (r *RunResult) Step(name string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}

// Run executes the selected steps (all enabled steps when stepFilter is
// empty). A configuration or provisioning error aborts the run before any
// step executes. Step failures are reported in the result, not as an error;
// the returned error is non-nil only when the run could not proceed.
func (e *Engine) Run(ctx context.Context, stepFilter []string) (*RunResult, error) {
	start := time.Now()
	result := &RunResult{RunID: e.runID}

	selected, err := e.selectSteps(stepFilter)
	if err != nil {
		return nil, err
	}

	repoPaths, err := e.provision(ctx)
	if err != nil {
		return nil, err
	}

	e.logf("pipeline %q: running %d step(s), run %s", e.p.Name, len(selected), e.runID)
	e.logger.Info("pipeline started", "pipeline", e.p.Name, "run_id", e.runID, "steps", len(selected))

	inRun := make(map[string]bool, len(selected))
	for _, s := range selected {
		inRun[s.Name] = true
	}
	statuses := make(map[string]pipeline.StepStatus, len(selected))

	for i, step := range selected {
		sr := e.runStep(ctx, step, inRun, statuses, repoPaths)
		statuses[step.Name] = sr.Status
		result.Steps = append(result.Steps, sr)

		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(start)
			e.logf("run interrupted")
			return result, fmt.Errorf("run interrupted: %w", err)
		}

		if sr.Status == pipeline.StepFailed && !step.ContinueOnFailure && !e.p.ContinueOnStepFailure {
			e.logf("step %q failed, halting run", step.Name)
			e.logger.Warn("halting run after step failure", "step", step.Name)
			for _, rest := range selected[i+1:] {
				result.Steps = append(result.Steps, StepResult{
					Name:   rest.Name,
					Status: pipeline.StepNotRun,
					Reason: fmt.Sprintf("run halted after %q failed", step.Name),
				})
			}
			break
		}
	}

	result.Duration = time.Since(start)
	e.logger.Info("pipeline finished", "pipeline", e.p.Name, "run_id", e.runID,
		"failed", result.Failed(), "duration", result.Duration.Round(time.Millisecond))
	return result, nil
}

// selectSteps returns the enabled steps named in filter, in declared order.
func (e *Engine) selectSteps(filter []string) ([]*pipeline.Step, error) {
	want := make(map[string]bool, len(filter))
	var unknown []string
	for _, name := range filter {
		if _, ok := e.p.Step(name); !ok {
			unknown = append(unknown, fmt.Sprintf("unknown step %q", name))
			continue
		}
		want[name] = true
	}
	if len(unknown) > 0 {
		return nil, &pipeline.ConfigurationError{Problems: unknown}
	}

	var selected []*pipeline.Step
	for i := range e.p.Steps {
		s := &e.p.Steps[i]
		if len(filter) > 0 && !want[s.Name] {
			continue
		}
		if !s.Enabled {
			e.logger.Info("step disabled, not running", "step", s.Name)
			continue
		}
		selected = append(selected, s)
	}
	return selected, nil
}

func (e *Engine) provision(ctx context.Context) (map[string]string, error) {
	paths := make(map[string]string, len(e.p.Repositories))
	for _, r := range e.p.Repositories {
		e.logf("provisioning repository %s", r.Name)
		path, err := e.provisioner.EnsureRepository(ctx, r)
		if err != nil {
			e.logger.Error("repository provisioning failed", "repository", r.Name, "url", r.URL, "error", err)
			return nil, fmt.Errorf("provision repository %s: %w", r.Name, err)
		}
		paths[r.Name] = path
	}
	return paths, nil
}

// unmetDependencies lists the depends_on entries of step that are not
// satisfied. A dependency selected for this run must have succeeded or been
// skipped as up to date; one outside the run must have a cache entry.
func (e *Engine) unmetDependencies(step *pipeline.Step, inRun map[string]bool, statuses map[string]pipeline.StepStatus) []string {
	var unmet []string
	for _, dep := range step.DependsOn {
		if inRun[dep] {
			st := statuses[dep]
			if st != pipeline.StepSucceeded && st != pipeline.StepSkipped {
				unmet = append(unmet, dep)
			}
			continue
		}
		if !e.tracker.IsCached(dep) {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

func (e *Engine) runStep(ctx context.Context, step *pipeline.Step, inRun map[string]bool, statuses map[string]pipeline.StepStatus, repoPaths map[string]string) StepResult {
	start := time.Now()
	sr := StepResult{Name: step.Name}
	finish := func(status pipeline.StepStatus, reason string) StepResult {
		sr.Status = status
		sr.Reason = reason
		sr.Duration = time.Since(start)
		e.recorder.AddStepResult(step.Name, pipeline.StepOutcome{Status: status, Reason: reason, Duration: sr.Duration})
		return sr
	}

	if unmet := e.unmetDependencies(step, inRun, statuses); len(unmet) > 0 {
		reason := fmt.Errorf("%w: %v", ErrUnmetDependency, unmet).Error()
		e.logf("step %q: %s", step.Name, reason)
		e.logger.Error("step dependencies not met", "step", step.Name, "unmet", unmet)
		e.tracker.ClearCache(step.Name)
		return finish(pipeline.StepFailed, reason)
	}

	// HasChanged is consulted even when forced so the snapshots stay fresh.
	if changed := e.tracker.HasChanged(step.Name, step.Dependencies); !changed {
		if !e.force {
			e.logf("step %q: skipped, dependencies unchanged", step.Name)
			e.logger.Info("step skipped", "step", step.Name, "reason", "dependencies unchanged")
			return finish(pipeline.StepSkipped, "dependencies unchanged")
		}
		e.logf("step %q: dependencies unchanged, running anyway (forced)", step.Name)
	}

	e.logf("step %q: running", step.Name)
	e.logger.Info("step started", "step", step.Name)

	normal, cleanup := step.Partition()
	var failure string
	for _, cmd := range normal {
		if ctx.Err() != nil {
			if failure == "" {
				failure = "interrupted"
			}
			break
		}
		cr := e.runCommand(ctx, step, cmd, repoPaths)
		sr.Commands = append(sr.Commands, cr)
		if cr.Status != pipeline.CommandFailed {
			continue
		}
		if failure == "" {
			failure = fmt.Sprintf("command failed: %s", cmd.Text)
		}
		if !cmd.ContinueOnFailure {
			break
		}
	}

	// Cleanup runs whatever happened above, including cancellation.
	cleanupCtx := context.WithoutCancel(ctx)
	for i := len(cleanup) - 1; i >= 0; i-- {
		sr.Commands = append(sr.Commands, e.runCommand(cleanupCtx, step, cleanup[i], repoPaths))
	}

	if failure != "" {
		e.tracker.ClearCache(step.Name)
		e.logf("step %q: failed (%s)", step.Name, failure)
		e.logger.Error("step failed", "step", step.Name, "reason", failure)
		return finish(pipeline.StepFailed, failure)
	}
	e.tracker.MarkStepCompleted(step.Name)
	e.logf("step %q: succeeded (%s)", step.Name, time.Since(start).Round(time.Millisecond))
	e.logger.Info("step succeeded", "step", step.Name, "duration", time.Since(start).Round(time.Millisecond))
	return finish(pipeline.StepSucceeded, "")
}
