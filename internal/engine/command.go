package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/lucasnoah/perfx/internal/command"
	"github.com/lucasnoah/perfx/internal/pipeline"
)

// runCommand executes one command of step, emits its record and returns the
// outcome. Commands whose condition is false are skipped without a record.
func (e *Engine) runCommand(ctx context.Context, step *pipeline.Step, cmd pipeline.Command, repoPaths map[string]string) CommandResult {
	cr := CommandResult{Command: cmd.Text, Kind: cmd.Kind, Status: pipeline.CommandPending}

	if !e.evaluator.Evaluate(cmd.Condition) {
		cr.Status = pipeline.CommandSkippedByCondition
		e.logf("  skip %s (condition %q is false)", cmd.Text, cmd.Condition)
		e.logger.Debug("command skipped by condition", "step", step.Name, "command", cmd.Text, "condition", cmd.Condition)
		return cr
	}

	cwd := cmd.WorkingDir
	if cmd.Repository != "" {
		path, ok := repoPaths[cmd.Repository]
		if !ok {
			return e.finishCommand(step, cmd, cr, pipeline.ExecutionRecord{
				Cwd:       cwd,
				ExitCode:  -1,
				Error:     fmt.Sprintf("repository %q was not provisioned", cmd.Repository),
				Timestamp: time.Now(),
			})
		}
		cwd = path
	}
	env := mergeEnv(e.p.Global.Environment, step.Environment, cmd.Environment)

	if cmd.Modify != nil {
		return e.runModify(step, cmd, cr, cwd, env)
	}

	var backedUp []string
	for _, p := range cmd.Mutates {
		p = resolve(cwd, p)
		if e.guard.Backup(p, "before: "+cmd.Text) {
			backedUp = append(backedUp, p)
		} else {
			e.logger.Warn("could not back up file before command", "step", step.Name, "command", cmd.Text, "path", p)
		}
	}

	e.logf("  run %s", cmd.Text)
	startedAt := time.Now()
	res, err := e.runner.Run(ctx, command.Request{
		Command:          cmd.Text,
		Dir:              cwd,
		Env:              processEnv(env),
		Timeout:          cmd.Timeout,
		ExpectedExitCode: cmd.ExpectedExitCode,
	})
	if res == nil {
		res = &command.Result{ExitCode: -1, Duration: time.Since(startedAt)}
	}

	rec := pipeline.ExecutionRecord{
		Cwd:       cwd,
		Env:       env,
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		ExitCode:  res.ExitCode,
		Success:   err == nil,
		Duration:  res.Duration,
		Timestamp: startedAt,
	}
	if err != nil {
		rec.Error = err.Error()
		if e.guard != nil && e.guard.RollbackOnFailure() {
			for _, p := range backedUp {
				if e.guard.Rollback(p) {
					e.logf("  rolled back %s", p)
				}
			}
		}
	}

	for _, out := range cmd.Outputs {
		e.writeOutput(step, cmd, out, res)
	}
	return e.finishCommand(step, cmd, cr, rec)
}

func (e *Engine) runModify(step *pipeline.Step, cmd pipeline.Command, cr CommandResult, cwd string, env map[string]string) CommandResult {
	path := resolve(cwd, cmd.Modify.Path)
	desc := cmd.Modify.Description
	if desc == "" {
		desc = cmd.Text
	}
	e.logf("  modify %s (%d replacement(s))", path, len(cmd.Modify.Replacements))

	startedAt := time.Now()
	ok := e.guard.Modify(path, cmd.Modify.Replacements, desc)
	rec := pipeline.ExecutionRecord{
		Cwd:       cwd,
		Env:       env,
		Success:   ok,
		Duration:  time.Since(startedAt),
		Timestamp: startedAt,
	}
	if !ok {
		rec.ExitCode = 1
		rec.Error = fmt.Sprintf("file modification failed: %s", path)
	}
	return e.finishCommand(step, cmd, cr, rec)
}

// finishCommand stamps the shared record fields, emits the record and folds
// it into cr.
func (e *Engine) finishCommand(step *pipeline.Step, cmd pipeline.Command, cr CommandResult, rec pipeline.ExecutionRecord) CommandResult {
	rec.RunID = e.runID
	rec.Step = step.Name
	rec.Command = cmd.Text
	rec.Kind = cmd.Kind.String()
	e.recorder.AddCommand(rec)

	cr.ExitCode = rec.ExitCode
	cr.Duration = rec.Duration
	cr.Error = rec.Error
	if rec.Success {
		cr.Status = pipeline.CommandSucceeded
		return cr
	}
	cr.Status = pipeline.CommandFailed
	e.logf("  failed: %s", rec.Error)
	e.logger.Error("command failed",
		"step", step.Name,
		"command", cmd.Text,
		"kind", cmd.Kind.String(),
		"cwd", rec.Cwd,
		"exit_code", rec.ExitCode,
		"timeout", cmd.Timeout,
		"error", rec.Error,
	)
	return cr
}

// writeOutput copies the raw stream named by out into the output directory.
func (e *Engine) writeOutput(step *pipeline.Step, cmd pipeline.Command, out pipeline.Output, res *command.Result) {
	var data string
	switch out.Source {
	case pipeline.SourceStderr:
		data = res.Stderr
	case pipeline.SourceCombined:
		data = fmt.Sprintf("STDOUT:\n%s\n\nSTDERR:\n%s", res.Stdout, res.Stderr)
	default:
		data = res.Stdout
	}
	path := pipeline.OutputPath(e.p.Global.OutputDirectory, out.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		e.logger.Warn("could not create output directory", "step", step.Name, "command", cmd.Text, "path", path, "error", err)
		return
	}
	if err := pipeline.WriteAtomic(path, []byte(data)); err != nil {
		e.logger.Warn("could not write command output", "step", step.Name, "command", cmd.Text, "path", path, "error", err)
		return
	}
	e.logf("  saved %s to %s", out.Source, path)
}

// mergeEnv layers the maps left to right; later maps win.
func mergeEnv(layers ...map[string]string) map[string]string {
	merged := make(map[string]string)
	for _, l := range layers {
		for k, v := range l {
			merged[k] = v
		}
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}

// processEnv appends overlay to the process environment. os/exec keeps the
// last value of a duplicated key, so overlay entries take precedence.
func processEnv(overlay map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overlay[k])
	}
	return env
}

func resolve(dir, path string) string {
	if filepath.IsAbs(path) || dir == "" {
		return path
	}
	return filepath.Join(dir, path)
}
