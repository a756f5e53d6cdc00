package command

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

var (
	// ErrTimeout is returned when a command outlives its timeout and is killed.
	ErrTimeout = errors.New("command timed out")
	// ErrExitMismatch is returned when a command exits with an unexpected code.
	ErrExitMismatch = errors.New("unexpected exit code")
	// ErrSpawn is returned when the process could not be started at all.
	ErrSpawn = errors.New("spawn failed")
)

// Request describes one shell invocation.
type Request struct {
	Command          string
	Dir              string
	Env              []string // full environment in KEY=VALUE form; nil inherits the parent's
	Timeout          time.Duration
	ExpectedExitCode int
}

// Result holds what the command produced. It is returned even when Run also
// returns an error.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Shell abstracts process spawning for testability.
type Shell interface {
	Run(ctx context.Context, dir string, command string, env []string) (stdout string, stderr string, exitCode int, err error)
}

// ExecShell implements Shell with sh -c. The child gets its own process group,
// and the whole group is killed when ctx is done: SIGTERM first when
// GracePeriod is positive, SIGKILL otherwise or after the grace period.
type ExecShell struct {
	GracePeriod time.Duration
}

func (e *ExecShell) Run(ctx context.Context, dir string, command string, env []string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = env
	killProcessGroup(cmd, e.GracePeriod)
	cmd.WaitDelay = e.GracePeriod + 5*time.Second

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return stdoutBuf.String(), stderrBuf.String(), -1, err
		}
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Runner runs commands with a timeout and checks their exit code.
type Runner struct {
	sh Shell
}

// NewRunner creates a Runner on top of the given shell.
func NewRunner(sh Shell) *Runner {
	return &Runner{sh: sh}
}

// NewExecRunner returns a Runner that spawns real processes.
func NewExecRunner(gracePeriod time.Duration) *Runner {
	return NewRunner(&ExecShell{GracePeriod: gracePeriod})
}

// Run executes req. The returned error wraps ErrTimeout, ErrExitMismatch or
// ErrSpawn, or the parent context's error if ctx was cancelled.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	runCtx := ctx
	cancel := func() {}
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	start := time.Now()
	stdout, stderr, exitCode, err := r.sh.Run(runCtx, req.Dir, req.Command, req.Env)
	res := &Result{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: exitCode,
		Duration: time.Since(start),
	}

	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("command interrupted: %w", ctx.Err())
	}
	if runCtx.Err() == context.DeadlineExceeded {
		res.ExitCode = -1
		return res, fmt.Errorf("%w after %ds", ErrTimeout, int(req.Timeout.Seconds()))
	}
	if err != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	if exitCode != req.ExpectedExitCode {
		return res, fmt.Errorf("%w: got %d, want %d", ErrExitMismatch, exitCode, req.ExpectedExitCode)
	}
	return res, nil
}
