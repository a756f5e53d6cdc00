package pipeline

import "time"

// DefaultTimeout applies to commands when neither the command nor the global
// section sets one.
const DefaultTimeout = 3600 * time.Second

// Pipeline is the typed, validated form of a configuration. It is immutable
// once built by FromConfig.
type Pipeline struct {
	Name                  string
	Description           string
	Steps                 []Step
	Conditions            map[string]string
	Global                Global
	Repositories          []Repository
	FileOperations        FileOperations
	ContinueOnStepFailure bool
}

// Step returns the step with the given name.
func (p *Pipeline) Step(name string) (*Step, bool) {
	for i := range p.Steps {
		if p.Steps[i].Name == name {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// Global holds settings shared by every step.
type Global struct {
	WorkingDirectory string
	OutputDirectory  string
	Timeout          time.Duration
	Environment      map[string]string
	DependencyCache  string
	Database         string
}

// Repository is a git checkout provisioned before the first step runs.
type Repository struct {
	Name       string
	URL        string
	Branch     string
	Path       string
	Submodules bool
}

// FileOperations configures the file guard.
type FileOperations struct {
	BackupEnabled     bool
	BackupSuffix      string
	VersionControl    bool
	RollbackOnFailure bool
	SafeMode          bool
	BackupDir         string
	Compress          bool
	KeepBackups       int
}

// Step is a named, ordered group of commands.
type Step struct {
	Name              string
	Description       string
	Enabled           bool
	Commands          []Command
	DependsOn         []string
	Dependencies      []Dependency
	Environment       map[string]string
	ContinueOnFailure bool
}

// Partition splits the step's commands into normal and cleanup commands,
// preserving declared order within each group.
func (s *Step) Partition() (normal, cleanup []Command) {
	for _, c := range s.Commands {
		if c.Kind == KindCleanup {
			cleanup = append(cleanup, c)
		} else {
			normal = append(normal, c)
		}
	}
	return normal, cleanup
}

// CommandKind distinguishes regular commands from cleanup commands.
type CommandKind int

const (
	KindNormal CommandKind = iota
	KindCleanup
)

func (k CommandKind) String() string {
	if k == KindCleanup {
		return "cleanup"
	}
	return "normal"
}

// Command is a single shell invocation, or a built-in file modification when
// Modify is set.
type Command struct {
	Text              string
	WorkingDir        string
	Timeout           time.Duration
	ExpectedExitCode  int
	Environment       map[string]string
	Condition         string
	Kind              CommandKind
	ContinueOnFailure bool
	Repository        string
	Mutates           []string
	Modify            *Modification
	Outputs           []Output
}

// TracksFileMutation reports whether the command's file edits must go through
// the file guard.
func (c *Command) TracksFileMutation() bool {
	return len(c.Mutates) > 0 || c.Modify != nil
}

// Modification is a guarded in-place text substitution.
type Modification struct {
	Path         string
	Replacements []Replacement
	Description  string
}

// Replacement replaces every occurrence of Old with New.
type Replacement struct {
	Old string
	New string
}

// OutputSource names the command stream captured by an Output.
type OutputSource string

const (
	SourceStdout   OutputSource = "stdout"
	SourceStderr   OutputSource = "stderr"
	SourceCombined OutputSource = "combined"
)

// Output copies a raw command stream to Path under the output directory.
type Output struct {
	Source OutputSource
	Path   string
}

// DependencyKind is either a single file or a directory tree.
type DependencyKind string

const (
	DependencyFile      DependencyKind = "file"
	DependencyDirectory DependencyKind = "directory"
)

// Dependency is a declared input of a step. Pattern filters directory entries
// by base name (shell glob); empty means all files.
type Dependency struct {
	Path    string
	Kind    DependencyKind
	Pattern string
}

// StepStatus is the lifecycle state of a step within a run.
type StepStatus string

const (
	StepNotRun    StepStatus = "not_run"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// IsTerminal reports whether no further transition is possible.
func (s StepStatus) IsTerminal() bool {
	return s == StepSucceeded || s == StepFailed || s == StepSkipped
}

// CommandStatus is the outcome of a single command.
type CommandStatus string

const (
	CommandPending            CommandStatus = "pending"
	CommandSucceeded          CommandStatus = "succeeded"
	CommandFailed             CommandStatus = "failed"
	CommandSkippedByCondition CommandStatus = "skipped_by_condition"
)

// StepOutcome is what the recorder receives once a step reaches a terminal state.
type StepOutcome struct {
	Status   StepStatus    `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// ExecutionRecord describes one invoked command. It is emitted to the recorder
// and never read back by the engine.
type ExecutionRecord struct {
	RunID     string            `json:"run_id"`
	Step      string            `json:"step"`
	Command   string            `json:"command"`
	Kind      string            `json:"kind"`
	Cwd       string            `json:"cwd"`
	Env       map[string]string `json:"env,omitempty"`
	Stdout    string            `json:"stdout"`
	Stderr    string            `json:"stderr"`
	ExitCode  int               `json:"exit_code"`
	Success   bool              `json:"success"`
	Duration  time.Duration     `json:"duration_ns"`
	Error     string            `json:"error,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
