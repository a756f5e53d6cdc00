package config

// Config is the top-level configuration structure parsed from a perfx YAML or JSONC file.
type Config struct {
	Name           string            `yaml:"name" json:"name" jsonschema:"required"`
	Version        string            `yaml:"version,omitempty" json:"version,omitempty"`
	Description    string            `yaml:"description,omitempty" json:"description,omitempty"`
	Global         Global            `yaml:"global,omitempty" json:"global,omitempty"`
	Repositories   []Repository      `yaml:"repositories,omitempty" json:"repositories,omitempty"`
	Conditions     map[string]string `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	FileOperations FileOperations    `yaml:"file_operations,omitempty" json:"file_operations,omitempty"`
	Steps          []Step            `yaml:"steps" json:"steps" jsonschema:"required"`
}

// Global holds run-wide settings shared by every step.
type Global struct {
	WorkingDirectory      string            `yaml:"working_directory,omitempty" json:"working_directory,omitempty"`
	OutputDirectory       string            `yaml:"output_directory,omitempty" json:"output_directory,omitempty"`
	Timeout               int               `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"minimum=0"`
	Environment           map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
	DependencyCache       string            `yaml:"dependency_cache,omitempty" json:"dependency_cache,omitempty"`
	ContinueOnStepFailure bool              `yaml:"continue_on_step_failure,omitempty" json:"continue_on_step_failure,omitempty"`
	Verbose               bool              `yaml:"verbose,omitempty" json:"verbose,omitempty"`
	Database              string            `yaml:"database,omitempty" json:"database,omitempty"`
}

// Repository declares a git repository provisioned before any step runs.
type Repository struct {
	Name       string `yaml:"name" json:"name" jsonschema:"required"`
	URL        string `yaml:"url" json:"url" jsonschema:"required"`
	Branch     string `yaml:"branch,omitempty" json:"branch,omitempty"`
	Path       string `yaml:"path,omitempty" json:"path,omitempty"`
	Submodules *bool  `yaml:"submodules,omitempty" json:"submodules,omitempty"`
}

// FileOperations configures backup and rollback behaviour for guarded file edits.
type FileOperations struct {
	BackupEnabled     *bool  `yaml:"backup_enabled,omitempty" json:"backup_enabled,omitempty"`
	BackupSuffix      string `yaml:"backup_suffix,omitempty" json:"backup_suffix,omitempty"`
	VersionControl    *bool  `yaml:"version_control,omitempty" json:"version_control,omitempty"`
	RollbackOnFailure *bool  `yaml:"rollback_on_failure,omitempty" json:"rollback_on_failure,omitempty"`
	SafeMode          *bool  `yaml:"safe_mode,omitempty" json:"safe_mode,omitempty"`
	BackupDir         string `yaml:"backup_dir,omitempty" json:"backup_dir,omitempty"`
	Compress          bool   `yaml:"compress,omitempty" json:"compress,omitempty"`
	KeepBackups       int    `yaml:"keep_backups,omitempty" json:"keep_backups,omitempty" jsonschema:"minimum=0"`
}

// Step is a named group of commands.
type Step struct {
	Name              string            `yaml:"name" json:"name" jsonschema:"required"`
	Description       string            `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled           *bool             `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	DependsOn         []string          `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Dependencies      []Dependency      `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Environment       map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
	ContinueOnFailure bool              `yaml:"continue_on_failure,omitempty" json:"continue_on_failure,omitempty"`
	Commands          []Command         `yaml:"commands" json:"commands" jsonschema:"required"`
}

// Dependency is a file or directory input whose changes make a step stale.
type Dependency struct {
	Path    string `yaml:"path" json:"path" jsonschema:"required"`
	Type    string `yaml:"type,omitempty" json:"type,omitempty" jsonschema:"enum=file,enum=directory"`
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
}

// Command is a single shell invocation (or built-in file modification) within a step.
type Command struct {
	Command           string            `yaml:"command,omitempty" json:"command,omitempty"`
	Cwd               string            `yaml:"cwd,omitempty" json:"cwd,omitempty"`
	Timeout           int               `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"minimum=0"`
	ExpectedExitCode  int               `yaml:"expected_exit_code,omitempty" json:"expected_exit_code,omitempty"`
	Environment       map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
	Condition         string            `yaml:"condition,omitempty" json:"condition,omitempty"`
	Cleanup           bool              `yaml:"cleanup,omitempty" json:"cleanup,omitempty"`
	ContinueOnFailure bool              `yaml:"continue_on_failure,omitempty" json:"continue_on_failure,omitempty"`
	Repository        string            `yaml:"repository,omitempty" json:"repository,omitempty"`
	Mutates           []string          `yaml:"mutates,omitempty" json:"mutates,omitempty"`
	Modify            *Modify           `yaml:"modify,omitempty" json:"modify,omitempty"`
	Outputs           []Output          `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// Modify describes a guarded in-place text substitution.
type Modify struct {
	File         string        `yaml:"file" json:"file" jsonschema:"required"`
	Replacements []Replacement `yaml:"replacements" json:"replacements" jsonschema:"required"`
	Description  string        `yaml:"description,omitempty" json:"description,omitempty"`
}

// Replacement is one old → new substitution.
type Replacement struct {
	Old string `yaml:"old" json:"old" jsonschema:"required"`
	New string `yaml:"new" json:"new"`
}

// Output saves a raw command stream into the output directory.
type Output struct {
	Input  string `yaml:"input,omitempty" json:"input,omitempty" jsonschema:"enum=stdout,enum=stderr,enum=combined"`
	Output string `yaml:"output" json:"output" jsonschema:"required"`
}
