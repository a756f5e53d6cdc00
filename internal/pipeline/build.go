package pipeline

import (
	"path/filepath"
	"time"

	"github.com/lucasnoah/perfx/internal/config"
)

const (
	defaultOutputDir    = "results"
	defaultCacheFile    = ".perfx_deps.json"
	defaultBackupSuffix = ".backup"
	defaultBranch       = "main"
)

// FromConfig converts a loaded configuration into a Pipeline, applying
// defaults. Any validation problem yields a *ConfigurationError listing all of
// them.
func FromConfig(cfg *config.Config) (*Pipeline, error) {
	if errs := config.Validate(cfg); len(errs) > 0 {
		ce := &ConfigurationError{}
		for _, e := range errs {
			ce.Problems = append(ce.Problems, e.Error())
		}
		return nil, ce
	}

	g := cfg.Global
	global := Global{
		WorkingDirectory: g.WorkingDirectory,
		OutputDirectory:  g.OutputDirectory,
		Timeout:          seconds(g.Timeout, DefaultTimeout),
		Environment:      copyEnv(g.Environment),
		DependencyCache:  g.DependencyCache,
		Database:         g.Database,
	}
	if global.WorkingDirectory == "" {
		global.WorkingDirectory = "."
	}
	if global.OutputDirectory == "" {
		global.OutputDirectory = defaultOutputDir
	}
	if global.DependencyCache == "" {
		global.DependencyCache = defaultCacheFile
	}

	p := &Pipeline{
		Name:                  cfg.Name,
		Description:           cfg.Description,
		Conditions:            copyEnv(cfg.Conditions),
		Global:                global,
		FileOperations:        buildFileOperations(cfg.FileOperations, global.OutputDirectory),
		ContinueOnStepFailure: g.ContinueOnStepFailure,
	}

	for _, r := range cfg.Repositories {
		repo := Repository{
			Name:       r.Name,
			URL:        r.URL,
			Branch:     r.Branch,
			Path:       r.Path,
			Submodules: boolOr(r.Submodules, true),
		}
		if repo.Branch == "" {
			repo.Branch = defaultBranch
		}
		if repo.Path == "" {
			repo.Path = repo.Name
		}
		p.Repositories = append(p.Repositories, repo)
	}

	for _, s := range cfg.Steps {
		step := Step{
			Name:              s.Name,
			Description:       s.Description,
			Enabled:           boolOr(s.Enabled, true),
			DependsOn:         append([]string(nil), s.DependsOn...),
			Environment:       copyEnv(s.Environment),
			ContinueOnFailure: s.ContinueOnFailure,
		}
		for _, d := range s.Dependencies {
			kind := DependencyKind(d.Type)
			if kind == "" {
				kind = DependencyFile
			}
			step.Dependencies = append(step.Dependencies, Dependency{Path: d.Path, Kind: kind, Pattern: d.Pattern})
		}
		for _, c := range s.Commands {
			step.Commands = append(step.Commands, buildCommand(c, global))
		}
		p.Steps = append(p.Steps, step)
	}

	return p, nil
}

func buildCommand(c config.Command, global Global) Command {
	cmd := Command{
		Text:              c.Command,
		WorkingDir:        c.Cwd,
		Timeout:           seconds(c.Timeout, global.Timeout),
		ExpectedExitCode:  c.ExpectedExitCode,
		Environment:       copyEnv(c.Environment),
		Condition:         c.Condition,
		Kind:              KindNormal,
		ContinueOnFailure: c.ContinueOnFailure,
		Repository:        c.Repository,
		Mutates:           append([]string(nil), c.Mutates...),
	}
	if c.Cleanup {
		cmd.Kind = KindCleanup
	}
	switch {
	case cmd.WorkingDir == "":
		cmd.WorkingDir = global.WorkingDirectory
	case !filepath.IsAbs(cmd.WorkingDir):
		cmd.WorkingDir = filepath.Join(global.WorkingDirectory, cmd.WorkingDir)
	}
	if c.Modify != nil {
		m := &Modification{Path: c.Modify.File, Description: c.Modify.Description}
		for _, r := range c.Modify.Replacements {
			m.Replacements = append(m.Replacements, Replacement{Old: r.Old, New: r.New})
		}
		cmd.Modify = m
		if cmd.Text == "" {
			cmd.Text = "modify " + m.Path
		}
	}
	for _, o := range c.Outputs {
		src := OutputSource(o.Input)
		if src == "" {
			src = SourceStdout
		}
		cmd.Outputs = append(cmd.Outputs, Output{Source: src, Path: o.Output})
	}
	return cmd
}

func buildFileOperations(f config.FileOperations, outputDir string) FileOperations {
	ops := FileOperations{
		BackupEnabled:     boolOr(f.BackupEnabled, true),
		BackupSuffix:      f.BackupSuffix,
		VersionControl:    boolOr(f.VersionControl, true),
		RollbackOnFailure: boolOr(f.RollbackOnFailure, true),
		SafeMode:          boolOr(f.SafeMode, true),
		BackupDir:         f.BackupDir,
		Compress:          f.Compress,
		KeepBackups:       f.KeepBackups,
	}
	if ops.BackupSuffix == "" {
		ops.BackupSuffix = defaultBackupSuffix
	}
	if ops.BackupDir == "" {
		ops.BackupDir = filepath.Join(outputDir, "backups")
	}
	return ops
}

func seconds(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func copyEnv(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
