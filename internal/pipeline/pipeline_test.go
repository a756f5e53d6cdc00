package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/perfx/internal/config"
)

func boolPtr(b bool) *bool { return &b }

func sampleConfig() *config.Config {
	return &config.Config{
		Name: "bench",
		Global: config.Global{
			WorkingDirectory: "/work",
			Timeout:          120,
			Environment:      map[string]string{"A": "1"},
		},
		Repositories: []config.Repository{
			{Name: "cpython", URL: "https://example.com/cpython.git"},
		},
		Steps: []config.Step{
			{
				Name:         "build",
				Dependencies: []config.Dependency{{Path: "src"}, {Path: "lib", Type: "directory", Pattern: "*.py"}},
				Commands: []config.Command{
					{Command: "make", Repository: "cpython"},
					{Command: "make clean", Cleanup: true, Timeout: 10},
				},
			},
			{
				Name:      "bench",
				Enabled:   boolPtr(false),
				DependsOn: []string{"build"},
				Commands: []config.Command{
					{Command: "./bench", Cwd: "/tmp", ExpectedExitCode: 3, Outputs: []config.Output{{Output: "results/out.txt"}}},
					{Modify: &config.Modify{File: "cfg.ini", Replacements: []config.Replacement{{Old: "a", New: "b"}}}},
				},
			},
		},
	}
}

func TestFromConfigDefaults(t *testing.T) {
	p, err := FromConfig(sampleConfig())
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}

	if p.Global.Timeout != 120*time.Second {
		t.Errorf("Global.Timeout = %v, want 2m", p.Global.Timeout)
	}
	if p.Global.OutputDirectory != "results" {
		t.Errorf("OutputDirectory = %q, want %q", p.Global.OutputDirectory, "results")
	}
	if p.Global.DependencyCache != ".perfx_deps.json" {
		t.Errorf("DependencyCache = %q", p.Global.DependencyCache)
	}

	repo := p.Repositories[0]
	if repo.Branch != "main" || repo.Path != "cpython" || !repo.Submodules {
		t.Errorf("Repository defaults = %+v", repo)
	}

	ops := p.FileOperations
	if !ops.BackupEnabled || !ops.SafeMode || !ops.RollbackOnFailure || !ops.VersionControl {
		t.Errorf("FileOperations flags should default to true: %+v", ops)
	}
	if ops.BackupSuffix != ".backup" {
		t.Errorf("BackupSuffix = %q", ops.BackupSuffix)
	}
	if ops.BackupDir != filepath.Join("results", "backups") {
		t.Errorf("BackupDir = %q", ops.BackupDir)
	}

	build, ok := p.Step("build")
	if !ok {
		t.Fatal("build step missing")
	}
	if !build.Enabled {
		t.Error("build should default to enabled")
	}
	if build.Dependencies[0].Kind != DependencyFile {
		t.Errorf("dependency kind = %q, want file", build.Dependencies[0].Kind)
	}
	if build.Dependencies[1].Kind != DependencyDirectory || build.Dependencies[1].Pattern != "*.py" {
		t.Errorf("directory dependency = %+v", build.Dependencies[1])
	}

	mk := build.Commands[0]
	if mk.Timeout != 120*time.Second {
		t.Errorf("command timeout = %v, want global 2m", mk.Timeout)
	}
	if mk.WorkingDir != "/work" {
		t.Errorf("WorkingDir = %q, want /work", mk.WorkingDir)
	}
	if mk.Kind != KindNormal {
		t.Errorf("Kind = %v, want normal", mk.Kind)
	}
	clean := build.Commands[1]
	if clean.Kind != KindCleanup || clean.Timeout != 10*time.Second {
		t.Errorf("cleanup command = %+v", clean)
	}
}

func TestFromConfigCommandFields(t *testing.T) {
	p, err := FromConfig(sampleConfig())
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	bench, _ := p.Step("bench")
	if bench.Enabled {
		t.Error("bench should be disabled")
	}

	run := bench.Commands[0]
	if run.WorkingDir != "/tmp" || run.ExpectedExitCode != 3 {
		t.Errorf("run = %+v", run)
	}
	if len(run.Outputs) != 1 || run.Outputs[0].Source != SourceStdout {
		t.Errorf("Outputs = %+v, want stdout default", run.Outputs)
	}
	if run.TracksFileMutation() {
		t.Error("plain command should not track file mutation")
	}

	mod := bench.Commands[1]
	if mod.Modify == nil || mod.Modify.Path != "cfg.ini" {
		t.Fatalf("Modify = %+v", mod.Modify)
	}
	if mod.Text != "modify cfg.ini" {
		t.Errorf("Text = %q, want %q", mod.Text, "modify cfg.ini")
	}
	if !mod.TracksFileMutation() {
		t.Error("modify command should track file mutation")
	}
}

func TestFromConfigDefaultTimeout(t *testing.T) {
	cfg := &config.Config{
		Name:  "t",
		Steps: []config.Step{{Name: "s", Commands: []config.Command{{Command: "true"}}}},
	}
	p, err := FromConfig(cfg)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if got := p.Steps[0].Commands[0].Timeout; got != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", got, DefaultTimeout)
	}
	if p.Global.WorkingDirectory != "." {
		t.Errorf("WorkingDirectory = %q, want .", p.Global.WorkingDirectory)
	}
}

func TestFromConfigRejectsDuplicateSteps(t *testing.T) {
	cfg := &config.Config{
		Name: "dup",
		Steps: []config.Step{
			{Name: "a", Commands: []config.Command{{Command: "true"}}},
			{Name: "a", Commands: []config.Command{{Command: "true"}}},
		},
	}
	_, err := FromConfig(cfg)
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConfigurationError, got %v", err)
	}
	if !strings.Contains(ce.Error(), `duplicate step name "a"`) {
		t.Errorf("error = %q", ce.Error())
	}
}

func TestFromConfigRejectsUnknownReferences(t *testing.T) {
	cfg := &config.Config{
		Name: "refs",
		Steps: []config.Step{
			{Name: "a", DependsOn: []string{"ghost"}, Commands: []config.Command{{Command: "x", Repository: "nope"}}},
		},
	}
	_, err := FromConfig(cfg)
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConfigurationError, got %v", err)
	}
	if len(ce.Problems) != 2 {
		t.Errorf("Problems = %v, want 2", ce.Problems)
	}
}

func TestPartitionPreservesOrder(t *testing.T) {
	s := Step{Commands: []Command{
		{Text: "n1"}, {Text: "c1", Kind: KindCleanup}, {Text: "n2"}, {Text: "c2", Kind: KindCleanup},
	}}
	normal, cleanup := s.Partition()
	if len(normal) != 2 || normal[0].Text != "n1" || normal[1].Text != "n2" {
		t.Errorf("normal = %+v", normal)
	}
	if len(cleanup) != 2 || cleanup[0].Text != "c1" || cleanup[1].Text != "c2" {
		t.Errorf("cleanup = %+v", cleanup)
	}
}

func TestStepStatusIsTerminal(t *testing.T) {
	tests := []struct {
		s    StepStatus
		want bool
	}{
		{StepNotRun, false},
		{StepRunning, false},
		{StepSucceeded, true},
		{StepFailed, true},
		{StepSkipped, true},
	}
	for _, tt := range tests {
		if got := tt.s.IsTerminal(); got != tt.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.s, got, tt.want)
		}
	}
}

func TestWriteAtomicMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "run.sh")
	if err := WriteAtomicMode(path, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("WriteAtomicMode: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("mode = %v, want 0755", info.Mode().Perm())
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestReadWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	in := map[string]int{"a": 1}
	if err := WriteJSON(path, in); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var out map[string]int
	if err := ReadJSON(path, &out); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if out["a"] != 1 {
		t.Errorf("out = %v", out)
	}

	err := ReadJSON(filepath.Join(t.TempDir(), "missing.json"), &out)
	if !os.IsNotExist(err) {
		t.Errorf("ReadJSON(missing) = %v, want not-exist", err)
	}
}

func TestOutputPath(t *testing.T) {
	tests := []struct {
		rel  string
		want string
	}{
		{"results/bench.txt", filepath.Join("out", "bench.txt")},
		{"bench.txt", filepath.Join("out", "bench.txt")},
		{"logs/a.log", filepath.Join("out", "logs", "a.log")},
		{"/abs/x.txt", "/abs/x.txt"},
	}
	for _, tt := range tests {
		if got := OutputPath("out", tt.rel); got != tt.want {
			t.Errorf("OutputPath(%q) = %q, want %q", tt.rel, got, tt.want)
		}
	}
}
