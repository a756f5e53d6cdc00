package repo

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lucasnoah/perfx/internal/pipeline"
)

// DirName is the directory under the working directory that holds checkouts.
const DirName = "repositories"

// GitRunner provides git commands. Interface for testing.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecGit implements GitRunner using exec.CommandContext.
type ExecGit struct{}

func (g *ExecGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Manager clones and updates the repositories a pipeline declares.
type Manager struct {
	git     GitRunner
	baseDir string // <working_directory>/repositories
	logger  *slog.Logger
}

// NewManager creates a repository manager rooted at workDir/repositories.
func NewManager(git GitRunner, workDir string, logger *slog.Logger) *Manager {
	if git == nil {
		git = &ExecGit{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{git: git, baseDir: filepath.Join(workDir, DirName), logger: logger}
}

// BaseDir returns the directory holding all checkouts.
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// Path returns the checkout location for r.
func (m *Manager) Path(r pipeline.Repository) string {
	p := r.Path
	if p == "" {
		p = r.Name
	}
	return filepath.Join(m.baseDir, p)
}

// EnsureRepository clones r when it is not checked out yet, otherwise fetches,
// checks out the configured branch and pulls. Submodule failures are logged
// and do not fail provisioning.
func (m *Manager) EnsureRepository(ctx context.Context, r pipeline.Repository) (string, error) {
	branch := r.Branch
	if branch == "" {
		branch = "main"
	}
	path := m.Path(r)

	if isCheckout(path) {
		m.logger.Info("repository exists, updating", "repository", r.Name, "path", path)
		if _, err := m.git.Run(ctx, path, "fetch"); err != nil {
			return "", fmt.Errorf("update repository %s: %w", r.Name, err)
		}
		if _, err := m.git.Run(ctx, path, "checkout", branch); err != nil {
			return "", fmt.Errorf("update repository %s: %w", r.Name, err)
		}
		if _, err := m.git.Run(ctx, path, "pull"); err != nil {
			return "", fmt.Errorf("update repository %s: %w", r.Name, err)
		}
	} else {
		if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
			return "", fmt.Errorf("create repositories dir: %w", err)
		}
		m.logger.Info("cloning repository", "repository", r.Name, "url", r.URL, "branch", branch)
		if _, err := m.git.Run(ctx, "", "clone", "--branch", branch, r.URL, path); err != nil {
			return "", fmt.Errorf("clone repository %s: %w", r.Name, err)
		}
	}

	if r.Submodules {
		if _, err := m.git.Run(ctx, path, "submodule", "update", "--init", "--recursive"); err != nil {
			m.logger.Warn("failed to initialize submodules", "repository", r.Name, "error", err)
		}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return path, nil
	}
	return abs, nil
}

// List returns the names of the checkouts under the base directory.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && isCheckout(filepath.Join(m.baseDir, e.Name())) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Clean removes every checkout.
func (m *Manager) Clean() error {
	if err := os.RemoveAll(m.baseDir); err != nil {
		return fmt.Errorf("clean repositories: %w", err)
	}
	return nil
}

func isCheckout(path string) bool {
	_, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil
}
