// Package fileguard performs in-place file edits with timestamped backups,
// version history and rollback.
package fileguard

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lucasnoah/perfx/internal/pipeline"
)

const (
	// TimestampFormat names backup versions. It sorts lexically in time order.
	TimestampFormat = "20060102_150405.000000"

	indexFile = "index.json"
	logFile   = "file_operations.log"
	logStamp  = "2006-01-02 15:04:05"
	zstExt    = ".zst"
)

// Backup is one saved version of a file.
type Backup struct {
	OriginalPath string      `json:"original_path"`
	BackupPath   string      `json:"backup_path"`
	Timestamp    string      `json:"timestamp"`
	Description  string      `json:"description,omitempty"`
	Compressed   bool        `json:"compressed"`
	Mode         os.FileMode `json:"mode"`
}

// Summary reports what the guard did during this process's lifetime.
type Summary struct {
	TotalOperations  int                     `json:"total_operations"`
	BackupsCreated   int                     `json:"backups_created"`
	FilesModified    int                     `json:"files_modified"`
	BackupDirectory  string                  `json:"backup_directory"`
	Config           pipeline.FileOperations `json:"config"`
	RecentOperations []string                `json:"recent_operations"`
}

// Guard is safe for concurrent use.
type Guard struct {
	cfg    pipeline.FileOperations
	logger *slog.Logger
	now    func() time.Time

	mu             sync.Mutex
	history        map[string][]Backup // oldest first
	operations     []string
	backupsCreated int
	modified       map[string]bool
}

// New creates the backup directory if needed and loads its version index.
func New(cfg pipeline.FileOperations, logger *slog.Logger) (*Guard, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BackupDir == "" {
		return nil, fmt.Errorf("fileguard: backup directory is required")
	}
	if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	g := &Guard{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		history:  make(map[string][]Backup),
		modified: make(map[string]bool),
	}

	err := pipeline.ReadJSON(g.indexPath(), &g.history)
	if err != nil && !os.IsNotExist(err) {
		logger.Warn("could not load backup index, starting empty", "file", g.indexPath(), "error", err)
		g.history = make(map[string][]Backup)
	}
	if g.history == nil {
		g.history = make(map[string][]Backup)
	}
	return g, nil
}

// RollbackOnFailure reports whether callers should restore guarded files after
// a failed command.
func (g *Guard) RollbackOnFailure() bool { return g.cfg.RollbackOnFailure }

// BackupDir returns the directory holding backups and the operations log.
func (g *Guard) BackupDir() string { return g.cfg.BackupDir }

func (g *Guard) indexPath() string { return filepath.Join(g.cfg.BackupDir, indexFile) }

func key(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// Backup saves a copy of path. It fails when path does not exist. When backups
// are disabled it succeeds without doing anything.
func (g *Guard) Backup(path, description string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.backupLocked(path, description)
}

func (g *Guard) backupLocked(path, description string) bool {
	if !g.cfg.BackupEnabled {
		return true
	}

	info, err := os.Stat(path)
	if err != nil {
		g.logOp("Backup failed: File not found - %s", path)
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		g.logOp("Backup failed: %s - %v", path, err)
		return false
	}

	k := key(path)
	ts, dest := g.backupName(k)
	payload := data
	if g.cfg.Compress {
		payload = compress(data)
	}
	if err := pipeline.WriteAtomicMode(dest, payload, 0o644); err != nil {
		g.logOp("Backup failed: %s - %v", path, err)
		return false
	}

	b := Backup{
		OriginalPath: k,
		BackupPath:   dest,
		Timestamp:    ts,
		Description:  description,
		Compressed:   g.cfg.Compress,
		Mode:         info.Mode().Perm(),
	}
	if g.cfg.VersionControl {
		g.history[k] = append(g.history[k], b)
	} else {
		for _, old := range g.history[k] {
			os.Remove(old.BackupPath)
		}
		g.history[k] = []Backup{b}
	}
	g.backupsCreated++
	g.logOp("Backup created: %s -> %s", path, dest)

	if g.cfg.KeepBackups > 0 {
		g.prune(k, g.cfg.KeepBackups)
	}
	g.saveIndex()
	return true
}

// backupName picks a timestamped destination that does not exist yet.
func (g *Guard) backupName(k string) (string, string) {
	base := filepath.Base(k)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	suffix := g.cfg.BackupSuffix
	if g.cfg.Compress {
		suffix += zstExt
	}

	t := g.now()
	for {
		ts := t.Format(TimestampFormat)
		dest := filepath.Join(g.cfg.BackupDir, stem+"_"+ts+suffix)
		if _, err := os.Stat(dest); os.IsNotExist(err) && !g.hasTimestamp(k, ts) {
			return ts, dest
		}
		t = t.Add(time.Microsecond)
	}
}

func (g *Guard) hasTimestamp(k, ts string) bool {
	for _, b := range g.history[k] {
		if b.Timestamp == ts {
			return true
		}
	}
	return false
}

// Modify applies replacements to path in declared order. Each pair replaces
// every occurrence of Old with New in the output of the previous pair, so a
// later pair can match text produced by an earlier one. A pair whose Old text
// is absent is logged and skipped. In safe mode a backup is taken first and a
// failed write is rolled back.
func (g *Guard) Modify(path string, replacements []pipeline.Replacement, description string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cfg.SafeMode && !g.backupLocked(path, description) {
		return false
	}

	info, err := os.Stat(path)
	if err != nil {
		g.logOp("File modification failed: %s - %v", path, err)
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		g.logOp("File modification failed: %s - %v", path, err)
		return false
	}

	content := string(data)
	for _, r := range replacements {
		if !strings.Contains(content, r.Old) {
			g.logOp("Warning: Text not found in %s: %s", path, r.Old)
			continue
		}
		content = strings.ReplaceAll(content, r.Old, r.New)
	}

	if err := pipeline.WriteAtomicMode(path, []byte(content), info.Mode().Perm()); err != nil {
		g.logOp("File modification failed: %s - %v", path, err)
		if g.cfg.SafeMode && g.cfg.RollbackOnFailure {
			g.rollbackLocked(path)
		}
		return false
	}

	g.modified[key(path)] = true
	if g.cfg.SafeMode {
		g.logOp("File modified: %s", path)
	} else {
		g.logOp("File modified (unsafe): %s", path)
	}
	return true
}

// Rollback restores path from its most recent backup.
func (g *Guard) Rollback(path string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rollbackLocked(path)
}

func (g *Guard) rollbackLocked(path string) bool {
	versions := g.history[key(path)]
	if len(versions) == 0 {
		g.logOp("Rollback failed: No backup found for %s", path)
		return false
	}
	b := versions[len(versions)-1]
	if err := g.restoreFrom(path, b); err != nil {
		g.logOp("Rollback failed: %s - %v", path, err)
		return false
	}
	delete(g.modified, key(path))
	g.logOp("File rolled back: %s <- %s", path, b.BackupPath)
	return true
}

// Restore restores path from the backup with the given timestamp, or from the
// most recent one when timestamp is empty.
func (g *Guard) Restore(path, timestamp string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	versions := g.history[key(path)]
	if len(versions) == 0 {
		g.logOp("Restore failed: No backup found for %s", path)
		return false
	}

	b := versions[len(versions)-1]
	if timestamp != "" {
		found := false
		for _, v := range versions {
			if v.Timestamp == timestamp {
				b, found = v, true
				break
			}
		}
		if !found {
			g.logOp("Restore failed: Specific backup not found - %s@%s", path, timestamp)
			return false
		}
	}

	if err := g.restoreFrom(path, b); err != nil {
		g.logOp("Restore failed: %s - %v", path, err)
		return false
	}
	g.logOp("File restored: %s <- %s", path, b.BackupPath)
	return true
}

func (g *Guard) restoreFrom(path string, b Backup) error {
	data, err := os.ReadFile(b.BackupPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if b.Compressed {
		if data, err = decompress(data); err != nil {
			return err
		}
	}
	mode := b.Mode
	if mode == 0 {
		mode = 0o644
	}
	return pipeline.WriteAtomicMode(path, data, mode)
}

// CleanupBackups keeps the keep newest backups of every file and deletes the
// rest. It returns the number of backups removed, and does nothing when
// version control is off.
func (g *Guard) CleanupBackups(keep int) int {
	if !g.cfg.VersionControl {
		return 0
	}
	if keep < 0 {
		keep = 0
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for k := range g.history {
		removed += g.prune(k, keep)
	}
	g.saveIndex()
	return removed
}

// prune must be called with g.mu held.
func (g *Guard) prune(k string, keep int) int {
	versions := g.history[k]
	if len(versions) <= keep {
		return 0
	}
	sort.SliceStable(versions, func(i, j int) bool { return versions[i].Timestamp < versions[j].Timestamp })

	cut := len(versions) - keep
	for _, b := range versions[:cut] {
		if err := os.Remove(b.BackupPath); err != nil && !os.IsNotExist(err) {
			g.logger.Warn("could not remove backup", "path", b.BackupPath, "error", err)
		}
		g.logOp("Cleaned up backup: %s", b.BackupPath)
	}
	if keep == 0 {
		delete(g.history, k)
	} else {
		g.history[k] = append([]Backup(nil), versions[cut:]...)
	}
	return cut
}

// ListBackups returns the version history of path, oldest first, or of every
// file when path is empty.
func (g *Guard) ListBackups(path string) map[string][]Backup {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string][]Backup)
	if path != "" {
		k := key(path)
		if v, ok := g.history[k]; ok {
			out[k] = append([]Backup(nil), v...)
		}
		return out
	}
	for k, v := range g.history {
		out[k] = append([]Backup(nil), v...)
	}
	return out
}

// OperationsSummary reports counters for this guard and its last ten log lines.
func (g *Guard) OperationsSummary() Summary {
	g.mu.Lock()
	defer g.mu.Unlock()

	recent := g.operations
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	return Summary{
		TotalOperations:  len(g.operations),
		BackupsCreated:   g.backupsCreated,
		FilesModified:    len(g.modified),
		BackupDirectory:  g.cfg.BackupDir,
		Config:           g.cfg,
		RecentOperations: append([]string{}, recent...),
	}
}

func (g *Guard) saveIndex() {
	if err := pipeline.WriteJSON(g.indexPath(), g.history); err != nil {
		g.logger.Warn("could not save backup index", "file", g.indexPath(), "error", err)
	}
}

// logOp appends a timestamped line to the operations log, in memory and in
// the backup directory. It must be called with g.mu held.
func (g *Guard) logOp(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	entry := fmt.Sprintf("[%s] %s", g.now().Format(logStamp), msg)
	g.operations = append(g.operations, entry)
	g.logger.Debug("file operation", "message", msg)

	f, err := os.OpenFile(filepath.Join(g.cfg.BackupDir, logFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		g.logger.Warn("could not write file operations log", "error", err)
		return
	}
	defer f.Close()
	fmt.Fprintln(f, entry)
}
