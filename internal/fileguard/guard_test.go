package fileguard

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/perfx/internal/pipeline"
)

func defaultOps(dir string) pipeline.FileOperations {
	return pipeline.FileOperations{
		BackupEnabled:     true,
		BackupSuffix:      ".backup",
		VersionControl:    true,
		RollbackOnFailure: true,
		SafeMode:          true,
		BackupDir:         filepath.Join(dir, "backups"),
	}
}

// newTestGuard returns a guard whose clock advances one second per reading.
func newTestGuard(t *testing.T, ops pipeline.FileOperations) *Guard {
	t.Helper()
	g, err := New(ops, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return g
}

func writeFile(t *testing.T, path, content string, perm os.FileMode) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestBackupCreatesTimestampedCopy(t *testing.T) {
	dir := t.TempDir()
	g := newTestGuard(t, defaultOps(dir))
	src := filepath.Join(dir, "config.ini")
	writeFile(t, src, "jit=off\n", 0o600)

	if !g.Backup(src, "before jit") {
		t.Fatal("Backup returned false")
	}

	list := g.ListBackups(src)
	versions := list[key(src)]
	if len(versions) != 1 {
		t.Fatalf("versions = %d, want 1", len(versions))
	}
	b := versions[0]
	wantName := "config_" + b.Timestamp + ".backup"
	if filepath.Base(b.BackupPath) != wantName {
		t.Errorf("backup name = %q, want %q", filepath.Base(b.BackupPath), wantName)
	}
	if !strings.HasPrefix(b.Timestamp, "20250301_120") || len(b.Timestamp) != len(TimestampFormat) {
		t.Errorf("Timestamp = %q", b.Timestamp)
	}
	if got := readFile(t, b.BackupPath); got != "jit=off\n" {
		t.Errorf("backup content = %q", got)
	}
	if b.Description != "before jit" || b.Mode != 0o600 {
		t.Errorf("backup = %+v", b)
	}
}

func TestBackupMissingFile(t *testing.T) {
	dir := t.TempDir()
	g := newTestGuard(t, defaultOps(dir))
	if g.Backup(filepath.Join(dir, "nope.txt"), "") {
		t.Error("Backup of a missing file should fail")
	}
	log := readFile(t, filepath.Join(dir, "backups", "file_operations.log"))
	if !strings.Contains(log, "Backup failed: File not found") {
		t.Errorf("log = %q", log)
	}
}

func TestBackupDisabledIsNoop(t *testing.T) {
	dir := t.TempDir()
	ops := defaultOps(dir)
	ops.BackupEnabled = false
	g := newTestGuard(t, ops)

	if !g.Backup(filepath.Join(dir, "nope.txt"), "") {
		t.Error("disabled Backup should succeed")
	}
	if len(g.ListBackups("")) != 0 {
		t.Error("disabled Backup should not record anything")
	}
}

func TestModifyAppliesReplacementsInOrder(t *testing.T) {
	dir := t.TempDir()
	g := newTestGuard(t, defaultOps(dir))
	src := filepath.Join(dir, "run.sh")
	writeFile(t, src, "a a b\n", 0o755)

	ok := g.Modify(src, []pipeline.Replacement{
		{Old: "a", New: "b"},
		{Old: "b", New: "c"},
		{Old: "missing", New: "x"},
	}, "chain")
	if !ok {
		t.Fatal("Modify returned false")
	}
	if got := readFile(t, src); got != "c c c\n" {
		t.Errorf("content = %q, want %q", got, "c c c\n")
	}
	info, _ := os.Stat(src)
	if info.Mode().Perm() != 0o755 {
		t.Errorf("mode = %v, want 0755 preserved", info.Mode().Perm())
	}

	sum := g.OperationsSummary()
	if sum.BackupsCreated != 1 || sum.FilesModified != 1 {
		t.Errorf("summary = %+v", sum)
	}
	joined := strings.Join(sum.RecentOperations, "\n")
	if !strings.Contains(joined, "Warning: Text not found") {
		t.Errorf("expected warning for missing text, got %q", joined)
	}
}

func TestModifyMissingFileLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	g := newTestGuard(t, defaultOps(dir))
	src := filepath.Join(dir, "absent.txt")

	if g.Modify(src, []pipeline.Replacement{{Old: "a", New: "b"}}, "") {
		t.Error("Modify of a missing file should fail")
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("Modify must not create the file")
	}
}

func TestModifyUnsafeModeSkipsBackup(t *testing.T) {
	dir := t.TempDir()
	ops := defaultOps(dir)
	ops.SafeMode = false
	g := newTestGuard(t, ops)
	src := filepath.Join(dir, "f.txt")
	writeFile(t, src, "x", 0o644)

	if !g.Modify(src, []pipeline.Replacement{{Old: "x", New: "y"}}, "") {
		t.Fatal("Modify returned false")
	}
	if readFile(t, src) != "y" {
		t.Error("unsafe modify should still edit the file")
	}
	if len(g.ListBackups(src)) != 0 {
		t.Error("unsafe modify should not create a backup")
	}
}

func TestRollbackRestoresLatest(t *testing.T) {
	dir := t.TempDir()
	g := newTestGuard(t, defaultOps(dir))
	src := filepath.Join(dir, "f.txt")
	writeFile(t, src, "v1", 0o644)

	g.Modify(src, []pipeline.Replacement{{Old: "v1", New: "v2"}}, "")
	g.Modify(src, []pipeline.Replacement{{Old: "v2", New: "v3"}}, "")
	if readFile(t, src) != "v3" {
		t.Fatalf("content = %q, want v3", readFile(t, src))
	}

	if !g.Rollback(src) {
		t.Fatal("Rollback returned false")
	}
	if got := readFile(t, src); got != "v2" {
		t.Errorf("after rollback = %q, want v2", got)
	}
	if g.OperationsSummary().FilesModified != 0 {
		t.Error("rolled-back file should no longer count as modified")
	}
}

func TestRollbackWithoutBackup(t *testing.T) {
	dir := t.TempDir()
	g := newTestGuard(t, defaultOps(dir))
	if g.Rollback(filepath.Join(dir, "f.txt")) {
		t.Error("Rollback without a backup should fail")
	}
}

func TestRestoreSpecificVersion(t *testing.T) {
	dir := t.TempDir()
	g := newTestGuard(t, defaultOps(dir))
	src := filepath.Join(dir, "f.txt")
	writeFile(t, src, "v1", 0o644)

	g.Backup(src, "first")
	writeFile(t, src, "v2", 0o644)
	g.Backup(src, "second")
	writeFile(t, src, "v3", 0o644)

	versions := g.ListBackups(src)[key(src)]
	if len(versions) != 2 {
		t.Fatalf("versions = %d, want 2", len(versions))
	}

	if !g.Restore(src, versions[0].Timestamp) {
		t.Fatal("Restore(first) returned false")
	}
	if readFile(t, src) != "v1" {
		t.Errorf("content = %q, want v1", readFile(t, src))
	}
	if !g.Restore(src, "") {
		t.Fatal("Restore(latest) returned false")
	}
	if readFile(t, src) != "v2" {
		t.Errorf("content = %q, want v2", readFile(t, src))
	}
	if g.Restore(src, "19990101_000000.000000") {
		t.Error("Restore of an unknown timestamp should fail")
	}
}

func TestCompressedBackupRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ops := defaultOps(dir)
	ops.Compress = true
	g := newTestGuard(t, ops)
	src := filepath.Join(dir, "big.txt")
	content := strings.Repeat("benchmark line\n", 500)
	writeFile(t, src, content, 0o644)

	g.Modify(src, []pipeline.Replacement{{Old: "benchmark", New: "bench"}}, "")
	b := g.ListBackups(src)[key(src)][0]
	if !b.Compressed || !strings.HasSuffix(b.BackupPath, ".backup.zst") {
		t.Errorf("backup = %+v, want compressed .backup.zst", b)
	}
	raw, _ := os.ReadFile(b.BackupPath)
	if len(raw) >= len(content) {
		t.Errorf("compressed size %d not smaller than %d", len(raw), len(content))
	}

	if !g.Rollback(src) {
		t.Fatal("Rollback returned false")
	}
	if readFile(t, src) != content {
		t.Error("rollback from compressed backup did not restore the original")
	}
}

func TestCleanupBackups(t *testing.T) {
	dir := t.TempDir()
	g := newTestGuard(t, defaultOps(dir))
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	writeFile(t, a, "a", 0o644)
	writeFile(t, b, "b", 0o644)
	for i := 0; i < 4; i++ {
		g.Backup(a, "")
	}
	g.Backup(b, "")

	if n := g.CleanupBackups(2); n != 2 {
		t.Errorf("CleanupBackups(2) = %d, want 2", n)
	}
	versions := g.ListBackups(a)[key(a)]
	if len(versions) != 2 {
		t.Fatalf("a versions = %d, want 2", len(versions))
	}
	if versions[0].Timestamp >= versions[1].Timestamp {
		t.Error("remaining versions should be oldest-first")
	}
	if len(g.ListBackups(b)[key(b)]) != 1 {
		t.Error("b should keep its single backup")
	}

	entries, _ := filepath.Glob(filepath.Join(dir, "backups", "a_*.backup"))
	if len(entries) != 2 {
		t.Errorf("backup files on disk = %d, want 2", len(entries))
	}
}

func TestCleanupBackupsWithoutVersionControl(t *testing.T) {
	dir := t.TempDir()
	ops := defaultOps(dir)
	ops.VersionControl = false
	g := newTestGuard(t, ops)
	src := filepath.Join(dir, "a.txt")
	writeFile(t, src, "a", 0o644)
	g.Backup(src, "")
	g.Backup(src, "")

	if n := g.CleanupBackups(0); n != 0 {
		t.Errorf("CleanupBackups = %d, want 0 when version control is off", n)
	}
	if len(g.ListBackups(src)[key(src)]) != 1 {
		t.Error("without version control only the latest backup is kept")
	}
}

func TestKeepBackupsRetention(t *testing.T) {
	dir := t.TempDir()
	ops := defaultOps(dir)
	ops.KeepBackups = 3
	g := newTestGuard(t, ops)
	src := filepath.Join(dir, "a.txt")
	writeFile(t, src, "a", 0o644)
	for i := 0; i < 5; i++ {
		g.Backup(src, "")
	}
	if n := len(g.ListBackups(src)[key(src)]); n != 3 {
		t.Errorf("versions = %d, want 3", n)
	}
}

func TestIndexPersistsAcrossGuards(t *testing.T) {
	dir := t.TempDir()
	ops := defaultOps(dir)
	g := newTestGuard(t, ops)
	src := filepath.Join(dir, "f.txt")
	writeFile(t, src, "original", 0o644)
	g.Modify(src, []pipeline.Replacement{{Old: "original", New: "changed"}}, "")

	again, err := New(ops, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !again.Rollback(src) {
		t.Fatal("Rollback from a reloaded index returned false")
	}
	if readFile(t, src) != "original" {
		t.Errorf("content = %q, want original", readFile(t, src))
	}
}

func TestOperationsLogFormat(t *testing.T) {
	dir := t.TempDir()
	g := newTestGuard(t, defaultOps(dir))
	src := filepath.Join(dir, "f.txt")
	writeFile(t, src, "x", 0o644)
	g.Backup(src, "")

	log := readFile(t, filepath.Join(dir, "backups", "file_operations.log"))
	line := strings.SplitN(log, "\n", 2)[0]
	if !strings.HasPrefix(line, "[2025-03-01 12:00:") || !strings.Contains(line, "] Backup created: ") {
		t.Errorf("log line = %q", line)
	}

	for i := 0; i < 12; i++ {
		g.Backup(src, "")
	}
	sum := g.OperationsSummary()
	if sum.TotalOperations != 13 || len(sum.RecentOperations) != 10 {
		t.Errorf("TotalOperations=%d Recent=%d, want 13 and 10", sum.TotalOperations, len(sum.RecentOperations))
	}
}
