package deps

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"

	"github.com/lucasnoah/perfx/internal/pipeline"
)

// Snapshot is the recorded state of one declared dependency.
type Snapshot struct {
	Path         string                  `json:"path"`
	Type         pipeline.DependencyKind `json:"type"`
	LastModified time.Time               `json:"last_modified"`
	Size         *int64                  `json:"size,omitempty"`
	Hash         string                  `json:"hash"`
	Pattern      string                  `json:"pattern,omitempty"`
	CheckedAt    time.Time               `json:"checked_at"`
}

// differs reports whether cur no longer matches the cached snapshot. Either
// a modification time or a content hash change counts.
func (s Snapshot) differs(cur Snapshot) bool {
	return !s.LastModified.Equal(cur.LastModified) || s.Hash != cur.Hash
}

// take snapshots the dependency at resolved (the on-disk location of
// dep.Path). It returns ok=false when the path does not exist or does not
// have the declared kind.
func take(dep pipeline.Dependency, resolved string) (Snapshot, bool, error) {
	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, err
	}

	snap := Snapshot{
		Path:         dep.Path,
		Type:         dep.Kind,
		LastModified: info.ModTime().UTC(),
		Pattern:      dep.Pattern,
	}

	switch dep.Kind {
	case pipeline.DependencyDirectory:
		if !info.IsDir() {
			return Snapshot{}, false, nil
		}
		h, newest, err := hashDirectory(resolved, dep.Pattern)
		if err != nil {
			return Snapshot{}, false, err
		}
		// The directory's own mtime moves whenever any entry is renamed in,
		// matching or not, so only the matched files count.
		snap.Hash = h
		snap.LastModified = newest
	default:
		if !info.Mode().IsRegular() {
			return Snapshot{}, false, nil
		}
		size := info.Size()
		snap.Size = &size
		h, err := hashFile(resolved)
		if err != nil {
			return Snapshot{}, false, err
		}
		snap.Hash = h
	}
	return snap, true, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type dirEntry struct {
	rel   string
	mtime int64
	size  int64
}

// hashDirectory hashes the sorted (relative path, mtime, size) listing of the
// regular files under root whose base name matches pattern (all files when
// pattern is empty), and returns the newest mtime among them (zero when none
// match). File contents are not read.
func hashDirectory(root, pattern string) (string, time.Time, error) {
	var entries []dirEntry
	var newest time.Time
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if pattern != "" {
			ok, err := filepath.Match(pattern, d.Name())
			if err != nil {
				return fmt.Errorf("pattern %q: %w", pattern, err)
			}
			if !ok {
				return nil
			}
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		entries = append(entries, dirEntry{rel: filepath.ToSlash(rel), mtime: info.ModTime().UnixNano(), size: info.Size()})
		if mt := info.ModTime().UTC(); mt.After(newest) {
			newest = mt
		}
		return nil
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("walk %s: %w", root, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })
	listing := make([][3]any, len(entries))
	for i, e := range entries {
		listing[i] = [3]any{e.rel, e.mtime, e.size}
	}
	data, err := json.Marshal(listing)
	if err != nil {
		return "", time.Time{}, err
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), newest, nil
}
