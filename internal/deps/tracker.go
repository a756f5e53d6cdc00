package deps

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lucasnoah/perfx/internal/pipeline"
)

// Info summarises the cache for display.
type Info struct {
	CacheFile         string   `json:"cache_file"`
	CachedSteps       []string `json:"cached_steps"`
	TotalDependencies int      `json:"total_dependencies"`
}

// Tracker decides whether a step's declared inputs changed since the step last
// completed. The cache is a JSON object keyed by step name, then by declared
// path, and is rewritten atomically on every change.
type Tracker struct {
	cacheFile string
	baseDir   string
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	cache map[string]map[string]Snapshot
}

// NewTracker loads the cache at cacheFile. Relative dependency paths are
// resolved against baseDir. An unreadable or corrupt cache is logged and
// replaced by an empty one.
func NewTracker(cacheFile, baseDir string, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		cacheFile: cacheFile,
		baseDir:   baseDir,
		logger:    logger,
		now:       time.Now,
		cache:     make(map[string]map[string]Snapshot),
	}
	t.load()
	return t
}

func (t *Tracker) load() {
	var data map[string]map[string]Snapshot
	err := pipeline.ReadJSON(t.cacheFile, &data)
	switch {
	case err == nil:
		for step, entries := range data {
			if entries == nil {
				entries = make(map[string]Snapshot)
			}
			t.cache[step] = entries
		}
	case os.IsNotExist(err):
	default:
		t.logger.Warn("could not load dependency cache, starting empty", "file", t.cacheFile, "error", err)
	}
}

// save must be called with t.mu held. Failures are logged; the in-memory
// cache stays authoritative.
func (t *Tracker) save() {
	if err := pipeline.WriteJSON(t.cacheFile, t.cache); err != nil {
		t.logger.Warn("could not save dependency cache", "file", t.cacheFile, "error", err)
	}
}

func (t *Tracker) resolve(path string) string {
	if filepath.IsAbs(path) || t.baseDir == "" {
		return path
	}
	return filepath.Join(t.baseDir, path)
}

// HasChanged reports whether step must run. A step without dependencies always
// runs. Otherwise it is stale when any dependency is new to the cache, missing
// on disk, or has a different modification time or content hash. When stale,
// the step's cache entry is replaced by fresh snapshots.
func (t *Tracker) HasChanged(step string, deps []pipeline.Dependency) bool {
	if len(deps) == 0 {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cached := t.cache[step]
	current := make(map[string]Snapshot, len(deps))
	changed := false
	now := t.now().UTC()

	for _, dep := range deps {
		if dep.Path == "" {
			continue
		}
		snap, ok, err := take(dep, t.resolve(dep.Path))
		if err != nil {
			t.logger.Warn("could not snapshot dependency", "step", step, "path", dep.Path, "error", err)
		}
		if ok {
			snap.CheckedAt = now
			current[dep.Path] = snap
		}

		prev, seen := cached[dep.Path]
		switch {
		case !seen:
			changed = true
		case !ok:
			changed = true
		case prev.differs(snap):
			changed = true
		}
	}

	if changed {
		t.cache[step] = current
		t.save()
	}
	return changed
}

// MarkStepCompleted re-snapshots every path cached for step so that the next
// HasChanged compares against the state the step left behind. A step with no
// entry gets an empty one.
func (t *Tracker) MarkStepCompleted(step string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries, ok := t.cache[step]
	if !ok {
		t.cache[step] = make(map[string]Snapshot)
		t.save()
		return
	}

	now := t.now().UTC()
	for path, prev := range entries {
		dep := pipeline.Dependency{Path: path, Kind: prev.Type, Pattern: prev.Pattern}
		snap, ok, err := take(dep, t.resolve(path))
		if err != nil {
			t.logger.Warn("could not snapshot dependency", "step", step, "path", path, "error", err)
		}
		if !ok {
			// Leave the old snapshot so the next check still sees the path as gone.
			continue
		}
		snap.CheckedAt = now
		entries[path] = snap
	}
	t.save()
}

// ClearCache drops the entry for step, or every entry when step is empty.
func (t *Tracker) ClearCache(step string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if step == "" {
		t.cache = make(map[string]map[string]Snapshot)
	} else {
		delete(t.cache, step)
	}
	t.save()
}

// IsCached reports whether step has an entry, i.e. it completed in some
// earlier run and was not invalidated since.
func (t *Tracker) IsCached(step string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.cache[step]
	return ok
}

// Entries returns a copy of the cached snapshots for step.
func (t *Tracker) Entries(step string) []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Snapshot
	for _, s := range t.cache[step] {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// CacheInfo describes the cache contents.
func (t *Tracker) CacheInfo() Info {
	t.mu.Lock()
	defer t.mu.Unlock()

	info := Info{CacheFile: t.cacheFile, CachedSteps: []string{}}
	for step, entries := range t.cache {
		info.CachedSteps = append(info.CachedSteps, step)
		info.TotalDependencies += len(entries)
	}
	sort.Strings(info.CachedSteps)
	return info
}
