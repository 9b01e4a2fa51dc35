package reload

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/timzifer/threadwatchdog/internal/config"
)

// missing marks a tracked file that could not be stat'ed at the last check.
var missing = fileState{size: -1}

type fileState struct {
	modTime time.Time
	size    int64
}

func stateOf(info os.FileInfo) fileState {
	return fileState{modTime: info.ModTime(), size: info.Size()}
}

// Watcher tracks the configuration file by modification time and size. Each
// modification is reported by exactly one Check.
type Watcher struct {
	mu    sync.Mutex
	files map[string]fileState
}

// NewWatcher tracks root and the files the configuration was loaded from.
func NewWatcher(root string, cfg *config.Config) (*Watcher, error) {
	watcher := &Watcher{}
	if err := watcher.Update(root, cfg); err != nil {
		return nil, err
	}
	return watcher, nil
}

// Update replaces the tracked files and takes a fresh baseline. Missing files
// are not tracked.
func (w *Watcher) Update(root string, cfg *config.Config) error {
	if w == nil {
		return nil
	}
	paths := []string{cfg.SourcePath()}
	if root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			paths = append(paths, abs)
		}
	}
	states := make(map[string]fileState, len(paths))
	for _, path := range uniquePaths(paths) {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		states[path] = stateOf(info)
	}
	w.mu.Lock()
	w.files = states
	w.mu.Unlock()
	return nil
}

// Check returns the files that changed, disappeared or reappeared since the
// previous check, and moves the baseline forward.
func (w *Watcher) Check() ([]string, error) {
	if w == nil {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	changed := make([]string, 0)
	for path, previous := range w.files {
		current := missing
		if info, err := os.Stat(path); err == nil {
			if info.IsDir() {
				continue
			}
			current = stateOf(info)
		}
		if current == previous {
			continue
		}
		if current != missing && previous != missing && !current.modTime.After(previous.modTime) && current.size == previous.size {
			continue
		}
		w.files[path] = current
		changed = append(changed, path)
	}
	sort.Strings(changed)
	return changed, nil
}

func uniquePaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	result := make([]string, 0, len(paths))
	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		result = append(result, path)
	}
	return result
}
