package sandbox

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// DefaultOrphanAge is how old an untracked agent sandbox must be before the
// collector reaps it.
const DefaultOrphanAge = 24 * time.Hour

// CollectOrphans scans agents/ for directories the manager no longer tracks
// and removes those older than maxAge. Age comes from the directory's
// metadata; a directory with unreadable metadata falls back to its mtime.
// Returns the paths removed.
func (m *Manager) CollectOrphans(maxAge time.Duration) ([]string, error) {
	agentsDir := filepath.Join(m.root, "agents")
	entries, err := os.ReadDir(agentsDir)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	tracked := make(map[string]bool, len(m.byAgent))
	for _, sb := range m.byAgent {
		tracked[sb.Path] = true
	}
	m.mu.RUnlock()

	cutoff := time.Now().Add(-maxAge)
	var removed []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(agentsDir, e.Name())
		if tracked[path] {
			continue
		}
		createdAt := entryTime(path, e)
		if createdAt.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("orphan sandbox removal failed", "path", path, "error", err)
			continue
		}
		slog.Info("orphan sandbox removed", "path", path, "age", time.Since(createdAt).Round(time.Minute))
		removed = append(removed, path)
	}
	return removed, nil
}

func entryTime(path string, e os.DirEntry) time.Time {
	if md, err := readMetadata(path); err == nil && !md.CreatedAt.IsZero() {
		return md.CreatedAt
	}
	if fi, err := e.Info(); err == nil {
		return fi.ModTime()
	}
	return time.Now()
}
