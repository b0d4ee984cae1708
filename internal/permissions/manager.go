package permissions

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Manager loads profile definitions from YAML, serves them via a
// copy-on-write map, watches the profile directory for edits, and holds the
// per-agent assignments made at spawn time (immutable thereafter).
type Manager struct {
	dir      string
	profiles atomic.Pointer[map[string]*Profile]

	mu     sync.RWMutex
	agents map[string]*Profile

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewManager loads profiles from dir, materializing the built-in defaults
// on first start. watch enables hot-reload on profile edits.
func NewManager(dir string, watch bool) (*Manager, error) {
	m := &Manager{
		dir:    dir,
		agents: make(map[string]*Profile),
		done:   make(chan struct{}),
	}
	if err := m.seedDefaults(); err != nil {
		return nil, err
	}
	if err := m.reload(); err != nil {
		return nil, err
	}
	if watch {
		if err := m.startWatcher(); err != nil {
			slog.Warn("profile watcher disabled", "error", err)
		}
	}
	return m, nil
}

// Profile returns a named profile from the current map.
func (m *Manager) Profile(name string) (*Profile, bool) {
	profiles := *m.profiles.Load()
	p, ok := profiles[name]
	return p, ok
}

// Names lists the loaded profile names, for permission:list_profiles.
func (m *Manager) Names() []string {
	profiles := *m.profiles.Load()
	out := make([]string, 0, len(profiles))
	for name := range profiles {
		out = append(out, name)
	}
	return out
}

// Assign binds a profile to an agent at spawn. Assignments are immutable;
// re-assigning a live agent is an error.
func (m *Manager) Assign(agentID string, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agentID]; ok {
		return fmt.Errorf("agent %s already has permissions assigned", agentID)
	}
	m.agents[agentID] = p
	return nil
}

// AgentProfile returns the permissions assigned to an agent.
func (m *Manager) AgentProfile(agentID string) (*Profile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.agents[agentID]
	return p, ok
}

// Release drops the assignment of a terminated agent.
func (m *Manager) Release(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, agentID)
}

// Close stops the profile watcher.
func (m *Manager) Close() {
	close(m.done)
	if m.watcher != nil {
		m.watcher.Close()
	}
}

// reload parses every *.yaml in the profile dir and publishes a new map
// pointer. Broken files are skipped with a warning; the previous map stays
// live until the swap.
func (m *Manager) reload() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("read profile dir: %w", err)
	}
	profiles := make(map[string]*Profile)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(m.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("skip unreadable profile", "path", path, "error", err)
			continue
		}
		var p Profile
		if err := yaml.Unmarshal(data, &p); err != nil {
			slog.Warn("skip broken profile", "path", path, "error", err)
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".yaml")
		if p.Level == "" {
			p.Level = Level(name)
		}
		profiles[name] = p.finalize()
	}
	if len(profiles) == 0 {
		return fmt.Errorf("no permission profiles in %s", m.dir)
	}
	m.profiles.Store(&profiles)
	slog.Debug("permission profiles loaded", "count", len(profiles))
	return nil
}

func (m *Manager) startWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(m.dir); err != nil {
		w.Close()
		return err
	}
	m.watcher = w
	go func() {
		for {
			select {
			case <-m.done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(ev.Name, ".yaml") {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := m.reload(); err != nil {
					slog.Warn("profile reload failed", "error", err)
				} else {
					slog.Info("permission profiles reloaded", "trigger", ev.Name)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("profile watcher error", "error", err)
			}
		}
	}()
	return nil
}

// seedDefaults writes the built-in profiles to disk when the directory is
// empty, so operators can inspect and edit them.
func (m *Manager) seedDefaults() error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("profile dir: %w", err)
	}
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".yaml") {
			return nil // operator-managed already
		}
	}
	for name, p := range builtinProfiles() {
		data, err := yaml.Marshal(p)
		if err != nil {
			return err
		}
		path := filepath.Join(m.dir, name+".yaml")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("seed profile %s: %w", name, err)
		}
	}
	slog.Info("seeded default permission profiles", "dir", m.dir)
	return nil
}

// builtinProfiles are the default tiers materialized on first start.
func builtinProfiles() map[string]*Profile {
	return map[string]*Profile{
		"restricted": {
			Level: LevelRestricted,
			Tools: Tools{Allowed: []string{"Read", "Grep", "Glob"}},
			Filesystem: Filesystem{
				ReadPaths: []string{"workspace"},
				MaxFileMB: 5, MaxTotalMB: 50,
			},
			Resources: Resources{MaxTokensPerReq: 4096, MaxTotalTokens: 100_000, MaxRequestsPerMin: 10},
		},
		"standard": {
			Level: LevelStandard,
			Tools: Tools{
				Allowed: []string{"Read", "Write", "Edit", "Grep", "Glob", "Bash", "TodoWrite"},
				Denied:  []string{"NetworkExec"},
			},
			Filesystem: Filesystem{
				ReadPaths:  []string{"workspace", "shared"},
				WritePaths: []string{"workspace", "exports"},
				MaxFileMB:  25, MaxTotalMB: 500,
			},
			Resources:    Resources{MaxTokensPerReq: 8192, MaxTotalTokens: 1_000_000, MaxRequestsPerMin: 30},
			Capabilities: Capabilities{AgentMessaging: true},
		},
		"trusted": {
			Level: LevelTrusted,
			Tools: Tools{AllowAll: true, Denied: []string{"NetworkExec"}},
			Filesystem: Filesystem{
				ReadPaths:  []string{"workspace", "shared", "exports"},
				WritePaths: []string{"workspace", "exports"},
				MaxFileMB:  100, MaxTotalMB: 2000,
			},
			Resources: Resources{MaxTokensPerReq: 16384, MaxRequestsPerMin: 60},
			Capabilities: Capabilities{
				SpawnAgents: true, AgentMessaging: true, MultiAgentTodo: true,
			},
		},
		"researcher": {
			Level: LevelResearcher,
			Tools: Tools{AllowAll: true},
			Filesystem: Filesystem{
				ReadPaths:     []string{"workspace", "shared", "exports"},
				WritePaths:    []string{"workspace", "exports"},
				AllowSymlinks: true,
			},
			Capabilities: Capabilities{
				SpawnAgents: true, AgentMessaging: true,
				MultiAgentTodo: true, NetworkAccess: true,
			},
		},
	}
}
