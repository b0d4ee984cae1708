package sandbox

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mode selects where an agent's sandbox lives in the hierarchy.
type Mode string

const (
	// ModeIsolated gives the agent its own directory under agents/.
	ModeIsolated Mode = "isolated"
	// ModeShared places the agent in a per-session directory reused by
	// every agent of that session.
	ModeShared Mode = "shared"
	// ModeNested places the child under its parent's sandbox with a
	// symlink back into the parent workspace.
	ModeNested Mode = "nested"
)

// ParentAccess is recorded in the .parent_access marker of a nested sandbox.
type ParentAccess string

const (
	ParentReadOnly  ParentAccess = "read_only"
	ParentReadWrite ParentAccess = "read_write"
)

// Config describes the sandbox an agent asked for at spawn time.
type Config struct {
	Mode          Mode         `json:"mode"`
	SessionID     string       `json:"session_id,omitempty"`
	ParentAgentID string       `json:"parent_agent_id,omitempty"`
	ParentAccess  ParentAccess `json:"parent_access,omitempty"`
}

// Sandbox is a tracked directory. Its identity is its path; for SHARED mode
// several agents share one path and the manager reference-counts tenants.
type Sandbox struct {
	UUID          string    `json:"uuid"`
	AgentID       string    `json:"agent_id"`
	Mode          Mode      `json:"mode"`
	Path          string    `json:"path"`
	SessionID     string    `json:"session_id,omitempty"`
	ParentAgentID string    `json:"parent_agent_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Workspace returns the agent's primary read+write area.
func (s *Sandbox) Workspace() string { return filepath.Join(s.Path, "workspace") }

// metadata is the on-disk .sandbox_metadata.json shape. Orphan GC reads
// created_at from it when deciding whether an untracked directory is old
// enough to reap.
type metadata struct {
	UUID          string    `json:"uuid"`
	AgentID       string    `json:"agent_id"`
	Mode          Mode      `json:"mode"`
	SessionID     string    `json:"session_id,omitempty"`
	ParentAgentID string    `json:"parent_agent_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

const metadataFile = ".sandbox_metadata.json"

// subdirs is the fixed shape created in every sandbox regardless of mode.
var subdirs = []string{"workspace", "shared", "exports", ".agent"}

// Stats summarizes the tracked sandbox population for sandbox:stats.
type Stats struct {
	Total          int            `json:"total"`
	ByMode         map[Mode]int   `json:"by_mode"`
	SharedSessions map[string]int `json:"shared_sessions"` // session -> tenant count
}

// Manager creates, tracks, and removes sandbox directories under a single
// root. All methods are safe for concurrent use.
type Manager struct {
	root string

	mu      sync.RWMutex
	byAgent map[string]*Sandbox
	// tenants tracks which agents occupy each shared session directory so
	// the directory survives until the last tenant leaves.
	tenants map[string]map[string]bool
}

// NewManager prepares the sandbox root: agents/, shared/, and the global
// _shared resource directories every sandbox links to.
func NewManager(root string) (*Manager, error) {
	for _, dir := range []string{
		filepath.Join(root, "agents"),
		filepath.Join(root, "shared"),
		filepath.Join(root, "_shared", "knowledge"),
		filepath.Join(root, "_shared", "templates"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sandbox root: %w", err)
		}
	}
	return &Manager{
		root:    root,
		byAgent: make(map[string]*Sandbox),
		tenants: make(map[string]map[string]bool),
	}, nil
}

// Root returns the sandbox root directory.
func (m *Manager) Root() string { return m.root }

// Create builds (or, for SHARED, joins) a sandbox for the agent and returns
// it. Creating again for the same agent returns the existing sandbox.
func (m *Manager) Create(agentID string, cfg Config) (*Sandbox, error) {
	if agentID == "" {
		return nil, fmt.Errorf("sandbox create: empty agent id")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeIsolated
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if sb, ok := m.byAgent[agentID]; ok {
		return sb, nil
	}

	var path string
	switch cfg.Mode {
	case ModeIsolated:
		path = filepath.Join(m.root, "agents", agentID)
	case ModeShared:
		if cfg.SessionID == "" {
			return nil, fmt.Errorf("shared sandbox requires session_id")
		}
		path = filepath.Join(m.root, "shared", cfg.SessionID)
	case ModeNested:
		if cfg.ParentAgentID == "" {
			return nil, fmt.Errorf("nested sandbox requires parent_agent_id")
		}
		parent, ok := m.byAgent[cfg.ParentAgentID]
		if !ok {
			return nil, fmt.Errorf("nested sandbox: parent agent %s has no sandbox", cfg.ParentAgentID)
		}
		path = filepath.Join(parent.Path, "nested", agentID)
	default:
		return nil, fmt.Errorf("unknown sandbox mode %q", cfg.Mode)
	}

	sb := &Sandbox{
		UUID:          uuid.NewString(),
		AgentID:       agentID,
		Mode:          cfg.Mode,
		Path:          path,
		SessionID:     cfg.SessionID,
		ParentAgentID: cfg.ParentAgentID,
		CreatedAt:     time.Now().UTC(),
	}

	// A shared directory may already exist from an earlier tenant; its
	// shape and metadata stay as the first tenant wrote them.
	if cfg.Mode != ModeShared || !dirExists(path) {
		if err := m.materialize(sb, cfg); err != nil {
			os.RemoveAll(path)
			return nil, err
		}
	}

	m.byAgent[agentID] = sb
	if cfg.Mode == ModeShared {
		if m.tenants[cfg.SessionID] == nil {
			m.tenants[cfg.SessionID] = make(map[string]bool)
		}
		m.tenants[cfg.SessionID][agentID] = true
	}
	slog.Debug("sandbox created", "agent_id", agentID, "mode", cfg.Mode, "path", path)
	return sb, nil
}

// materialize writes the fixed shape, metadata, shared-resource links, and
// (for nested mode) the parent link and access marker.
func (m *Manager) materialize(sb *Sandbox, cfg Config) error {
	for _, d := range subdirs {
		if err := os.MkdirAll(filepath.Join(sb.Path, d), 0o755); err != nil {
			return fmt.Errorf("sandbox shape: %w", err)
		}
	}
	if err := writeMetadata(sb.Path, metadata{
		UUID: sb.UUID, AgentID: sb.AgentID, Mode: sb.Mode,
		SessionID: sb.SessionID, ParentAgentID: sb.ParentAgentID,
		CreatedAt: sb.CreatedAt,
	}); err != nil {
		return err
	}
	for _, res := range []string{"knowledge", "templates"} {
		link := filepath.Join(sb.Path, "shared", res)
		target := filepath.Join(m.root, "_shared", res)
		if err := os.Symlink(target, link); err != nil && !os.IsExist(err) {
			return fmt.Errorf("shared resource link: %w", err)
		}
	}
	if cfg.Mode == ModeNested {
		parent := m.byAgent[cfg.ParentAgentID]
		if err := os.Symlink(parent.Workspace(), filepath.Join(sb.Path, "parent")); err != nil && !os.IsExist(err) {
			return fmt.Errorf("parent link: %w", err)
		}
		access := cfg.ParentAccess
		if access == "" {
			access = ParentReadOnly
		}
		marker := filepath.Join(sb.Path, ".parent_access")
		if err := os.WriteFile(marker, []byte(access), 0o644); err != nil {
			return fmt.Errorf("parent access marker: %w", err)
		}
	}
	return nil
}

// Get returns the sandbox tracked for an agent.
func (m *Manager) Get(agentID string) (*Sandbox, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sb, ok := m.byAgent[agentID]
	return sb, ok
}

// List returns all tracked sandboxes, one entry per agent.
func (m *Manager) List() []*Sandbox {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Sandbox, 0, len(m.byAgent))
	for _, sb := range m.byAgent {
		out = append(out, sb)
	}
	return out
}

// StatsSnapshot reports counts by mode and shared-session occupancy.
func (m *Manager) StatsSnapshot() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{
		ByMode:         make(map[Mode]int),
		SharedSessions: make(map[string]int),
	}
	for _, sb := range m.byAgent {
		st.Total++
		st.ByMode[sb.Mode]++
	}
	for session, agents := range m.tenants {
		st.SharedSessions[session] = len(agents)
	}
	return st
}

// Remove untracks the agent's sandbox and deletes its directory. Removal
// fails while nested children are still tracked unless force, in which case
// the children are untracked and their trees go with the parent's.
func (m *Manager) Remove(agentID string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(agentID, force)
}

func (m *Manager) removeLocked(agentID string, force bool) error {
	sb, ok := m.byAgent[agentID]
	if !ok {
		return fmt.Errorf("no sandbox for agent %s", agentID)
	}

	children := m.childrenLocked(agentID)
	if len(children) > 0 && !force {
		return fmt.Errorf("sandbox %s has %d nested children", agentID, len(children))
	}
	for _, child := range children {
		if err := m.removeLocked(child, true); err != nil {
			return err
		}
	}

	delete(m.byAgent, agentID)

	if sb.Mode == ModeShared {
		tenants := m.tenants[sb.SessionID]
		delete(tenants, agentID)
		if len(tenants) > 0 {
			slog.Debug("shared sandbox tenant left", "agent_id", agentID,
				"session_id", sb.SessionID, "remaining", len(tenants))
			return nil
		}
		delete(m.tenants, sb.SessionID)
	}

	if err := os.RemoveAll(sb.Path); err != nil {
		return fmt.Errorf("remove sandbox %s: %w", sb.Path, err)
	}
	slog.Debug("sandbox removed", "agent_id", agentID, "path", sb.Path)
	return nil
}

// childrenLocked returns agents whose sandboxes nest directly under agentID's.
func (m *Manager) childrenLocked(agentID string) []string {
	var out []string
	for id, sb := range m.byAgent {
		if sb.Mode == ModeNested && sb.ParentAgentID == agentID {
			out = append(out, id)
		}
	}
	return out
}

func writeMetadata(dir string, md metadata) error {
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), data, 0o644); err != nil {
		return fmt.Errorf("sandbox metadata: %w", err)
	}
	return nil
}

func readMetadata(dir string) (metadata, error) {
	var md metadata
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return md, err
	}
	if err := json.Unmarshal(data, &md); err != nil {
		return md, fmt.Errorf("sandbox metadata: %w", err)
	}
	return md, nil
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
