package agents

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// State is an agent's lifecycle state.
type State string

const (
	StateRegistering State = "registering"
	StateReady       State = "ready"
	StateBusy        State = "busy"
	StateTerminating State = "terminating"
	StateDead        State = "dead"
)

// Agent is a registered entity: permissioned, sandboxed, and possibly backed
// by a child process and a persistent socket connection.
type Agent struct {
	ID            string    `json:"agent_id"`
	ProfileName   string    `json:"profile_name"`
	SandboxUUID   string    `json:"sandbox_uuid"`
	ParentAgentID string    `json:"parent_agent_id,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	Provider      string    `json:"provider,omitempty"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	State         State     `json:"state"`
	ConnID        string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// Connected reports whether a persistent connection is bound to the agent.
func (a *Agent) Connected() bool { return a.ConnID != "" }

// Registry tracks live agents, their parent-child graph, and the persistent
// connection bound to each. It also resolves capability-based task routing
// for the message bus.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	byConn map[string]string // conn id -> agent id
}

func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]*Agent),
		byConn: make(map[string]string),
	}
}

// Register adds an agent after a successful spawn. The id must be unused.
func (r *Registry) Register(a *Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[a.ID]; ok {
		return fmt.Errorf("agent %s already registered", a.ID)
	}
	if a.State == "" {
		a.State = StateRegistering
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	cp := *a
	r.agents[a.ID] = &cp
	slog.Info("agent registered", "agent_id", a.ID, "profile", a.ProfileName, "parent", a.ParentAgentID)
	return nil
}

// Get returns a copy of the agent record.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// List returns copies of all registered agents, sorted by id.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetState moves the agent to a new lifecycle state.
func (r *Registry) SetState(id string, s State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("unknown agent %s", id)
	}
	if a.State == StateDead && s != StateDead {
		return fmt.Errorf("agent %s is dead", id)
	}
	a.State = s
	return nil
}

// Bind attaches a persistent connection to the agent (agent:connect). A
// later connection replaces an earlier one.
func (r *Registry) Bind(id, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("unknown agent %s", id)
	}
	if a.ConnID != "" {
		delete(r.byConn, a.ConnID)
	}
	a.ConnID = connID
	r.byConn[connID] = id
	return nil
}

// Unbind detaches the connection from whatever agent holds it. The agent
// stays registered; delivery to it pauses until the next Bind.
func (r *Registry) Unbind(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	delete(r.byConn, connID)
	if a, ok := r.agents[id]; ok && a.ConnID == connID {
		a.ConnID = ""
	}
	return id, true
}

// AgentForConn maps a connection back to its bound agent.
func (r *Registry) AgentForConn(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byConn[connID]
	return id, ok
}

// Children returns ids of agents whose parent is id.
func (r *Registry) Children(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, a := range r.agents {
		if a.ParentAgentID == id {
			out = append(out, a.ID)
		}
	}
	sort.Strings(out)
	return out
}

// Remove drops the agent and its connection binding.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[id]; ok && a.ConnID != "" {
		delete(r.byConn, a.ConnID)
	}
	delete(r.agents, id)
}

// ResolveCapable finds a live agent providing every required capability.
// Implements the bus resolver used for TASK_ASSIGNMENT without a `to`
// address. Connected agents in ready state win over busy ones; ties break
// by id for determinism.
func (r *Registry) ResolveCapable(required []string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var candidates []*Agent
	for _, a := range r.agents {
		if !a.Connected() || (a.State != StateReady && a.State != StateBusy) {
			continue
		}
		if hasAll(a.Capabilities, required) {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if (candidates[i].State == StateReady) != (candidates[j].State == StateReady) {
			return candidates[i].State == StateReady
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0].ID, true
}

func hasAll(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	for _, c := range want {
		if !set[c] {
			return false
		}
	}
	return true
}
