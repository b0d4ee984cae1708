// Package permissions implements per-agent permission profiles: tool
// allow/deny sets, filesystem bounds, resource caps, capability flags, the
// most-restrictive merge operator, and the parent-child spawn validation
// that guarantees monotone de-escalation of authority.
package permissions

// Level names a built-in permission tier.
type Level string

const (
	LevelRestricted Level = "restricted"
	LevelStandard   Level = "standard"
	LevelTrusted    Level = "trusted"
	LevelResearcher Level = "researcher"
	LevelCustom     Level = "custom"
)

// Tools is the allow/deny tool set. AllowAll means the allowed set is the
// full tool universe; Denied always subtracts.
type Tools struct {
	AllowAll bool     `yaml:"allow_all,omitempty" json:"allow_all,omitempty"`
	Allowed  []string `yaml:"allowed,omitempty" json:"allowed,omitempty"`
	Denied   []string `yaml:"denied,omitempty" json:"denied,omitempty"`
}

// Filesystem bounds an agent's disk access. Paths are resolved relative to
// the agent's sandbox at validation time.
type Filesystem struct {
	ReadPaths     []string `yaml:"read_paths,omitempty" json:"read_paths,omitempty"`
	WritePaths    []string `yaml:"write_paths,omitempty" json:"write_paths,omitempty"`
	MaxFileMB     int      `yaml:"max_file_mb,omitempty" json:"max_file_mb,omitempty"`
	MaxTotalMB    int      `yaml:"max_total_mb,omitempty" json:"max_total_mb,omitempty"`
	AllowSymlinks bool     `yaml:"allow_symlinks,omitempty" json:"allow_symlinks,omitempty"`
}

// Resources caps LLM usage. Zero means unlimited.
type Resources struct {
	MaxTokensPerReq   int `yaml:"max_tokens_per_req,omitempty" json:"max_tokens_per_req,omitempty"`
	MaxTotalTokens    int `yaml:"max_total_tokens,omitempty" json:"max_total_tokens,omitempty"`
	MaxRequestsPerMin int `yaml:"max_requests_per_min,omitempty" json:"max_requests_per_min,omitempty"`
}

// Capabilities are boolean authority flags.
type Capabilities struct {
	SpawnAgents    bool `yaml:"spawn_agents" json:"spawn_agents"`
	AgentMessaging bool `yaml:"agent_messaging" json:"agent_messaging"`
	MultiAgentTodo bool `yaml:"multi_agent_todo" json:"multi_agent_todo"`
	NetworkAccess  bool `yaml:"network_access" json:"network_access"`
}

// Profile is an immutable permission bundle. Build one through Load, Merge
// or ApplyOverrides; the allowed/denied lookup sets are precomputed.
type Profile struct {
	Level        Level        `yaml:"level" json:"level"`
	Tools        Tools        `yaml:"tools" json:"tools"`
	Filesystem   Filesystem   `yaml:"filesystem" json:"filesystem"`
	Resources    Resources    `yaml:"resources" json:"resources"`
	Capabilities Capabilities `yaml:"capabilities" json:"capabilities"`

	allowedSet map[string]bool
	deniedSet  map[string]bool
}

// finalize precomputes lookup sets. Called after any construction path.
func (p *Profile) finalize() *Profile {
	p.allowedSet = make(map[string]bool, len(p.Tools.Allowed))
	for _, t := range p.Tools.Allowed {
		p.allowedSet[t] = true
	}
	p.deniedSet = make(map[string]bool, len(p.Tools.Denied))
	for _, t := range p.Tools.Denied {
		p.deniedSet[t] = true
	}
	return p
}

// IsAllowed reports whether a tool is in the effective set:
// (ALL or allowed) minus denied. O(1).
func (p *Profile) IsAllowed(tool string) bool {
	if p.deniedSet[tool] {
		return false
	}
	if p.Tools.AllowAll {
		return true
	}
	return p.allowedSet[tool]
}

// EffectiveTools computes the effective set against a tool universe.
func (p *Profile) EffectiveTools(universe []string) []string {
	out := make([]string, 0, len(universe))
	for _, t := range universe {
		if p.IsAllowed(t) {
			out = append(out, t)
		}
	}
	return out
}

// Merge is the most-restrictive combination of two profiles: tool-allowed is
// set intersection (ALL is the identity), tool-denied is set union, numeric
// limits are minima (zero = unlimited), booleans are AND. The operator is
// associative, commutative and idempotent.
func Merge(a, b *Profile) *Profile {
	out := &Profile{Level: LevelCustom}
	if a.Level == b.Level {
		out.Level = a.Level
	}

	out.Tools.AllowAll = a.Tools.AllowAll && b.Tools.AllowAll
	switch {
	case a.Tools.AllowAll && b.Tools.AllowAll:
	case a.Tools.AllowAll:
		out.Tools.Allowed = sortedSet(b.Tools.Allowed)
	case b.Tools.AllowAll:
		out.Tools.Allowed = sortedSet(a.Tools.Allowed)
	default:
		out.Tools.Allowed = intersect(a.Tools.Allowed, b.Tools.Allowed)
	}
	out.Tools.Denied = union(a.Tools.Denied, b.Tools.Denied)

	out.Filesystem.ReadPaths = intersect(a.Filesystem.ReadPaths, b.Filesystem.ReadPaths)
	out.Filesystem.WritePaths = intersect(a.Filesystem.WritePaths, b.Filesystem.WritePaths)
	out.Filesystem.MaxFileMB = minLimit(a.Filesystem.MaxFileMB, b.Filesystem.MaxFileMB)
	out.Filesystem.MaxTotalMB = minLimit(a.Filesystem.MaxTotalMB, b.Filesystem.MaxTotalMB)
	out.Filesystem.AllowSymlinks = a.Filesystem.AllowSymlinks && b.Filesystem.AllowSymlinks

	out.Resources.MaxTokensPerReq = minLimit(a.Resources.MaxTokensPerReq, b.Resources.MaxTokensPerReq)
	out.Resources.MaxTotalTokens = minLimit(a.Resources.MaxTotalTokens, b.Resources.MaxTotalTokens)
	out.Resources.MaxRequestsPerMin = minLimit(a.Resources.MaxRequestsPerMin, b.Resources.MaxRequestsPerMin)

	out.Capabilities.SpawnAgents = a.Capabilities.SpawnAgents && b.Capabilities.SpawnAgents
	out.Capabilities.AgentMessaging = a.Capabilities.AgentMessaging && b.Capabilities.AgentMessaging
	out.Capabilities.MultiAgentTodo = a.Capabilities.MultiAgentTodo && b.Capabilities.MultiAgentTodo
	out.Capabilities.NetworkAccess = a.Capabilities.NetworkAccess && b.Capabilities.NetworkAccess

	return out.finalize()
}

// CanSpawn validates monotone de-escalation: a parent may spawn a child only
// when the child's authority is component-wise at or below its own. Returns
// the first violated rule, or "" when the spawn is permitted.
func CanSpawn(parent, child *Profile) string {
	if !parent.Capabilities.SpawnAgents {
		return "parent lacks spawn_agents capability"
	}
	// child.tools.effective ⊆ parent.tools.effective
	if child.Tools.AllowAll && !parent.Tools.AllowAll {
		return "child requests the full tool universe the parent does not hold"
	}
	if !child.Tools.AllowAll {
		for _, t := range child.Tools.Allowed {
			if child.IsAllowed(t) && !parent.IsAllowed(t) {
				return "child tool " + t + " exceeds parent's effective set"
			}
		}
	}
	// Everything the parent denies must stay denied for the child.
	for _, t := range parent.Tools.Denied {
		if child.IsAllowed(t) {
			return "child re-enables parent-denied tool " + t
		}
	}

	if exceedsLimit(child.Resources.MaxTokensPerReq, parent.Resources.MaxTokensPerReq) {
		return "child max_tokens_per_req exceeds parent"
	}
	if exceedsLimit(child.Resources.MaxTotalTokens, parent.Resources.MaxTotalTokens) {
		return "child max_total_tokens exceeds parent"
	}
	if exceedsLimit(child.Resources.MaxRequestsPerMin, parent.Resources.MaxRequestsPerMin) {
		return "child max_requests_per_min exceeds parent"
	}
	if exceedsLimit(child.Filesystem.MaxFileMB, parent.Filesystem.MaxFileMB) {
		return "child max_file_mb exceeds parent"
	}
	if exceedsLimit(child.Filesystem.MaxTotalMB, parent.Filesystem.MaxTotalMB) {
		return "child max_total_mb exceeds parent"
	}

	if child.Capabilities.SpawnAgents && !parent.Capabilities.SpawnAgents {
		return "child capability spawn_agents exceeds parent"
	}
	if child.Capabilities.AgentMessaging && !parent.Capabilities.AgentMessaging {
		return "child capability agent_messaging exceeds parent"
	}
	if child.Capabilities.MultiAgentTodo && !parent.Capabilities.MultiAgentTodo {
		return "child capability multi_agent_todo exceeds parent"
	}
	if child.Capabilities.NetworkAccess && !parent.Capabilities.NetworkAccess {
		return "child capability network_access exceeds parent"
	}
	if child.Filesystem.AllowSymlinks && !parent.Filesystem.AllowSymlinks {
		return "child allow_symlinks exceeds parent"
	}
	return ""
}

// Overrides derive a custom profile from a base. Grants beyond the parent's
// authority are caught by CanSpawn at spawn-validation time.
type Overrides struct {
	AllowedAdd        []string       `json:"allowed_add,omitempty"`
	AllowedRemove     []string       `json:"allowed_remove,omitempty"`
	DeniedAdd         []string       `json:"denied_add,omitempty"`
	ReadPathsAdd      []string       `json:"read_paths_add,omitempty"`
	WritePathsAdd     []string       `json:"write_paths_add,omitempty"`
	ResourcesMaxRaise map[string]int `json:"resources_max_raise,omitempty"`
}

// ApplyOverrides builds a derived custom profile from base.
func ApplyOverrides(base *Profile, o *Overrides) *Profile {
	out := &Profile{
		Level:        LevelCustom,
		Tools:        Tools{AllowAll: base.Tools.AllowAll},
		Filesystem:   base.Filesystem,
		Resources:    base.Resources,
		Capabilities: base.Capabilities,
	}
	out.Tools.Allowed = union(base.Tools.Allowed, o.AllowedAdd)
	out.Tools.Allowed = subtract(out.Tools.Allowed, o.AllowedRemove)
	out.Tools.Denied = union(base.Tools.Denied, o.DeniedAdd)
	out.Filesystem.ReadPaths = union(base.Filesystem.ReadPaths, o.ReadPathsAdd)
	out.Filesystem.WritePaths = union(base.Filesystem.WritePaths, o.WritePathsAdd)
	for key, v := range o.ResourcesMaxRaise {
		switch key {
		case "max_tokens_per_req":
			out.Resources.MaxTokensPerReq = v
		case "max_total_tokens":
			out.Resources.MaxTotalTokens = v
		case "max_requests_per_min":
			out.Resources.MaxRequestsPerMin = v
		}
	}
	return out.finalize()
}

// minLimit treats zero as unlimited.
func minLimit(a, b int) int {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}

// exceedsLimit reports whether child exceeds parent, zero = unlimited.
func exceedsLimit(child, parent int) bool {
	if parent == 0 {
		return false
	}
	if child == 0 {
		return true // unlimited child vs bounded parent
	}
	return child > parent
}
