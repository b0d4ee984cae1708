package daemon

import (
	"context"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/ksi/internal/agents"
	"github.com/nextlevelbuilder/ksi/internal/permissions"
	"github.com/nextlevelbuilder/ksi/internal/router"
	"github.com/nextlevelbuilder/ksi/internal/sandbox"
	"github.com/nextlevelbuilder/ksi/pkg/protocol"
)

type spawnRequest struct {
	AgentID      string                 `json:"agent_id,omitempty"`
	Profile      string                 `json:"profile,omitempty"`
	Provider     string                 `json:"provider,omitempty"`
	Capabilities []string               `json:"capabilities,omitempty"`
	Sandbox      sandbox.Config         `json:"sandbox,omitempty"`
	Overrides    *permissions.Overrides `json:"permission_overrides,omitempty"`
}

func (d *Daemon) registerAgentHandlers() {
	d.router.Register(protocol.EventAgentSpawn, "agent.spawn", 0, d.handleAgentSpawn)
	d.router.Register(protocol.EventAgentTerminate, "agent.terminate", 0, d.handleAgentTerminate)
	d.router.Register(protocol.EventAgentConnect, "agent.connect", 0, d.handleAgentConnect)
	d.router.Register(protocol.EventAgentDisconnect, "agent.disconnect", 0, d.handleAgentDisconnect)

	d.router.Register(protocol.EventAgentList, "agent.list", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
		list := d.registry.List()
		out := make([]map[string]interface{}, 0, len(list))
		for i := range list {
			out = append(out, d.agentInfo(&list[i]))
		}
		return map[string]interface{}{"agents": out, "count": len(out)}, nil
	})

	d.router.Register(protocol.EventAgentInfo, "agent.info", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
		var req struct {
			AgentID string `json:"agent_id"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		a, ok := d.registry.Get(req.AgentID)
		if !ok {
			return nil, &protocol.ErrorInfo{Code: protocol.ErrNotFound, Message: "unknown agent " + req.AgentID}
		}
		return d.agentInfo(&a), nil
	})
}

// agentInfo joins the registry record with its sandbox and permission views.
func (d *Daemon) agentInfo(a *agents.Agent) map[string]interface{} {
	info := map[string]interface{}{
		"agent_id":   a.ID,
		"profile":    a.ProfileName,
		"state":      a.State,
		"connected":  a.Connected(),
		"created_at": a.CreatedAt,
	}
	if a.Provider != "" {
		info["provider"] = a.Provider
	}
	if a.ParentAgentID != "" {
		info["parent_agent_id"] = a.ParentAgentID
	}
	if a.SessionID != "" {
		info["session_id"] = a.SessionID
	}
	if len(a.Capabilities) > 0 {
		info["capabilities"] = a.Capabilities
	}
	if sb, ok := d.sandboxes.Get(a.ID); ok {
		info["sandbox"] = sb
	}
	if p, ok := d.perms.AgentProfile(a.ID); ok {
		info["permissions"] = p
	}
	if sess, ok := d.completions.Session(a.ID); ok {
		info["conversation_id"] = sess
	}
	return info
}

// handleAgentSpawn validates permissions before touching the filesystem, so
// a denied spawn leaves no sandbox behind.
func (d *Daemon) handleAgentSpawn(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
	var req spawnRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.Profile == "" {
		req.Profile = "standard"
	}
	base, ok := d.perms.Profile(req.Profile)
	if !ok {
		return nil, &protocol.ErrorInfo{Code: protocol.ErrNotFound, Message: "unknown profile " + req.Profile}
	}
	child := base
	if req.Overrides != nil {
		child = permissions.ApplyOverrides(base, req.Overrides)
	}

	// A spawn requested by a registered agent is bounded by that agent's
	// own authority.
	if ec.AgentID != "" {
		parent, ok := d.perms.AgentProfile(ec.AgentID)
		if !ok {
			return nil, &protocol.ErrorInfo{Code: protocol.ErrPermissionDenied, Message: "caller agent has no permission profile"}
		}
		if reason := permissions.CanSpawn(parent, child); reason != "" {
			return nil, &protocol.ErrorInfo{Code: protocol.ErrPermissionDenied, Message: reason}
		}
		if req.Sandbox.Mode == sandbox.ModeNested && req.Sandbox.ParentAgentID == "" {
			req.Sandbox.ParentAgentID = ec.AgentID
		}
	}

	agentID := req.AgentID
	if agentID == "" {
		agentID = "agent_" + uuid.NewString()[:8]
	}
	if _, exists := d.registry.Get(agentID); exists {
		return nil, &protocol.ErrorInfo{Code: protocol.ErrBadRequest, Message: "agent id " + agentID + " already in use"}
	}

	sb, err := d.sandboxes.Create(agentID, req.Sandbox)
	if err != nil {
		return nil, &protocol.ErrorInfo{Code: protocol.ErrBadRequest, Message: err.Error()}
	}
	if err := d.perms.Assign(agentID, child); err != nil {
		d.sandboxes.Remove(agentID, true)
		return nil, &protocol.ErrorInfo{Code: protocol.ErrBadRequest, Message: err.Error()}
	}

	provider := req.Provider
	if provider == "" {
		provider = d.cfg.Completion.DefaultProvider
	}
	if provider == "" {
		provider = d.providers.Default()
	}
	agent := &agents.Agent{
		ID:            agentID,
		ProfileName:   req.Profile,
		SandboxUUID:   sb.UUID,
		ParentAgentID: req.Sandbox.ParentAgentID,
		SessionID:     req.Sandbox.SessionID,
		Provider:      provider,
		Capabilities:  req.Capabilities,
		State:         agents.StateReady,
	}
	if err := d.registry.Register(agent); err != nil {
		d.perms.Release(agentID)
		d.sandboxes.Remove(agentID, true)
		return nil, &protocol.ErrorInfo{Code: protocol.ErrBadRequest, Message: err.Error()}
	}

	d.publishEvent(protocol.EventAgentSpawn, map[string]interface{}{
		"agent_id": agentID,
		"profile":  req.Profile,
		"sandbox":  sb.Path,
		"parent":   req.Sandbox.ParentAgentID,
	})
	a, _ := d.registry.Get(agentID)
	return d.agentInfo(&a), nil
}

func (d *Daemon) handleAgentTerminate(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
	var req struct {
		AgentID string `json:"agent_id"`
		Force   bool   `json:"force,omitempty"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if _, ok := d.registry.Get(req.AgentID); !ok {
		return nil, &protocol.ErrorInfo{Code: protocol.ErrNotFound, Message: "unknown agent " + req.AgentID}
	}
	if children := d.registry.Children(req.AgentID); len(children) > 0 && !req.Force {
		return nil, &protocol.ErrorInfo{Code: protocol.ErrBadRequest, Message: "agent has live children; terminate them first or pass force"}
	}
	d.registry.SetState(req.AgentID, agents.StateTerminating)

	if req.Force {
		for _, child := range d.registry.Children(req.AgentID) {
			d.teardownAgent(child, true)
		}
	}
	d.teardownAgent(req.AgentID, req.Force)

	d.publishEvent(protocol.EventAgentTerminate, map[string]interface{}{
		"agent_id": req.AgentID,
	})
	return map[string]interface{}{"agent_id": req.AgentID, "status": "terminated"}, nil
}

// teardownAgent releases everything the spawn acquired, in reverse order.
func (d *Daemon) teardownAgent(agentID string, force bool) {
	for _, st := range d.completions.Pending(agentID) {
		d.completions.Cancel(st.RequestID)
	}
	d.registry.SetState(agentID, agents.StateDead)
	d.bus.ForgetAgent(agentID)
	d.bus.Registry().Unsubscribe(agentID, nil)
	d.sandboxes.Remove(agentID, force)
	d.perms.Release(agentID)
	d.registry.Remove(agentID)
}

// handleAgentConnect binds the calling connection to an agent identity and
// flushes any messages queued while the agent was offline.
func (d *Daemon) handleAgentConnect(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if _, ok := d.registry.Get(req.AgentID); !ok {
		return nil, &protocol.ErrorInfo{Code: protocol.ErrNotFound, Message: "unknown agent " + req.AgentID}
	}
	conn, ok := d.transport.Conn(ec.OriginatorID)
	if !ok {
		return nil, &protocol.ErrorInfo{Code: protocol.ErrConnectionError, Message: "originating connection is gone"}
	}
	queued := d.bus.QueuedFor(req.AgentID)
	if err := d.registry.Bind(req.AgentID, conn.ID()); err != nil {
		return nil, &protocol.ErrorInfo{Code: protocol.ErrBadRequest, Message: err.Error()}
	}
	conn.BindAgent(req.AgentID)
	d.bus.ConnectAgent(req.AgentID, conn)
	return map[string]interface{}{
		"agent_id": req.AgentID,
		"flushed":  queued,
	}, nil
}

func (d *Daemon) handleAgentDisconnect(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
	agentID := ec.AgentID
	var req struct {
		AgentID string `json:"agent_id,omitempty"`
	}
	if err := decode(data, &req); err == nil && req.AgentID != "" {
		agentID = req.AgentID
	}
	if agentID == "" {
		return nil, &protocol.ErrorInfo{Code: protocol.ErrBadRequest, Message: "no agent bound to this connection"}
	}
	d.bus.DisconnectAgent(agentID)
	if _, ok := d.registry.Unbind(ec.OriginatorID); ok {
		if conn, live := d.transport.Conn(ec.OriginatorID); live {
			conn.BindAgent("")
		}
	}
	return map[string]interface{}{"agent_id": agentID, "status": "disconnected"}, nil
}
