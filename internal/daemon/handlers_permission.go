package daemon

import (
	"context"

	"github.com/nextlevelbuilder/ksi/internal/permissions"
	"github.com/nextlevelbuilder/ksi/internal/router"
	"github.com/nextlevelbuilder/ksi/pkg/protocol"
)

func (d *Daemon) registerPermissionHandlers() {
	d.router.Register(protocol.EventPermissionGetProfile, "permission.get_profile", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
		var req struct {
			Name string `json:"name"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		p, ok := d.perms.Profile(req.Name)
		if !ok {
			return nil, &protocol.ErrorInfo{Code: protocol.ErrNotFound, Message: "unknown profile " + req.Name}
		}
		return map[string]interface{}{"name": req.Name, "profile": p}, nil
	})

	d.router.Register(protocol.EventPermissionSetAgent, "permission.set_agent", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
		var req struct {
			AgentID   string                 `json:"agent_id"`
			Profile   string                 `json:"profile"`
			Overrides *permissions.Overrides `json:"overrides,omitempty"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		base, ok := d.perms.Profile(req.Profile)
		if !ok {
			return nil, &protocol.ErrorInfo{Code: protocol.ErrNotFound, Message: "unknown profile " + req.Profile}
		}
		p := base
		if req.Overrides != nil {
			p = permissions.ApplyOverrides(base, req.Overrides)
		}
		if err := d.perms.Assign(req.AgentID, p); err != nil {
			return nil, &protocol.ErrorInfo{Code: protocol.ErrBadRequest, Message: err.Error()}
		}
		return map[string]interface{}{"agent_id": req.AgentID, "profile": p}, nil
	})

	d.router.Register(protocol.EventPermissionGetAgent, "permission.get_agent", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
		var req struct {
			AgentID string `json:"agent_id"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		p, ok := d.perms.AgentProfile(req.AgentID)
		if !ok {
			return nil, &protocol.ErrorInfo{Code: protocol.ErrNotFound, Message: "no profile assigned to " + req.AgentID}
		}
		return map[string]interface{}{"agent_id": req.AgentID, "profile": p}, nil
	})

	d.router.Register(protocol.EventPermissionValidateSpawn, "permission.validate_spawn", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
		var req struct {
			ParentAgentID  string                 `json:"parent_agent_id,omitempty"`
			ParentProfile  string                 `json:"parent_profile,omitempty"`
			ChildProfile   string                 `json:"child_profile"`
			ChildOverrides *permissions.Overrides `json:"child_overrides,omitempty"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}

		var parent *permissions.Profile
		switch {
		case req.ParentAgentID != "":
			p, ok := d.perms.AgentProfile(req.ParentAgentID)
			if !ok {
				return nil, &protocol.ErrorInfo{Code: protocol.ErrNotFound, Message: "no profile assigned to " + req.ParentAgentID}
			}
			parent = p
		case req.ParentProfile != "":
			p, ok := d.perms.Profile(req.ParentProfile)
			if !ok {
				return nil, &protocol.ErrorInfo{Code: protocol.ErrNotFound, Message: "unknown profile " + req.ParentProfile}
			}
			parent = p
		default:
			return nil, &protocol.ErrorInfo{Code: protocol.ErrBadRequest, Message: "parent_agent_id or parent_profile required"}
		}

		child, ok := d.perms.Profile(req.ChildProfile)
		if !ok {
			return nil, &protocol.ErrorInfo{Code: protocol.ErrNotFound, Message: "unknown profile " + req.ChildProfile}
		}
		if req.ChildOverrides != nil {
			child = permissions.ApplyOverrides(child, req.ChildOverrides)
		}

		reason := permissions.CanSpawn(parent, child)
		resp := map[string]interface{}{"allowed": reason == ""}
		if reason != "" {
			resp["reason"] = reason
		}
		return resp, nil
	})

	d.router.Register(protocol.EventPermissionListProfiles, "permission.list_profiles", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
		names := d.perms.Names()
		profiles := make(map[string]*permissions.Profile, len(names))
		for _, name := range names {
			if p, ok := d.perms.Profile(name); ok {
				profiles[name] = p
			}
		}
		return map[string]interface{}{"names": names, "profiles": profiles}, nil
	})
}
