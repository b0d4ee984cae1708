package daemon

import (
	"context"

	"github.com/nextlevelbuilder/ksi/internal/router"
	"github.com/nextlevelbuilder/ksi/internal/sandbox"
	"github.com/nextlevelbuilder/ksi/pkg/protocol"
)

func (d *Daemon) registerSandboxHandlers() {
	d.router.Register(protocol.EventSandboxCreate, "sandbox.create", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
		var req struct {
			AgentID string `json:"agent_id"`
			sandbox.Config
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		if req.AgentID == "" {
			return nil, &protocol.ErrorInfo{Code: protocol.ErrBadRequest, Message: "agent_id required"}
		}
		sb, err := d.sandboxes.Create(req.AgentID, req.Config)
		if err != nil {
			return nil, &protocol.ErrorInfo{Code: protocol.ErrBadRequest, Message: err.Error()}
		}
		return sb, nil
	})

	d.router.Register(protocol.EventSandboxGet, "sandbox.get", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
		var req struct {
			AgentID string `json:"agent_id"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		sb, ok := d.sandboxes.Get(req.AgentID)
		if !ok {
			return nil, &protocol.ErrorInfo{Code: protocol.ErrNotFound, Message: "no sandbox for " + req.AgentID}
		}
		return sb, nil
	})

	d.router.Register(protocol.EventSandboxRemove, "sandbox.remove", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
		var req struct {
			AgentID string `json:"agent_id"`
			Force   bool   `json:"force,omitempty"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		if _, ok := d.sandboxes.Get(req.AgentID); !ok {
			return nil, &protocol.ErrorInfo{Code: protocol.ErrNotFound, Message: "no sandbox for " + req.AgentID}
		}
		if err := d.sandboxes.Remove(req.AgentID, req.Force); err != nil {
			return nil, &protocol.ErrorInfo{Code: protocol.ErrBadRequest, Message: err.Error()}
		}
		return map[string]interface{}{"agent_id": req.AgentID, "status": "removed"}, nil
	})

	d.router.Register(protocol.EventSandboxList, "sandbox.list", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
		list := d.sandboxes.List()
		return map[string]interface{}{"sandboxes": list, "count": len(list)}, nil
	})

	d.router.Register(protocol.EventSandboxStats, "sandbox.stats", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
		return d.sandboxes.StatsSnapshot(), nil
	})
}
