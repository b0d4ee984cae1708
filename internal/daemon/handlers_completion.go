package daemon

import (
	"context"

	"github.com/nextlevelbuilder/ksi/internal/agents"
	"github.com/nextlevelbuilder/ksi/internal/completion"
	"github.com/nextlevelbuilder/ksi/internal/router"
	"github.com/nextlevelbuilder/ksi/pkg/protocol"
)

func (d *Daemon) registerCompletionHandlers() {
	d.router.Register(protocol.EventCompletionAsync, "completion.async", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
		var req completion.Request
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		if req.AgentID == "" {
			req.AgentID = ec.AgentID
		}
		a, ok := d.registry.Get(req.AgentID)
		if !ok {
			return nil, &protocol.ErrorInfo{Code: protocol.ErrNotFound, Message: "unknown agent " + req.AgentID}
		}
		if a.State != agents.StateReady && a.State != agents.StateBusy {
			return nil, &protocol.ErrorInfo{Code: protocol.ErrServiceUnavailable, Message: "agent " + req.AgentID + " is " + string(a.State)}
		}
		if req.Provider == "" {
			req.Provider = a.Provider
		}
		if req.Model == "" {
			req.Model = d.cfg.Completion.DefaultModel
		}
		id, err := d.completions.Submit(req)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"request_id": id,
			"agent_id":   req.AgentID,
			"status":     completion.StatusQueued,
		}, nil
	})

	d.router.Register(protocol.EventCompletionStatus, "completion.status", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
		var req struct {
			RequestID string `json:"request_id"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		st, ok := d.completions.Status(req.RequestID)
		if !ok {
			return nil, &protocol.ErrorInfo{Code: protocol.ErrNotFound, Message: "unknown request " + req.RequestID}
		}
		return st, nil
	})

	d.router.Register(protocol.EventCompletionCancel, "completion.cancel", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
		var req struct {
			RequestID string `json:"request_id"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		if _, ok := d.completions.Status(req.RequestID); !ok {
			return nil, &protocol.ErrorInfo{Code: protocol.ErrNotFound, Message: "unknown request " + req.RequestID}
		}
		cancelled := d.completions.Cancel(req.RequestID)
		return map[string]interface{}{
			"request_id": req.RequestID,
			"cancelled":  cancelled,
		}, nil
	})
}
