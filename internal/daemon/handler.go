package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/nextlevelbuilder/ksi/internal/router"
	"github.com/nextlevelbuilder/ksi/internal/state"
	"github.com/nextlevelbuilder/ksi/internal/transport"
	"github.com/nextlevelbuilder/ksi/pkg/protocol"
)

// HandleFrame dispatches one parsed request through the router and maps the
// outcome onto the wire contract.
func (d *Daemon) HandleFrame(ctx context.Context, conn *transport.Conn, req *protocol.Request) *protocol.Response {
	if req.Event == "" {
		return protocol.NewError(protocol.ErrBadRequest, "event name required")
	}

	var data map[string]interface{}
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, &data); err != nil {
			return protocol.NewError(protocol.ErrBadRequest, "data must be a JSON object")
		}
	}

	ec := router.NewContext(conn.ID(), req.CorrelationID)
	ec.AgentID = conn.AgentID()

	if !d.router.HasHandler(req.Event) {
		return &protocol.Response{
			Status:        protocol.StatusError,
			Error:         &protocol.ErrorInfo{Code: protocol.ErrNotFound, Message: "unknown event " + req.Event},
			CorrelationID: ec.CorrelationID,
			EventID:       ec.EventID,
		}
	}

	result, err := d.router.EmitFirst(ctx, req.Event, data, ec)
	if err != nil {
		ei := toErrorInfo(err)
		slog.Debug("request failed", "event", req.Event, "code", ei.Code, "error", ei.Message)
		return &protocol.Response{
			Status:        protocol.StatusError,
			Error:         ei,
			CorrelationID: ec.CorrelationID,
			EventID:       ec.EventID,
		}
	}
	return protocol.NewSuccess(result, ec.CorrelationID, ec.EventID)
}

// ConnClosed tears down everything keyed to the connection: agent binding
// pauses (enabling offline queueing), anonymous subscriptions vanish, and
// completions the peer was driving keep running.
func (d *Daemon) ConnClosed(conn *transport.Conn) {
	if agentID, ok := d.registry.Unbind(conn.ID()); ok {
		d.bus.DisconnectAgent(agentID)
		slog.Debug("agent connection paused", "agent_id", agentID, "conn", conn.ID())
		return
	}
	d.bus.Registry().Unsubscribe(conn.ID(), nil)
}

// toErrorInfo normalizes handler errors onto wire codes.
func toErrorInfo(err error) *protocol.ErrorInfo {
	var ei *protocol.ErrorInfo
	if errors.As(err, &ei) {
		return ei
	}
	switch {
	case errors.Is(err, state.ErrNotFound):
		return &protocol.ErrorInfo{Code: protocol.ErrNotFound, Message: err.Error()}
	case errors.Is(err, router.ErrTransformerLoop):
		return &protocol.ErrorInfo{Code: protocol.ErrTransformerLoop, Message: err.Error()}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &protocol.ErrorInfo{Code: protocol.ErrTimeout, Message: err.Error()}
	default:
		return &protocol.ErrorInfo{Code: protocol.ErrBadRequest, Message: err.Error()}
	}
}

// decode maps loosely-typed event data onto a request struct.
func decode(data map[string]interface{}, v interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &protocol.ErrorInfo{Code: protocol.ErrBadRequest, Message: "invalid parameters: " + err.Error()}
	}
	return nil
}
