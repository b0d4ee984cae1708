package daemon

import (
	"context"

	"github.com/nextlevelbuilder/ksi/internal/bus"
	"github.com/nextlevelbuilder/ksi/internal/router"
	"github.com/nextlevelbuilder/ksi/pkg/protocol"
)

func (d *Daemon) registerMessageHandlers() {
	d.router.Register(protocol.EventMessageSubscribe, "message.subscribe", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
		var req struct {
			Patterns []string `json:"patterns"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		if len(req.Patterns) == 0 {
			return nil, &protocol.ErrorInfo{Code: protocol.ErrBadRequest, Message: "patterns required"}
		}
		conn, ok := d.transport.Conn(ec.OriginatorID)
		if !ok {
			return nil, &protocol.ErrorInfo{Code: protocol.ErrConnectionError, Message: "originating connection is gone"}
		}
		d.bus.Registry().Subscribe(conn, req.Patterns)
		return map[string]interface{}{
			"subscribed": req.Patterns,
			"patterns":   d.bus.Registry().Patterns(conn.ID()),
		}, nil
	})

	d.router.Register(protocol.EventMessageUnsubscribe, "message.unsubscribe", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
		var req struct {
			Patterns []string `json:"patterns,omitempty"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		d.bus.Registry().Unsubscribe(ec.OriginatorID, req.Patterns)
		return map[string]interface{}{
			"patterns": d.bus.Registry().Patterns(ec.OriginatorID),
		}, nil
	})

	d.router.Register(protocol.EventMessagePublish, "message.publish", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
		var req struct {
			Type string                 `json:"type"`
			To   string                 `json:"to,omitempty"`
			Data map[string]interface{} `json:"data,omitempty"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		if req.Type == "" {
			return nil, &protocol.ErrorInfo{Code: protocol.ErrBadRequest, Message: "message type required"}
		}
		if req.Type == protocol.MessageTypeDirect && req.To == "" {
			return nil, &protocol.ErrorInfo{Code: protocol.ErrBadRequest, Message: "direct message requires a recipient"}
		}
		from := ec.AgentID
		if from == "" {
			from = ec.OriginatorID
		}
		// Publishing as a permissioned agent requires the messaging
		// capability; anonymous connections (tooling, tests) are unrestricted.
		if ec.AgentID != "" {
			if p, ok := d.perms.AgentProfile(ec.AgentID); ok && !p.Capabilities.AgentMessaging {
				return nil, &protocol.ErrorInfo{Code: protocol.ErrPermissionDenied, Message: "profile denies agent_messaging"}
			}
		}
		d.bus.Publish(&bus.Envelope{
			Event:   req.Type,
			From:    from,
			To:      req.To,
			Data:    req.Data,
			Context: ec,
		})
		return map[string]interface{}{"status": "published", "type": req.Type}, nil
	})

	d.router.Register(protocol.EventMessageSubscriptions, "message.subscriptions", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
		patterns := d.bus.Registry().Patterns(ec.OriginatorID)
		if ec.AgentID != "" {
			for _, p := range d.bus.Registry().Patterns(ec.AgentID) {
				patterns = append(patterns, p)
			}
		}
		return map[string]interface{}{"patterns": patterns, "count": len(patterns)}, nil
	})

	d.router.Register(protocol.EventMessageBusStats, "message_bus.stats", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
		return d.bus.Stats(), nil
	})
}
