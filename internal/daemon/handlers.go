package daemon

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/ksi/internal/router"
	"github.com/nextlevelbuilder/ksi/pkg/protocol"
)

// registerHandlers installs the full event surface on the router. Grouped
// registration keeps the surface discoverable; priorities are default (0)
// except where noted.
func (d *Daemon) registerHandlers() {
	d.registerSystemHandlers()
	d.registerAgentHandlers()
	d.registerCompletionHandlers()
	d.registerMessageHandlers()
	d.registerPermissionHandlers()
	d.registerSandboxHandlers()
	d.registerStateHandlers()
	d.registerTransformerHandlers()
}

func (d *Daemon) registerSystemHandlers() {
	d.router.Register(protocol.EventSystemContext, "system.context", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{
			"protocol_version": protocol.ProtocolVersion,
			"started_at":       d.started.Format(time.RFC3339),
			"uptime_seconds":   int(time.Since(d.started).Seconds()),
			"socket_path":      d.cfg.SocketPath(),
			"data_dir":         d.cfg.DataDir(),
			"state_mode":       d.cfg.State.Mode,
			"providers":        d.providers.Names(),
			"profiles":         d.perms.Names(),
			"agents":           len(d.registry.List()),
		}, nil
	})

	d.router.Register(protocol.EventSystemHealth, "system.health", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{
			"status":             "ok",
			"uptime_seconds":     int(time.Since(d.started).Seconds()),
			"connections":        d.transport.ConnCount(),
			"agents":             len(d.registry.List()),
			"inflight_processes": d.sup.Inflight(),
			"bus":                d.bus.Stats(),
		}, nil
	})

	// Lifecycle announcements are emitted by the daemon itself; accepting
	// them over the wire lets a supervisor process drive handoff drills.
	for _, ev := range []string{protocol.EventSystemStartup, protocol.EventSystemReady, protocol.EventSystemShutdown} {
		event := ev
		d.router.Register(event, "system.announce", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
			d.publishEvent(event, data)
			return map[string]interface{}{"announced": event}, nil
		})
	}
}
