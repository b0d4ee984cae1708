// Package daemon wires every subsystem together and exposes the full event
// surface over the Unix socket transport.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/ksi/internal/agents"
	"github.com/nextlevelbuilder/ksi/internal/bus"
	"github.com/nextlevelbuilder/ksi/internal/completion"
	"github.com/nextlevelbuilder/ksi/internal/config"
	"github.com/nextlevelbuilder/ksi/internal/maintenance"
	"github.com/nextlevelbuilder/ksi/internal/monitor"
	"github.com/nextlevelbuilder/ksi/internal/permissions"
	"github.com/nextlevelbuilder/ksi/internal/providers"
	"github.com/nextlevelbuilder/ksi/internal/router"
	"github.com/nextlevelbuilder/ksi/internal/sandbox"
	"github.com/nextlevelbuilder/ksi/internal/state"
	"github.com/nextlevelbuilder/ksi/internal/supervisor"
	"github.com/nextlevelbuilder/ksi/internal/tracing"
	"github.com/nextlevelbuilder/ksi/internal/transport"
	"github.com/nextlevelbuilder/ksi/pkg/protocol"
)

// Daemon owns the subsystem graph. Construction follows a fixed order so
// every component's dependencies exist before it does; shutdown walks the
// reverse order.
type Daemon struct {
	cfg *config.Config

	router      *router.Router
	bus         *bus.MessageBus
	registry    *agents.Registry
	perms       *permissions.Manager
	sandboxes   *sandbox.Manager
	sup         *supervisor.Supervisor
	providers   *providers.Registry
	completions *completion.Service
	index       *agents.ConversationIndex
	store       state.Store
	transport   *transport.Server
	monitor     *monitor.Server
	sched       *maintenance.Scheduler

	stopTracing func(context.Context) error
	started     time.Time
}

// New builds the daemon: config → tracing → state → permissions → sandbox →
// agents → bus → supervisor → completion → handlers → transport → monitor →
// maintenance.
func New(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	d := &Daemon{cfg: cfg, started: time.Now().UTC()}

	for _, dir := range []string{"sockets", "conversations", "responses", "logs"} {
		if err := os.MkdirAll(filepath.Join(cfg.DataDir(), dir), 0o755); err != nil {
			return nil, fmt.Errorf("data dir: %w", err)
		}
	}

	stopTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Protocol:    cfg.Telemetry.Protocol,
		ServiceName: cfg.Telemetry.ServiceName,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	d.stopTracing = stopTracing

	d.store, err = state.Open(state.Config{
		Mode:        cfg.State.Mode,
		SQLitePath:  filepath.Join(cfg.DataDir(), "state.db"),
		PostgresDSN: cfg.State.PostgresDSN,
	})
	if err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}

	d.perms, err = permissions.NewManager(cfg.ProfileDir(), cfg.Permissions.WatchDir)
	if err != nil {
		return nil, fmt.Errorf("permissions: %w", err)
	}

	d.sandboxes, err = sandbox.NewManager(cfg.SandboxRoot())
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}

	d.registry = agents.NewRegistry()

	d.index, err = agents.NewConversationIndex(filepath.Join(cfg.DataDir(), "conversations"), 256)
	if err != nil {
		return nil, fmt.Errorf("conversation index: %w", err)
	}

	d.bus = bus.New(bus.Options{
		OfflineQueueSize: cfg.Bus.OfflineQueueSize,
		HistorySize:      cfg.Bus.HistorySize,
		RatePerSec:       cfg.Bus.RateLimitPerSec,
		LogPath:          filepath.Join(cfg.DataDir(), "logs", "message_bus.jsonl"),
	}, d.registry)

	d.sup = supervisor.New(supervisor.Options{
		MaxInflight:    cfg.Completion.MaxInflight,
		Grace:          time.Duration(cfg.Completion.GraceS) * time.Second,
		MaxOutputBytes: cfg.Completion.OutputBufferBytes,
	})

	d.providers = providers.NewRegistry()

	journal, err := completion.NewJournal(filepath.Join(cfg.DataDir(), "responses"), d.index)
	if err != nil {
		return nil, fmt.Errorf("response journal: %w", err)
	}
	schedule := cfg.AttemptTimeouts()
	if len(schedule) == 0 {
		schedule = []time.Duration{time.Duration(cfg.Completion.ProgressTimeoutS) * time.Second}
	}
	d.completions = completion.NewService(completion.Options{
		Supervisor: d.sup,
		Providers:  d.providers,
		Journal:    journal,
		Emit:       d.publishEvent,
		Workdirs:   sandboxWorkdirs{d.sandboxes},
		Schedule:   schedule,
	})

	d.router = router.New(cfg.Router.TransformerDepthCap)
	d.registerHandlers()

	d.transport = transport.NewServer(transport.Options{
		SocketPath:       cfg.SocketPath(),
		MaxFrameBytes:    cfg.Transport.MaxFrameBytes,
		WriteQueueDepth:  cfg.Transport.WriteQueueDepth,
		SlowReaderPolicy: cfg.Transport.SlowReaderPolicy,
		DrainWindow:      cfg.TransportDrain(),
	}, d)

	if cfg.Monitor.Enabled {
		d.monitor = monitor.NewServer(cfg.Monitor.Addr, d.bus)
	}

	d.sched = maintenance.NewScheduler()
	if err := d.registerJobs(); err != nil {
		return nil, fmt.Errorf("maintenance: %w", err)
	}
	return d, nil
}

// sandboxWorkdirs adapts the sandbox manager for the completion service.
type sandboxWorkdirs struct{ m *sandbox.Manager }

func (w sandboxWorkdirs) WorkspaceFor(agentID string) (string, bool) {
	sb, ok := w.m.Get(agentID)
	if !ok {
		return "", false
	}
	return sb.Workspace(), true
}

// publishEvent mirrors internally produced events onto the bus.
func (d *Daemon) publishEvent(event string, data map[string]interface{}) {
	d.bus.Publish(&bus.Envelope{Event: event, From: "daemon", Data: data})
}

// Run starts the outward-facing surfaces and blocks until ctx cancellation,
// then shuts everything down.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.transport.Start(ctx); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	if d.monitor != nil {
		if err := d.monitor.Start(); err != nil {
			return fmt.Errorf("monitor: %w", err)
		}
	}
	d.sched.Start(ctx)

	d.publishEvent(protocol.EventSystemStartup, map[string]interface{}{
		"version":     protocol.ProtocolVersion,
		"socket_path": d.cfg.SocketPath(),
	})
	d.publishEvent(protocol.EventSystemReady, map[string]interface{}{
		"started_at": d.started.Format(time.RFC3339),
	})
	slog.Info("daemon ready", "socket", d.cfg.SocketPath(), "data_dir", d.cfg.DataDir())

	<-ctx.Done()
	return d.shutdown()
}

// shutdown: announce → transport drain → completions → supervisor →
// bus drain → periphery → state close.
func (d *Daemon) shutdown() error {
	slog.Info("daemon shutting down")
	d.transport.Broadcast(protocol.NewNotification(protocol.EventSystemShutdown, nil, "", ""))

	drain := d.cfg.BusDrain()
	if drain <= 0 {
		drain = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()

	d.transport.Shutdown()
	d.completions.Close()
	if err := d.sup.Shutdown(ctx); err != nil {
		slog.Warn("supervisor drain incomplete", "error", err)
	}
	d.bus.Close(ctx)
	d.sched.Stop()

	// The periphery has no ordering constraints among itself.
	var g errgroup.Group
	if d.monitor != nil {
		g.Go(func() error { return d.monitor.Shutdown(ctx) })
	}
	g.Go(func() error { d.perms.Close(); return nil })
	g.Go(func() error { d.index.Close(); return nil })
	g.Go(func() error { return d.stopTracing(ctx) })
	if err := g.Wait(); err != nil {
		slog.Warn("periphery shutdown", "error", err)
	}
	if err := d.store.Close(); err != nil {
		slog.Warn("state store close", "error", err)
	}
	slog.Info("daemon stopped")
	return nil
}

// registerJobs wires the cron-driven background maintenance.
func (d *Daemon) registerJobs() error {
	cfg := d.cfg.Maintenance
	jobs := []maintenance.Job{
		{
			Name:     "sandbox-orphan-gc",
			Schedule: cfg.OrphanGCSchedule,
			Run: func(ctx context.Context) error {
				age := time.Duration(d.cfg.Sandbox.OrphanThresholdH) * time.Hour
				if age <= 0 {
					age = sandbox.DefaultOrphanAge
				}
				removed, err := d.sandboxes.CollectOrphans(age)
				if len(removed) > 0 {
					slog.Info("orphan sandboxes collected", "count", len(removed))
				}
				return err
			},
		},
		{
			Name:     "conversation-index-sync",
			Schedule: cfg.IndexSyncSchedule,
			Run: func(ctx context.Context) error {
				return d.index.Sync()
			},
		},
		{
			Name:     "bus-stats",
			Schedule: cfg.BusStatsSchedule,
			Run: func(ctx context.Context) error {
				st := d.bus.Stats()
				slog.Info("bus stats",
					"published", st.Published, "delivered", st.Delivered,
					"dropped", st.Dropped, "offline_queued", st.OfflineQueued,
					"subscriptions", st.Subscriptions)
				return nil
			},
		},
	}
	for _, j := range jobs {
		if j.Schedule == "" {
			continue
		}
		if err := d.sched.Add(j); err != nil {
			return err
		}
	}
	return nil
}
