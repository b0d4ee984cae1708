// Package bus implements multi-subscriber topic fan-out with per-agent
// offline queueing, delivery accounting, a debugging history ring, and an
// asynchronous JSONL history log.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/ksi/internal/router"
	"github.com/nextlevelbuilder/ksi/pkg/protocol"
)

// Envelope is one bus publication. Event is the topic (a bus message type
// such as DIRECT_MESSAGE, or any event name for generic fan-out).
type Envelope struct {
	Event   string                 `json:"event"`
	From    string                 `json:"from,omitempty"`
	To      string                 `json:"to,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Context *router.Context        `json:"context,omitempty"`
}

// CapabilityResolver finds a live agent providing the required capabilities.
// Implemented by the agent registry.
type CapabilityResolver interface {
	ResolveCapable(required []string) (agentID string, ok bool)
}

// Stats is a snapshot of bus delivery accounting.
type Stats struct {
	Published      uint64 `json:"published"`
	Delivered      uint64 `json:"delivered"`
	Dropped        uint64 `json:"dropped"`
	OfflineQueued  uint64 `json:"offline_queued"`
	OfflineDropped uint64 `json:"offline_dropped"`
	LogDropped     uint64 `json:"log_dropped"`
	Subscriptions  int    `json:"subscriptions"`
	ConnectedPeers int    `json:"connected_peers"`
	HistorySize    int    `json:"history_size"`
}

// MessageBus routes publications to subscribers and queues direct messages
// for disconnected agents.
type MessageBus struct {
	registry *Registry
	resolver CapabilityResolver

	mu      sync.RWMutex
	agents  map[string]Subscriber // live persistent agent connections
	offline map[string]*offlineQueue

	queueCap    int
	historyCap  int
	history     []*Envelope
	historyNext int

	logCh  chan *Envelope
	logWG  sync.WaitGroup
	closed atomic.Bool

	published      atomic.Uint64
	delivered      atomic.Uint64
	dropped        atomic.Uint64
	offlineQueued  atomic.Uint64
	logDropped     atomic.Uint64
}

// Options configures the bus.
type Options struct {
	OfflineQueueSize int
	HistorySize      int
	RatePerSec       int    // per-subscription delivery cap, 0 = unlimited
	LogPath          string // JSONL history file, empty disables
}

// New creates a message bus and starts its history writer.
func New(opts Options, resolver CapabilityResolver) *MessageBus {
	if opts.OfflineQueueSize <= 0 {
		opts.OfflineQueueSize = 1000
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 1000
	}
	b := &MessageBus{
		registry:   NewRegistry(opts.RatePerSec),
		resolver:   resolver,
		agents:     make(map[string]Subscriber),
		offline:    make(map[string]*offlineQueue),
		queueCap:   opts.OfflineQueueSize,
		historyCap: opts.HistorySize,
		history:    make([]*Envelope, 0, opts.HistorySize),
	}
	if opts.LogPath != "" {
		b.logCh = make(chan *Envelope, 256)
		b.logWG.Add(1)
		go b.logWriter(opts.LogPath)
	}
	return b
}

// Registry exposes subscribe/unsubscribe operations.
func (b *MessageBus) Registry() *Registry { return b.registry }

// ConnectAgent binds a live connection to an agent id and flushes the
// agent's offline queue, in order, before any new publication reaches it.
// A delivery failure mid-replay re-queues the undelivered tail; the agent is
// still bound, and the next failed delivery unbinds it through failLocked.
func (b *MessageBus) ConnectAgent(agentID string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var backlog []*Envelope
	if q, ok := b.offline[agentID]; ok {
		backlog = q.drain()
	}
	replayed := 0
	for i, env := range backlog {
		if err := sub.Deliver(env); err != nil {
			slog.Warn("offline replay interrupted", "agent", agentID,
				"error", err, "requeued", len(backlog)-i)
			for _, rest := range backlog[i:] {
				b.enqueueOfflineLocked(agentID, rest)
			}
			break
		}
		b.delivered.Add(1)
		replayed++
	}
	b.agents[agentID] = sub
	slog.Info("agent connected to bus", "agent", agentID, "replayed", replayed)
}

// DisconnectAgent unbinds the agent's connection. The agent stays registered;
// subsequent direct messages go to its offline queue.
func (b *MessageBus) DisconnectAgent(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.agents, agentID)
}

// ForgetAgent removes the agent's connection and offline queue entirely
// (agent terminated).
func (b *MessageBus) ForgetAgent(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.agents, agentID)
	delete(b.offline, agentID)
}

// Publish routes one envelope per its message-type semantics. It never
// blocks on a slow or disconnected peer.
func (b *MessageBus) Publish(env *Envelope) {
	if b.closed.Load() {
		return
	}
	b.published.Add(1)
	b.record(env)

	switch env.Event {
	case protocol.MessageTypeDirect:
		b.publishDirect(env)
	case protocol.MessageTypeBroadcast:
		b.fanOut(env, env.From, map[string]bool{})
	case protocol.MessageTypeAssignment:
		if env.To == "" {
			required := stringSlice(env.Data["required_capabilities"])
			if b.resolver == nil {
				slog.Warn("task assignment without target and no resolver")
				b.dropped.Add(1)
				return
			}
			agentID, ok := b.resolver.ResolveCapable(required)
			if !ok {
				slog.Warn("no capable agent for task assignment", "required", required)
				b.dropped.Add(1)
				return
			}
			env.To = agentID
		}
		b.publishDirect(env)
	default:
		b.fanOut(env, env.From, map[string]bool{})
	}
}

// publishDirect delivers to the target agent (live or offline queue), then
// fans out to observers subscribed to the message type, excluding sender
// and target so each subscriber sees at most one copy.
func (b *MessageBus) publishDirect(env *Envelope) {
	seen := map[string]bool{}
	b.mu.Lock()
	if sub, ok := b.agents[env.To]; ok {
		if err := sub.Deliver(env); err != nil {
			b.failLocked(env.To, env)
		} else {
			b.delivered.Add(1)
			seen[sub.ID()] = true
		}
	} else {
		b.enqueueOfflineLocked(env.To, env)
	}
	seen[env.To] = true
	b.mu.Unlock()

	b.fanOut(env, env.From, seen)
}

// fanOut delivers to every subscriber of env.Event except the sender and
// anything already delivered. Per (publication, subscriber) delivery is
// attempted at most once; failure disconnects the subscriber, not the
// publisher.
func (b *MessageBus) fanOut(env *Envelope, exclude string, seen map[string]bool) {
	for _, s := range b.registry.Matching(env.Event) {
		if s.subscriberID == exclude || seen[s.subscriberID] {
			continue
		}
		seen[s.subscriberID] = true
		if s.limiter != nil && !s.limiter.Allow() {
			b.dropped.Add(1)
			continue
		}
		if err := s.sub.Deliver(env); err != nil {
			b.mu.Lock()
			b.failLocked(s.subscriberID, env)
			b.mu.Unlock()
			continue
		}
		b.delivered.Add(1)
	}
}

// failLocked handles a dead subscriber: drop its subscriptions and, if it is
// a connected agent, move the undeliverable envelope to its offline queue.
// subscriberID may be either an agent id (direct delivery) or the connection
// id of a pattern subscription, so both are resolved against the bind table.
func (b *MessageBus) failLocked(subscriberID string, env *Envelope) {
	b.dropped.Add(1)
	b.registry.Unsubscribe(subscriberID, nil)
	if agentID, ok := b.boundAgentLocked(subscriberID); ok {
		delete(b.agents, agentID)
		b.enqueueOfflineLocked(agentID, env)
	}
	slog.Warn("subscriber dropped after delivery failure", "subscriber", subscriberID)
}

// boundAgentLocked resolves a subscriber id to the agent it is bound to,
// matching by agent id first and connection id second.
func (b *MessageBus) boundAgentLocked(subscriberID string) (string, bool) {
	if _, ok := b.agents[subscriberID]; ok {
		return subscriberID, true
	}
	for agentID, sub := range b.agents {
		if sub.ID() == subscriberID {
			return agentID, true
		}
	}
	return "", false
}

func (b *MessageBus) enqueueOfflineLocked(agentID string, env *Envelope) {
	q, ok := b.offline[agentID]
	if !ok {
		q = newOfflineQueue(b.queueCap)
		b.offline[agentID] = q
	}
	q.push(env)
	b.offlineQueued.Add(1)
}

// record appends to the history ring and the async log.
func (b *MessageBus) record(env *Envelope) {
	b.mu.Lock()
	if len(b.history) < b.historyCap {
		b.history = append(b.history, env)
	} else {
		b.history[b.historyNext] = env
		b.historyNext = (b.historyNext + 1) % b.historyCap
	}
	b.mu.Unlock()

	if b.logCh != nil {
		select {
		case b.logCh <- env:
		default:
			b.logDropped.Add(1)
		}
	}
}

// History returns a copy of the retained envelopes, oldest first.
func (b *MessageBus) History() []*Envelope {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Envelope, 0, len(b.history))
	if len(b.history) == b.historyCap {
		out = append(out, b.history[b.historyNext:]...)
		out = append(out, b.history[:b.historyNext]...)
		return out
	}
	return append(out, b.history...)
}

// Stats returns a snapshot of delivery accounting.
func (b *MessageBus) Stats() Stats {
	b.mu.RLock()
	peers := len(b.agents)
	hist := len(b.history)
	var offDropped uint64
	for _, q := range b.offline {
		offDropped += q.drops()
	}
	b.mu.RUnlock()
	return Stats{
		Published:      b.published.Load(),
		Delivered:      b.delivered.Load(),
		Dropped:        b.dropped.Load(),
		OfflineQueued:  b.offlineQueued.Load(),
		OfflineDropped: offDropped,
		LogDropped:     b.logDropped.Load(),
		Subscriptions:  b.registry.Count(),
		ConnectedPeers: peers,
		HistorySize:    hist,
	}
}

// QueuedFor returns the number of envelopes waiting for a disconnected agent.
func (b *MessageBus) QueuedFor(agentID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if q, ok := b.offline[agentID]; ok {
		return q.len()
	}
	return 0
}

// Close drains the bus: no new publications are accepted, the history
// writer flushes within the context deadline, offline queues and history
// are cleared, and agents are disconnected.
func (b *MessageBus) Close(ctx context.Context) {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	if b.logCh != nil {
		close(b.logCh)
		done := make(chan struct{})
		go func() {
			b.logWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("bus log writer did not drain before deadline")
		}
	}
	b.mu.Lock()
	b.agents = make(map[string]Subscriber)
	b.offline = make(map[string]*offlineQueue)
	b.history = nil
	b.mu.Unlock()
}

// logWriter appends envelopes to the JSONL history log. Failures are logged
// once and never block or fail a publish.
func (b *MessageBus) logWriter(path string) {
	defer b.logWG.Done()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		slog.Warn("bus history log disabled", "error", err)
		for range b.logCh {
		}
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.Warn("bus history log disabled", "error", err)
		for range b.logCh {
		}
		return
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	var lastErr time.Time
	for env := range b.logCh {
		if err := enc.Encode(env); err != nil {
			if time.Since(lastErr) > time.Minute {
				slog.Warn("bus history append failed", "error", err)
				lastErr = time.Now()
			}
		}
	}
}

func stringSlice(v interface{}) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, e := range vals {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
