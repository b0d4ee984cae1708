package bus

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/ksi/pkg/protocol"
)

// fakeSub collects delivered envelopes.
type fakeSub struct {
	id     string
	mu     sync.Mutex
	got    []*Envelope
	fail   bool
	failAt int // fail exactly this delivery attempt (1-based), once
	calls  int
}

func (f *fakeSub) ID() string { return f.id }
func (f *fakeSub) Deliver(env *Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail || f.calls == f.failAt {
		return errors.New("dead peer")
	}
	f.got = append(f.got, env)
	return nil
}
func (f *fakeSub) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func newTestBus(t *testing.T, resolver CapabilityResolver) *MessageBus {
	t.Helper()
	b := New(Options{
		OfflineQueueSize: 3,
		HistorySize:      5,
		LogPath:          filepath.Join(t.TempDir(), "message_bus.jsonl"),
	}, resolver)
	t.Cleanup(func() { b.Close(context.Background()) })
	return b
}

func TestBasicPubSub(t *testing.T) {
	b := newTestBus(t, nil)
	a := &fakeSub{id: "A"}
	b.Registry().Subscribe(a, []string{"foo:*"})

	b.Publish(&Envelope{Event: "foo:bar", From: "B", Data: map[string]interface{}{"x": 1}})

	if a.count() != 1 {
		t.Fatalf("A received %d envelopes, want 1", a.count())
	}
	env := a.got[0]
	if env.Event != "foo:bar" || env.Data["x"] != 1 {
		t.Errorf("unexpected envelope %+v", env)
	}
}

func TestAtMostOneCopyPerSubscriber(t *testing.T) {
	b := newTestBus(t, nil)
	a := &fakeSub{id: "A"}
	// Overlapping patterns must still deliver exactly one copy.
	b.Registry().Subscribe(a, []string{"foo:*", "foo:bar", "**"})

	b.Publish(&Envelope{Event: "foo:bar", From: "B"})
	if a.count() != 1 {
		t.Errorf("A received %d copies, want 1", a.count())
	}
}

func TestResubscribeDuplicateSuppressed(t *testing.T) {
	b := newTestBus(t, nil)
	a := &fakeSub{id: "A"}
	b.Registry().Subscribe(a, []string{"foo:*"})
	b.Registry().Subscribe(a, []string{"foo:*"})
	if got := b.Registry().Count(); got != 1 {
		t.Errorf("registry holds %d tuples, want 1", got)
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	b := newTestBus(t, nil)
	sender := &fakeSub{id: "sender"}
	other := &fakeSub{id: "other"}
	b.Registry().Subscribe(sender, []string{protocol.MessageTypeBroadcast})
	b.Registry().Subscribe(other, []string{protocol.MessageTypeBroadcast})

	b.Publish(&Envelope{Event: protocol.MessageTypeBroadcast, From: "sender"})

	if sender.count() != 0 {
		t.Error("sender received its own broadcast")
	}
	if other.count() != 1 {
		t.Errorf("other received %d, want 1", other.count())
	}
}

func TestDirectMessageOfflineDelivery(t *testing.T) {
	b := newTestBus(t, nil)

	// alice is known but disconnected: messages queue.
	b.Publish(&Envelope{Event: protocol.MessageTypeDirect, From: "c", To: "alice",
		Data: map[string]interface{}{"content": "hi"}})
	if got := b.QueuedFor("alice"); got != 1 {
		t.Fatalf("queued %d, want 1", got)
	}

	alice := &fakeSub{id: "alice"}
	b.ConnectAgent("alice", alice)

	if alice.count() != 1 {
		t.Fatalf("alice received %d on reconnect, want 1", alice.count())
	}
	if alice.got[0].Data["content"] != "hi" {
		t.Errorf("wrong payload %+v", alice.got[0].Data)
	}
	if b.QueuedFor("alice") != 0 {
		t.Error("offline queue not drained")
	}

	// Live now: direct delivery, no queueing.
	b.Publish(&Envelope{Event: protocol.MessageTypeDirect, From: "c", To: "alice",
		Data: map[string]interface{}{"content": "again"}})
	if alice.count() != 2 {
		t.Errorf("live delivery failed, got %d", alice.count())
	}
}

func TestOfflineQueueDropOldest(t *testing.T) {
	b := newTestBus(t, nil) // queue capacity 3
	for i := 0; i < 5; i++ {
		b.Publish(&Envelope{Event: protocol.MessageTypeDirect, To: "bob",
			Data: map[string]interface{}{"n": i}})
	}
	bob := &fakeSub{id: "bob"}
	b.ConnectAgent("bob", bob)

	if bob.count() != 3 {
		t.Fatalf("replayed %d, want 3", bob.count())
	}
	// Oldest dropped: 0 and 1 gone, 2..4 retained in order.
	for i, env := range bob.got {
		if env.Data["n"] != i+2 {
			t.Errorf("slot %d has n=%v, want %d", i, env.Data["n"], i+2)
		}
	}
	if b.Stats().OfflineDropped != 2 {
		t.Errorf("drop counter %d, want 2", b.Stats().OfflineDropped)
	}
}

func TestOfflineReplayFailureKeepsTail(t *testing.T) {
	b := newTestBus(t, nil)
	for i := 0; i < 3; i++ {
		b.Publish(&Envelope{Event: protocol.MessageTypeDirect, To: "alice",
			Data: map[string]interface{}{"n": i}})
	}

	alice := &fakeSub{id: "alice", failAt: 2}
	b.ConnectAgent("alice", alice)

	if alice.count() != 1 || alice.got[0].Data["n"] != 0 {
		t.Fatalf("replayed %d before failure, first %+v", alice.count(), alice.got)
	}
	// The failed envelope and the rest of the backlog survive in order.
	if got := b.QueuedFor("alice"); got != 2 {
		t.Fatalf("queued %d after interrupted replay, want 2", got)
	}
	if b.Stats().ConnectedPeers != 1 {
		t.Error("agent not bound after interrupted replay")
	}
	// The connection recovered; the kept tail arrives on the next connect.
	b.DisconnectAgent("alice")
	b.ConnectAgent("alice", alice)
	if alice.count() != 3 {
		t.Fatalf("tail never replayed, delivered %d", alice.count())
	}
	if alice.got[1].Data["n"] != 1 || alice.got[2].Data["n"] != 2 {
		t.Errorf("tail out of order: %+v", alice.got)
	}
}

func TestPatternDeliveryFailureQueuesForBoundAgent(t *testing.T) {
	b := newTestBus(t, nil)
	// The transport subscribes under its connection id, not the agent id.
	conn := &fakeSub{id: "conn-7", fail: true}
	b.ConnectAgent("alice", conn)
	b.Registry().Subscribe(conn, []string{"x:*"})

	b.Publish(&Envelope{Event: "x:y", Data: map[string]interface{}{"k": "v"}})

	if got := b.QueuedFor("alice"); got != 1 {
		t.Fatalf("queued %d for the bound agent, want 1", got)
	}
	if b.Stats().ConnectedPeers != 0 {
		t.Error("dead connection still bound")
	}
}

func TestDirectMessageObserversSeeOneCopy(t *testing.T) {
	b := newTestBus(t, nil)
	alice := &fakeSub{id: "alice"}
	b.ConnectAgent("alice", alice)
	// alice also observes DIRECT_MESSAGE traffic; she must not get doubles.
	b.Registry().Subscribe(alice, []string{protocol.MessageTypeDirect})
	monitor := &fakeSub{id: "monitor"}
	b.Registry().Subscribe(monitor, []string{protocol.MessageTypeDirect})
	sender := &fakeSub{id: "carol"}
	b.Registry().Subscribe(sender, []string{protocol.MessageTypeDirect})

	b.Publish(&Envelope{Event: protocol.MessageTypeDirect, From: "carol", To: "alice"})

	if alice.count() != 1 {
		t.Errorf("target received %d copies, want 1", alice.count())
	}
	if monitor.count() != 1 {
		t.Errorf("observer received %d copies, want 1", monitor.count())
	}
	if sender.count() != 0 {
		t.Error("sender observed its own direct message")
	}
}

type fixedResolver struct{ agent string }

func (r fixedResolver) ResolveCapable(required []string) (string, bool) {
	if r.agent == "" {
		return "", false
	}
	return r.agent, true
}

func TestTaskAssignmentResolvesTarget(t *testing.T) {
	b := newTestBus(t, fixedResolver{agent: "worker"})
	worker := &fakeSub{id: "worker"}
	b.ConnectAgent("worker", worker)

	b.Publish(&Envelope{Event: protocol.MessageTypeAssignment,
		Data: map[string]interface{}{"required_capabilities": []interface{}{"search"}}})

	if worker.count() != 1 {
		t.Fatalf("worker received %d, want 1", worker.count())
	}
	if worker.got[0].To != "worker" {
		t.Errorf("resolved target %q", worker.got[0].To)
	}
}

func TestDeliveryFailureDisconnectsSubscriberOnly(t *testing.T) {
	b := newTestBus(t, nil)
	dead := &fakeSub{id: "dead", fail: true}
	live := &fakeSub{id: "live"}
	b.Registry().Subscribe(dead, []string{"x:y"})
	b.Registry().Subscribe(live, []string{"x:y"})

	b.Publish(&Envelope{Event: "x:y"})

	if live.count() != 1 {
		t.Error("live subscriber missed delivery after peer failure")
	}
	// Dead peer's subscriptions are gone.
	if got := len(b.Registry().Patterns("dead")); got != 0 {
		t.Errorf("dead subscriber still holds %d patterns", got)
	}
}

func TestFailedAgentDeliveryMovesToOfflineQueue(t *testing.T) {
	b := newTestBus(t, nil)
	flaky := &fakeSub{id: "flaky", fail: true}
	b.ConnectAgent("flaky", flaky)

	b.Publish(&Envelope{Event: protocol.MessageTypeDirect, To: "flaky",
		Data: map[string]interface{}{"content": "keep me"}})

	if got := b.QueuedFor("flaky"); got != 1 {
		t.Fatalf("queued %d after failed delivery, want 1", got)
	}
}

func TestHistoryRing(t *testing.T) {
	b := newTestBus(t, nil) // history capacity 5
	for i := 0; i < 8; i++ {
		b.Publish(&Envelope{Event: fmt.Sprintf("h:%d", i)})
	}
	hist := b.History()
	if len(hist) != 5 {
		t.Fatalf("history holds %d, want 5", len(hist))
	}
	if hist[0].Event != "h:3" || hist[4].Event != "h:7" {
		t.Errorf("history window wrong: %s .. %s", hist[0].Event, hist[4].Event)
	}
}

func TestCloseDrainsAndClears(t *testing.T) {
	b := New(Options{OfflineQueueSize: 10, HistorySize: 10}, nil)
	b.Publish(&Envelope{Event: protocol.MessageTypeDirect, To: "gone"})
	b.Close(context.Background())

	if got := b.QueuedFor("gone"); got != 0 {
		t.Errorf("offline queue survived close: %d", got)
	}
	if len(b.History()) != 0 {
		t.Error("history survived close")
	}
	// Publishing after close is a no-op, not a panic.
	b.Publish(&Envelope{Event: "late:event"})
}
