package completion

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/ksi/internal/agents"
	"github.com/nextlevelbuilder/ksi/internal/providers"
	"github.com/nextlevelbuilder/ksi/internal/supervisor"
	"github.com/nextlevelbuilder/ksi/pkg/protocol"
)

// shellProvider runs /bin/sh with a script template so tests exercise the
// real spawn path without any LLM CLI installed.
type shellProvider struct {
	script  string // %q-substituted with the prompt
	session string // session id reported back, if any
}

func (p *shellProvider) Name() string         { return "shell" }
func (p *shellProvider) DefaultModel() string { return "none" }
func (p *shellProvider) EnvAllowlist() []string {
	return []string{"PATH", "HOME"}
}

func (p *shellProvider) BuildArgv(req providers.Request) []string {
	return []string{"/bin/sh", "-c", fmt.Sprintf(p.script, req.Prompt)}
}

func (p *shellProvider) ParseOutput(stdout string) (*providers.Response, error) {
	text := strings.TrimSpace(stdout)
	if text == "" {
		return nil, fmt.Errorf("no output")
	}
	return &providers.Response{Text: text, SessionID: p.session, Raw: stdout}, nil
}

type capture struct {
	mu     sync.Mutex
	events []map[string]interface{}
}

func (c *capture) emit(event string, data map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data["__event"] = event
	c.events = append(c.events, data)
}

func (c *capture) wait(t *testing.T, n int) []map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.events) >= n {
			out := append([]map[string]interface{}{}, c.events...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("waited for %d events", n)
	return nil
}

func newTestService(t *testing.T, p providers.Provider) (*Service, *capture, *Journal) {
	t.Helper()
	reg := providers.NewRegistry()
	reg.Register(p)
	ix, err := agents.NewConversationIndex(filepath.Join(t.TempDir(), "conversations"), 64)
	if err != nil {
		t.Fatal(err)
	}
	journal, err := NewJournal(filepath.Join(t.TempDir(), "responses"), ix)
	if err != nil {
		t.Fatal(err)
	}
	cap := &capture{}
	svc := NewService(Options{
		Supervisor: supervisor.New(supervisor.Options{Grace: 300 * time.Millisecond}),
		Providers:  reg,
		Journal:    journal,
		Emit:       cap.emit,
	})
	t.Cleanup(func() { svc.Close(); ix.Close() })
	return svc, cap, journal
}

func TestSubmitRunsAndEmitsResult(t *testing.T) {
	p := &shellProvider{script: `echo "reply to: %s"`, session: "sess-1"}
	svc, cap, journal := newTestService(t, p)

	id, err := svc.Submit(Request{AgentID: "alice", Provider: "shell", Prompt: "hi"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id == "" {
		t.Fatal("no request id")
	}

	events := cap.wait(t, 1)
	ev := events[0]
	if ev["__event"] != protocol.EventCompletionResult {
		t.Errorf("event %v", ev["__event"])
	}
	if ev["status"] != "completed" || ev["request_id"] != id {
		t.Errorf("result event %+v", ev)
	}
	if !strings.Contains(ev["text"].(string), "reply to: hi") {
		t.Errorf("text %v", ev["text"])
	}
	if ev["session_id"] != "sess-1" || ev["response_id"] == "" {
		t.Errorf("ids %+v", ev)
	}

	st, ok := svc.Status(id)
	if !ok || st.Status != StatusCompleted {
		t.Errorf("status %+v %v", st, ok)
	}

	// Persistence: response record on disk, id indexed under the session.
	rec, err := journal.Load(st.ResponseID)
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if rec.AgentID != "alice" || rec.SessionID != "sess-1" {
		t.Errorf("record %+v", rec)
	}
}

func TestPerAgentSerialization(t *testing.T) {
	// Each run appends to a shared file; concurrent children for the same
	// agent would interleave start/end markers.
	dir := t.TempDir()
	log := filepath.Join(dir, "order.log")
	p := &shellProvider{script: `echo "start" >> ` + log + `; sleep 0.2; echo "end" >> ` + log + `; echo "done %s"`}
	svc, cap, _ := newTestService(t, p)

	for i := 0; i < 3; i++ {
		if _, err := svc.Submit(Request{AgentID: "alice", Provider: "shell", Prompt: fmt.Sprintf("p%d", i)}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	cap.wait(t, 3)

	data, err := readFile(log)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Fields(data)
	if len(lines) != 6 {
		t.Fatalf("marker lines: %v", lines)
	}
	for i := 0; i < 6; i += 2 {
		if lines[i] != "start" || lines[i+1] != "end" {
			t.Fatalf("interleaved execution: %v", lines)
		}
	}
}

func TestCancelQueuedRequest(t *testing.T) {
	p := &shellProvider{script: `sleep 0.3; echo "done %s"`}
	svc, cap, _ := newTestService(t, p)

	first, _ := svc.Submit(Request{AgentID: "alice", Provider: "shell", Prompt: "a"})
	second, _ := svc.Submit(Request{AgentID: "alice", Provider: "shell", Prompt: "b"})

	if !svc.Cancel(second) {
		t.Fatal("cancel of queued request failed")
	}
	st, _ := svc.Status(second)
	if st.Status != StatusCancelled {
		t.Errorf("queued status %s", st.Status)
	}

	// Only the first request produces a result event.
	events := cap.wait(t, 1)
	if events[0]["request_id"] != first {
		t.Errorf("unexpected result %+v", events[0])
	}
	time.Sleep(100 * time.Millisecond)
	if got := cap.wait(t, 1); len(got) != 1 {
		t.Errorf("cancelled request still emitted: %d events", len(got))
	}
}

func TestCancelRunningRequest(t *testing.T) {
	p := &shellProvider{script: `sleep 30; echo "done %s"`}
	svc, cap, _ := newTestService(t, p)

	id, _ := svc.Submit(Request{AgentID: "alice", Provider: "shell", Prompt: "x"})
	waitStatus(t, svc, id, StatusRunning)

	if !svc.Cancel(id) {
		t.Fatal("cancel of running request failed")
	}
	events := cap.wait(t, 1)
	if events[0]["status"] != "cancelled" {
		t.Errorf("result status %v", events[0]["status"])
	}
}

func TestSessionContinuity(t *testing.T) {
	p := &shellProvider{script: `echo "ok %s"`, session: "conv-9"}
	svc, cap, _ := newTestService(t, p)

	svc.Submit(Request{AgentID: "alice", Provider: "shell", Prompt: "first"})
	cap.wait(t, 1)

	if sess, ok := svc.Session("alice"); !ok || sess != "conv-9" {
		t.Errorf("session %q %v", sess, ok)
	}
}

// resumeProvider hangs whenever it is asked to resume a session and answers
// promptly on a fresh one, like a CLI wedged on a corrupt conversation.
type resumeProvider struct {
	shellProvider
}

func (p *resumeProvider) BuildArgv(req providers.Request) []string {
	if req.SessionID != "" && !req.NewSession {
		return []string{"/bin/sh", "-c", "sleep 30"}
	}
	return []string{"/bin/sh", "-c", fmt.Sprintf(`echo "fresh: %s"`, req.Prompt)}
}

// Only the seed run reports a session, so a successful retry leaves none.
func (p *resumeProvider) ParseOutput(stdout string) (*providers.Response, error) {
	text := strings.TrimSpace(stdout)
	if text == "" {
		return nil, fmt.Errorf("no output")
	}
	resp := &providers.Response{Text: text, Raw: stdout}
	if strings.Contains(text, "seed") {
		resp.SessionID = "wedged"
	}
	return resp, nil
}

func TestStalledResumeRetriesWithoutSession(t *testing.T) {
	p := &resumeProvider{}
	reg := providers.NewRegistry()
	reg.Register(p)
	cap := &capture{}
	svc := NewService(Options{
		Supervisor: supervisor.New(supervisor.Options{
			Grace:        300 * time.Millisecond,
			RetryBackoff: 10 * time.Millisecond,
		}),
		Providers: reg,
		Emit:      cap.emit,
		Schedule:  []time.Duration{300 * time.Millisecond, 5 * time.Second},
	})
	t.Cleanup(svc.Close)

	// Seed the tracked session, then submit again: the resume stalls, the
	// retry must run session-free and complete.
	svc.Submit(Request{AgentID: "alice", Provider: "shell", Prompt: "seed"})
	cap.wait(t, 1)
	if sess, ok := svc.Session("alice"); !ok || sess != "wedged" {
		t.Fatalf("session not seeded: %q %v", sess, ok)
	}

	id, err := svc.Submit(Request{AgentID: "alice", Provider: "shell", Prompt: "again"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	deadline := time.Now().Add(10 * time.Second)
	var final State
	for {
		if st, ok := svc.Status(id); ok && st.Status != StatusQueued && st.Status != StatusRunning {
			final = st
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("request never finished")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if final.Status != StatusCompleted || !strings.Contains(final.Text, "fresh: again") {
		t.Fatalf("retry kept the wedged session: %s %+v", final.Status, final.Error)
	}
	if _, ok := svc.Session("alice"); ok {
		t.Error("wedged session still tracked after retry")
	}

	var sawRetry bool
	for _, ev := range cap.wait(t, 2) {
		if ev["__event"] == protocol.EventCompletionProgress && ev["phase"] == "retry" {
			sawRetry = true
		}
	}
	if !sawRetry {
		t.Error("no retry progress event emitted")
	}
}

func TestSubmitValidation(t *testing.T) {
	p := &shellProvider{script: `echo "%s"`}
	svc, _, _ := newTestService(t, p)

	if _, err := svc.Submit(Request{Provider: "shell", Prompt: "x"}); err == nil {
		t.Error("missing agent_id accepted")
	}
	if _, err := svc.Submit(Request{AgentID: "a", Provider: "shell"}); err == nil {
		t.Error("missing prompt accepted")
	}
	if _, err := svc.Submit(Request{AgentID: "a", Provider: "nope", Prompt: "x"}); err == nil {
		t.Error("unknown provider accepted")
	}
}

func waitStatus(t *testing.T, svc *Service, id string, want Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := svc.Status(id); ok && st.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("request %s never reached %s", id, want)
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	return string(data), err
}
