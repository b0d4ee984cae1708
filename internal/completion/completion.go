package completion

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/ksi/internal/providers"
	"github.com/nextlevelbuilder/ksi/internal/supervisor"
	"github.com/nextlevelbuilder/ksi/pkg/protocol"
)

// Status of one completion request.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Request is one completion:async submission.
type Request struct {
	AgentID    string `json:"agent_id"`
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`
	Prompt     string `json:"prompt"`
	NewSession bool   `json:"new_session,omitempty"`
}

// State is the externally visible record of a request, served by
// completion:status and carried on completion:result.
type State struct {
	RequestID   string              `json:"request_id"`
	AgentID     string              `json:"agent_id"`
	Provider    string              `json:"provider"`
	Status      Status              `json:"status"`
	ResponseID  string              `json:"response_id,omitempty"`
	SessionID   string              `json:"session_id,omitempty"` // provider conversation id
	Text        string              `json:"text,omitempty"`
	Usage       *providers.Usage    `json:"usage,omitempty"`
	Error       *protocol.ErrorInfo `json:"error,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	CompletedAt time.Time           `json:"completed_at,omitempty"`
	DurationMS  int64               `json:"duration_ms,omitempty"`
}

// Emitter publishes completion events back onto the event surface.
type Emitter func(event string, data map[string]interface{})

// Workdirs resolves an agent's sandbox workspace; the child runs there.
type Workdirs interface {
	WorkspaceFor(agentID string) (string, bool)
}

// Options wires the service.
type Options struct {
	Supervisor *supervisor.Supervisor
	Providers  *providers.Registry
	Journal    *Journal
	Emit       Emitter
	Workdirs   Workdirs
	// Schedule is the per-attempt progress-timeout ladder.
	Schedule []time.Duration
	// Overall caps each attempt's wall clock; zero disables.
	Overall time.Duration
	// QueueDepth bounds each agent's pending completions.
	QueueDepth int
}

// Service runs LLM completions asynchronously with per-agent serialization:
// one child process per agent at a time, requests beyond that queue in
// submission order.
type Service struct {
	opts Options

	mu       sync.Mutex
	requests map[string]*State
	queues   map[string]chan string // agent id -> pending request ids
	sessions map[string]string      // agent id -> provider session id
	payloads sync.Map               // request id -> Request body until its worker runs
	closed   bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewService(opts Options) *Service {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 32
	}
	if opts.Emit == nil {
		opts.Emit = func(string, map[string]interface{}) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		opts:     opts,
		requests: make(map[string]*State),
		queues:   make(map[string]chan string),
		sessions: make(map[string]string),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit accepts a request and returns its id immediately. The result
// arrives later as a completion:result event and via Status.
func (s *Service) Submit(req Request) (string, error) {
	if req.AgentID == "" {
		return "", fmt.Errorf("completion: agent_id required")
	}
	if req.Prompt == "" {
		return "", fmt.Errorf("completion: prompt required")
	}
	if _, err := s.opts.Providers.Get(req.Provider); err != nil {
		return "", err
	}

	id := uuid.NewString()
	st := &State{
		RequestID: id,
		AgentID:   req.AgentID,
		Provider:  req.Provider,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", fmt.Errorf("completion: %w", supervisor.ErrShuttingDown)
	}
	q, ok := s.queues[req.AgentID]
	if !ok {
		q = make(chan string, s.opts.QueueDepth)
		s.queues[req.AgentID] = q
		s.wg.Add(1)
		go s.agentWorker(req.AgentID, q)
	}
	select {
	case q <- id:
	default:
		s.mu.Unlock()
		return "", &protocol.ErrorInfo{
			Code:    protocol.ErrServiceUnavailable,
			Message: fmt.Sprintf("completion queue full for agent %s", req.AgentID),
		}
	}
	s.requests[id] = st
	s.payloads.Store(id, req)
	s.mu.Unlock()
	return id, nil
}

// Status reports the current state of a request.
func (s *Service) Status(requestID string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.requests[requestID]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Cancel stops a request: queued requests are marked cancelled before they
// run, running ones get their child terminated.
func (s *Service) Cancel(requestID string) bool {
	s.mu.Lock()
	st, ok := s.requests[requestID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	switch st.Status {
	case StatusQueued:
		st.Status = StatusCancelled
		st.CompletedAt = time.Now().UTC()
		s.mu.Unlock()
		return true
	case StatusRunning:
		s.mu.Unlock()
		return s.opts.Supervisor.Cancel(requestID)
	default:
		s.mu.Unlock()
		return false
	}
}

// Pending returns the queued and running requests of one agent.
func (s *Service) Pending(agentID string) []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []State
	for _, st := range s.requests {
		if st.AgentID != agentID {
			continue
		}
		if st.Status == StatusQueued || st.Status == StatusRunning {
			out = append(out, *st)
		}
	}
	return out
}

// Session returns the provider conversation id tracked for an agent.
func (s *Service) Session(agentID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.sessions[agentID]
	return id, ok
}

// Close stops accepting work and waits for the workers to drain.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	for _, q := range s.queues {
		close(q)
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Service) agentWorker(agentID string, q <-chan string) {
	defer s.wg.Done()
	for requestID := range q {
		s.mu.Lock()
		st := s.requests[requestID]
		reqAny, _ := s.payloads.LoadAndDelete(requestID)
		if st == nil || st.Status != StatusQueued {
			s.mu.Unlock()
			continue
		}
		st.Status = StatusRunning
		s.mu.Unlock()

		req, _ := reqAny.(Request)
		s.run(st, req)
	}
	slog.Debug("completion worker drained", "agent_id", agentID)
}

func (s *Service) run(st *State, req Request) {
	provider, err := s.opts.Providers.Get(req.Provider)
	if err != nil {
		s.finish(st, nil, &protocol.ErrorInfo{Code: protocol.ErrBadRequest, Message: err.Error()})
		return
	}

	s.mu.Lock()
	session := s.sessions[req.AgentID]
	s.mu.Unlock()

	preq := providers.Request{
		Prompt:     req.Prompt,
		Model:      req.Model,
		SessionID:  session,
		NewSession: req.NewSession,
	}

	cwd := ""
	if s.opts.Workdirs != nil {
		cwd, _ = s.opts.Workdirs.WorkspaceFor(req.AgentID)
	}

	spec := supervisor.Spec{
		RequestID: st.RequestID,
		Argv:      provider.BuildArgv(preq),
		Dir:       cwd,
		Env:       providers.BuildEnv(provider, nil),
		Timeouts:  supervisor.Timeouts{Overall: s.opts.Overall},
	}

	// A progress stall clears the resumed session before the retry; the
	// replacement spec runs the next attempt without it.
	res, spawnErr := s.opts.Supervisor.SpawnWithRetry(s.ctx, spec, s.opts.Schedule, func(attempt int) *supervisor.Spec {
		s.mu.Lock()
		delete(s.sessions, req.AgentID)
		s.mu.Unlock()
		preq.SessionID = ""
		preq.NewSession = true
		spec.Argv = provider.BuildArgv(preq)
		s.opts.Emit(protocol.EventCompletionProgress, map[string]interface{}{
			"request_id": st.RequestID,
			"agent_id":   st.AgentID,
			"phase":      "retry",
			"attempt":    attempt,
		})
		return &spec
	})
	if ei := supervisor.Classify(res, spawnErr); ei != nil {
		s.finish(st, res, ei)
		return
	}

	parsed, err := provider.ParseOutput(res.Stdout)
	if err != nil {
		s.finish(st, res, &protocol.ErrorInfo{Code: protocol.ErrServiceUnavailable, Message: err.Error()})
		return
	}

	st.ResponseID = uuid.NewString()
	st.SessionID = parsed.SessionID
	st.Text = parsed.Text
	st.Usage = parsed.Usage
	st.DurationMS = res.Duration.Milliseconds()

	if parsed.SessionID != "" {
		s.mu.Lock()
		s.sessions[req.AgentID] = parsed.SessionID
		s.mu.Unlock()
	}
	if s.opts.Journal != nil {
		s.opts.Journal.Record(st, parsed)
	}
	s.finish(st, res, nil)
}

// finish publishes the terminal state and the completion:result event.
func (s *Service) finish(st *State, res *supervisor.Result, ei *protocol.ErrorInfo) {
	s.mu.Lock()
	if ei != nil {
		st.Status = StatusFailed
		st.Error = ei
		if res != nil && res.Status == supervisor.StatusKilled {
			st.Status = StatusCancelled
		}
	} else {
		st.Status = StatusCompleted
	}
	st.CompletedAt = time.Now().UTC()
	if res != nil && st.DurationMS == 0 {
		st.DurationMS = res.Duration.Milliseconds()
	}
	snapshot := *st
	s.mu.Unlock()

	data := map[string]interface{}{
		"request_id": snapshot.RequestID,
		"agent_id":   snapshot.AgentID,
		"status":     string(snapshot.Status),
	}
	if snapshot.ResponseID != "" {
		data["response_id"] = snapshot.ResponseID
	}
	if snapshot.SessionID != "" {
		data["session_id"] = snapshot.SessionID
	}
	if snapshot.Text != "" {
		data["text"] = snapshot.Text
	}
	if snapshot.DurationMS > 0 {
		data["duration_ms"] = snapshot.DurationMS
	}
	if snapshot.Error != nil {
		data["error"] = snapshot.Error
	}
	s.opts.Emit(protocol.EventCompletionResult, data)
	slog.Info("completion finished", "request_id", snapshot.RequestID,
		"agent_id", snapshot.AgentID, "status", snapshot.Status, "duration_ms", snapshot.DurationMS)
}
