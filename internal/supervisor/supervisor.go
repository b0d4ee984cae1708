package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Status is the terminal state of a supervised child.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusTimedOut  Status = "timed_out"
	StatusKilled    Status = "killed"
	StatusCrashed   Status = "crashed"
)

// TimeoutCause distinguishes which timer fired for a timed_out result.
type TimeoutCause string

const (
	CauseProgress TimeoutCause = "progress"
	CauseOverall  TimeoutCause = "overall"
)

// Timeouts configures the two independent timers per child: the progress
// timer resets on any output byte, the overall timer is wall clock from
// spawn. Zero disables a timer.
type Timeouts struct {
	Progress time.Duration
	Overall  time.Duration
}

// Spec describes one child process to run.
type Spec struct {
	RequestID string
	Argv      []string
	Dir       string
	Env       []string
	Timeouts  Timeouts
}

// Result is the outcome of a finished child.
type Result struct {
	RequestID    string
	Stdout       string
	Stderr       string
	ExitCode     int
	Duration     time.Duration
	Status       Status
	TimeoutCause TimeoutCause
}

// ErrInflightCap is returned when the global concurrent-spawn cap is reached.
var ErrInflightCap = errors.New("inflight subprocess cap reached")

// ErrShuttingDown is returned for spawns after Shutdown begins.
var ErrShuttingDown = errors.New("supervisor shutting down")

// Options tunes the supervisor. Zero values fall back to defaults.
type Options struct {
	MaxInflight    int           // concurrent child cap, default 20
	Grace          time.Duration // terminate→kill window, default 5s
	MaxOutputBytes int           // per-stream buffer cap, default 1 MiB
	RetryBackoff   time.Duration // pause between retry attempts, default 1s
}

func (o *Options) defaults() {
	if o.MaxInflight <= 0 {
		o.MaxInflight = 20
	}
	if o.Grace <= 0 {
		o.Grace = 5 * time.Second
	}
	if o.MaxOutputBytes <= 0 {
		o.MaxOutputBytes = 1 << 20
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
}

// Supervisor spawns and monitors child processes. Every running child is
// tracked in the inflight table by request id so shutdown and cancellation
// can reap it.
type Supervisor struct {
	opts Options

	mu       sync.Mutex
	inflight map[string]*proc
	closed   bool
}

type proc struct {
	requestID string
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(opts Options) *Supervisor {
	opts.defaults()
	return &Supervisor{
		opts:     opts,
		inflight: make(map[string]*proc),
	}
}

// Inflight returns the number of running children.
func (s *Supervisor) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// InflightIDs lists the request ids currently running.
func (s *Supervisor) InflightIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.inflight))
	for id := range s.inflight {
		out = append(out, id)
	}
	return out
}

// Cancel terminates the child registered under requestID, if any.
func (s *Supervisor) Cancel(requestID string) bool {
	s.mu.Lock()
	p, ok := s.inflight[requestID]
	s.mu.Unlock()
	if ok {
		p.cancel()
	}
	return ok
}

// Spawn runs one child to completion. It blocks the caller; concurrent
// spawns are fine. On context cancellation the child is terminated and
// reaped before Spawn returns. A non-nil error means the child never
// produced a meaningful result (cap reached, exec failure); runtime
// outcomes including timeouts are reported through Result.Status.
func (s *Supervisor) Spawn(ctx context.Context, spec Spec) (*Result, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("spawn %s: empty argv", spec.RequestID)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := &proc{requestID: spec.RequestID, cancel: cancel, done: make(chan struct{})}
	if err := s.track(p); err != nil {
		return nil, err
	}
	defer s.untrack(spec.RequestID)
	defer close(p.done)

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	// Own process group so terminate/kill reaches the child's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", spec.RequestID, err)
	}
	p.cmd = cmd
	slog.Debug("child started", "request_id", spec.RequestID, "pid", cmd.Process.Pid, "argv0", spec.Argv[0])

	var lastOutput atomic.Int64
	lastOutput.Store(started.UnixNano())
	outBuf := newBoundedBuffer(s.opts.MaxOutputBytes, &lastOutput)
	errBuf := newBoundedBuffer(s.opts.MaxOutputBytes, &lastOutput)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() { defer readers.Done(); outBuf.consume(stdout) }()
	go func() { defer readers.Done(); errBuf.consume(stderr) }()

	waitCh := make(chan error, 1)
	go func() {
		readers.Wait()
		waitCh <- cmd.Wait()
	}()

	var overallCh <-chan time.Time
	if spec.Timeouts.Overall > 0 {
		t := time.NewTimer(spec.Timeouts.Overall)
		defer t.Stop()
		overallCh = t.C
	}
	progressCh := make(chan struct{})
	if spec.Timeouts.Progress > 0 {
		go watchProgress(p.done, &lastOutput, spec.Timeouts.Progress, progressCh)
	}

	res := &Result{RequestID: spec.RequestID}
	var waitErr error
	select {
	case waitErr = <-waitCh:
		res.Status = StatusCompleted
	case <-progressCh:
		res.Status = StatusTimedOut
		res.TimeoutCause = CauseProgress
		waitErr = s.reap(cmd, waitCh, spec.RequestID, "progress stall")
	case <-overallCh:
		res.Status = StatusTimedOut
		res.TimeoutCause = CauseOverall
		waitErr = s.reap(cmd, waitCh, spec.RequestID, "overall timeout")
	case <-ctx.Done():
		// The child must be dead before cancellation propagates outward.
		res.Status = StatusKilled
		waitErr = s.reap(cmd, waitCh, spec.RequestID, "cancelled")
	}

	res.Duration = time.Since(started)
	res.Stdout = outBuf.String()
	res.Stderr = errBuf.String()
	res.ExitCode = exitCode(cmd, waitErr)
	if res.Status == StatusCompleted {
		if signalled(cmd) {
			res.Status = StatusKilled
		} else if res.ExitCode != 0 {
			res.Status = StatusCrashed
		}
	}
	return res, nil
}

// SpawnWithRetry runs the process through the attempt schedule: attempt k uses
// schedule[k] as progress timeout; a progress stall before the last attempt
// triggers a fresh attempt after backoff. onRetry, if set, runs before each
// re-attempt; a non-nil return replaces the spec for the remaining attempts
// (callers rebuild the argv without the stalled session there).
func (s *Supervisor) SpawnWithRetry(ctx context.Context, spec Spec, schedule []time.Duration, onRetry func(attempt int) *Spec) (*Result, error) {
	if len(schedule) == 0 {
		return s.Spawn(ctx, spec)
	}
	var res *Result
	var err error
	for k, d := range schedule {
		attempt := spec
		attempt.Timeouts.Progress = d
		res, err = s.Spawn(ctx, attempt)
		if err != nil {
			return nil, err
		}
		stalled := res.Status == StatusTimedOut && res.TimeoutCause == CauseProgress
		if !stalled || k == len(schedule)-1 {
			return res, nil
		}
		slog.Warn("attempt stalled, retrying", "request_id", spec.RequestID,
			"attempt", k+1, "progress_timeout", d)
		if onRetry != nil {
			if next := onRetry(k + 1); next != nil {
				spec = *next
			}
		}
		select {
		case <-time.After(s.opts.RetryBackoff):
		case <-ctx.Done():
			return res, nil
		}
	}
	return res, err
}

// Shutdown terminates every inflight child with terminate-then-kill and
// waits for the table to drain or the context to expire.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	procs := make([]*proc, 0, len(s.inflight))
	for _, p := range s.inflight {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	for _, p := range procs {
		p.cancel()
	}
	for _, p := range procs {
		select {
		case <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Supervisor) track(p *proc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShuttingDown
	}
	if len(s.inflight) >= s.opts.MaxInflight {
		return ErrInflightCap
	}
	if _, ok := s.inflight[p.requestID]; ok {
		return fmt.Errorf("request %s already inflight", p.requestID)
	}
	s.inflight[p.requestID] = p
	return nil
}

func (s *Supervisor) untrack(requestID string) {
	s.mu.Lock()
	delete(s.inflight, requestID)
	s.mu.Unlock()
}

// reap escalates terminate → grace → kill on the child's process group and
// waits for Wait to return so no zombie remains.
func (s *Supervisor) reap(cmd *exec.Cmd, waitCh <-chan error, requestID, why string) error {
	pid := cmd.Process.Pid
	slog.Info("terminating child", "request_id", requestID, "pid", pid, "reason", why)
	syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case err := <-waitCh:
		return err
	case <-time.After(s.opts.Grace):
	}
	slog.Warn("child ignored terminate, killing", "request_id", requestID, "pid", pid)
	syscall.Kill(-pid, syscall.SIGKILL)
	return <-waitCh
}

// watchProgress fires once when no output arrives for window. done stops it.
func watchProgress(done <-chan struct{}, lastOutput *atomic.Int64, window time.Duration, fire chan<- struct{}) {
	for {
		last := time.Unix(0, lastOutput.Load())
		deadline := last.Add(window)
		wait := time.Until(deadline)
		if wait <= 0 {
			select {
			case fire <- struct{}{}:
			case <-done:
			}
			return
		}
		select {
		case <-time.After(wait):
		case <-done:
			return
		}
	}
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		return ee.ExitCode()
	}
	if waitErr != nil {
		return -1
	}
	return 0
}

func signalled(cmd *exec.Cmd) bool {
	if cmd.ProcessState == nil {
		return false
	}
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok {
		return ws.Signaled()
	}
	return false
}
