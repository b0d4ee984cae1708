package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// Job is one scheduled background task.
type Job struct {
	Name     string
	Schedule string // cron expression
	Run      func(ctx context.Context) error
}

// Scheduler ticks once a minute and runs every job whose cron expression is
// due. Jobs run in their own goroutine; a failing job logs and waits for its
// next slot, it never stops the scheduler.
type Scheduler struct {
	gron *gronx.Gronx
	jobs []Job

	mu      sync.Mutex
	running map[string]bool

	done chan struct{}
	wg   sync.WaitGroup
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		gron:    gronx.New(),
		running: make(map[string]bool),
		done:    make(chan struct{}),
	}
}

// Add validates the expression and registers the job. Call before Start.
func (s *Scheduler) Add(job Job) error {
	if !s.gron.IsValid(job.Schedule) {
		return fmt.Errorf("job %s: invalid cron expression %q", job.Name, job.Schedule)
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start runs the tick loop until Stop or ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				s.tick(ctx, now)
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}()
	slog.Info("maintenance scheduler started", "jobs", len(s.jobs))
}

// Stop halts the loop and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	close(s.done)
	s.wg.Wait()
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, job := range s.jobs {
		due, err := s.gron.IsDue(job.Schedule, now)
		if err != nil || !due {
			continue
		}
		s.mu.Lock()
		if s.running[job.Name] {
			s.mu.Unlock()
			slog.Warn("maintenance job still running, slot skipped", "job", job.Name)
			continue
		}
		s.running[job.Name] = true
		s.mu.Unlock()

		s.wg.Add(1)
		go func(job Job) {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.running, job.Name)
				s.mu.Unlock()
			}()
			start := time.Now()
			if err := job.Run(ctx); err != nil {
				slog.Warn("maintenance job failed", "job", job.Name, "error", err)
				return
			}
			slog.Debug("maintenance job done", "job", job.Name, "took", time.Since(start).Round(time.Millisecond))
		}(job)
	}
}

// RunNow fires one registered job immediately, for the maintenance:run
// operation and tests.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	for _, job := range s.jobs {
		if job.Name == name {
			return job.Run(ctx)
		}
	}
	return fmt.Errorf("unknown maintenance job %q", name)
}

// Jobs lists registered job names.
func (s *Scheduler) Jobs() []string {
	out := make([]string, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Name)
	}
	return out
}
