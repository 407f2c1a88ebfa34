package platform

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler drives the plane's periodic work: fixed-interval loops, cron
// entries, and named maintenance windows. Tasks run inline in their loop
// goroutine, so a slow run coalesces missed ticks instead of queueing them.
type Scheduler struct {
	logger *slog.Logger
	cron   *cron.Cron
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]bool
	loops   []loop
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

type loop struct {
	name     string
	interval time.Duration
	task     func(context.Context)
}

// NewScheduler creates a stopped scheduler. Register tasks with Every and
// AtCron, then call Run.
func NewScheduler(logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		logger:  logger.With("component", "scheduler"),
		now:     time.Now,
		windows: make(map[string]bool),
	}
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.logger})))
	return s
}

// Every registers a named task that runs once at startup and then on every
// interval tick. Overlapping runs cannot happen; ticks missed while the task
// runs collapse into at most one pending run.
func (s *Scheduler) Every(name string, interval time.Duration, task func(context.Context)) error {
	if interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive, got %v", name, interval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("task %s: scheduler already running", name)
	}
	s.loops = append(s.loops, loop{name: name, interval: interval, task: task})
	return nil
}

// AtCron registers a named task on a standard 5-field cron expression.
// Runs that would overlap a still-running previous run are skipped.
func (s *Scheduler) AtCron(name, expr string, task func(context.Context)) error {
	_, err := s.cron.AddFunc(expr, func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		s.safely(ctx, name, task)
	})
	if err != nil {
		return fmt.Errorf("cron task %s (%q): %w", name, expr, err)
	}
	return nil
}

// Run starts all registered loops and the cron engine. It returns
// immediately; call Stop to shut down.
func (s *Scheduler) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx = ctx
	s.cancel = cancel
	s.started = true
	loops := s.loops
	s.mu.Unlock()

	for _, l := range loops {
		s.wg.Add(1)
		go s.runLoop(ctx, l)
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "loops", len(loops))
}

// Stop cancels all loops and waits for in-flight tasks to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	cronCtx := s.cron.Stop()
	s.wg.Wait()
	<-cronCtx.Done()
}

func (s *Scheduler) runLoop(ctx context.Context, l loop) {
	defer s.wg.Done()
	s.safely(ctx, l.name, l.task)
	t := time.NewTicker(l.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.safely(ctx, l.name, l.task)
		}
	}
}

// safely runs a task, turning a panic into a logged error so one bad cycle
// cannot kill its loop.
func (s *Scheduler) safely(ctx context.Context, name string, task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked", "task", name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task(ctx)
}

// EnterWindow opens a named maintenance window. Idempotent.
func (s *Scheduler) EnterWindow(name string) {
	s.mu.Lock()
	open := s.windows[name]
	s.windows[name] = true
	s.mu.Unlock()
	if !open {
		s.logger.Info("maintenance window opened", "window", name)
	}
}

// LeaveWindow closes a named maintenance window. Idempotent.
func (s *Scheduler) LeaveWindow(name string) {
	s.mu.Lock()
	open := s.windows[name]
	delete(s.windows, name)
	s.mu.Unlock()
	if open {
		s.logger.Info("maintenance window closed", "window", name)
	}
}

// InWindow reports whether the named maintenance window is open.
func (s *Scheduler) InWindow(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windows[name]
}

// WindowFor opens a window and closes it after d, or earlier if ctx ends.
func (s *Scheduler) WindowFor(ctx context.Context, name string, d time.Duration) {
	s.EnterWindow(name)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.LeaveWindow(name)
		select {
		case <-ctx.Done():
		case <-time.After(d):
		}
	}()
}

// cronLogger adapts slog to the cron engine's logger interface.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, kv ...any) {
	c.l.Debug(msg, kv...)
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error(msg, append(kv, "error", err)...)
}
