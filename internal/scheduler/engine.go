package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/kago/internal/concurrency"
	"github.com/harunnryd/kago/internal/config"
	kagoerrors "github.com/harunnryd/kago/internal/errors"

	"golang.org/x/sync/errgroup"
)

const lastResultChars = 200

// Runner executes one task prompt as a single-turn worker in the task's chat
// and returns its final result, nil for bookkeeping-only output.
type Runner interface {
	RunTask(ctx context.Context, chatID, prompt, model string) (*string, error)
}

// Notifier delivers task results to the chat.
type Notifier interface {
	Send(ctx context.Context, chatID, text string) error
}

type Scheduler struct {
	store    *Store
	runner   Runner
	notifier Notifier

	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	passes  sync.WaitGroup
	lastRun time.Time

	tickInterval    time.Duration
	shutdownTimeout time.Duration
	maxConcurrent   int
	now             func() time.Time
}

func NewScheduler(store *Store, runner Runner, notifier Notifier, cfg config.SchedulerConfig) (*Scheduler, error) {
	tickInterval, err := config.DurationOrDefault(cfg.TickInterval, config.DefaultSchedulerTickInterval)
	if err != nil {
		return nil, fmt.Errorf("parse scheduler tick interval: %w", err)
	}

	shutdownTimeout, err := config.DurationOrDefault(cfg.ShutdownTimeout, config.DefaultSchedulerShutdownTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse scheduler shutdown timeout: %w", err)
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = config.DefaultSchedulerMaxConcurrent
	}

	return &Scheduler{
		store:           store,
		runner:          runner,
		notifier:        notifier,
		tickInterval:    tickInterval,
		shutdownTimeout: shutdownTimeout,
		maxConcurrent:   maxConcurrent,
		now:             time.Now,
	}, nil
}

// LoadLocation resolves the configured scheduler timezone.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		name = config.DefaultSchedulerTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, kagoerrors.WrapWithCategory(err, "scheduler timezone "+name, kagoerrors.ErrInvalidInput)
	}
	return loc, nil
}

func (s *Scheduler) Init(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.store.Reload(); err != nil {
		slog.Warn("Task store unreadable at init", "error", err)
	}

	slog.Info("Scheduler initialized", "tick", s.tickInterval, "max_concurrent", s.maxConcurrent, "timezone", s.store.Location())
	return nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	if s.ctx == nil {
		s.ctx, s.cancel = context.WithCancel(ctx)
	}
	s.running = true
	s.mu.Unlock()

	s.warnOverdue()

	s.passes.Add(1)
	go s.run()

	slog.Info("Scheduler started")
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.passes.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Scheduler stopped gracefully")
		return nil
	case <-time.After(s.shutdownTimeout):
		slog.Warn("Scheduler shutdown timeout, force stopping")
		return kagoerrors.Internal("shutdown timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) Health(ctx context.Context) error {
	if s.ctx == nil {
		return kagoerrors.Internal("scheduler not initialized")
	}

	if !s.IsRunning() {
		return kagoerrors.Internal("scheduler not running")
	}

	if _, err := s.store.List(""); err != nil {
		return fmt.Errorf("load tasks: %w", kagoerrors.ErrTransient)
	}

	return nil
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) run() {
	defer s.passes.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	s.RunPass(s.ctx)
	for {
		select {
		case <-ticker.C:
			s.RunPass(s.ctx)
		case <-s.ctx.Done():
			slog.Info("Scheduler run loop stopped")
			return
		}
	}
}

// warnOverdue reports tasks that should have fired while the daemon was down.
// Each of them fires once on the first pass.
func (s *Scheduler) warnOverdue() {
	tasks, err := s.store.List("")
	if err != nil {
		slog.Error("Failed to load tasks for catch-up", "error", err)
		return
	}

	cutoff := s.now().Add(-s.tickInterval)
	missed := 0
	for _, t := range tasks {
		if t.Status == StatusActive && t.NextRun != nil && t.NextRun.Before(cutoff) {
			missed++
		}
	}
	if missed > 0 {
		slog.Warn("Overdue scheduled tasks will run once now", "count", missed)
	}
}

// RunPass fires every due task with bounded parallelism, waits for all of
// them and persists their outcomes as one batch. It returns how many ran.
// Runs cut short by ctx are left out of the batch so the task stays due.
func (s *Scheduler) RunPass(ctx context.Context) int {
	now := s.now()
	due, err := s.store.Due(now)
	if err != nil {
		slog.Error("Failed to load due tasks", "error", err)
		return 0
	}
	if len(due) == 0 {
		return 0
	}

	var (
		mu      sync.Mutex
		updated = make([]Task, 0, len(due))
	)

	g := new(errgroup.Group)
	g.SetLimit(s.maxConcurrent)
	for _, task := range due {
		task := task
		g.Go(func() error {
			defer concurrency.Recover(func(p interface{}) {
				slog.Error("Scheduled task panicked", "task", task.ID, "panic", p)
			})
			done, ok := s.execute(ctx, task, now)
			if !ok {
				return nil
			}
			mu.Lock()
			updated = append(updated, done)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	if skipped := len(due) - len(updated); skipped > 0 {
		slog.Info("Scheduled tasks interrupted, left due", "count", skipped)
	}
	if len(updated) > 0 {
		if err := s.store.SaveBatch(updated); err != nil {
			slog.Error("Failed to persist task runs", "count", len(updated), "error", err)
		}
	}

	s.mu.Lock()
	s.lastRun = now
	s.mu.Unlock()
	return len(updated)
}

// execute runs one task and returns it advanced past this run. It reports
// false when ctx ended before the run completed.
func (s *Scheduler) execute(ctx context.Context, task Task, firedAt time.Time) (Task, bool) {
	if ctx.Err() != nil {
		return task, false
	}
	log := slog.With("task", task.ID, "label", task.Label, "chat_id", task.ChatID)
	log.Info("Running scheduled task", "kind", task.ScheduleKind)

	started := s.now()
	result, err := s.runner.RunTask(ctx, task.ChatID, task.Prompt, task.Model)
	finished := s.now()
	if err != nil && (ctx.Err() != nil || errors.Is(err, context.Canceled)) {
		log.Info("Scheduled task interrupted", "error", err)
		return task, false
	}

	var summary, message string
	switch {
	case err != nil:
		summary = "error: " + err.Error()
		message = fmt.Sprintf("Scheduled task %q failed: %v", task.Name(), err)
		log.Warn("Scheduled task failed", "error", err, "took", finished.Sub(started))
	case result != nil:
		summary = *result
		message = *result
		log.Info("Scheduled task finished", "took", finished.Sub(started))
	default:
		summary = "(no output)"
		log.Info("Scheduled task finished without output", "took", finished.Sub(started))
	}

	if message != "" && s.notifier != nil && ctx.Err() == nil {
		if err := s.notifier.Send(ctx, task.ChatID, message); err != nil {
			log.Warn("Failed to deliver task result", "error", err)
		}
	}

	task.LastRun = &firedAt
	task.LastResult = truncate(summary, lastResultChars)
	if err := advance(&task, finished, s.store.Location()); err != nil {
		log.Warn("Task schedule no longer valid, clearing next run", "error", err)
	}
	return task, true
}

// LastPass is when the most recent non-empty pass started.
func (s *Scheduler) LastPass() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
