package components

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/harunnryd/kago/internal/config"
	"github.com/harunnryd/kago/internal/daemon"
	"github.com/harunnryd/kago/internal/scheduler"
)

type SchedulerComponent struct {
	sched        *scheduler.Scheduler
	cfg          config.SchedulerConfig
	storeComp    *StoreWorkerComponent
	sessionsComp *SessionsComponent
	adaptersComp *AdaptersComponent
}

func NewSchedulerComponent(cfg config.SchedulerConfig, storeComp *StoreWorkerComponent, sessionsComp *SessionsComponent, adaptersComp *AdaptersComponent) *SchedulerComponent {
	return &SchedulerComponent{
		cfg:          cfg,
		storeComp:    storeComp,
		sessionsComp: sessionsComp,
		adaptersComp: adaptersComp,
	}
}

func (s *SchedulerComponent) Name() string {
	return "Scheduler"
}

func (s *SchedulerComponent) Dependencies() []string {
	return []string{"StoreWorker", "Sessions", "Adapters"}
}

func (s *SchedulerComponent) Init(ctx context.Context) error {
	if s.storeComp == nil || s.storeComp.Tasks() == nil {
		return fmt.Errorf("task store not initialized")
	}
	if s.sessionsComp == nil || s.sessionsComp.Registry() == nil {
		return fmt.Errorf("session registry not initialized")
	}
	if s.adaptersComp == nil || s.adaptersComp.Manager() == nil {
		return fmt.Errorf("adapters not initialized")
	}

	sched, err := scheduler.NewScheduler(s.storeComp.Tasks(), s.sessionsComp.Registry(), s.adaptersComp.Manager(), s.cfg)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	s.sched = sched

	if err := s.sched.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	slog.Info("Scheduler initialized", "component", s.Name())
	return nil
}

func (s *SchedulerComponent) Start(ctx context.Context) error {
	if s.sched == nil {
		return fmt.Errorf("scheduler not initialized")
	}

	if err := s.sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	slog.Info("Scheduler started", "component", s.Name())
	return nil
}

func (s *SchedulerComponent) Stop(ctx context.Context) error {
	if s.sched == nil {
		slog.Info("Scheduler not initialized, skipping stop", "component", s.Name())
		return nil
	}

	if err := s.sched.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}

	slog.Info("Scheduler stopped", "component", s.Name())
	return nil
}

func (s *SchedulerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	if s.sched == nil {
		return &daemon.ComponentHealth{Name: s.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}

	if err := s.sched.Health(ctx); err != nil {
		return &daemon.ComponentHealth{Name: s.Name(), Healthy: false, Error: err}, nil
	}

	return &daemon.ComponentHealth{Name: s.Name(), Healthy: true}, nil
}

func (s *SchedulerComponent) GetScheduler() *scheduler.Scheduler {
	return s.sched
}
