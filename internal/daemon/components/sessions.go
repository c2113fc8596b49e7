package components

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/harunnryd/kago/internal/adapter"
	"github.com/harunnryd/kago/internal/config"
	"github.com/harunnryd/kago/internal/container"
	"github.com/harunnryd/kago/internal/daemon"
	"github.com/harunnryd/kago/internal/session"
)

// SessionsComponent owns the chat registry and routes transport events into it.
type SessionsComponent struct {
	cfg            config.SessionConfig
	storeComp      *StoreWorkerComponent
	adaptersComp   *AdaptersComponent
	containersComp *ContainersComponent
	ipcComp        *IPCComponent
	registry       *session.Registry
}

func NewSessionsComponent(cfg config.SessionConfig, storeComp *StoreWorkerComponent, adaptersComp *AdaptersComponent, containersComp *ContainersComponent, ipcComp *IPCComponent) *SessionsComponent {
	return &SessionsComponent{
		cfg:            cfg,
		storeComp:      storeComp,
		adaptersComp:   adaptersComp,
		containersComp: containersComp,
		ipcComp:        ipcComp,
	}
}

func (s *SessionsComponent) Name() string {
	return "Sessions"
}

func (s *SessionsComponent) Dependencies() []string {
	return []string{"StoreWorker", "Adapters", "Containers", "IPC"}
}

func (s *SessionsComponent) Init(ctx context.Context) error {
	if s.storeComp == nil || s.storeComp.GetWorker() == nil {
		return fmt.Errorf("store worker not initialized")
	}
	if s.adaptersComp == nil || s.adaptersComp.Manager() == nil {
		return fmt.Errorf("adapters not initialized")
	}
	if s.containersComp == nil || s.containersComp.Manager() == nil {
		return fmt.Errorf("containers not initialized")
	}
	worker := s.storeComp.GetWorker()

	deps := session.Deps{
		Spawner:   session.ManagerSpawner{Manager: s.containersComp.Manager()},
		Store:     worker,
		Transport: s.adaptersComp.Manager(),
		Tasks:     s.storeComp.Tasks(),
	}
	if s.ipcComp != nil && s.ipcComp.Broker() != nil {
		deps.OnSpawn = s.ipcComp.Broker().Register
	}
	if snap := session.NewGitSnapshotter(worker.Paths()); snap.Available() {
		deps.Snapshots = snap
	} else {
		slog.Warn("git not found, workspace snapshots disabled", "component", s.Name())
	}

	registry, err := session.NewRegistry(s.cfg, deps)
	if err != nil {
		return fmt.Errorf("failed to create session registry: %w", err)
	}
	if err := registry.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize session registry: %w", err)
	}
	s.registry = registry
	s.adaptersComp.Route(s.handleEvent)

	slog.Info("Sessions initialized", "component", s.Name())
	return nil
}

func (s *SessionsComponent) handleEvent(ctx context.Context, ev adapter.Event) error {
	return s.registry.Handle(ctx, session.Message{
		ChatID: ev.ChatID,
		Text:   ev.Text,
		Sender: &container.Sender{Name: ev.SenderName, Source: ev.Source},
	})
}

func (s *SessionsComponent) Start(ctx context.Context) error {
	if s.registry == nil {
		return fmt.Errorf("session registry not initialized")
	}
	if err := s.registry.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session registry: %w", err)
	}
	slog.Info("Sessions started", "component", s.Name())
	return nil
}

func (s *SessionsComponent) Stop(ctx context.Context) error {
	if s.registry == nil {
		return nil
	}
	if s.adaptersComp != nil {
		s.adaptersComp.Route(nil)
	}
	if err := s.registry.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop session registry: %w", err)
	}
	slog.Info("Sessions stopped", "component", s.Name())
	return nil
}

func (s *SessionsComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	if s.registry == nil {
		return &daemon.ComponentHealth{Name: s.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}
	if err := s.registry.Health(ctx); err != nil {
		return &daemon.ComponentHealth{Name: s.Name(), Healthy: false, Error: err}, nil
	}
	return &daemon.ComponentHealth{Name: s.Name(), Healthy: true}, nil
}

func (s *SessionsComponent) Registry() *session.Registry {
	return s.registry
}
