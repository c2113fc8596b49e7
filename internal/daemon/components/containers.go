package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/kago/internal/config"
	"github.com/harunnryd/kago/internal/container"
	"github.com/harunnryd/kago/internal/daemon"
)

// ContainersComponent owns the container manager. Init fails when the
// runtime is unreachable; Start removes containers left by a previous run.
type ContainersComponent struct {
	cfg       *config.Config
	storeComp *StoreWorkerComponent

	mu          sync.RWMutex
	manager     *container.Manager
	initialized bool
	started     bool
}

func NewContainersComponent(cfg *config.Config, storeComp *StoreWorkerComponent) *ContainersComponent {
	return &ContainersComponent{cfg: cfg, storeComp: storeComp}
}

func (c *ContainersComponent) Name() string {
	return "Containers"
}

func (c *ContainersComponent) Dependencies() []string {
	return []string{"StoreWorker"}
}

func (c *ContainersComponent) Init(ctx context.Context) error {
	if c.storeComp == nil || c.storeComp.GetWorker() == nil {
		return fmt.Errorf("store worker not initialized")
	}
	worker := c.storeComp.GetWorker()

	mcfg, err := container.ConfigFrom(c.cfg.Container)
	if err != nil {
		return err
	}
	rt := container.NewCLIRuntime(c.cfg.Container.Runtime)
	manager := container.NewManager(mcfg, rt, worker.Paths(), worker)

	preflightTimeout, err := config.DurationOrDefault(c.cfg.Daemon.PreflightTimeout, config.DefaultDaemonPreflightTimeout)
	if err != nil {
		return fmt.Errorf("parse daemon preflight timeout: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, preflightTimeout)
	defer cancel()
	if err := manager.Ping(pingCtx); err != nil {
		return fmt.Errorf("container runtime %q unavailable: %w", c.cfg.Container.Runtime, err)
	}

	c.mu.Lock()
	c.manager = manager
	c.initialized = true
	c.mu.Unlock()
	slog.Info("Containers initialized", "component", c.Name(), "runtime", c.cfg.Container.Runtime, "image", mcfg.BaseImage)
	return nil
}

func (c *ContainersComponent) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return fmt.Errorf("containers component not initialized")
	}

	removed, err := c.manager.ReclaimOrphans(ctx)
	if err != nil {
		slog.Warn("Orphan cleanup failed", "component", c.Name(), "error", err)
	} else if removed > 0 {
		slog.Info("Removed orphaned containers", "component", c.Name(), "count", removed)
	}

	c.started = true
	slog.Info("Containers started", "component", c.Name())
	return nil
}

func (c *ContainersComponent) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}
	c.started = false
	if err := c.manager.Shutdown(ctx); err != nil {
		return fmt.Errorf("container shutdown: %w", err)
	}
	slog.Info("Containers stopped", "component", c.Name())
	return nil
}

func (c *ContainersComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	c.mu.RLock()
	initialized, started, manager := c.initialized, c.started, c.manager
	c.mu.RUnlock()

	if !initialized {
		return &daemon.ComponentHealth{Name: c.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}
	if !started {
		return &daemon.ComponentHealth{Name: c.Name(), Healthy: false, Error: fmt.Errorf("not started")}, nil
	}
	if err := manager.Ping(ctx); err != nil {
		return &daemon.ComponentHealth{Name: c.Name(), Healthy: false, Error: err}, nil
	}
	return &daemon.ComponentHealth{Name: c.Name(), Healthy: true}, nil
}

func (c *ContainersComponent) Manager() *container.Manager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.manager
}
