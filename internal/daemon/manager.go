package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/harunnryd/kago/internal/config"
	"github.com/harunnryd/kago/internal/store"
)

// Daemon runs the registered components in dependency order and tears them
// down in reverse.
type Daemon struct {
	cfg      *config.Config
	dataPath string
	timeouts timeouts

	mu           sync.RWMutex
	components   []Component
	order        []Component
	health       HealthStatus
	forceCleanup bool

	startedAt   time.Time
	monitorDone chan struct{}
}

type timeouts struct {
	shutdown        time.Duration
	startupShutdown time.Duration
	preflight       time.Duration
	healthInterval  time.Duration
}

func NewDaemon(cfg *config.Config) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	return &Daemon{
		cfg:         cfg,
		health:      StatusStarting,
		startedAt:   time.Now(),
		monitorDone: make(chan struct{}),
	}, nil
}

func (d *Daemon) AddComponent(comp Component) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.components = append(d.components, comp)
	slog.Debug("Component registered", "component", comp.Name(), "total_components", len(d.components))
}

// SetForceCleanup removes the data lock file before init regardless of age.
func (d *Daemon) SetForceCleanup(force bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forceCleanup = force
}

// Start blocks until ctx is cancelled or SIGINT/SIGTERM arrives, then shuts
// every component down. It returns the context error on a normal stop.
func (d *Daemon) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.validateConfig(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	slog.Info("Kago Daemon starting...", "data_path", d.dataPath, "components", len(d.components))

	d.mu.RLock()
	force := d.forceCleanup
	d.mu.RUnlock()
	if err := d.preInitChecks(ctx, force); err != nil {
		return fmt.Errorf("pre-init checks failed: %w", err)
	}

	if err := d.initializeComponents(ctx); err != nil {
		d.rollback(context.Background())
		return fmt.Errorf("component initialization failed: %w", err)
	}

	if err := d.startComponents(ctx); err != nil {
		_ = d.gracefulShutdown(context.Background(), d.timeouts.startupShutdown)
		return fmt.Errorf("component startup failed: %w", err)
	}

	d.setHealth(StatusRunning)
	slog.Info("Kago Daemon is running", "port", d.cfg.Server.Port)
	go d.monitorHealth(ctx)

	<-ctx.Done()
	slog.Info("Shutdown requested", "reason", ctx.Err())
	d.setHealth(StatusStopping)
	close(d.monitorDone)

	if err := d.gracefulShutdown(context.Background(), d.timeouts.shutdown); err != nil {
		return err
	}
	return ctx.Err()
}

// Uptime is the time since the daemon was created.
func (d *Daemon) Uptime() time.Duration {
	return time.Since(d.startedAt)
}

func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.health
}

func (d *Daemon) setHealth(status HealthStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.health = status
}

// ComponentHealth polls every component. A Health error marks the component
// unhealthy.
func (d *Daemon) ComponentHealth() map[string]*ComponentHealth {
	d.mu.RLock()
	components := append([]Component(nil), d.components...)
	d.mu.RUnlock()

	result := make(map[string]*ComponentHealth, len(components))
	for _, comp := range components {
		health, err := comp.Health(context.Background())
		if health == nil {
			health = &ComponentHealth{Name: comp.Name()}
		}
		if err != nil {
			health.Healthy = false
			health.Error = err
		}
		result[comp.Name()] = health
	}
	return result
}

func (d *Daemon) Component(name string) Component {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.getComponentByName(name)
}

func (d *Daemon) getComponentByName(name string) Component {
	for _, comp := range d.components {
		if comp.Name() == name {
			return comp
		}
	}
	return nil
}

func (d *Daemon) validateConfig() error {
	if port := d.cfg.Server.Port; port < 1 || port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", port)
	}
	if strings.TrimSpace(d.cfg.Container.Runtime) == "" {
		return fmt.Errorf("container.runtime cannot be empty")
	}
	if d.cfg.Scheduler.MaxConcurrent < 0 {
		return fmt.Errorf("invalid scheduler.max_concurrent: %d", d.cfg.Scheduler.MaxConcurrent)
	}

	var err error
	dc := d.cfg.Daemon
	for _, p := range []struct {
		dst      *time.Duration
		key, val string
		fallback string
	}{
		{&d.timeouts.shutdown, "daemon.shutdown_timeout", dc.ShutdownTimeout, config.DefaultDaemonShutdownTimeout},
		{&d.timeouts.startupShutdown, "daemon.startup_shutdown_timeout", dc.StartupShutdownTimeout, config.DefaultDaemonStartupShutdownTimeout},
		{&d.timeouts.preflight, "daemon.preflight_timeout", dc.PreflightTimeout, config.DefaultDaemonPreflightTimeout},
		{&d.timeouts.healthInterval, "daemon.health_check_interval", dc.HealthCheckInterval, config.DefaultDaemonHealthCheckInterval},
	} {
		if *p.dst, err = config.DurationOrDefault(p.val, p.fallback); err != nil {
			return fmt.Errorf("parse %s: %w", p.key, err)
		}
	}

	dataPath, err := store.ResolveDataPath(dc.DataPath)
	if err != nil {
		return fmt.Errorf("resolve data path: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	d.dataPath = dataPath
	return nil
}

// preInitChecks clears a data lock left behind by a crashed instance. A lock
// held by a live instance is never removed; the store worker reports that.
func (d *Daemon) preInitChecks(ctx context.Context, forceCleanup bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ttl, err := config.DurationOrDefault(d.cfg.Daemon.StaleLockTTL, config.DefaultDaemonStaleLockTTL)
	if err != nil {
		return fmt.Errorf("parse daemon.stale_lock_ttl: %w", err)
	}
	if forceCleanup {
		ttl = 0
	}

	lockPath := store.NewPaths(d.dataPath).LockFile()
	if err := store.CleanupStaleLock(lockPath, ttl); err != nil {
		slog.Warn("Failed to cleanup stale lock", "path", lockPath, "error", err)
	}
	return nil
}

func (d *Daemon) initializeComponents(ctx context.Context) error {
	d.mu.RLock()
	registered := append([]Component(nil), d.components...)
	d.mu.RUnlock()

	order, err := resolveOrder(registered)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.order = order
	d.mu.Unlock()
	slog.Info("Initializing components", "order", componentNames(order))

	for _, comp := range order {
		if err := comp.Init(ctx); err != nil {
			slog.Error("Component initialization failed", "component", comp.Name(), "error", err)
			return fmt.Errorf("component %s init failed: %w", comp.Name(), err)
		}
		slog.Debug("Component initialized", "component", comp.Name())
	}
	return nil
}

func (d *Daemon) startComponents(ctx context.Context) error {
	for _, comp := range d.ordered() {
		if err := comp.Start(ctx); err != nil {
			slog.Error("Component startup failed", "component", comp.Name(), "error", err)
			return fmt.Errorf("component %s startup failed: %w", comp.Name(), err)
		}
		slog.Info("Component started", "component", comp.Name())
	}
	return nil
}

// gracefulShutdown stops components within timeout. Components still
// stopping when it expires are abandoned.
func (d *Daemon) gracefulShutdown(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = math.MaxInt64
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.shutdownComponents(shutdownCtx) }()

	select {
	case err := <-done:
		if err != nil {
			slog.Warn("Shutdown completed with errors", "error", err)
		} else {
			slog.Info("Graceful shutdown completed")
		}
		return err
	case <-shutdownCtx.Done():
		if ctx.Err() != nil {
			return fmt.Errorf("shutdown cancelled: %w", ctx.Err())
		}
		slog.Error("Shutdown timeout exceeded", "timeout", timeout)
		return fmt.Errorf("shutdown timeout after %v", timeout)
	}
}

// shutdownComponents stops everything in reverse init order, continuing past
// failures.
func (d *Daemon) shutdownComponents(ctx context.Context) error {
	err := d.stopReverse(ctx, "Component stop failed")
	d.setHealth(StatusStopped)
	return err
}

func (d *Daemon) rollback(ctx context.Context) {
	slog.Warn("Rolling back initialized components")
	_ = d.stopReverse(ctx, "Rollback failed")
	d.setHealth(StatusStopped)
}

func (d *Daemon) stopReverse(ctx context.Context, failMsg string) error {
	ordered := d.ordered()
	var errs []error
	for i := len(ordered) - 1; i >= 0; i-- {
		comp := ordered[i]
		if err := comp.Stop(ctx); err != nil {
			slog.Error(failMsg, "component", comp.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", comp.Name(), err))
			continue
		}
		slog.Debug("Component stopped", "component", comp.Name())
	}
	return errors.Join(errs...)
}

// ordered returns components in resolved init order, or registration order
// before resolution.
func (d *Daemon) ordered() []Component {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.order) == 0 {
		return append([]Component(nil), d.components...)
	}
	return append([]Component(nil), d.order...)
}

func (d *Daemon) monitorHealth(ctx context.Context) {
	interval := d.timeouts.healthInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.monitorDone:
			return
		case <-ticker.C:
			unhealthy := 0
			healths := d.ComponentHealth()
			for name, h := range healths {
				if !h.Healthy {
					unhealthy++
					slog.Warn("Component unhealthy", "component", name, "error", h.Error)
				}
			}
			if unhealthy > 0 {
				slog.Warn("Daemon has unhealthy components", "count", unhealthy, "total", len(healths))
			}
		}
	}
}
