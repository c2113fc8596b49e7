package components

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/kago/internal/config"
	"github.com/harunnryd/kago/internal/daemon"
	"github.com/harunnryd/kago/internal/scheduler"
	"github.com/harunnryd/kago/internal/store"
)

// StoreWorkerComponent owns the single-writer store worker and the task file.
type StoreWorkerComponent struct {
	dataPath    string
	storeCfg    *config.StoreConfig
	timezone    string
	worker      *store.Worker
	tasks       *scheduler.Store
	dedupeTTL   time.Duration
	initialized bool
	started     bool
	mu          sync.RWMutex
	startTime   time.Time
}

func NewStoreWorkerComponent(dataPath string, storeCfg *config.StoreConfig, timezone string) *StoreWorkerComponent {
	return &StoreWorkerComponent{
		dataPath: dataPath,
		storeCfg: storeCfg,
		timezone: timezone,
	}
}

func (s *StoreWorkerComponent) Name() string {
	return "StoreWorker"
}

func (s *StoreWorkerComponent) Dependencies() []string {
	return []string{}
}

func (s *StoreWorkerComponent) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-ctx.Done():
		return fmt.Errorf("StoreWorker init cancelled: %w", ctx.Err())
	default:
	}

	var storeCfg config.StoreConfig
	if s.storeCfg != nil {
		storeCfg = *s.storeCfg
	}

	lockTimeout, err := config.DurationOrDefault(storeCfg.LockTimeout, config.DefaultStoreLockTimeout)
	if err != nil {
		return fmt.Errorf("parse store lock timeout: %w", err)
	}
	lockRetry, err := config.DurationOrDefault(storeCfg.LockRetry, config.DefaultStoreLockRetry)
	if err != nil {
		return fmt.Errorf("parse store lock retry: %w", err)
	}
	dedupeTTL, err := config.DurationOrDefault(storeCfg.DedupeTTL, config.DefaultStoreDedupeTTL)
	if err != nil {
		return fmt.Errorf("parse store dedupe ttl: %w", err)
	}
	lockMaxRetry := storeCfg.LockMaxRetry
	if lockMaxRetry <= 0 {
		lockMaxRetry = config.DefaultStoreLockMaxRetry
	}

	loc, err := scheduler.LoadLocation(s.timezone)
	if err != nil {
		return err
	}

	worker, err := store.NewWorker(s.dataPath, store.RuntimeConfig{
		LockTimeout:  lockTimeout,
		LockRetry:    lockRetry,
		LockMaxRetry: lockMaxRetry,
	})
	if err != nil {
		if strings.Contains(err.Error(), "is locked by another instance") {
			return fmt.Errorf("data directory %s is locked by another instance: %w", s.dataPath, err)
		}
		return fmt.Errorf("failed to init store worker: %w", err)
	}

	tasks, err := scheduler.NewStore(worker.Paths().TasksFile(), loc)
	if err != nil {
		worker.Stop()
		return fmt.Errorf("failed to open task store: %w", err)
	}

	s.worker = worker
	s.tasks = tasks
	s.dedupeTTL = dedupeTTL
	s.initialized = true
	slog.Info("StoreWorker initialized", "component", s.Name(), "root", worker.Paths().Root, "timezone", loc.String())
	return nil
}

func (s *StoreWorkerComponent) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return fmt.Errorf("StoreWorker not initialized")
	}

	s.worker.Start()
	s.started = true
	s.startTime = time.Now()
	slog.Info("StoreWorker started", "component", s.Name())
	return nil
}

func (s *StoreWorkerComponent) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		slog.Info("StoreWorker not initialized, skipping stop", "component", s.Name())
		return nil
	}

	// Stop also releases the lock taken in Init, so it runs even when Start
	// never did.
	slog.Info("Stopping StoreWorker...", "component", s.Name())
	s.worker.Stop()
	s.started = false
	s.initialized = false
	slog.Info("StoreWorker stopped", "component", s.Name())
	return nil
}

func (s *StoreWorkerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return &daemon.ComponentHealth{Name: s.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}
	if !s.started {
		return &daemon.ComponentHealth{Name: s.Name(), Healthy: false, Error: fmt.Errorf("not started")}, nil
	}
	if !s.worker.IsLockHeld() {
		return &daemon.ComponentHealth{Name: s.Name(), Healthy: false, Error: fmt.Errorf("lock not held")}, nil
	}
	if !s.worker.IsRunning() {
		return &daemon.ComponentHealth{Name: s.Name(), Healthy: false, Error: fmt.Errorf("loop not running")}, nil
	}

	return &daemon.ComponentHealth{Name: s.Name(), Healthy: true}, nil
}

func (s *StoreWorkerComponent) GetWorker() *store.Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.worker
}

func (s *StoreWorkerComponent) Tasks() *scheduler.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasks
}

func (s *StoreWorkerComponent) DedupeTTL() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dedupeTTL
}
