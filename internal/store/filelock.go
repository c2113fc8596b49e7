package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/harunnryd/kago/internal/config"
	kagoerrors "github.com/harunnryd/kago/internal/errors"

	"github.com/gofrs/flock"
)

// FileLock guards the data root so only one daemon writes the stores.
type FileLock struct {
	fileLock   *flock.Flock
	lockPath   string
	acquiredAt time.Time
	mu         sync.RWMutex
}

type FileLockConfig struct {
	LockTimeout  time.Duration
	LockRetry    time.Duration
	LockMaxRetry int
}

func DefaultFileLockConfig() *FileLockConfig {
	lockTimeout, _ := config.DurationOrDefault("", config.DefaultStoreLockTimeout)
	lockRetry, _ := config.DurationOrDefault("", config.DefaultStoreLockRetry)

	return &FileLockConfig{
		LockTimeout:  lockTimeout,
		LockRetry:    lockRetry,
		LockMaxRetry: config.DefaultStoreLockMaxRetry,
	}
}

// NewFileLock acquires lockPath, retrying until the configured budget runs out.
func NewFileLock(lockPath string, cfg *FileLockConfig) (*FileLock, error) {
	if cfg == nil {
		cfg = DefaultFileLockConfig()
	}

	fl := &FileLock{
		fileLock: flock.New(lockPath),
		lockPath: lockPath,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.LockTimeout)
	defer cancel()

	if err := fl.acquireWithRetry(ctx, cfg); err != nil {
		return nil, err
	}

	fl.acquiredAt = time.Now()
	slog.Info("Data lock acquired", "path", lockPath, "pid", os.Getpid())

	return fl, nil
}

func (fl *FileLock) acquireWithRetry(ctx context.Context, cfg *FileLockConfig) error {
	attempts := cfg.LockMaxRetry
	if attempts < 1 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		locked, err := fl.fileLock.TryLock()
		if err != nil {
			return fmt.Errorf("failed to attempt lock: %w", err)
		}
		if locked {
			return nil
		}
		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("data dir %s is locked by another instance: %w: %w", fl.lockPath, kagoerrors.ErrConflict, ctx.Err())
		case <-time.After(cfg.LockRetry):
		}
	}

	return fmt.Errorf("data dir %s is locked by another instance (gave up after %v): %w",
		fl.lockPath, cfg.LockTimeout, kagoerrors.ErrConflict)
}

func (fl *FileLock) Unlock() {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.fileLock == nil {
		return
	}

	if err := fl.fileLock.Unlock(); err != nil {
		slog.Error("Failed to release data lock", "path", fl.lockPath, "error", err)
	} else {
		slog.Info("Data lock released", "path", fl.lockPath, "held", time.Since(fl.acquiredAt).Round(time.Millisecond))
	}

	fl.fileLock = nil
}

func (fl *FileLock) IsLocked() bool {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	return fl.fileLock != nil
}

func (fl *FileLock) HeldDuration() time.Duration {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	if fl.fileLock == nil || fl.acquiredAt.IsZero() {
		return 0
	}
	return time.Since(fl.acquiredAt)
}

// CleanupStaleLock removes a lock file older than maxAge that nobody holds.
// A lock still held by a live process is left in place.
func CleanupStaleLock(lockPath string, maxAge time.Duration) error {
	info, err := os.Stat(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	age := time.Since(info.ModTime())
	if age <= maxAge {
		return nil
	}

	probe := flock.New(lockPath)
	locked, err := probe.TryLock()
	if err != nil {
		return fmt.Errorf("probe stale lock: %w", err)
	}
	if !locked {
		slog.Warn("Old lock file is still held, leaving it", "path", lockPath, "age", age)
		return nil
	}
	defer probe.Unlock()

	if err := os.Remove(lockPath); err != nil {
		return fmt.Errorf("remove stale lock: %w", err)
	}
	slog.Info("Stale lock file removed", "path", lockPath, "age", age)
	return nil
}
