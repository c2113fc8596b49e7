package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	kagoerrors "github.com/harunnryd/kago/internal/errors"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shortLockConfig(timeout time.Duration) *FileLockConfig {
	retry := 10 * time.Millisecond
	maxRetry := int(timeout / retry)
	if maxRetry < 1 {
		maxRetry = 1
	}
	return &FileLockConfig{
		LockTimeout:  timeout,
		LockRetry:    retry,
		LockMaxRetry: maxRetry,
	}
}

func TestNewFileLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "kago.lock")

	lock, err := NewFileLock(lockPath, nil)
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.True(t, lock.IsLocked())

	lock.Unlock()
	assert.False(t, lock.IsLocked())
	assert.Zero(t, lock.HeldDuration())

	// Double unlock is a no-op.
	lock.Unlock()
}

func TestFileLockConcurrentAcquire(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "kago.lock")
	cfg := shortLockConfig(100 * time.Millisecond)

	lock1, err := NewFileLock(lockPath, cfg)
	require.NoError(t, err)
	defer lock1.Unlock()

	start := time.Now()
	_, err = NewFileLock(lockPath, cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, kagoerrors.ErrConflict)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFileLockReacquireAfterUnlock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "kago.lock")
	cfg := shortLockConfig(100 * time.Millisecond)

	lock1, err := NewFileLock(lockPath, cfg)
	require.NoError(t, err)
	lock1.Unlock()

	lock2, err := NewFileLock(lockPath, cfg)
	require.NoError(t, err)
	lock2.Unlock()
}

func TestCleanupStaleLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "kago.lock")
	require.NoError(t, os.WriteFile(lockPath, nil, 0644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	require.NoError(t, CleanupStaleLock(lockPath, time.Minute))
	_, err := os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanupStaleLockKeepsHeldLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "kago.lock")
	holder := flock.New(lockPath)
	locked, err := holder.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer holder.Unlock()

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	require.NoError(t, CleanupStaleLock(lockPath, time.Minute))
	_, err = os.Stat(lockPath)
	assert.NoError(t, err)
}

func TestCleanupStaleLockMissingFile(t *testing.T) {
	assert.NoError(t, CleanupStaleLock(filepath.Join(t.TempDir(), "none.lock"), time.Minute))
}
