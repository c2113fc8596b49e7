package session

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	kagoerrors "github.com/harunnryd/kago/internal/errors"
	"github.com/harunnryd/kago/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commitCount(t *testing.T, dir string) int {
	t.Helper()
	out, err := exec.Command("git", "-C", dir, "rev-list", "--count", "HEAD").Output()
	require.NoError(t, err)
	n := 0
	for _, c := range strings.TrimSpace(string(out)) {
		n = n*10 + int(c-'0')
	}
	return n
}

func TestGitSnapshotterCommitsAndCompacts(t *testing.T) {
	paths := store.NewPaths(t.TempDir())
	g := NewGitSnapshotter(paths)
	if !g.Available() {
		t.Skip("git not installed")
	}
	ctx := context.Background()
	dir := paths.WorkspaceDir("tg:1")

	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.md"), []byte("one"), 0644))
	require.NoError(t, g.Snapshot(ctx, "tg:1", "first"))
	assert.Equal(t, 1, commitCount(t, dir))

	// Clean tree: nothing to commit.
	require.NoError(t, g.Snapshot(ctx, "tg:1", "noop"))
	assert.Equal(t, 1, commitCount(t, dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.md"), []byte("two"), 0644))
	require.NoError(t, g.Snapshot(ctx, "tg:1", "second"))
	assert.Equal(t, 2, commitCount(t, dir))

	require.NoError(t, g.Compact(ctx, "tg:1"))
	assert.Equal(t, 1, commitCount(t, dir))
	data, err := os.ReadFile(filepath.Join(dir, "notes.md"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestGitSnapshotterCompactWithoutHistory(t *testing.T) {
	g := NewGitSnapshotter(store.NewPaths(t.TempDir()))
	if !g.Available() {
		t.Skip("git not installed")
	}
	err := g.Compact(context.Background(), "tg:404")
	assert.ErrorIs(t, err, kagoerrors.ErrNotFound)
}
