package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/harunnryd/kago/internal/concurrency"
	kagoerrors "github.com/harunnryd/kago/internal/errors"
	"github.com/harunnryd/kago/internal/store"
)

// GitSnapshotter versions each chat workspace as a local git repository.
type GitSnapshotter struct {
	paths store.Paths
	git   string
	locks *concurrency.KeyedLocker
}

func NewGitSnapshotter(paths store.Paths) *GitSnapshotter {
	return &GitSnapshotter{paths: paths, git: "git", locks: concurrency.NewKeyedLocker()}
}

// Available reports whether the git binary can be found.
func (g *GitSnapshotter) Available() bool {
	_, err := exec.LookPath(g.git)
	return err == nil
}

// Snapshot commits every change in the workspace. A clean tree is a no-op.
func (g *GitSnapshotter) Snapshot(ctx context.Context, chatID, message string) error {
	g.locks.Lock(chatID)
	defer g.locks.Unlock(chatID)

	dir := g.paths.WorkspaceDir(chatID)
	if err := g.ensureRepo(ctx, dir); err != nil {
		return err
	}
	if _, err := g.run(ctx, dir, "add", "-A"); err != nil {
		return err
	}
	status, err := g.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return err
	}
	if strings.TrimSpace(status) == "" {
		return nil
	}
	if _, err := g.run(ctx, dir, "commit", "-q", "-m", message); err != nil {
		return err
	}
	slog.Debug("Workspace snapshot committed", "chat_id", chatID, "message", message)
	return nil
}

// Compact squashes the workspace history into a single commit of the current
// tree and prunes everything unreachable.
func (g *GitSnapshotter) Compact(ctx context.Context, chatID string) error {
	g.locks.Lock(chatID)
	defer g.locks.Unlock(chatID)

	dir := g.paths.WorkspaceDir(chatID)
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return kagoerrors.NotFound(fmt.Sprintf("no workspace history for %s", chatID))
		}
		return err
	}
	if _, err := g.run(ctx, dir, "rev-parse", "--verify", "-q", "HEAD"); err != nil {
		return kagoerrors.NotFound(fmt.Sprintf("no workspace history for %s", chatID))
	}

	root, err := g.run(ctx, dir, "commit-tree", "HEAD^{tree}", "-m", "compact")
	if err != nil {
		return err
	}
	steps := [][]string{
		{"reset", "-q", "--soft", strings.TrimSpace(root)},
		{"reflog", "expire", "--expire=now", "--all"},
		{"gc", "-q", "--prune=now"},
	}
	for _, args := range steps {
		if _, err := g.run(ctx, dir, args...); err != nil {
			return err
		}
	}
	slog.Info("Workspace history compacted", "chat_id", chatID)
	return nil
}

func (g *GitSnapshotter) ensureRepo(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		return nil
	}
	_, err := g.run(ctx, dir, "init", "-q")
	return err
}

func (g *GitSnapshotter) run(ctx context.Context, dir string, args ...string) (string, error) {
	full := append([]string{"-c", "user.name=kago", "-c", "user.email=kago@localhost", "-c", "commit.gpgsign=false"}, args...)
	cmd := exec.CommandContext(ctx, g.git, full...)
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("git %s failed: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", err
	}
	return string(output), nil
}
