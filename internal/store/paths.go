package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/kago/internal/pathutil"
)

const (
	sessionsFile         = "sessions.json"
	tasksFile            = "tasks.json"
	imageHashesFile      = "image_hashes.json"
	processedUpdatesFile = "processed_updates.json"
	prayersFile          = "prayers.jsonl"
	lockFile             = "kago.lock"

	// CloseSentinel is the zero-byte file a worker watches for in its input mailbox.
	CloseSentinel = "_close"
	// SnapshotFile is the per-chat task listing rewritten into the mailbox.
	SnapshotFile = "current_tasks.yaml"
)

// ResolveDataPath resolves the configured data root.
// If empty, it falls back to ~/.kago/data.
func ResolveDataPath(dataPath string) (string, error) {
	if trimmed := strings.TrimSpace(dataPath); trimmed != "" {
		return pathutil.Expand(trimmed)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".kago", "data"), nil
}

// Paths lays out the data root:
//
//	<root>/sessions.json, tasks.json, image_hashes.json, processed_updates.json, prayers.jsonl
//	<root>/groups/<chat>/   workspace mounted read-write
//	<root>/state/<chat>/    agent session state, wiped on reset
//	<root>/ipc/<chat>/      messages/ prayers/ tasks/ input/ current_tasks.yaml
//	<root>/logs/<chat>/     per-launch container logs
type Paths struct {
	Root string
}

func NewPaths(root string) Paths {
	return Paths{Root: filepath.Clean(root)}
}

func (p Paths) SessionsFile() string         { return filepath.Join(p.Root, sessionsFile) }
func (p Paths) TasksFile() string            { return filepath.Join(p.Root, tasksFile) }
func (p Paths) ImageHashesFile() string      { return filepath.Join(p.Root, imageHashesFile) }
func (p Paths) ProcessedUpdatesFile() string { return filepath.Join(p.Root, processedUpdatesFile) }
func (p Paths) PrayersFile() string          { return filepath.Join(p.Root, prayersFile) }
func (p Paths) LockFile() string             { return filepath.Join(p.Root, lockFile) }

func (p Paths) WorkspaceDir(chatID string) string {
	return filepath.Join(p.Root, "groups", pathutil.SafeName(chatID))
}

func (p Paths) StateDir(chatID string) string {
	return filepath.Join(p.Root, "state", pathutil.SafeName(chatID))
}

func (p Paths) IPCDir(chatID string) string {
	return filepath.Join(p.Root, "ipc", pathutil.SafeName(chatID))
}

func (p Paths) LogsDir(chatID string) string {
	return filepath.Join(p.Root, "logs", pathutil.SafeName(chatID))
}

func (p Paths) MessagesDir(chatID string) string { return filepath.Join(p.IPCDir(chatID), "messages") }
func (p Paths) PrayersDir(chatID string) string  { return filepath.Join(p.IPCDir(chatID), "prayers") }
func (p Paths) TasksDir(chatID string) string    { return filepath.Join(p.IPCDir(chatID), "tasks") }
func (p Paths) InputDir(chatID string) string    { return filepath.Join(p.IPCDir(chatID), "input") }

func (p Paths) CloseSentinelPath(chatID string) string {
	return filepath.Join(p.InputDir(chatID), CloseSentinel)
}

func (p Paths) SnapshotPath(chatID string) string {
	return filepath.Join(p.IPCDir(chatID), SnapshotFile)
}

// EnsureChat creates every per-chat directory. Existing content is left alone.
func (p Paths) EnsureChat(chatID string) error {
	dirs := []string{
		p.WorkspaceDir(chatID),
		p.StateDir(chatID),
		p.LogsDir(chatID),
		p.MessagesDir(chatID),
		p.PrayersDir(chatID),
		p.TasksDir(chatID),
		p.InputDir(chatID),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("failed to create dir %s: %w", d, err)
		}
	}
	return nil
}

// WipeState removes the chat's agent session state and recreates it empty.
func (p Paths) WipeState(chatID string) error {
	dir := p.StateDir(chatID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("wipe session state %s: %w", dir, err)
	}
	return os.MkdirAll(dir, 0755)
}
