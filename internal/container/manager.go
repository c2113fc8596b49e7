package container

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/kago/internal/concurrency"
	kagoerrors "github.com/harunnryd/kago/internal/errors"
	"github.com/harunnryd/kago/internal/pathutil"
	"github.com/harunnryd/kago/internal/store"

	"golang.org/x/sync/errgroup"
)

// Paths inside the worker container.
const (
	MountWorkspace = "/workspace/group"
	MountState     = "/workspace/state"
	MountIPC       = "/workspace/ipc"
	MountLogs      = "/workspace/logs"
	MountSource    = "/app/src"
)

// Config holds the resolved container settings.
type Config struct {
	BaseImage      string
	NamePrefix     string
	Timeout        time.Duration
	IdleTimeout    time.Duration
	TimeoutMargin  time.Duration
	StopGrace      time.Duration
	SourceDir      string
	SecretKeys     []string
	MaxOutputBytes int
	ExtensionFile  string
}

// Budget is the watchdog duration: max(hard timeout, idle timeout + margin).
func (c Config) Budget() time.Duration {
	budget := c.Timeout
	if idle := c.IdleTimeout + c.TimeoutMargin; idle > budget {
		budget = idle
	}
	return budget
}

// ImageCache remembers which extension descriptor was last built per chat.
type ImageCache interface {
	ImageHash(chatID string) (string, error)
	SetImageHash(chatID, hash string) error
}

// Sender identifies who wrote a message.
type Sender struct {
	Name   string `json:"name,omitempty"`
	Source string `json:"source,omitempty"`
}

// Input is written once to the worker's stdin.
type Input struct {
	Prompt          string            `json:"prompt"`
	SessionID       string            `json:"sessionId,omitempty"`
	ChatID          string            `json:"chatId"`
	IsScheduledTask bool              `json:"isScheduledTask,omitempty"`
	Caller          *Sender           `json:"caller,omitempty"`
	Secrets         map[string]string `json:"secrets,omitempty"`
	Model           string            `json:"model,omitempty"`
}

type SpawnRequest struct {
	ChatID        string
	Prompt        string
	SessionID     string
	Model         string
	ScheduledTask bool
	Caller        *Sender
	// Stream means the caller consumes frames live; the final Result then
	// carries no text of its own.
	Stream bool
	// Ephemeral workers are asked to close after their first final frame.
	Ephemeral bool
	// Timeout overrides Config.Budget when positive.
	Timeout time.Duration
}

// Manager launches and supervises worker containers.
type Manager struct {
	cfg     Config
	runtime Runtime
	paths   store.Paths
	images  ImageCache
	builds  *concurrency.KeyedLocker
	getenv  func(string) string
	now     func() time.Time

	// killSlack is how long past the stop grace we wait before killing.
	killSlack time.Duration

	mu   sync.Mutex
	live map[string]*Handle
}

func NewManager(cfg Config, rt Runtime, paths store.Paths, images ImageCache) *Manager {
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = "kago"
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	return &Manager{
		cfg:       cfg,
		runtime:   rt,
		paths:     paths,
		images:    images,
		builds:    concurrency.NewKeyedLocker(),
		getenv:    os.Getenv,
		now:       time.Now,
		killSlack: 5 * time.Second,
		live:      make(map[string]*Handle),
	}
}

// ContainerName derives a unique launch name: <prefix>-<safe chat id>-<unix millis>.
func (m *Manager) ContainerName(chatID string, at time.Time) string {
	return fmt.Sprintf("%s-%s-%d", m.cfg.NamePrefix, pathutil.SafeName(chatID), at.UnixMilli())
}

// Spawn resolves the image, launches the worker and starts supervising it.
// The returned handle's Frames channel must be drained by exactly one consumer.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*Handle, error) {
	if strings.TrimSpace(req.ChatID) == "" {
		return nil, kagoerrors.InvalidInput("spawn without chat id")
	}
	if err := m.paths.EnsureChat(req.ChatID); err != nil {
		return nil, kagoerrors.WrapWithCategory(err, "prepare mounts", kagoerrors.ErrSpawnFailure)
	}

	// A sentinel left by a previous launch would close this one immediately.
	sentinel := m.paths.CloseSentinelPath(req.ChatID)
	if err := os.Remove(sentinel); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to clear stale close sentinel", "path", sentinel, "error", err)
	}

	image, err := m.resolveImage(ctx, req.ChatID)
	if err != nil {
		return nil, kagoerrors.WrapWithCategory(err, "resolve image", kagoerrors.ErrSpawnFailure)
	}

	startedAt := m.now()
	name := m.ContainerName(req.ChatID, startedAt)

	input := &Input{
		Prompt:          req.Prompt,
		SessionID:       req.SessionID,
		ChatID:          req.ChatID,
		IsScheduledTask: req.ScheduledTask,
		Caller:          req.Caller,
		Secrets:         m.readSecrets(),
		Model:           req.Model,
	}

	budget := req.Timeout
	if budget <= 0 {
		budget = m.cfg.Budget()
	}

	h, err := m.start(req, name, image, input, budget, startedAt)
	if err != nil {
		return nil, kagoerrors.WrapWithCategory(err, "start "+name, kagoerrors.ErrSpawnFailure)
	}

	m.mu.Lock()
	m.live[name] = h
	m.mu.Unlock()

	go func() {
		<-h.done
		m.mu.Lock()
		delete(m.live, name)
		m.mu.Unlock()
	}()

	slog.Info("Container spawned", "chat_id", req.ChatID, "container", name, "image", image, "budget", budget)
	return h, nil
}

func (m *Manager) mounts(chatID string) []Mount {
	mounts := []Mount{
		{Host: m.paths.WorkspaceDir(chatID), Container: MountWorkspace},
		{Host: m.paths.StateDir(chatID), Container: MountState},
		{Host: m.paths.IPCDir(chatID), Container: MountIPC},
		{Host: m.paths.LogsDir(chatID), Container: MountLogs, ReadOnly: true},
	}
	if m.cfg.SourceDir != "" {
		mounts = append(mounts, Mount{Host: m.cfg.SourceDir, Container: MountSource, ReadOnly: true})
	}
	return mounts
}

func (m *Manager) readSecrets() map[string]string {
	secrets := make(map[string]string)
	for _, key := range m.cfg.SecretKeys {
		if v := m.getenv(key); v != "" {
			secrets[key] = v
		}
	}
	if len(secrets) == 0 {
		return nil
	}
	return secrets
}

// DerivedImage is the per-chat image tag built from the base image.
func (m *Manager) DerivedImage(chatID string) string {
	return m.cfg.BaseImage + "-" + strings.ToLower(pathutil.SafeName(chatID))
}

// resolveImage returns the base image, or a per-chat image when the chat's
// workspace carries an extension descriptor. Builds are serialized per chat
// and skipped while the descriptor hash matches the cache.
func (m *Manager) resolveImage(ctx context.Context, chatID string) (string, error) {
	if m.cfg.ExtensionFile == "" {
		return m.cfg.BaseImage, nil
	}

	descriptor := filepath.Join(m.paths.WorkspaceDir(chatID), m.cfg.ExtensionFile)
	data, err := os.ReadFile(descriptor)
	if os.IsNotExist(err) {
		return m.cfg.BaseImage, nil
	}
	if err != nil {
		return "", fmt.Errorf("read extension descriptor: %w", err)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	tag := m.DerivedImage(chatID)

	m.builds.Lock(chatID)
	defer m.builds.Unlock(chatID)

	cached, err := m.images.ImageHash(chatID)
	if err != nil {
		return "", err
	}
	if cached == hash {
		exists, err := m.runtime.ImageExists(ctx, tag)
		if err == nil && exists {
			return tag, nil
		}
		slog.Info("Derived image missing, rebuilding", "chat_id", chatID, "image", tag)
	}

	dockerfile := append([]byte("FROM "+m.cfg.BaseImage+"\n"), data...)
	started := m.now()
	if err := m.runtime.Build(ctx, tag, dockerfile, filepath.Dir(descriptor)); err != nil {
		return "", fmt.Errorf("build %s: %w", tag, err)
	}
	slog.Info("Derived image built", "chat_id", chatID, "image", tag, "hash", hash[:12], "took", m.now().Sub(started).Round(time.Millisecond))

	if err := m.images.SetImageHash(chatID, hash); err != nil {
		slog.Warn("Failed to cache image hash", "chat_id", chatID, "error", err)
	}
	return tag, nil
}

// ReclaimOrphans stops every container carrying this system's name prefix.
// It runs at startup, before anything is spawned, and returns how many were stopped.
func (m *Manager) ReclaimOrphans(ctx context.Context) (int, error) {
	names, err := m.runtime.List(ctx)
	if err != nil {
		return 0, kagoerrors.Wrap(err, "list containers")
	}

	prefix := m.cfg.NamePrefix + "-"
	var orphans []string
	for _, name := range names {
		if strings.HasPrefix(name, prefix) {
			orphans = append(orphans, name)
		}
	}
	if len(orphans) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range orphans {
		name := name
		g.Go(func() error {
			if err := m.runtime.Stop(gctx, name, m.cfg.StopGrace); err != nil {
				// --rm containers can vanish between ps and stop.
				if kagoerrors.IsCategory(err, kagoerrors.ErrNotFound) {
					slog.Debug("Orphan container already gone", "container", name)
					return nil
				}
				return fmt.Errorf("stop orphan %s: %w", name, err)
			}
			slog.Info("Orphan container stopped", "container", name)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return len(orphans), err
	}
	return len(orphans), nil
}

// Live returns the names of workers currently supervised.
func (m *Manager) Live() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.live))
	for name := range m.live {
		names = append(names, name)
	}
	return names
}

// Shutdown force-stops every live worker and waits for them to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.live))
	for _, h := range m.live {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		h := h
		g.Go(func() error {
			h.Stop()
			select {
			case <-h.Done():
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}

// Ping checks that the runtime answers.
func (m *Manager) Ping(ctx context.Context) error {
	_, err := m.runtime.List(ctx)
	return err
}
