package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/kago/internal/config"
	kagoerrors "github.com/harunnryd/kago/internal/errors"
	"github.com/harunnryd/kago/internal/scheduler"
	"github.com/harunnryd/kago/internal/store"

	"github.com/fsnotify/fsnotify"
)

// Sender delivers outbound text to a chat.
type Sender interface {
	Send(ctx context.Context, chatID, text string) error
}

// SessionLister seeds the set of known chats at startup.
type SessionLister interface {
	ListSessions() ([]store.Session, error)
}

// Broker drains every known chat's mailbox on a fixed interval, with
// filesystem events triggering early passes, and keeps each chat's task
// snapshot current.
type Broker struct {
	paths    store.Paths
	tasks    *scheduler.Store
	sender   Sender
	prayers  *PrayerLog
	sessions SessionLister

	pollInterval time.Duration
	debounce     time.Duration
	now          func() time.Time

	mu          sync.Mutex
	known       map[string]struct{}
	snapshotMod time.Time
	watcher     *fsnotify.Watcher

	wakeMu    sync.Mutex
	wakeTimer *time.Timer
	wake      chan struct{}

	passMu sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

func NewBroker(paths store.Paths, tasks *scheduler.Store, sender Sender, prayers *PrayerLog, sessions SessionLister, cfg config.IPCConfig) (*Broker, error) {
	pollInterval, err := config.DurationOrDefault(cfg.PollInterval, config.DefaultIPCPollInterval)
	if err != nil {
		return nil, fmt.Errorf("parse ipc poll interval: %w", err)
	}
	debounce, err := config.DurationOrDefault(cfg.Debounce, config.DefaultIPCDebounce)
	if err != nil {
		return nil, fmt.Errorf("parse ipc debounce: %w", err)
	}

	return &Broker{
		paths:        paths,
		tasks:        tasks,
		sender:       sender,
		prayers:      prayers,
		sessions:     sessions,
		pollInterval: pollInterval,
		debounce:     debounce,
		now:          time.Now,
		known:        make(map[string]struct{}),
		wake:         make(chan struct{}, 1),
	}, nil
}

func (b *Broker) Init(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("Mailbox watcher unavailable, polling only", "error", err)
	} else {
		b.watcher = watcher
	}

	if b.sessions != nil {
		sessions, err := b.sessions.ListSessions()
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		for _, s := range sessions {
			b.Register(s.ChatID)
		}
	}

	slog.Info("IPC broker initialized", "chats", len(b.Chats()), "poll", b.pollInterval)
	return nil
}

func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	if b.ctx == nil {
		b.ctx, b.cancel = context.WithCancel(ctx)
	}
	b.running = true
	watcher := b.watcher
	b.mu.Unlock()

	if watcher != nil {
		b.wg.Add(1)
		go b.watchLoop(watcher)
	}
	b.wg.Add(1)
	go b.run()

	slog.Info("IPC broker started")
	return nil
}

func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	wasRunning := b.running
	b.running = false
	watcher := b.watcher
	b.watcher = nil
	b.mu.Unlock()

	if watcher != nil {
		watcher.Close()
	}
	if !wasRunning {
		return nil
	}

	b.cancel()
	b.wakeMu.Lock()
	if b.wakeTimer != nil {
		b.wakeTimer.Stop()
	}
	b.wakeMu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("IPC broker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) Health(ctx context.Context) error {
	if b.ctx == nil {
		return kagoerrors.Internal("ipc broker not initialized")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return kagoerrors.Internal("ipc broker not running")
	}
	return nil
}

// Register makes a chat's mailbox known to the broker and republishes its
// task snapshot. It is called for every spawn.
func (b *Broker) Register(chatID string) {
	if chatID == "" {
		return
	}
	if err := b.paths.EnsureChat(chatID); err != nil {
		slog.Warn("Failed to prepare mailbox", "chat_id", chatID, "error", err)
		return
	}

	b.mu.Lock()
	_, seen := b.known[chatID]
	b.known[chatID] = struct{}{}
	watcher := b.watcher
	b.mu.Unlock()

	if !seen && watcher != nil {
		for _, dir := range []string{b.paths.MessagesDir(chatID), b.paths.PrayersDir(chatID), b.paths.TasksDir(chatID)} {
			if err := watcher.Add(dir); err != nil {
				slog.Debug("Mailbox watch failed", "dir", dir, "error", err)
			}
		}
	}

	b.refreshSnapshot(chatID)
}

// Chats returns the known chat ids, sorted.
func (b *Broker) Chats() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.known))
	for id := range b.known {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (b *Broker) run() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		b.Poll(b.ctx)
		select {
		case <-ticker.C:
		case <-b.wake:
		case <-b.ctx.Done():
			slog.Info("IPC broker loop stopped")
			return
		}
	}
}

func (b *Broker) watchLoop(watcher *fsnotify.Watcher) {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				if isMailboxFile(event.Name) {
					b.scheduleWake()
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Debug("Mailbox watcher error", "error", err)
		}
	}
}

// scheduleWake coalesces bursts of file events into one early pass.
func (b *Broker) scheduleWake() {
	b.wakeMu.Lock()
	defer b.wakeMu.Unlock()

	if b.wakeTimer != nil {
		b.wakeTimer.Stop()
	}
	b.wakeTimer = time.AfterFunc(b.debounce, func() {
		select {
		case b.wake <- struct{}{}:
		default:
		}
	})
}

// Poll performs one pass over every known mailbox, then refreshes snapshots
// if the task store changed on disk.
func (b *Broker) Poll(ctx context.Context) {
	b.passMu.Lock()
	defer b.passMu.Unlock()

	for _, chatID := range b.Chats() {
		if ctx.Err() != nil {
			return
		}
		b.drainMessages(ctx, chatID)
		b.drainPrayers(chatID)
		b.drainTasks(chatID)
	}
	b.refreshIfChanged()
}

// drain reads every pending *.json file in dir in name order. Each file is
// deleted before it is handled, so a crash mid-handling loses it rather than
// replaying it.
func drain(dir string, handle func(name string, data []byte)) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Failed to read mailbox", "dir", dir, "error", err)
		}
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isMailboxFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		data, readErr := os.ReadFile(path)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("Failed to delete mailbox file", "path", path, "error", err)
		}
		if readErr != nil {
			slog.Warn("Failed to read mailbox file", "path", path, "error", readErr)
			continue
		}
		handle(name, data)
	}
}

func isMailboxFile(path string) bool {
	name := filepath.Base(path)
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}

func (b *Broker) drainMessages(ctx context.Context, chatID string) {
	drain(b.paths.MessagesDir(chatID), func(name string, data []byte) {
		msg, err := decodeMessage(data)
		if err != nil {
			slog.Warn("Dropping malformed message", "chat_id", chatID, "file", name, "error", err)
			return
		}
		if b.sender == nil {
			return
		}
		if err := b.sender.Send(ctx, chatID, msg.Text); err != nil {
			slog.Warn("Failed to send worker message", "chat_id", chatID, "file", name, "error", err)
		}
	})
}

func (b *Broker) drainPrayers(chatID string) {
	drain(b.paths.PrayersDir(chatID), func(name string, data []byte) {
		if !json.Valid(data) {
			slog.Warn("Dropping malformed prayer", "chat_id", chatID, "file", name, "error", kagoerrors.ErrMailboxParse)
			return
		}
		if b.prayers == nil {
			return
		}
		if err := b.prayers.Append(Prayer{Timestamp: b.now(), ChatID: chatID, Entry: json.RawMessage(data)}); err != nil {
			slog.Warn("Failed to record prayer", "chat_id", chatID, "error", err)
		}
	})
}

func (b *Broker) drainTasks(chatID string) {
	drain(b.paths.TasksDir(chatID), func(name string, data []byte) {
		m, err := decodeMutation(data)
		if err != nil {
			slog.Warn("Dropping malformed task mutation", "chat_id", chatID, "file", name, "error", err)
			return
		}
		if b.tasks == nil {
			return
		}
		ref, err := m.apply(b.tasks, chatID)
		if err != nil {
			level := slog.LevelWarn
			if errors.Is(err, kagoerrors.ErrNotFound) {
				level = slog.LevelInfo
			}
			slog.Log(context.Background(), level, "Task mutation rejected", "chat_id", chatID, "type", m.Type, "error", err)
			return
		}
		slog.Info("Task mutation applied", "chat_id", chatID, "type", m.Type, "task", ref)
		b.refreshSnapshot(chatID)
	})
}

func (b *Broker) refreshIfChanged() {
	if b.tasks == nil {
		return
	}
	if err := b.tasks.Reload(); err != nil {
		slog.Warn("Task store unreadable", "error", err)
	}
	mod := b.tasks.ModTime()

	b.mu.Lock()
	changed := !mod.Equal(b.snapshotMod)
	b.snapshotMod = mod
	b.mu.Unlock()
	if !changed {
		return
	}

	tasks, err := b.tasks.List("")
	if err != nil {
		slog.Warn("Failed to list tasks for snapshots", "error", err)
		return
	}
	chats := make(map[string]struct{})
	for _, id := range b.Chats() {
		chats[id] = struct{}{}
	}
	for _, t := range tasks {
		if _, ok := chats[t.ChatID]; !ok {
			b.Register(t.ChatID)
		}
		chats[t.ChatID] = struct{}{}
	}
	for id := range chats {
		b.writeSnapshot(id, tasks)
	}
}

func (b *Broker) refreshSnapshot(chatID string) {
	if b.tasks == nil {
		return
	}
	tasks, err := b.tasks.List(chatID)
	if err != nil {
		slog.Warn("Failed to list tasks for snapshot", "chat_id", chatID, "error", err)
		return
	}
	b.writeSnapshot(chatID, tasks)
}

func (b *Broker) writeSnapshot(chatID string, tasks []scheduler.Task) {
	if err := WriteSnapshot(b.paths.SnapshotPath(chatID), NewSnapshot(chatID, tasks, b.now())); err != nil {
		slog.Warn("Failed to write task snapshot", "chat_id", chatID, "error", err)
	}
}
