package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	stdatomic "sync/atomic"
	"time"

	"github.com/harunnryd/kago/internal/config"
	kagoerrors "github.com/harunnryd/kago/internal/errors"
	"github.com/harunnryd/kago/internal/idempotency"
)

type Operation int

const (
	OpGetSession Operation = iota
	OpSaveSession
	OpListSessions
	OpResetSession
	OpGetImageHash
	OpSetImageHash
	OpSaveIdempotency
)

type Request struct {
	Op       Operation
	Payload  interface{}
	Result   chan error
	Response chan interface{}
}

type GetSessionPayload struct {
	ChatID string
}

type SaveSessionPayload struct {
	Session Session
}

type ResetSessionPayload struct {
	ChatID string
	Model  string
}

type GetImageHashPayload struct {
	ChatID string
}

type SetImageHashPayload struct {
	ChatID string
	Hash   string
}

var errWorkerStopped = errors.New("store worker stopped")

// Worker is the single writer of the session index and the image hash cache.
// Every mutation goes through its inbox and is persisted before the caller
// is released.
type Worker struct {
	paths        Paths
	inbox        chan Request
	idemStore    *idempotency.Store
	fileLock     *FileLock
	quit         chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
	sessionIndex *SessionIndex
	imageHashes  *ImageHashes
	running      stdatomic.Bool
	now          func() time.Time
}

type RuntimeConfig struct {
	LockTimeout  time.Duration
	LockRetry    time.Duration
	LockMaxRetry int
	InboxSize    int
}

func NewWorker(dataPath string, runtimeCfg RuntimeConfig) (*Worker, error) {
	root, err := ResolveDataPath(dataPath)
	if err != nil {
		return nil, err
	}
	paths := NewPaths(root)

	for _, d := range []string{
		paths.Root,
		filepath.Join(paths.Root, "groups"),
		filepath.Join(paths.Root, "state"),
		filepath.Join(paths.Root, "ipc"),
		filepath.Join(paths.Root, "logs"),
	} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("failed to create dir %s: %w", d, err)
		}
	}

	if runtimeCfg.LockTimeout <= 0 {
		lockTimeout, err := config.DurationOrDefault("", config.DefaultStoreLockTimeout)
		if err != nil {
			return nil, fmt.Errorf("parse default store lock timeout: %w", err)
		}
		runtimeCfg.LockTimeout = lockTimeout
	}
	if runtimeCfg.LockRetry <= 0 {
		lockRetry, err := config.DurationOrDefault("", config.DefaultStoreLockRetry)
		if err != nil {
			return nil, fmt.Errorf("parse default store lock retry: %w", err)
		}
		runtimeCfg.LockRetry = lockRetry
	}
	if runtimeCfg.LockMaxRetry <= 0 {
		runtimeCfg.LockMaxRetry = config.DefaultStoreLockMaxRetry
	}
	if runtimeCfg.InboxSize <= 0 {
		runtimeCfg.InboxSize = config.DefaultSessionInboxSize
	}

	// Single instance per data root
	fileLock, err := NewFileLock(paths.LockFile(), &FileLockConfig{
		LockTimeout:  runtimeCfg.LockTimeout,
		LockRetry:    runtimeCfg.LockRetry,
		LockMaxRetry: runtimeCfg.LockMaxRetry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	idemStore, err := idempotency.NewStore(paths.ProcessedUpdatesFile())
	if err != nil {
		fileLock.Unlock()
		return nil, fmt.Errorf("failed to load processed updates: %w", err)
	}

	sessionIndex, err := LoadSessions(paths)
	if err != nil {
		slog.Warn("Session index unreadable, starting fresh", "path", paths.SessionsFile(), "error", err)
		sessionIndex = &SessionIndex{Sessions: make(map[string]Session)}
	}

	imageHashes := &ImageHashes{Hashes: make(map[string]string)}
	if err := ReadJSON(paths.ImageHashesFile(), imageHashes); err != nil {
		slog.Warn("Image hash cache unreadable, starting fresh", "path", paths.ImageHashesFile(), "error", err)
		imageHashes = &ImageHashes{Hashes: make(map[string]string)}
	}
	if imageHashes.Hashes == nil {
		imageHashes.Hashes = make(map[string]string)
	}

	return &Worker{
		paths:        paths,
		inbox:        make(chan Request, runtimeCfg.InboxSize),
		idemStore:    idemStore,
		fileLock:     fileLock,
		quit:         make(chan struct{}),
		sessionIndex: sessionIndex,
		imageHashes:  imageHashes,
		now:          time.Now,
	}, nil
}

// LoadSessions reads sessions.json without taking the data lock. Used by the
// CLI for read-only listings.
func LoadSessions(paths Paths) (*SessionIndex, error) {
	index := &SessionIndex{Sessions: make(map[string]Session)}
	if err := ReadJSON(paths.SessionsFile(), index); err != nil {
		return &SessionIndex{Sessions: make(map[string]Session)}, err
	}
	if index.Sessions == nil {
		index.Sessions = make(map[string]Session)
	}
	return index, nil
}

func (w *Worker) Paths() Paths {
	return w.paths
}

func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

func (w *Worker) loop() {
	slog.Info("StoreWorker started", "root", w.paths.Root)
	w.running.Store(true)
	defer func() {
		w.running.Store(false)
		w.wg.Done()
	}()

	// Initial Prune
	if pruned := w.idemStore.Prune(); pruned > 0 {
		slog.Info("Pruned expired update keys", "count", pruned)
		if err := w.idemStore.Save(); err != nil {
			slog.Error("Failed to save pruned keys", "error", err)
		}
	}

	for {
		select {
		case req := <-w.inbox:
			err := w.handle(req)
			if req.Result != nil {
				req.Result <- err
			}
		case <-w.quit:
			slog.Info("StoreWorker stopping")
			return
		}
	}
}

func (w *Worker) handle(req Request) error {
	switch req.Op {
	case OpGetSession:
		p, ok := req.Payload.(GetSessionPayload)
		if !ok {
			return fmt.Errorf("invalid payload for GetSession")
		}
		if req.Response != nil {
			if sess, ok := w.sessionIndex.Sessions[p.ChatID]; ok {
				req.Response <- &sess
			} else {
				req.Response <- nil
			}
		}
		return nil
	case OpSaveSession:
		p, ok := req.Payload.(SaveSessionPayload)
		if !ok {
			return fmt.Errorf("invalid payload for SaveSession")
		}
		if strings.TrimSpace(p.Session.ChatID) == "" {
			return kagoerrors.InvalidInput("session without chat id")
		}
		w.sessionIndex.Sessions[p.Session.ChatID] = p.Session
		return WriteJSON(w.paths.SessionsFile(), w.sessionIndex)
	case OpListSessions:
		sessions := make([]Session, 0, len(w.sessionIndex.Sessions))
		for _, s := range w.sessionIndex.Sessions {
			sessions = append(sessions, s)
		}
		sort.Slice(sessions, func(i, j int) bool { return sessions[i].ChatID < sessions[j].ChatID })
		if req.Response != nil {
			req.Response <- sessions
		}
		return nil
	case OpResetSession:
		p, ok := req.Payload.(ResetSessionPayload)
		if !ok {
			return fmt.Errorf("invalid payload for ResetSession")
		}
		return w.resetSession(p.ChatID, p.Model)
	case OpGetImageHash:
		p, ok := req.Payload.(GetImageHashPayload)
		if !ok {
			return fmt.Errorf("invalid payload for GetImageHash")
		}
		if req.Response != nil {
			req.Response <- w.imageHashes.Hashes[p.ChatID]
		}
		return nil
	case OpSetImageHash:
		p, ok := req.Payload.(SetImageHashPayload)
		if !ok {
			return fmt.Errorf("invalid payload for SetImageHash")
		}
		w.imageHashes.Hashes[p.ChatID] = p.Hash
		return WriteJSON(w.paths.ImageHashesFile(), w.imageHashes)
	case OpSaveIdempotency:
		return w.idemStore.Save()
	default:
		return fmt.Errorf("unknown operation: %d", req.Op)
	}
}

func (w *Worker) resetSession(chatID, model string) error {
	sess, ok := w.sessionIndex.Sessions[chatID]
	if !ok {
		sess = Session{ChatID: chatID}
	}
	sess.SessionID = ""
	if model != "" {
		sess.Model = model
	}
	sess.LastActivity = w.now()
	w.sessionIndex.Sessions[chatID] = sess

	if err := WriteJSON(w.paths.SessionsFile(), w.sessionIndex); err != nil {
		return err
	}
	return w.paths.WipeState(chatID)
}

func (w *Worker) submit(req Request) error {
	select {
	case w.inbox <- req:
	case <-w.quit:
		return errWorkerStopped
	}
	if req.Result == nil {
		return nil
	}
	select {
	case err := <-req.Result:
		return err
	case <-w.quit:
		return errWorkerStopped
	}
}

// Public API for other components

func (w *Worker) GetSession(chatID string) (*Session, error) {
	res := make(chan error, 1)
	resp := make(chan interface{}, 1)
	if err := w.submit(Request{
		Op:       OpGetSession,
		Payload:  GetSessionPayload{ChatID: chatID},
		Result:   res,
		Response: resp,
	}); err != nil {
		return nil, err
	}
	val := <-resp
	if val == nil {
		return nil, nil
	}
	return val.(*Session), nil
}

func (w *Worker) SaveSession(session Session) error {
	return w.submit(Request{
		Op:      OpSaveSession,
		Payload: SaveSessionPayload{Session: session},
		Result:  make(chan error, 1),
	})
}

func (w *Worker) ListSessions() ([]Session, error) {
	res := make(chan error, 1)
	resp := make(chan interface{}, 1)
	if err := w.submit(Request{Op: OpListSessions, Result: res, Response: resp}); err != nil {
		return nil, err
	}
	return (<-resp).([]Session), nil
}

// ResetSession clears the resumable session id, optionally pins a model and
// wipes the chat's session-state directory.
func (w *Worker) ResetSession(chatID, model string) error {
	return w.submit(Request{
		Op:      OpResetSession,
		Payload: ResetSessionPayload{ChatID: chatID, Model: model},
		Result:  make(chan error, 1),
	})
}

func (w *Worker) ImageHash(chatID string) (string, error) {
	res := make(chan error, 1)
	resp := make(chan interface{}, 1)
	if err := w.submit(Request{
		Op:       OpGetImageHash,
		Payload:  GetImageHashPayload{ChatID: chatID},
		Result:   res,
		Response: resp,
	}); err != nil {
		return "", err
	}
	return (<-resp).(string), nil
}

func (w *Worker) SetImageHash(chatID, hash string) error {
	return w.submit(Request{
		Op:      OpSetImageHash,
		Payload: SetImageHashPayload{ChatID: chatID, Hash: hash},
		Result:  make(chan error, 1),
	})
}

// CheckAndMarkKey reports whether key was already processed. Unseen keys are
// recorded and a save is queued.
func (w *Worker) CheckAndMarkKey(key string, ttl time.Duration) bool {
	if ttl <= 0 {
		if d, err := config.DurationOrDefault("", config.DefaultStoreDedupeTTL); err == nil {
			ttl = d
		}
	}
	exists := w.idemStore.CheckAndMark(key, ttl)
	if !exists {
		if err := w.submit(Request{Op: OpSaveIdempotency}); err != nil {
			slog.Warn("Failed to queue update key save", "key", key, "error", err)
		}
	}
	return exists
}

func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		slog.Info("StoreWorker Stop called", "root", w.paths.Root, "lock_held", w.fileLock.IsLocked())

		close(w.quit)
		w.wg.Wait()

		if err := w.idemStore.Save(); err != nil {
			slog.Warn("Failed to flush update keys", "error", err)
		}
		if w.fileLock.IsLocked() {
			w.fileLock.Unlock()
		}
	})
}

func (w *Worker) IsLockHeld() bool {
	return w.fileLock.IsLocked()
}

func (w *Worker) IsRunning() bool {
	return w.fileLock.IsLocked() && w.running.Load()
}
