package session

import (
	"context"

	"github.com/harunnryd/kago/internal/container"
	"github.com/harunnryd/kago/internal/scheduler"
	"github.com/harunnryd/kago/internal/store"
)

// Worker is the registry's view of a running container.
type Worker interface {
	Name() string
	Frames() <-chan container.Frame
	Wait(ctx context.Context) (container.Result, error)
	RequestClose() error
	WriteInput(text string, from *container.Sender) error
}

type Spawner interface {
	Spawn(ctx context.Context, req container.SpawnRequest) (Worker, error)
}

// SessionStore persists per-chat session continuity.
type SessionStore interface {
	GetSession(chatID string) (*store.Session, error)
	SaveSession(session store.Session) error
	ResetSession(chatID, model string) error
}

type Transport interface {
	Send(ctx context.Context, chatID, text string) error
	SendTyping(ctx context.Context, chatID string) error
}

// Snapshotter records the chat workspace after a worker exits.
type Snapshotter interface {
	Snapshot(ctx context.Context, chatID, message string) error
}

type TaskLister interface {
	List(chatID string) ([]scheduler.Task, error)
}

// ManagerSpawner adapts the container manager to Spawner.
type ManagerSpawner struct {
	Manager *container.Manager
}

func (s ManagerSpawner) Spawn(ctx context.Context, req container.SpawnRequest) (Worker, error) {
	h, err := s.Manager.Spawn(ctx, req)
	if err != nil {
		return nil, err
	}
	return handleWorker{h}, nil
}

type handleWorker struct {
	*container.Handle
}

func (w handleWorker) Name() string {
	return w.Handle.Name
}
