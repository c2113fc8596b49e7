package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/kago/internal/adapter"
	"github.com/harunnryd/kago/internal/config"
	"github.com/harunnryd/kago/internal/daemon"
	kagoerrors "github.com/harunnryd/kago/internal/errors"
	"github.com/harunnryd/kago/internal/session"
)

// AdaptersComponent owns the transports. Inbound events go to whatever
// handler the sessions component routes in; until then they are refused.
type AdaptersComponent struct {
	cfg       config.AdaptersConfig
	storeComp *StoreWorkerComponent
	opts      adapter.ManagerOptions

	mu          sync.RWMutex
	manager     *adapter.Manager
	handler     adapter.EventHandler
	initialized bool
	started     bool
}

func NewAdaptersComponent(cfg config.AdaptersConfig, storeComp *StoreWorkerComponent, opts adapter.ManagerOptions) *AdaptersComponent {
	return &AdaptersComponent{cfg: cfg, storeComp: storeComp, opts: opts}
}

func (a *AdaptersComponent) Name() string {
	return "Adapters"
}

func (a *AdaptersComponent) Dependencies() []string {
	return []string{"StoreWorker"}
}

func (a *AdaptersComponent) Init(ctx context.Context) error {
	if a.storeComp == nil || a.storeComp.GetWorker() == nil {
		return fmt.Errorf("store worker not initialized")
	}

	opts := a.opts
	opts.Dedupe = a.storeComp.GetWorker()
	opts.DedupeTTL = a.storeComp.DedupeTTL()

	manager, err := adapter.NewManager(a.cfg, a.dispatch, opts)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.manager = manager
	a.initialized = true
	a.mu.Unlock()
	slog.Info("Adapters initialized", "component", a.Name(), "transports", manager.Prefixes())
	return nil
}

// Route installs the inbound event handler.
func (a *AdaptersComponent) Route(handler adapter.EventHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = handler
}

func (a *AdaptersComponent) dispatch(ctx context.Context, ev adapter.Event) error {
	a.mu.RLock()
	handler := a.handler
	a.mu.RUnlock()
	if handler == nil {
		return kagoerrors.Transient("no session handler routed")
	}
	return handler(ctx, ev)
}

func (a *AdaptersComponent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initialized {
		return fmt.Errorf("adapters component not initialized")
	}
	if err := a.manager.Start(ctx); err != nil {
		return err
	}

	cmds := make([]adapter.Command, 0, len(session.Commands))
	for _, c := range session.Commands {
		cmds = append(cmds, adapter.Command{Name: c.Name, Description: c.Description})
	}
	a.manager.RegisterCommands(ctx, cmds)

	a.started = true
	slog.Info("Adapters started", "component", a.Name())
	return nil
}

func (a *AdaptersComponent) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return nil
	}
	err := a.manager.Stop(ctx)
	a.started = false
	if err != nil {
		return err
	}
	slog.Info("Adapters stopped", "component", a.Name())
	return nil
}

func (a *AdaptersComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	a.mu.RLock()
	initialized, started, manager := a.initialized, a.started, a.manager
	a.mu.RUnlock()

	if !initialized {
		return &daemon.ComponentHealth{Name: a.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}
	if !started {
		return &daemon.ComponentHealth{Name: a.Name(), Healthy: false, Error: fmt.Errorf("not started")}, nil
	}
	if err := manager.Health(ctx); err != nil {
		return &daemon.ComponentHealth{Name: a.Name(), Healthy: false, Error: err}, nil
	}
	return &daemon.ComponentHealth{Name: a.Name(), Healthy: true}, nil
}

func (a *AdaptersComponent) Manager() *adapter.Manager {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.manager
}
