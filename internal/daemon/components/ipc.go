package components

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/harunnryd/kago/internal/config"
	"github.com/harunnryd/kago/internal/daemon"
	"github.com/harunnryd/kago/internal/ipc"
)

type IPCComponent struct {
	cfg          config.IPCConfig
	storeComp    *StoreWorkerComponent
	adaptersComp *AdaptersComponent
	broker       *ipc.Broker
}

func NewIPCComponent(cfg config.IPCConfig, storeComp *StoreWorkerComponent, adaptersComp *AdaptersComponent) *IPCComponent {
	return &IPCComponent{cfg: cfg, storeComp: storeComp, adaptersComp: adaptersComp}
}

func (i *IPCComponent) Name() string {
	return "IPC"
}

func (i *IPCComponent) Dependencies() []string {
	return []string{"StoreWorker", "Adapters"}
}

func (i *IPCComponent) Init(ctx context.Context) error {
	if i.storeComp == nil || i.storeComp.GetWorker() == nil {
		return fmt.Errorf("store worker not initialized")
	}
	if i.adaptersComp == nil || i.adaptersComp.Manager() == nil {
		return fmt.Errorf("adapters not initialized")
	}
	worker := i.storeComp.GetWorker()
	paths := worker.Paths()

	prayers, err := ipc.NewPrayerLog(paths.PrayersFile(), i.cfg.RedactPatterns...)
	if err != nil {
		return fmt.Errorf("open prayer log: %w", err)
	}
	broker, err := ipc.NewBroker(paths, i.storeComp.Tasks(), i.adaptersComp.Manager(), prayers, worker, i.cfg)
	if err != nil {
		return fmt.Errorf("failed to create ipc broker: %w", err)
	}
	if err := broker.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize ipc broker: %w", err)
	}
	i.broker = broker

	slog.Info("IPC initialized", "component", i.Name(), "chats", len(broker.Chats()))
	return nil
}

func (i *IPCComponent) Start(ctx context.Context) error {
	if i.broker == nil {
		return fmt.Errorf("ipc broker not initialized")
	}
	if err := i.broker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start ipc broker: %w", err)
	}
	slog.Info("IPC started", "component", i.Name())
	return nil
}

func (i *IPCComponent) Stop(ctx context.Context) error {
	if i.broker == nil {
		return nil
	}
	if err := i.broker.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop ipc broker: %w", err)
	}
	slog.Info("IPC stopped", "component", i.Name())
	return nil
}

func (i *IPCComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	if i.broker == nil {
		return &daemon.ComponentHealth{Name: i.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}
	if err := i.broker.Health(ctx); err != nil {
		return &daemon.ComponentHealth{Name: i.Name(), Healthy: false, Error: err}, nil
	}
	return &daemon.ComponentHealth{Name: i.Name(), Healthy: true}, nil
}

func (i *IPCComponent) Broker() *ipc.Broker {
	return i.broker
}
