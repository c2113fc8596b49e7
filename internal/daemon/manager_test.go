package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harunnryd/kago/internal/config"
)

type mockComponent struct {
	name         string
	dependencies []string
	initError    error
	startError   error
	stopError    error
	healthError  error
	healthResult *ComponentHealth
	calls        *[]string
}

func newMockComponent(name string, dependencies ...string) *mockComponent {
	return &mockComponent{
		name:         name,
		dependencies: dependencies,
		healthResult: &ComponentHealth{Name: name, Healthy: true},
	}
}

func (m *mockComponent) record(phase string) {
	if m.calls != nil {
		*m.calls = append(*m.calls, phase+":"+m.name)
	}
}

func (m *mockComponent) Name() string           { return m.name }
func (m *mockComponent) Dependencies() []string { return m.dependencies }

func (m *mockComponent) Init(ctx context.Context) error {
	m.record("init")
	return m.initError
}

func (m *mockComponent) Start(ctx context.Context) error {
	m.record("start")
	return m.startError
}

func (m *mockComponent) Stop(ctx context.Context) error {
	m.record("stop")
	return m.stopError
}

func (m *mockComponent) Health(ctx context.Context) (*ComponentHealth, error) {
	return m.healthResult, m.healthError
}

// newRecordingDaemon registers comps and makes them log calls into the
// returned slice.
func newRecordingDaemon(t *testing.T, comps ...*mockComponent) (*Daemon, *[]string) {
	t.Helper()
	d, err := NewDaemon(&config.Config{Server: config.ServerConfig{Port: 8080}})
	if err != nil {
		t.Fatalf("NewDaemon() error = %v", err)
	}
	calls := &[]string{}
	for _, c := range comps {
		c.calls = calls
		d.AddComponent(c)
	}
	return d, calls
}

func equalCalls(t *testing.T, got *[]string, want ...string) {
	t.Helper()
	if len(*got) != len(want) {
		t.Fatalf("calls = %v, want %v", *got, want)
	}
	for i := range want {
		if (*got)[i] != want[i] {
			t.Fatalf("calls = %v, want %v", *got, want)
		}
	}
}

func TestNewDaemon(t *testing.T) {
	d, err := NewDaemon(&config.Config{})
	if err != nil {
		t.Fatalf("NewDaemon() error = %v", err)
	}
	if len(d.components) != 0 {
		t.Errorf("components = %d, want 0", len(d.components))
	}
	if d.Health() != StatusStarting {
		t.Errorf("Health = %v, want %v", d.Health(), StatusStarting)
	}

	if _, err := NewDaemon(nil); err == nil {
		t.Error("NewDaemon(nil) should fail")
	}
}

func TestValidateConfig_ResolvesDefaultDataPath(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	d, _ := NewDaemon(&config.Config{
		Server:    config.ServerConfig{Port: 8080},
		Container: config.ContainerConfig{Runtime: "docker"},
	})
	if err := d.validateConfig(); err != nil {
		t.Fatalf("validateConfig() failed: %v", err)
	}

	expected := filepath.Join(tmpHome, ".kago", "data")
	if _, err := os.Stat(expected); err != nil {
		t.Fatalf("expected data path to exist at %s: %v", expected, err)
	}
	if d.dataPath != expected {
		t.Errorf("dataPath = %s, want %s", d.dataPath, expected)
	}
	if d.timeouts.shutdown <= 0 || d.timeouts.healthInterval <= 0 {
		t.Errorf("default timeouts not applied: %+v", d.timeouts)
	}
}

func TestValidateConfig_Rejects(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	valid := func() config.Config {
		return config.Config{
			Server:    config.ServerConfig{Port: 8080},
			Container: config.ContainerConfig{Runtime: "docker"},
		}
	}
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"port", func(c *config.Config) { c.Server.Port = 0 }},
		{"runtime", func(c *config.Config) { c.Container.Runtime = " " }},
		{"max concurrent", func(c *config.Config) { c.Scheduler.MaxConcurrent = -1 }},
		{"shutdown timeout", func(c *config.Config) { c.Daemon.ShutdownTimeout = "soon" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			d, _ := NewDaemon(&cfg)
			if err := d.validateConfig(); err == nil {
				t.Error("validateConfig() should fail")
			}
		})
	}
}

func TestPreInitChecks_RemovesStaleLock(t *testing.T) {
	dataPath := t.TempDir()
	lockPath := filepath.Join(dataPath, "kago.lock")
	if err := os.WriteFile(lockPath, nil, 0644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(lockPath, old, old); err != nil {
		t.Fatal(err)
	}

	d, _ := NewDaemon(&config.Config{Daemon: config.DaemonConfig{StaleLockTTL: "1m"}})
	d.dataPath = dataPath

	if err := d.preInitChecks(context.Background(), false); err != nil {
		t.Fatalf("preInitChecks() error = %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Errorf("stale lock should be removed, stat err = %v", err)
	}
}

func TestPreInitChecks_KeepsFreshLockUnlessForced(t *testing.T) {
	dataPath := t.TempDir()
	lockPath := filepath.Join(dataPath, "kago.lock")
	if err := os.WriteFile(lockPath, nil, 0644); err != nil {
		t.Fatal(err)
	}

	d, _ := NewDaemon(&config.Config{Daemon: config.DaemonConfig{StaleLockTTL: "1h"}})
	d.dataPath = dataPath

	if err := d.preInitChecks(context.Background(), false); err != nil {
		t.Fatalf("preInitChecks() error = %v", err)
	}
	if _, err := os.Stat(lockPath); err != nil {
		t.Fatalf("fresh lock should be kept: %v", err)
	}

	if err := d.preInitChecks(context.Background(), true); err != nil {
		t.Fatalf("preInitChecks(force) error = %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Errorf("forced cleanup should remove the lock, stat err = %v", err)
	}
}

func TestAddComponent(t *testing.T) {
	store := newMockComponent("Store")
	sessions := newMockComponent("Sessions", "Store")
	d, _ := newRecordingDaemon(t, store, sessions)

	if len(d.components) != 2 {
		t.Errorf("components = %d, want 2", len(d.components))
	}
	if d.Component("Sessions") != sessions {
		t.Error("Component(Sessions) should return the registered component")
	}
	if d.Component("Missing") != nil {
		t.Error("Component(Missing) should be nil")
	}
}

func TestLifecycleOrder(t *testing.T) {
	// Registered out of dependency order on purpose.
	d, calls := newRecordingDaemon(t,
		newMockComponent("Sessions", "Store", "Adapters"),
		newMockComponent("Adapters", "Store"),
		newMockComponent("Store"),
	)

	ctx := context.Background()
	if err := d.initializeComponents(ctx); err != nil {
		t.Fatalf("initializeComponents() error = %v", err)
	}
	if err := d.startComponents(ctx); err != nil {
		t.Fatalf("startComponents() error = %v", err)
	}
	if err := d.shutdownComponents(ctx); err != nil {
		t.Fatalf("shutdownComponents() error = %v", err)
	}

	equalCalls(t, calls,
		"init:Store", "init:Adapters", "init:Sessions",
		"start:Store", "start:Adapters", "start:Sessions",
		"stop:Sessions", "stop:Adapters", "stop:Store",
	)
	if d.Health() != StatusStopped {
		t.Errorf("Health = %v, want %v", d.Health(), StatusStopped)
	}
}

func TestInitializeComponents_StopsAtFirstFailure(t *testing.T) {
	store := newMockComponent("Store")
	adapters := newMockComponent("Adapters", "Store")
	adapters.initError = errors.New("no transport enabled")
	sessions := newMockComponent("Sessions", "Adapters")
	d, calls := newRecordingDaemon(t, store, adapters, sessions)

	err := d.initializeComponents(context.Background())
	if err == nil || !errors.Is(err, adapters.initError) {
		t.Fatalf("initializeComponents() error = %v, want wrapped init error", err)
	}
	equalCalls(t, calls, "init:Store", "init:Adapters")

	d.rollback(context.Background())
	equalCalls(t, calls, "init:Store", "init:Adapters", "stop:Sessions", "stop:Adapters", "stop:Store")
	if d.Health() != StatusStopped {
		t.Errorf("Health = %v, want %v", d.Health(), StatusStopped)
	}
}

func TestInitializeComponents_BadGraph(t *testing.T) {
	tests := []struct {
		name  string
		comps []*mockComponent
	}{
		{"circular", []*mockComponent{newMockComponent("A", "B"), newMockComponent("B", "A")}},
		{"missing", []*mockComponent{newMockComponent("A", "Ghost")}},
		{"duplicate", []*mockComponent{newMockComponent("A"), newMockComponent("A")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, calls := newRecordingDaemon(t, tt.comps...)
			if err := d.initializeComponents(context.Background()); err == nil {
				t.Fatal("initializeComponents() should fail")
			}
			if len(*calls) != 0 {
				t.Errorf("no component should be initialized, got %v", *calls)
			}
		})
	}
}

func TestShutdownComponents_ContinuesPastFailures(t *testing.T) {
	first := newMockComponent("First")
	second := newMockComponent("Second", "First")
	second.stopError = errors.New("stuck")
	d, calls := newRecordingDaemon(t, first, second)

	if err := d.initializeComponents(context.Background()); err != nil {
		t.Fatal(err)
	}
	err := d.shutdownComponents(context.Background())
	if !errors.Is(err, second.stopError) {
		t.Fatalf("shutdownComponents() error = %v, want %v", err, second.stopError)
	}
	equalCalls(t, calls, "init:First", "init:Second", "stop:Second", "stop:First")
}

func TestGracefulShutdown_Timeout(t *testing.T) {
	d, _ := newRecordingDaemon(t)
	d.AddComponent(&blockingComponent{mockComponent: newMockComponent("Slow")})

	err := d.gracefulShutdown(context.Background(), 20*time.Millisecond)
	if err == nil {
		t.Fatal("gracefulShutdown() should time out")
	}
}

type blockingComponent struct {
	*mockComponent
}

func (b *blockingComponent) Stop(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestComponentHealth(t *testing.T) {
	healthy := newMockComponent("Healthy")
	unhealthy := newMockComponent("Unhealthy")
	unhealthy.healthResult = &ComponentHealth{Name: "Unhealthy", Healthy: false, Error: errors.New("ping failed")}
	failing := newMockComponent("Failing")
	failing.healthResult = nil
	failing.healthError = errors.New("probe crashed")
	d, _ := newRecordingDaemon(t, healthy, unhealthy, failing)

	healths := d.ComponentHealth()
	if len(healths) != 3 {
		t.Fatalf("ComponentHealth() returned %d entries, want 3", len(healths))
	}
	if !healths["Healthy"].Healthy {
		t.Error("Healthy should be healthy")
	}
	if healths["Unhealthy"].Healthy || healths["Unhealthy"].Error == nil {
		t.Errorf("Unhealthy = %+v", healths["Unhealthy"])
	}
	if healths["Failing"].Healthy || healths["Failing"].Error == nil {
		t.Errorf("Failing = %+v", healths["Failing"])
	}
}

func TestUptime(t *testing.T) {
	d, _ := NewDaemon(&config.Config{})
	d.startedAt = time.Now().Add(-time.Minute)
	if d.Uptime() < time.Minute {
		t.Errorf("Uptime() = %v, want >= 1m", d.Uptime())
	}
}
