package adapter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/kago/internal/config"
	"github.com/harunnryd/kago/internal/errors"
)

type ManagerOptions struct {
	Dedupe    Deduper
	DedupeTTL time.Duration

	// Console streams for the CLI adapter.
	CLIIn  io.Reader
	CLIOut io.Writer

	// Extra outputs registered after the configured transports.
	Extra []OutputAdapter
}

// connector is implemented by inputs that must authenticate before Start.
type connector interface {
	Connect() error
}

// Manager owns every configured transport and routes outbound traffic by
// chat id prefix.
type Manager struct {
	mu       sync.RWMutex
	inputs   []InputAdapter
	outputs  map[string]OutputAdapter
	order    []string
	started  bool
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

func NewManager(cfg config.AdaptersConfig, eventHandler EventHandler, opts ManagerOptions) (*Manager, error) {
	m := &Manager{outputs: make(map[string]OutputAdapter)}

	if cfg.Slack.Enabled {
		if strings.TrimSpace(cfg.Slack.SigningSecret) == "" {
			return nil, fmt.Errorf("adapters.slack.signing_secret is required when slack adapter is enabled")
		}
		if strings.TrimSpace(cfg.Slack.BotToken) == "" {
			return nil, fmt.Errorf("adapters.slack.bot_token is required when slack adapter is enabled")
		}
		slackAdapter := NewSlackAdapter(cfg.Slack, eventHandler, opts.Dedupe, opts.DedupeTTL)
		m.inputs = append(m.inputs, slackAdapter)
		m.addOutput(slackAdapter)
	}

	if cfg.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.BotToken) == "" {
			return nil, fmt.Errorf("adapters.telegram.bot_token is required when telegram adapter is enabled")
		}
		telegramAdapter := NewTelegramAdapter(cfg.Telegram, eventHandler, opts.Dedupe, opts.DedupeTTL)
		m.inputs = append(m.inputs, telegramAdapter)
		m.addOutput(telegramAdapter)
	}

	if cfg.CLI.Enabled {
		if opts.CLIIn == nil || opts.CLIOut == nil {
			return nil, fmt.Errorf("adapters.cli needs a console")
		}
		cliAdapter := NewCLIAdapter(cfg.CLI.ChatID, opts.CLIIn, opts.CLIOut, eventHandler)
		m.inputs = append(m.inputs, cliAdapter)
		m.addOutput(cliAdapter)
	}

	for _, out := range opts.Extra {
		if out != nil {
			m.addOutput(out)
		}
	}

	if len(m.outputs) == 0 {
		return nil, fmt.Errorf("no transport enabled: enable adapters.telegram, adapters.slack or adapters.cli")
	}
	return m, nil
}

func (m *Manager) addOutput(out OutputAdapter) {
	prefix := strings.TrimSpace(out.Prefix())
	if prefix == "" {
		return
	}
	if _, exists := m.outputs[prefix]; !exists {
		m.order = append(m.order, prefix)
	}
	m.outputs[prefix] = out
}

// Prefixes lists the chat id namespaces with a transport, in registration order.
func (m *Manager) Prefixes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

func (m *Manager) route(chatID string) (OutputAdapter, string, error) {
	prefix, nativeID, ok := SplitChatID(chatID)
	if !ok {
		return nil, "", errors.InvalidInput(fmt.Sprintf("chat id %q has no transport prefix", chatID))
	}
	m.mu.RLock()
	out, ok := m.outputs[prefix]
	m.mu.RUnlock()
	if !ok {
		return nil, "", errors.NotFound(fmt.Sprintf("no transport for %q", prefix))
	}
	return out, nativeID, nil
}

// Send delivers text to a namespaced chat id.
func (m *Manager) Send(ctx context.Context, chatID, text string) error {
	out, nativeID, err := m.route(chatID)
	if err != nil {
		return err
	}
	return out.Send(ctx, nativeID, text)
}

func (m *Manager) SendTyping(ctx context.Context, chatID string) error {
	out, nativeID, err := m.route(chatID)
	if err != nil {
		return err
	}
	return out.SendTyping(ctx, nativeID)
}

// RegisterCommands advertises cmds on every transport that supports it.
// Failures are logged; command menus are cosmetic.
func (m *Manager) RegisterCommands(ctx context.Context, cmds []Command) {
	m.mu.RLock()
	outputs := make([]OutputAdapter, 0, len(m.order))
	for _, p := range m.order {
		outputs = append(outputs, m.outputs[p])
	}
	m.mu.RUnlock()

	for _, out := range outputs {
		reg, ok := out.(CommandRegistrar)
		if !ok {
			continue
		}
		if err := reg.RegisterCommands(ctx, cmds); err != nil {
			slog.Warn("Command registration failed", "adapter", out.Name(), "error", err)
			continue
		}
		slog.Info("Commands registered", "adapter", out.Name(), "count", len(cmds))
	}
}

// Start connects inputs that need it, then runs every input in its own goroutine.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	inputs := make([]InputAdapter, len(m.inputs))
	copy(inputs, m.inputs)
	m.mu.Unlock()

	for _, input := range inputs {
		if c, ok := input.(connector); ok {
			if err := c.Connect(); err != nil {
				return fmt.Errorf("connect %s: %w", input.Name(), err)
			}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.started = true
	m.cancel = cancel
	m.mu.Unlock()

	for _, input := range inputs {
		adapter := input
		m.inflight.Add(1)
		go func() {
			defer m.inflight.Done()
			slog.Info("Starting input adapter", "adapter", adapter.Name())
			if err := adapter.Start(runCtx); err != nil && runCtx.Err() == nil {
				slog.Error("Input adapter stopped with error", "adapter", adapter.Name(), "error", err)
			}
		}()
	}
	return nil
}

func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	cancel := m.cancel
	inputs := make([]InputAdapter, len(m.inputs))
	copy(inputs, m.inputs)
	m.mu.Unlock()

	var errs []string
	for _, input := range inputs {
		if err := input.Stop(ctx); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", input.Name(), err))
		}
	}
	cancel()

	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, "inputs did not stop: "+ctx.Err().Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to stop adapters: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (m *Manager) Health(ctx context.Context) error {
	m.mu.RLock()
	inputs := make([]InputAdapter, len(m.inputs))
	copy(inputs, m.inputs)
	outputs := make([]OutputAdapter, 0, len(m.order))
	for _, p := range m.order {
		outputs = append(outputs, m.outputs[p])
	}
	m.mu.RUnlock()

	for _, input := range inputs {
		if err := input.Health(ctx); err != nil {
			return fmt.Errorf("input adapter %s unhealthy: %w", input.Name(), err)
		}
	}
	for _, output := range outputs {
		if err := output.Health(ctx); err != nil {
			return fmt.Errorf("output adapter %s unhealthy: %w", output.Name(), err)
		}
	}
	return nil
}
