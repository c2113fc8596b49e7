package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/kago/internal/pathutil"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Adapters  AdaptersConfig  `koanf:"adapters"`
	Container ContainerConfig `koanf:"container"`
	Session   SessionConfig   `koanf:"session"`
	IPC       IPCConfig       `koanf:"ipc"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Store     StoreConfig     `koanf:"store"`
	Daemon    DaemonConfig    `koanf:"daemon"`
}

type ServerConfig struct {
	Port            int    `koanf:"port"`
	LogLevel        string `koanf:"log_level"`
	ReadTimeout     string `koanf:"read_timeout"`
	WriteTimeout    string `koanf:"write_timeout"`
	IdleTimeout     string `koanf:"idle_timeout"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
}

type AdaptersConfig struct {
	Slack    SlackConfig    `koanf:"slack"`
	Telegram TelegramConfig `koanf:"telegram"`
	CLI      CLIConfig      `koanf:"cli"`
}

// CLIConfig enables a local console chat, mostly for trying workers without a bot token.
type CLIConfig struct {
	Enabled bool   `koanf:"enabled"`
	ChatID  string `koanf:"chat_id"`
}

type SlackConfig struct {
	Enabled         bool     `koanf:"enabled"`
	Port            int      `koanf:"port"`
	SigningSecret   string   `koanf:"signing_secret"`
	BotToken        string   `koanf:"bot_token"`
	AllowedChannels []string `koanf:"allowed_channels"`
}

type TelegramConfig struct {
	Enabled          bool    `koanf:"enabled"`
	BotToken         string  `koanf:"bot_token"`
	UpdateTimeout    int     `koanf:"update_timeout"`
	AllowedChats     []int64 `koanf:"allowed_chats"`
	MaxMessageLength int     `koanf:"max_message_length"`
}

// ContainerConfig controls how worker containers are built, launched and supervised.
type ContainerConfig struct {
	Runtime        string   `koanf:"runtime"`
	BaseImage      string   `koanf:"base_image"`
	NamePrefix     string   `koanf:"name_prefix"`
	Timeout        string   `koanf:"timeout"`
	IdleTimeout    string   `koanf:"idle_timeout"`
	TimeoutMargin  string   `koanf:"timeout_margin"`
	StopGrace      string   `koanf:"stop_grace"`
	SourceDir      string   `koanf:"source_dir"`
	SecretKeys     []string `koanf:"secret_keys"`
	MaxOutputBytes int      `koanf:"max_output_bytes"`
	ExtensionFile  string   `koanf:"extension_file"`
}

type SessionConfig struct {
	IdleTimeout    string `koanf:"idle_timeout"`
	TypingInterval string `koanf:"typing_interval"`
	InboxSize      int    `koanf:"inbox_size"`
}

type IPCConfig struct {
	PollInterval   string   `koanf:"poll_interval"`
	Debounce       string   `koanf:"debounce"`
	RedactPatterns []string `koanf:"redact_patterns"`
}

type SchedulerConfig struct {
	TickInterval    string `koanf:"tick_interval"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
	MaxConcurrent   int    `koanf:"max_concurrent"`
	Timezone        string `koanf:"timezone"`
}

type StoreConfig struct {
	LockTimeout  string `koanf:"lock_timeout"`
	LockRetry    string `koanf:"lock_retry"`
	LockMaxRetry int    `koanf:"lock_max_retry"`
	DedupeTTL    string `koanf:"dedupe_ttl"`
}

type DaemonConfig struct {
	DataPath               string `koanf:"data_path"`
	ShutdownTimeout        string `koanf:"shutdown_timeout"`
	HealthCheckInterval    string `koanf:"health_check_interval"`
	StartupShutdownTimeout string `koanf:"startup_shutdown_timeout"`
	PreflightTimeout       string `koanf:"preflight_timeout"`
	StaleLockTTL           string `koanf:"stale_lock_ttl"`
}

const (
	DefaultServerPort            = 8080
	DefaultServerLogLevel        = "info"
	DefaultServerReadTimeout     = "10s"
	DefaultServerWriteTimeout    = "10s"
	DefaultServerIdleTimeout     = "60s"
	DefaultServerShutdownTimeout = "5s"

	DefaultSlackPort                = 3000
	DefaultTelegramUpdateTimeout    = 60
	DefaultTelegramMaxMessageLength = 4096
	DefaultCLIChatID                = "local"

	DefaultContainerRuntime        = "docker"
	DefaultContainerBaseImage      = "kago-agent:latest"
	DefaultContainerNamePrefix     = "kago"
	DefaultContainerTimeout        = "30m"
	DefaultContainerIdleTimeout    = "30m"
	DefaultContainerTimeoutMargin  = "30s"
	DefaultContainerStopGrace      = "10s"
	DefaultContainerMaxOutputBytes = 10 * 1024 * 1024
	DefaultContainerExtensionFile  = "container/Dockerfile.extend"

	DefaultSessionIdleTimeout    = "30m"
	DefaultSessionTypingInterval = "4s"
	DefaultSessionInboxSize      = 256

	DefaultIPCPollInterval = "1s"
	DefaultIPCDebounce     = "100ms"

	DefaultSchedulerTickInterval    = "60s"
	DefaultSchedulerShutdownTimeout = "30s"
	DefaultSchedulerMaxConcurrent   = 4
	DefaultSchedulerTimezone        = "UTC"

	DefaultStoreLockTimeout  = "30s"
	DefaultStoreLockRetry    = "100ms"
	DefaultStoreLockMaxRetry = 300
	DefaultStoreDedupeTTL    = "24h"

	DefaultDaemonShutdownTimeout        = "30s"
	DefaultDaemonHealthCheckInterval    = "30s"
	DefaultDaemonStartupShutdownTimeout = "10s"
	DefaultDaemonPreflightTimeout       = "10s"
	DefaultDaemonStaleLockTTL           = "15m"
)

// DefaultSecretKeys are read from the daemon environment and passed to workers over stdin.
var DefaultSecretKeys = []string{"ANTHROPIC_API_KEY", "CLAUDE_CODE_OAUTH_TOKEN"}

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	// Hardcoded Defaults
	defaults := map[string]interface{}{
		"server.port":                          DefaultServerPort,
		"server.log_level":                     DefaultServerLogLevel,
		"server.read_timeout":                  DefaultServerReadTimeout,
		"server.write_timeout":                 DefaultServerWriteTimeout,
		"server.idle_timeout":                  DefaultServerIdleTimeout,
		"server.shutdown_timeout":              DefaultServerShutdownTimeout,
		"adapters.slack.port":                  DefaultSlackPort,
		"adapters.telegram.update_timeout":     DefaultTelegramUpdateTimeout,
		"adapters.telegram.max_message_length": DefaultTelegramMaxMessageLength,
		"adapters.cli.chat_id":                 DefaultCLIChatID,
		"container.runtime":                    DefaultContainerRuntime,
		"container.base_image":                 DefaultContainerBaseImage,
		"container.name_prefix":                DefaultContainerNamePrefix,
		"container.timeout":                    DefaultContainerTimeout,
		"container.idle_timeout":               DefaultContainerIdleTimeout,
		"container.timeout_margin":             DefaultContainerTimeoutMargin,
		"container.stop_grace":                 DefaultContainerStopGrace,
		"container.secret_keys":                DefaultSecretKeys,
		"container.max_output_bytes":           DefaultContainerMaxOutputBytes,
		"container.extension_file":             DefaultContainerExtensionFile,
		"session.idle_timeout":                 DefaultSessionIdleTimeout,
		"session.typing_interval":              DefaultSessionTypingInterval,
		"session.inbox_size":                   DefaultSessionInboxSize,
		"ipc.poll_interval":                    DefaultIPCPollInterval,
		"ipc.debounce":                         DefaultIPCDebounce,
		"scheduler.tick_interval":              DefaultSchedulerTickInterval,
		"scheduler.shutdown_timeout":           DefaultSchedulerShutdownTimeout,
		"scheduler.max_concurrent":             DefaultSchedulerMaxConcurrent,
		"scheduler.timezone":                   DefaultSchedulerTimezone,
		"store.lock_timeout":                   DefaultStoreLockTimeout,
		"store.lock_retry":                     DefaultStoreLockRetry,
		"store.lock_max_retry":                 DefaultStoreLockMaxRetry,
		"store.dedupe_ttl":                     DefaultStoreDedupeTTL,
		"daemon.data_path":                     filepath.Join(os.Getenv("HOME"), ".kago", "data"),
		"daemon.shutdown_timeout":              DefaultDaemonShutdownTimeout,
		"daemon.health_check_interval":         DefaultDaemonHealthCheckInterval,
		"daemon.startup_shutdown_timeout":      DefaultDaemonStartupShutdownTimeout,
		"daemon.preflight_timeout":             DefaultDaemonPreflightTimeout,
		"daemon.stale_lock_ttl":                DefaultDaemonStaleLockTTL,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// Config file loading
	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".kago", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	// Environment Variables
	k.Load(env.Provider("KAGO_", ".", envKey), nil)

	// CLI Flags
	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}

	// Tokens fall back to the conventional environment variables.
	if cfg.Adapters.Telegram.BotToken == "" {
		cfg.Adapters.Telegram.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if cfg.Adapters.Slack.BotToken == "" {
		cfg.Adapters.Slack.BotToken = os.Getenv("SLACK_BOT_TOKEN")
	}
	if cfg.Adapters.Slack.SigningSecret == "" {
		cfg.Adapters.Slack.SigningSecret = os.Getenv("SLACK_SIGNING_SECRET")
	}

	return &cfg, nil
}

func normalizePathFields(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	dataPath, err := expandConfiguredPath(cfg.Daemon.DataPath)
	if err != nil {
		return err
	}
	if dataPath != "" {
		cfg.Daemon.DataPath = dataPath
	}

	sourceDir, err := expandConfiguredPath(cfg.Container.SourceDir)
	if err != nil {
		return err
	}
	if sourceDir != "" {
		cfg.Container.SourceDir = sourceDir
	}

	return nil
}

func expandConfiguredPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	expanded, err := pathutil.Expand(trimmed)
	if err != nil {
		return "", err
	}
	return expanded, nil
}

// envKey maps KAGO_CONTAINER_BASE_IMAGE to container.base_image. Only the
// section separator becomes a dot; adapters carry one extra level.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, "KAGO_"))
	section, rest, ok := strings.Cut(key, "_")
	if !ok {
		return key
	}
	if section == "adapters" {
		if name, field, ok := strings.Cut(rest, "_"); ok {
			return section + "." + name + "." + field
		}
	}
	return section + "." + rest
}
