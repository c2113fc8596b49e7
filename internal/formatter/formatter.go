package formatter

import (
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/kago/internal/ipc"
	"github.com/harunnryd/kago/internal/scheduler"
)

type OutputFormat string

const (
	OutputFormatTable OutputFormat = "table"
	OutputFormatJSON  OutputFormat = "json"
	OutputFormatYAML  OutputFormat = "yaml"
)

// SessionRow joins a persisted session with what the daemon reports live.
type SessionRow struct {
	ChatID       string    `json:"chatId"`
	SessionID    string    `json:"sessionId,omitempty"`
	Model        string    `json:"model,omitempty"`
	LastActivity time.Time `json:"lastActivity"`
	// Worker is the live container name; empty when idle or the daemon is down.
	Worker  string `json:"worker,omitempty"`
	Closing bool   `json:"closing,omitempty"`
	Pending int    `json:"pending,omitempty"`
}

type Formatter interface {
	FormatTasks([]scheduler.Task) (string, error)
	FormatTask(*scheduler.Task) (string, error)
	FormatSessions([]SessionRow) (string, error)
	FormatPrayers([]ipc.Prayer) (string, error)
}

type FormatterFactory struct{}

func NewFormatterFactory() *FormatterFactory {
	return &FormatterFactory{}
}

func (f *FormatterFactory) Create(format OutputFormat) (Formatter, error) {
	switch format {
	case OutputFormatTable:
		return NewTableFormatter(), nil
	case OutputFormatJSON:
		return NewJSONFormatter(), nil
	case OutputFormatYAML:
		return NewYAMLFormatter(), nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (supported: table, json, yaml)", format)
	}
}

func ParseOutputFormat(s string) (OutputFormat, error) {
	format := OutputFormat(strings.ToLower(s))
	switch format {
	case OutputFormatTable, OutputFormatJSON, OutputFormatYAML:
		return format, nil
	default:
		return "", fmt.Errorf("invalid output format: %s (supported: table, json, yaml)", s)
	}
}
