package adapter

import (
	"context"
	"strings"
	"time"
)

// Chat id prefixes. Every chat id is "<prefix>:<native id>" so one daemon can
// serve several transports without collisions.
const (
	PrefixTelegram = "tg"
	PrefixSlack    = "slack"
	PrefixCLI      = "cli"
)

// Event is one inbound chat message, already normalized to a chat id.
type Event struct {
	Source     string
	ChatID     string
	Text       string
	SenderName string
	// Key identifies the delivery for dedupe, e.g. "tg:update:<id>".
	Key string
}

// EventHandler receives inbound events. It lets adapters stay ignorant of the
// session registry.
type EventHandler func(ctx context.Context, ev Event) error

// Deduper records delivery keys; it reports true for a key seen before.
type Deduper interface {
	CheckAndMarkKey(key string, ttl time.Duration) bool
}

// Command is advertised to the transport for autocompletion.
type Command struct {
	Name        string
	Description string
}

// InputAdapter receives events from an external platform.
type InputAdapter interface {
	Name() string

	// Start begins listening (server or long-poll). Must respect ctx.
	Start(ctx context.Context) error

	Stop(ctx context.Context) error

	Health(ctx context.Context) error
}

// OutputAdapter delivers text to chats under one chat id prefix.
type OutputAdapter interface {
	Name() string

	// Prefix is the chat id namespace the adapter owns.
	Prefix() string

	// Send delivers content to the native chat id, splitting as needed.
	Send(ctx context.Context, nativeID string, content string) error

	// SendTyping shows a typing indicator where the platform supports one.
	SendTyping(ctx context.Context, nativeID string) error

	Health(ctx context.Context) error
}

// CommandRegistrar is implemented by transports that can advertise commands.
type CommandRegistrar interface {
	RegisterCommands(ctx context.Context, cmds []Command) error
}

// ChatID joins a transport prefix and a native id.
func ChatID(prefix, nativeID string) string {
	return prefix + ":" + nativeID
}

// SplitChatID separates a chat id into its prefix and native id.
func SplitChatID(chatID string) (prefix, nativeID string, ok bool) {
	prefix, nativeID, ok = strings.Cut(chatID, ":")
	if !ok || prefix == "" || nativeID == "" {
		return "", "", false
	}
	return prefix, nativeID, true
}

// SplitMessage breaks text into chunks of at most max runes, preferring to
// cut at a newline, then at a space.
func SplitMessage(text string, max int) []string {
	if max <= 0 {
		return []string{text}
	}
	runes := []rune(text)
	if len(runes) <= max {
		return []string{text}
	}

	var chunks []string
	for len(runes) > max {
		cut := lastIndex(runes[:max], '\n')
		if cut < max/2 {
			if sp := lastIndex(runes[:max], ' '); sp > cut {
				cut = sp
			}
		}
		if cut <= 0 {
			cut = max
		}
		chunk := strings.TrimRight(string(runes[:cut]), " \n")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		runes = []rune(strings.TrimLeft(string(runes[cut:]), " \n"))
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

func lastIndex(runes []rune, r rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == r {
			return i
		}
	}
	return -1
}
