package adapter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"charm.land/lipgloss/v2"
)

var (
	cliReplyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cliErrorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	cliTypingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Italic(true)
)

// CLIAdapter is a single local chat over a terminal: lines read from in are
// inbound messages, replies are printed to out.
type CLIAdapter struct {
	nativeID     string
	in           io.Reader
	out          io.Writer
	eventHandler EventHandler

	mu      sync.Mutex
	running bool
	typing  bool
}

func NewCLIAdapter(nativeID string, in io.Reader, out io.Writer, eventHandler EventHandler) *CLIAdapter {
	if nativeID == "" {
		nativeID = "local"
	}
	return &CLIAdapter{nativeID: nativeID, in: in, out: out, eventHandler: eventHandler}
}

func (a *CLIAdapter) Name() string {
	return "cli"
}

func (a *CLIAdapter) Prefix() string {
	return PrefixCLI
}

func (a *CLIAdapter) ChatID() string {
	return ChatID(PrefixCLI, a.nativeID)
}

// Start reads lines until in is exhausted or ctx ends. A blocked read on a
// terminal is abandoned, not interrupted.
func (a *CLIAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	a.running = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	a.prompt()
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(a.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				a.prompt()
				continue
			}
			seq++
			ev := Event{
				Source:     "cli",
				ChatID:     a.ChatID(),
				Text:       line,
				SenderName: "operator",
				Key:        fmt.Sprintf("cli:%d", seq),
			}
			if a.eventHandler != nil {
				if err := a.eventHandler(ctx, ev); err != nil {
					slog.Error("Failed to handle CLI event", "error", err)
				}
			}
		}
	}
}

func (a *CLIAdapter) Stop(ctx context.Context) error {
	return nil
}

func (a *CLIAdapter) Send(ctx context.Context, nativeID string, content string) error {
	style := cliReplyStyle
	if strings.HasPrefix(content, "Error:") {
		style = cliErrorStyle
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.typing = false
	// \r and erase-line drop the pending prompt before printing.
	fmt.Fprint(a.out, "\r\033[K")
	fmt.Fprintln(a.out, style.Render(content))
	fmt.Fprint(a.out, "> ")
	return nil
}

// SendTyping prints one indicator per turn rather than one per tick.
func (a *CLIAdapter) SendTyping(ctx context.Context, nativeID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.typing {
		return nil
	}
	a.typing = true
	fmt.Fprint(a.out, "\r\033[K")
	fmt.Fprint(a.out, cliTypingStyle.Render("typing..."))
	return nil
}

func (a *CLIAdapter) Health(ctx context.Context) error {
	return nil
}

func (a *CLIAdapter) prompt() {
	a.mu.Lock()
	defer a.mu.Unlock()
	fmt.Fprint(a.out, "> ")
}
