package session

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/kago/internal/store"

	"github.com/dustin/go-humanize"
	"github.com/google/shlex"
)

// Command is a slash command handled by the registry instead of the worker.
type Command struct {
	Name string
	Args []string
}

// Commands are registered with the transports for autocompletion.
var Commands = []CommandInfo{
	{Name: "reset", Description: "Start a fresh session, optionally pinning a model"},
	{Name: "model", Description: "Show or pin the model for new workers"},
	{Name: "status", Description: "Show this chat's worker and session"},
	{Name: "tasks", Description: "List this chat's scheduled tasks"},
}

type CommandInfo struct {
	Name        string
	Description string
}

// parseCommand recognizes the registry's own commands. Other slash-prefixed
// text goes to the worker untouched.
func parseCommand(text string) (Command, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return Command{}, false
	}
	parts, err := shlex.Split(text)
	if err != nil {
		parts = strings.Fields(text)
	}
	if len(parts) == 0 {
		return Command{}, false
	}

	name := strings.TrimPrefix(parts[0], "/")
	// Telegram group syntax: /status@my_bot
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	name = strings.ToLower(name)
	for _, c := range Commands {
		if c.Name == name {
			return Command{Name: name, Args: parts[1:]}, true
		}
	}
	return Command{}, false
}

func (r *Registry) onCommand(msg Message, cmd Command) {
	slog.Info("Executing slash command", "cmd", cmd.Name, "chat_id", msg.ChatID)

	var reply string
	var err error
	switch cmd.Name {
	case "reset":
		reply, err = r.handleReset(msg.ChatID, cmd.Args)
	case "model":
		reply, err = r.handleModel(msg.ChatID, cmd.Args)
	case "status":
		reply, err = r.handleStatus(msg.ChatID)
	case "tasks":
		reply, err = r.handleTasks(msg.ChatID)
	}

	if err != nil {
		reply = fmt.Sprintf("Command failed: %v", err)
		slog.Error("Command execution failed", "cmd", cmd.Name, "chat_id", msg.ChatID, "error", err)
	}
	r.sendAsync(msg.ChatID, reply)
}

func (r *Registry) handleReset(chatID string, args []string) (string, error) {
	model := ""
	if len(args) > 0 {
		model = args[0]
	}
	reply := make(chan error, 1)
	r.onReset(resetEvent{chatID: chatID, model: model, reply: reply})
	if err := <-reply; err != nil {
		return "", err
	}
	if model != "" {
		return fmt.Sprintf("Session reset. New workers use %s.", model), nil
	}
	return "Session reset.", nil
}

func (r *Registry) handleModel(chatID string, args []string) (string, error) {
	s, err := r.deps.Store.GetSession(chatID)
	if err != nil {
		return "", err
	}
	if len(args) == 0 {
		if s == nil || s.Model == "" {
			return "Using the default model. Usage: /model <name>", nil
		}
		return fmt.Sprintf("Using %s. Usage: /model <name>", s.Model), nil
	}

	next := store.Session{ChatID: chatID, LastActivity: r.now()}
	if s != nil {
		next = *s
	}
	next.Model = args[0]
	if err := r.deps.Store.SaveSession(next); err != nil {
		return "", err
	}
	return fmt.Sprintf("Model set to %s. It applies from the next worker.", next.Model), nil
}

func (r *Registry) handleStatus(chatID string) (string, error) {
	s, err := r.deps.Store.GetSession(chatID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	st := r.chats[chatID]
	switch {
	case st == nil || st.active == nil:
		b.WriteString("Worker: idle\n")
	case st.active.worker == nil:
		b.WriteString("Worker: starting\n")
	default:
		state := "active"
		if st.active.closing {
			state = "closing"
		}
		if st.active.task != nil {
			state += ", scheduled task"
		}
		fmt.Fprintf(&b, "Worker: %s (%s, up %s)\n", st.active.name, state, strings.TrimSpace(humanize.RelTime(st.active.startedAt, r.now(), "", "")))
	}

	if s == nil || s.SessionID == "" {
		b.WriteString("Session: none\n")
	} else {
		fmt.Fprintf(&b, "Session: %s\n", shortID(s.SessionID))
	}
	model := "default"
	if s != nil && s.Model != "" {
		model = s.Model
	}
	fmt.Fprintf(&b, "Model: %s", model)
	if s != nil && !s.LastActivity.IsZero() {
		fmt.Fprintf(&b, "\nLast activity: %s", humanize.RelTime(s.LastActivity, r.now(), "ago", "from now"))
	}
	if st != nil && len(st.pending) > 0 {
		fmt.Fprintf(&b, "\nQueued messages: %d", len(st.pending))
	}
	return b.String(), nil
}

func (r *Registry) handleTasks(chatID string) (string, error) {
	if r.deps.Tasks == nil {
		return "Scheduled tasks are not available.", nil
	}
	tasks, err := r.deps.Tasks.List(chatID)
	if err != nil {
		return "", err
	}
	if len(tasks) == 0 {
		return "No scheduled tasks.", nil
	}

	var b strings.Builder
	for i, t := range tasks {
		if i > 0 {
			b.WriteString("\n")
		}
		next := "never"
		if t.NextRun != nil {
			next = humanize.RelTime(*t.NextRun, r.now(), "ago", "from now")
		}
		fmt.Fprintf(&b, "%s [%s] %s %s, next %s", t.Name(), t.Status, t.ScheduleKind, t.ScheduleValue, next)
	}
	return b.String(), nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
