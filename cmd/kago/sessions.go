package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/harunnryd/kago/internal/config"
	"github.com/harunnryd/kago/internal/formatter"
	"github.com/harunnryd/kago/internal/session"
	"github.com/harunnryd/kago/internal/store"

	"github.com/spf13/cobra"
)

// The CLI fallback must not sit behind a running daemon for the full
// daemon lock timeout.
const (
	cliLockRetry    = 100 * time.Millisecond
	cliLockMaxRetry = 20
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and reset chat sessions",
}

var sessionsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List chat sessions",
	Long:  `List persisted chat sessions. When the daemon is running, live container state is shown alongside.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadedConfig(cmd)
		if err != nil {
			return err
		}
		paths, err := resolvePaths(c)
		if err != nil {
			return err
		}

		index, err := store.LoadSessions(paths)
		if err != nil {
			return fmt.Errorf("failed to read sessions: %w", err)
		}

		var live []session.ChatStatus
		if err := newDaemonClient(c).do(cmd.Context(), http.MethodGet, "/sessions", nil, &live); err != nil {
			slog.Debug("Live session state unavailable", "error", err)
			live = nil
		}

		f, err := outputFormatter(cmd)
		if err != nil {
			return err
		}
		out, err := f.FormatSessions(mergeSessionRows(index.Sessions, live))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

// mergeSessionRows joins persisted sessions with live daemon state. Chats
// the daemon knows about but that never got a session id are included.
func mergeSessionRows(persisted map[string]store.Session, live []session.ChatStatus) []formatter.SessionRow {
	rows := make(map[string]*formatter.SessionRow, len(persisted)+len(live))
	for chatID, s := range persisted {
		rows[chatID] = &formatter.SessionRow{
			ChatID:       chatID,
			SessionID:    s.SessionID,
			Model:        s.Model,
			LastActivity: s.LastActivity,
		}
	}
	for _, st := range live {
		row, ok := rows[st.ChatID]
		if !ok {
			row = &formatter.SessionRow{ChatID: st.ChatID}
			rows[st.ChatID] = row
		}
		if st.Active {
			row.Worker = st.Container
			row.Closing = st.Closing
		}
		row.Pending = st.Pending + st.QueuedTasks
		if st.LastActivity.After(row.LastActivity) {
			row.LastActivity = st.LastActivity
		}
	}

	out := make([]formatter.SessionRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out
}

var sessionsResetCmd = &cobra.Command{
	Use:   "reset [chatId]",
	Short: "Start a fresh session for a chat",
	Long: `Drop the chat's session id and agent state so the next message starts a
new conversation. Goes through the running daemon when there is one, so a
live worker is retired first; otherwise the data directory is updated
directly.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadedConfig(cmd)
		if err != nil {
			return err
		}
		model, _ := cmd.Flags().GetString("model")

		err = resetSession(cmd.Context(), c, args[0], model)
		if err != nil {
			return fmt.Errorf("failed to reset session: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Session for %s reset\n", args[0])
		return nil
	},
}

func resetSession(ctx context.Context, c *config.Config, chatID, model string) error {
	req := map[string]string{"chat_id": chatID, "model": model}
	err := newDaemonClient(c).do(ctx, http.MethodPost, "/sessions/reset", req, nil)
	var unreachable *daemonUnreachableError
	if !errors.As(err, &unreachable) {
		return err
	}
	slog.Debug("Daemon not reachable, resetting through the data directory", "error", err)

	worker, err := store.NewWorker(c.Daemon.DataPath, store.RuntimeConfig{
		LockTimeout:  cliLockRetry * cliLockMaxRetry,
		LockRetry:    cliLockRetry,
		LockMaxRetry: cliLockMaxRetry,
	})
	if err != nil {
		return err
	}
	worker.Start()
	defer worker.Stop()

	return worker.ResetSession(chatID, model)
}

func init() {
	addOutputFlag(sessionsLsCmd)
	sessionsResetCmd.Flags().String("model", "", "model for the new session (default keeps the configured one)")

	sessionsCmd.AddCommand(sessionsLsCmd, sessionsResetCmd)
	rootCmd.AddCommand(sessionsCmd)
}
