package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/harunnryd/kago/internal/session"

	"github.com/spf13/cobra"
)

var compactCmd = &cobra.Command{
	Use:   "compact [chatId]",
	Short: "Squash a chat's workspace history",
	Long: `Collapse the git history of a chat workspace into one commit of the
current tree. Refuses while the chat has a live worker unless --force.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadedConfig(cmd)
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")
		chatID := args[0]

		if !force {
			var live []session.ChatStatus
			err := newDaemonClient(c).do(cmd.Context(), http.MethodGet, "/sessions", nil, &live)
			var unreachable *daemonUnreachableError
			switch {
			case errors.As(err, &unreachable):
				slog.Debug("Daemon not reachable, skipping live worker check", "error", err)
			case err != nil:
				return err
			default:
				for _, st := range live {
					if st.ChatID == chatID && st.Active {
						return fmt.Errorf("chat %s has a live worker (%s); retry when idle or pass --force", chatID, st.Container)
					}
				}
			}
		}

		paths, err := resolvePaths(c)
		if err != nil {
			return err
		}
		snap := session.NewGitSnapshotter(paths)
		if !snap.Available() {
			return fmt.Errorf("git not found in PATH")
		}
		if err := snap.Compact(cmd.Context(), chatID); err != nil {
			return fmt.Errorf("failed to compact workspace: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Workspace history for %s compacted\n", chatID)
		return nil
	},
}

func init() {
	compactCmd.Flags().Bool("force", false, "compact even when a worker is live")
	rootCmd.AddCommand(compactCmd)
}
