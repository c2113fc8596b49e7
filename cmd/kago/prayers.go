package main

import (
	"fmt"
	"time"

	"github.com/harunnryd/kago/internal/ipc"

	"github.com/spf13/cobra"
)

var prayersCmd = &cobra.Command{
	Use:   "prayers",
	Short: "Show requests agents filed for the operator",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadedConfig(cmd)
		if err != nil {
			return err
		}
		chatID, _ := cmd.Flags().GetString("chat")
		since, _ := cmd.Flags().GetDuration("since")
		limit, _ := cmd.Flags().GetInt("limit")

		paths, err := resolvePaths(c)
		if err != nil {
			return err
		}
		prayerLog, err := ipc.NewPrayerLog(paths.PrayersFile())
		if err != nil {
			return err
		}

		filter := ipc.PrayerFilter{ChatID: chatID, Limit: limit}
		if since > 0 {
			filter.Since = time.Now().Add(-since)
		}
		prayers, err := prayerLog.Query(filter)
		if err != nil {
			return fmt.Errorf("failed to read prayers: %w", err)
		}

		f, err := outputFormatter(cmd)
		if err != nil {
			return err
		}
		out, err := f.FormatPrayers(prayers)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	prayersCmd.Flags().String("chat", "", "only prayers from this chat id")
	prayersCmd.Flags().Duration("since", 0, "only prayers newer than this, e.g. 24h")
	prayersCmd.Flags().Int("limit", 50, "most recent entries to show (0 for all)")
	addOutputFlag(prayersCmd)
	rootCmd.AddCommand(prayersCmd)
}
