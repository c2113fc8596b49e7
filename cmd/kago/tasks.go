package main

import (
	"fmt"
	"strings"

	"github.com/harunnryd/kago/internal/scheduler"

	"github.com/spf13/cobra"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Manage scheduled tasks",
	Long:  `List, add, pause, resume and remove scheduled tasks. Changes are written to tasks.json and picked up by a running daemon on its next tick.`,
}

var tasksLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List scheduled tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadedConfig(cmd)
		if err != nil {
			return err
		}
		chatID, _ := cmd.Flags().GetString("chat")

		tasks, err := openTaskStore(c)
		if err != nil {
			return err
		}
		list, err := tasks.List(strings.TrimSpace(chatID))
		if err != nil {
			return fmt.Errorf("failed to list tasks: %w", err)
		}

		f, err := outputFormatter(cmd)
		if err != nil {
			return err
		}
		out, err := f.FormatTasks(list)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

var tasksShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadedConfig(cmd)
		if err != nil {
			return err
		}
		tasks, err := openTaskStore(c)
		if err != nil {
			return err
		}
		task, err := tasks.Get(args[0])
		if err != nil {
			return err
		}

		f, err := outputFormatter(cmd)
		if err != nil {
			return err
		}
		out, err := f.FormatTask(&task)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

var tasksAddCmd = &cobra.Command{
	Use:   "add [prompt]",
	Short: "Schedule a task",
	Long: `Schedule a prompt for a chat. --kind is cron (five-field expression),
interval (milliseconds) or once (local timestamp, no zone suffix). A --label
that already exists for the chat replaces that task.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadedConfig(cmd)
		if err != nil {
			return err
		}
		chatID, _ := cmd.Flags().GetString("chat")
		kind, _ := cmd.Flags().GetString("kind")
		value, _ := cmd.Flags().GetString("schedule")
		label, _ := cmd.Flags().GetString("label")
		model, _ := cmd.Flags().GetString("model")

		tasks, err := openTaskStore(c)
		if err != nil {
			return err
		}
		task, err := tasks.Schedule(scheduler.ScheduleRequest{
			ChatID: chatID,
			Label:  label,
			Prompt: args[0],
			Kind:   scheduler.ScheduleKind(kind),
			Value:  value,
			Model:  model,
		})
		if err != nil {
			return fmt.Errorf("failed to schedule task: %w", err)
		}

		next := "never"
		if task.NextRun != nil {
			next = task.NextRun.In(tasks.Location()).Format("2006-01-02 15:04:05 MST")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Task %s scheduled, next run %s\n", task.Name(), next)
		return nil
	},
}

func setTaskStatus(status scheduler.TaskStatus, verb string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := loadedConfig(cmd)
		if err != nil {
			return err
		}
		tasks, err := openTaskStore(c)
		if err != nil {
			return err
		}
		task, err := tasks.Update("", args[0], scheduler.TaskUpdate{Status: &status})
		if err != nil {
			return fmt.Errorf("failed to %s task: %w", verb, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Task %s %sd\n", task.Name(), verb)
		return nil
	}
}

var tasksPauseCmd = &cobra.Command{
	Use:   "pause [id]",
	Short: "Pause a task",
	Args:  cobra.ExactArgs(1),
	RunE:  setTaskStatus(scheduler.StatusPaused, "pause"),
}

var tasksResumeCmd = &cobra.Command{
	Use:   "resume [id]",
	Short: "Resume a paused task",
	Long:  `Resume a paused task. Its next run is computed from now.`,
	Args:  cobra.ExactArgs(1),
	RunE:  setTaskStatus(scheduler.StatusActive, "resume"),
}

var tasksRmCmd = &cobra.Command{
	Use:   "rm [id]",
	Short: "Remove a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadedConfig(cmd)
		if err != nil {
			return err
		}
		tasks, err := openTaskStore(c)
		if err != nil {
			return err
		}
		task, err := tasks.Delete("", args[0])
		if err != nil {
			return fmt.Errorf("failed to remove task: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Task %s removed\n", task.Name())
		return nil
	},
}

func init() {
	tasksLsCmd.Flags().String("chat", "", "only tasks of this chat id")
	addOutputFlag(tasksLsCmd)
	addOutputFlag(tasksShowCmd)

	tasksAddCmd.Flags().String("chat", "", "chat id, e.g. tg:12345")
	tasksAddCmd.Flags().String("kind", string(scheduler.KindCron), "schedule kind (cron, interval, once)")
	tasksAddCmd.Flags().String("schedule", "", "schedule value for --kind")
	tasksAddCmd.Flags().String("label", "", "optional name, unique per chat")
	tasksAddCmd.Flags().String("model", "", "model override for this task")
	_ = tasksAddCmd.MarkFlagRequired("chat")
	_ = tasksAddCmd.MarkFlagRequired("schedule")

	tasksCmd.AddCommand(tasksLsCmd, tasksShowCmd, tasksAddCmd, tasksPauseCmd, tasksResumeCmd, tasksRmCmd)
	rootCmd.AddCommand(tasksCmd)
}
