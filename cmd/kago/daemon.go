package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/harunnryd/kago/internal/adapter"
	"github.com/harunnryd/kago/internal/daemon"
	"github.com/harunnryd/kago/internal/daemon/components"

	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the session daemon",
	Long:  `Starts Kago as a long-running service: transports, the container manager, the mailbox broker, the session registry and the task scheduler.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		forceClean, _ := cmd.Flags().GetBool("force-clean-locks")
		console, _ := cmd.Flags().GetBool("console")

		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}
		if console {
			cfg.Adapters.CLI.Enabled = true
		}

		daemonMgr, err := daemon.NewDaemon(cfg)
		if err != nil {
			return fmt.Errorf("failed to create daemon manager: %w", err)
		}
		daemonMgr.SetForceCleanup(forceClean)

		storeComp := components.NewStoreWorkerComponent(cfg.Daemon.DataPath, &cfg.Store, cfg.Scheduler.Timezone)
		adaptersComp := components.NewAdaptersComponent(cfg.Adapters, storeComp, adapter.ManagerOptions{
			CLIIn:  os.Stdin,
			CLIOut: os.Stdout,
		})
		containersComp := components.NewContainersComponent(cfg, storeComp)
		ipcComp := components.NewIPCComponent(cfg.IPC, storeComp, adaptersComp)
		sessionsComp := components.NewSessionsComponent(cfg.Session, storeComp, adaptersComp, containersComp, ipcComp)
		schedulerComp := components.NewSchedulerComponent(cfg.Scheduler, storeComp, sessionsComp, adaptersComp)
		httpComp := components.NewHTTPServerComponent(daemonMgr, &cfg.Server, sessionsComp)

		daemonMgr.AddComponent(storeComp)
		daemonMgr.AddComponent(adaptersComp)
		daemonMgr.AddComponent(containersComp)
		daemonMgr.AddComponent(ipcComp)
		daemonMgr.AddComponent(sessionsComp)
		daemonMgr.AddComponent(schedulerComp)
		daemonMgr.AddComponent(httpComp)

		slog.Info("Kago Daemon starting up...", "port", cfg.Server.Port, "data_path", cfg.Daemon.DataPath)
		err = daemonMgr.Start(context.Background())
		if err != nil {
			// Cancellation via signal is the normal way out.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.Info("Kago Daemon stopped gracefully")
				return nil
			}
			return fmt.Errorf("daemon failed: %w", err)
		}

		slog.Info("Kago Daemon stopped gracefully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().Bool("force-clean-locks", false, "Remove the data directory lock file even if it looks fresh (it is still kept while held)")
	daemonCmd.Flags().Bool("console", false, "Also chat with the agent on this terminal (cli:<adapters.cli.chat_id>)")
}
