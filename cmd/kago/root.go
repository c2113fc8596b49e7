package main

import (
	"fmt"
	"os"

	"github.com/harunnryd/kago/internal/config"
	"github.com/harunnryd/kago/internal/logger"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "kago",
	Short: "Kago agent session daemon",
	Long:  `Kago routes chat messages to containerized agent workers, one session per chat, and runs their scheduled tasks.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cmd)
		if err != nil {
			return err
		}

		logger.Setup(cfg.Server.LogLevel)
		return nil
	},
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.kago/config.yaml)")
	rootCmd.PersistentFlags().String("server.log_level", config.DefaultServerLogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Int("server.port", config.DefaultServerPort, "daemon HTTP port")
	rootCmd.PersistentFlags().String("daemon.data_path", "", "data directory (default is $HOME/.kago/data)")
}
