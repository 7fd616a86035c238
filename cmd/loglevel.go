package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thellimist/oidcauth/internal/config"
	"github.com/thellimist/oidcauth/internal/logger"
)

var setLogLevelCmd = &cobra.Command{
	Use:   "set-log-level <debug|info|warn|error>",
	Short: "Set and persist the log level",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.SetLevel(args[0]); err != nil {
			return err
		}
		cfg.LogLevel = logger.Level()
		if err := config.Save(flagConfig, cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Log level set to %s\n", cfg.LogLevel)
		return nil
	},
}
