package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <user-id> [relay-url]",
	Short: "Store the user identity in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing the user id and, optionally, the relay URL in the local configuration file.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadFileConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.UserID = args[0]
		if len(args) == 2 {
			cfg.Default.RelayURL = args[1]
		}
		if cfg.Store.Driver == "" {
			cfg.Store.Driver = DriverSQLite
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("User %s saved to %s\n", cfg.Default.UserID, path)
		return nil
	},
}
