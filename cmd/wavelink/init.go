package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token> <uid>",
	Short: "Store auth token and user id in ~/.wavelink/config.toml",
	Long:  "Initialize the Wavelink CLI by storing your auth token and numeric user id in the local configuration file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]
		uid, err := strconv.Atoi(args[1])
		if err != nil || uid <= 0 {
			return fmt.Errorf("uid must be a positive integer, got %q", args[1])
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		cfg.Auth.UID = uid

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Credentials saved to %s\n", path)
		return nil
	},
}
