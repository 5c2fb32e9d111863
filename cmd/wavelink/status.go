package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and service status",
	Long:  "Display the current configuration and check whether the backend is reachable with the stored token.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Printf("  Cache dir: %s\n", valueOrDefault(cfg.Default.CacheDir, "(default)"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token: %s\n", maskToken(cfg.Auth.Token))
			fmt.Printf("  UID:   %d\n", cfg.Auth.UID)
		} else {
			fmt.Println("  Token: (not set)")
		}

		if cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		result, err := client.Health(ctx)
		if err != nil {
			fmt.Printf("  Error reaching service: %v\n", err)
			return nil
		}
		if !result.OK {
			if result.Error != nil {
				fmt.Printf("  API error: %s: %s\n", result.Error.Code, result.Error.Message)
			} else {
				fmt.Println("  API returned an error (no details)")
			}
			return nil
		}
		fmt.Println("  Service reachable.")
		return nil
	},
}
