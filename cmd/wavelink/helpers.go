package main

import (
	"fmt"
	"os"
	"path/filepath"

	wavelink "github.com/wavelink-im/wavelink-go"
)

// getClient creates a Wavelink client authenticated with the stored token.
func getClient() *wavelink.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No auth token. Run 'wavelink init <token> <uid>' first.")
		os.Exit(1)
	}

	var opts []wavelink.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, wavelink.WithBaseURL(cfg.Default.BaseURL))
	}
	return wavelink.NewClient(cfg.Auth.Token, opts...)
}

// getEngine creates a sync engine over a file-backed cache under the
// configured cache directory (default ~/.wavelink/cache).
func getEngine() *wavelink.SyncEngine {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.UID <= 0 {
		fmt.Fprintln(os.Stderr, "No user id. Run 'wavelink init <token> <uid>' first.")
		os.Exit(1)
	}

	cacheDir := cfg.Default.CacheDir
	if cacheDir == "" {
		dir, derr := configDir()
		if derr != nil {
			fmt.Fprintf(os.Stderr, "Failed to locate config directory: %v\n", derr)
			os.Exit(1)
		}
		cacheDir = filepath.Join(dir, "cache")
	}
	storage, err := wavelink.NewFileStorage(cacheDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open cache: %v\n", err)
		os.Exit(1)
	}

	return wavelink.NewSyncEngine(getClient(), wavelink.EngineOptions{
		SelfUID: cfg.Auth.UID,
		Storage: storage,
	})
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
