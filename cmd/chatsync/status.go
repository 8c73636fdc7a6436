package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and relay status",
	Long:  "Display the effective configuration, the local cache size, and the health of the configured relay.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Default.UserID, "(not set)"))
		fmt.Printf("  Relay URL:   %s\n", cfg.Default.RelayURL)
		fmt.Printf("  Store:       %s\n", cfg.Store.Driver)
		switch cfg.Store.Driver {
		case DriverSQLite:
			fmt.Printf("  SQLite:      %s\n", cfg.Store.SQLitePath)
		case DriverMongo:
			fmt.Printf("  MongoDB:     %s/%s\n", valueOrDefault(cfg.Store.MongoURI, "(not set)"), cfg.Store.MongoDatabase)
		}
		if cfg.Relay.WebhookSecret != "" {
			fmt.Printf("  Webhook:     %s (secret %s)\n", valueOrDefault(cfg.Relay.WebhookURL, "(no url)"), maskSecret(cfg.Relay.WebhookSecret))
		}

		fmt.Println()
		fmt.Println("Cache:")
		fmt.Printf("  Path:        %s\n", cfg.Cache.Path)
		if stats, err := readCacheStats(cfg.Cache.Path, cfg.Cache.MaxMessages); err != nil {
			fmt.Printf("  Error:       %v\n", err)
		} else {
			fmt.Printf("  Size:        %s\n", stats.humanSize())
			fmt.Printf("  Threads:     %d (%d messages)\n", stats.conversations, stats.messages)
			fmt.Printf("  Keys:        %d\n", len(stats.keys))
		}

		fmt.Println()
		fmt.Println("Relay:")
		health, err := fetchHealth(cfg.Default.RelayURL)
		if err != nil {
			fmt.Printf("  Unreachable: %v\n", err)
			return nil
		}
		fmt.Printf("  Status:      %v\n", health["status"])
		fmt.Printf("  Connections: %v\n", health["connections"])
		fmt.Printf("  Channels:    %v\n", health["channels"])
		return nil
	},
}

// fetchHealth reads the relay health endpoint.
func fetchHealth(relayURL string) (map[string]any, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimRight(relayURL, "/") + "/healthz")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay returned %s", resp.Status)
	}
	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return health, nil
}
