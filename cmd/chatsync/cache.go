package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/linkwave/chatsync"
	"github.com/linkwave/chatsync/pebblekv"
)

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheShowCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

type cacheStats struct {
	bytes         int
	conversations int
	messages      int
	keys          []string
}

func (s cacheStats) humanSize() string {
	return humanize.Bytes(uint64(s.bytes))
}

// readCacheStats summarizes the cache stored at path.
func readCacheStats(path string, limit int) (cacheStats, error) {
	storage, err := pebblekv.Open(path)
	if err != nil {
		return cacheStats{}, err
	}
	defer storage.Close()

	store := chatsync.NewLocalStore(storage, limit, logger.Named("cache"))
	stats := cacheStats{
		bytes:         store.Size(),
		conversations: len(store.GetConversations()),
	}
	for _, c := range store.GetConversations() {
		stats.messages += len(store.GetMessages(c.ID))
	}
	stats.keys, err = storage.Keys()
	return stats, err
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the local message cache",
}

var cacheShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show cached conversations and cache size",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		storage, err := pebblekv.Open(cfg.Cache.Path)
		if err != nil {
			return fmt.Errorf("failed to open cache: %w", err)
		}
		defer storage.Close()
		store := chatsync.NewLocalStore(storage, cfg.Cache.MaxMessages, logger.Named("cache"))

		fmt.Printf("Cache: %s (%s, limit %d messages per conversation)\n",
			cfg.Cache.Path, humanize.Bytes(uint64(store.Size())), store.Limit())

		conversations := store.GetConversations()
		if len(conversations) == 0 {
			fmt.Println("No cached conversations.")
			return nil
		}
		for _, c := range conversations {
			cached := store.GetMessages(c.ID)
			online := ""
			if c.Counterpart.Online {
				online = " *"
			}
			last := "never"
			if !c.LastMessageAt.IsZero() {
				last = humanize.Time(c.LastMessageAt)
			}
			fmt.Printf("  %s with %s%s: %d cached, %d unread, last %s\n",
				c.ID, valueOrDefault(c.Counterpart.DisplayName, c.Counterpart.UserID), online,
				len(cached), c.UnreadCount, last)
		}
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached message and conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		storage, err := pebblekv.Open(cfg.Cache.Path)
		if err != nil {
			return fmt.Errorf("failed to open cache: %w", err)
		}
		defer storage.Close()

		store := chatsync.NewLocalStore(storage, cfg.Cache.MaxMessages, logger.Named("cache"))
		freed := store.Size()
		store.Clear()
		logger.Debug("Cache cleared", zap.String("path", cfg.Cache.Path), zap.Int("bytes", freed))
		fmt.Printf("Cleared %s from %s\n", humanize.Bytes(uint64(freed)), cfg.Cache.Path)
		return nil
	},
}
