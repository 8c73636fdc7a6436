package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/linkwave/chatsync/relay"
)

var relayServeAddr string

func init() {
	rootCmd.AddCommand(relayCmd)
	relayCmd.AddCommand(relayServeCmd)
	relayServeCmd.Flags().StringVar(&relayServeAddr, "addr", "", "Listen address (overrides relay.addr)")
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the realtime relay",
}

var relayServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the realtime relay",
	Long:  "Serve channel pub/sub and the realtime key/value store on /ws, with /healthz and /metrics.\nValues are kept in memory unless relay.redis_url is set.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		addr := cfg.Relay.Addr
		if relayServeAddr != "" {
			addr = relayServeAddr
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		opts := []relay.Option{
			relay.WithLogger(logger.Named("relay")),
			relay.WithRegistry(reg),
		}
		if cfg.Relay.RedisURL != "" {
			kv, err := relay.NewRedisKV(ctx, cfg.Relay.RedisURL, logger.Named("redis"))
			if err != nil {
				return fmt.Errorf("failed to connect to redis: %w", err)
			}
			opts = append(opts, relay.WithKV(kv))
			logger.Info("Using redis realtime store")
		}
		if cfg.Relay.ClientEventRate > 0 {
			burst := cfg.Relay.ClientEventBurst
			if burst <= 0 {
				burst = max(1, int(cfg.Relay.ClientEventRate*2))
			}
			opts = append(opts, relay.WithClientEventRate(cfg.Relay.ClientEventRate, burst))
		}
		if cfg.Relay.WebhookURL != "" {
			opts = append(opts, relay.WithWebhook(cfg.Relay.WebhookURL, cfg.Relay.WebhookSecret))
		}

		srv, err := relay.NewServer(opts...)
		if err != nil {
			return err
		}
		fmt.Printf("Relay listening on %s\n", addr)
		if err := srv.ListenAndServe(ctx, addr); err != nil {
			logger.Error("Relay stopped", zap.Error(err))
			return err
		}
		return nil
	},
}
