package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"warelay/internal/botconfig"
	"warelay/internal/config"
	"warelay/internal/httpx"
	"warelay/internal/journal"
)

func statusCmd() *cobra.Command {
	var probe string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show relay configuration status",
		Long:  "Reports missing required settings and, with --probe, resolves the bot configured for a business phone number.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger.Info("config", "path", resolveConfigPath(), "backend", cfg.Backend.BaseURL, "mode", cfg.Backend.Mode)

			if missing := config.Missing(cfg); len(missing) > 0 {
				logger.Warn("required settings missing", "missing", missing)
			} else {
				logger.Info("required settings present")
			}

			if cfg.Journal.Enabled {
				if err := journalSummary(cmd.Context(), cfg); err != nil {
					logger.Warn("journal unavailable", "err", err)
				}
			}

			if probe == "" {
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			resolver := botconfig.New(botconfig.Config{
				BaseURL:    cfg.Backend.BaseURL,
				Referrer:   cfg.Backend.Referrer,
				MaxRetries: cfg.Backend.ConfigRetries,
				Client:     httpx.SharedClient(cfg.Backend.ConnectTimeout()),
				Logger:     logger,
			})
			bot, err := resolver.Resolve(ctx, probe)
			if err != nil {
				return fmt.Errorf("probe %s: %w", probe, err)
			}
			logger.Info("bot configuration", "phone", probe, "bot_id", bot.BotID, "credential", "set")
			return nil
		},
	}
	cmd.Flags().StringVar(&probe, "probe", "", "business phone number to resolve against the backend")
	return cmd
}

func journalSummary(ctx context.Context, cfg *config.Config) error {
	store, err := journal.Open(cfg.Journal.DBPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	counts, err := store.Counts(ctx)
	if err != nil {
		return err
	}
	logger.Info("journal", "db", cfg.Journal.DBPath, "counts", counts)
	return nil
}
