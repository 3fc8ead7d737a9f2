package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"warelay/internal/backend"
	"warelay/internal/botconfig"
	"warelay/internal/config"
	"warelay/internal/dedup"
	"warelay/internal/domain"
	"warelay/internal/events"
	"warelay/internal/httpx"
	"warelay/internal/journal"
	"warelay/internal/relay"
	"warelay/internal/server"
	"warelay/internal/whatsapp"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook relay",
		Long:  "Serves the WhatsApp webhook, the health endpoint and metrics. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, closeLog, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()
	logger = log

	if missing := config.Missing(cfg); len(missing) > 0 {
		logger.Warn("required settings missing, relay will fail until set", "missing", missing)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resolver := botconfig.New(botconfig.Config{
		BaseURL:    cfg.Backend.BaseURL,
		Referrer:   cfg.Backend.Referrer,
		CacheTTL:   cfg.Backend.ConfigCacheTTL(),
		MaxRetries: cfg.Backend.ConfigRetries,
		Client:     httpx.SharedClient(cfg.Backend.ConnectTimeout()),
		Logger:     logger,
	})

	var (
		replier  domain.Replier
		sessions *backend.SessionManager
	)
	switch cfg.Backend.Mode {
	case "socket":
		sessions = backend.NewSessionManager(backend.SessionManagerConfig{
			Dialer:         backend.NewWSDialer(cfg.Backend.BaseURL, cfg.Backend.SocketPath, cfg.Backend.Referrer, cfg.Backend.ConnectTimeout()),
			ConnectTimeout: cfg.Backend.ConnectTimeout(),
			TurnTimeout:    cfg.Backend.TurnTimeout(),
			IdleTimeout:    cfg.Backend.IdleTimeout(),
			Logger:         logger,
		})
		defer sessions.Close()
		replier = backend.NewSocketReplier(sessions, logger)
	default:
		replier = backend.NewStreamReplier(backend.StreamReplierConfig{
			BaseURL:  cfg.Backend.BaseURL,
			Referrer: cfg.Backend.Referrer,
			Timeout:  cfg.Backend.TurnTimeout(),
			Client:   httpx.StreamingClient(cfg.Backend.ConnectTimeout()),
			Logger:   logger,
		})
	}
	logger.Info("backend configured", "mode", cfg.Backend.Mode, "base_url", cfg.Backend.BaseURL)

	messenger := whatsapp.NewClient(whatsapp.ClientConfig{
		APIBase:    cfg.WhatsApp.APIBase,
		APIVersion: cfg.WhatsApp.APIVersion,
		Timeout:    cfg.WhatsApp.RequestTimeout(),
		Logger:     logger,
	})

	seen := dedup.New(cfg.Relay.DedupRetention())

	var (
		observers []relay.Observer
		store     *journal.Store
	)
	if cfg.Journal.Enabled {
		store, err = journal.Open(cfg.Journal.DBPath, logger)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		defer store.Close()
		observers = append(observers, store)
		logger.Info("journal enabled", "db", cfg.Journal.DBPath)
	}
	if cfg.Events.Enabled {
		pub, err := events.Connect(events.Config{
			URL:       cfg.Events.NATSURL,
			Prefix:    cfg.Events.SubjectPrefix,
			JetStream: cfg.Events.JetStream,
			Logger:    logger,
		})
		if err != nil {
			logger.Warn("relay events disabled", "err", err)
		} else {
			defer pub.Close()
			observers = append(observers, pub)
		}
	}

	handler := relay.NewHandler(relay.HandlerConfig{
		VerifyToken: cfg.WhatsApp.VerifyToken,
		AppSecret:   cfg.WhatsApp.AppSecret,
		Typing:      cfg.WhatsApp.TypingIndicator,
		Dedup:       seen,
		Resolver:    resolver,
		Replier:     replier,
		Messenger:   messenger,
		Observers:   observers,
		Logger:      logger,
	})

	sched, err := startMaintenance(cfg, seen, sessions, store)
	if err != nil {
		return err
	}
	defer func() { <-sched.Stop().Done() }()

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Server.MetricsPath
	}
	srv := server.New(server.Config{
		Addr:        cfg.Server.Addr(),
		WebhookPath: cfg.Server.WebhookPath,
		HealthPath:  cfg.Server.HealthPath,
		MetricsPath: metricsPath,
		Webhook:     handler,
		Missing:     func() []string { return config.Missing(cfg) },
		Logger:      logger,
	})

	logger.Info("warelay started. Press Ctrl+C to stop.", "version", version)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// startMaintenance schedules the idle-session sweep, dedup pruning and
// journal retention.
func startMaintenance(cfg *config.Config, seen *dedup.Cache, sessions *backend.SessionManager, store *journal.Store) (*cron.Cron, error) {
	sched := cron.New()

	if sessions != nil {
		spec := every(cfg.Backend.SweepInterval())
		if _, err := sched.AddFunc(spec, func() {
			if n := sessions.Sweep(); n > 0 {
				logger.Info("idle backend sessions swept", "closed", n, "remaining", sessions.Len())
			}
		}); err != nil {
			return nil, fmt.Errorf("schedule session sweep: %w", err)
		}
	}

	if _, err := sched.AddFunc(every(time.Minute), func() {
		if n := seen.Prune(); n > 0 {
			logger.Debug("dedup entries expired", "removed", n)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule dedup prune: %w", err)
	}

	if store != nil {
		retention := time.Duration(cfg.Journal.RetentionDays) * 24 * time.Hour
		if _, err := sched.AddFunc("@daily", func() {
			if _, err := store.Prune(context.Background(), time.Now().Add(-retention)); err != nil {
				logger.Warn("journal prune failed", "err", err)
			}
		}); err != nil {
			return nil, fmt.Errorf("schedule journal prune: %w", err)
		}
	}

	sched.Start()
	return sched, nil
}

func every(d time.Duration) string {
	return "@every " + d.String()
}
