package config

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			WebhookPath: "/api/webhook",
			HealthPath:  "/api",
			MetricsPath: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		WhatsApp: WhatsAppConfig{
			APIBase:               "https://graph.facebook.com",
			APIVersion:            "v18.0",
			TypingIndicator:       true,
			RequestTimeoutSeconds: 30,
		},
		Backend: BackendConfig{
			Mode:                  "stream",
			SocketPath:            "/chat-socket",
			ConnectTimeoutSeconds: 10,
			TurnTimeoutSeconds:    30,
			IdleTimeoutSeconds:    300,
			SweepIntervalSeconds:  300,
			ConfigCacheSeconds:    300,
			ConfigRetries:         2,
		},
		Relay: RelayConfig{
			DedupRetentionSeconds: 300,
		},
		Journal: JournalConfig{
			Enabled:       false,
			DBPath:        "~/.warelay/journal.db",
			RetentionDays: 14,
		},
		Events: EventsConfig{
			Enabled:       false,
			NATSURL:       "nats://localhost:4222",
			SubjectPrefix: "warelay",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}
