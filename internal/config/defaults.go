package config

import "streamchat/internal/domain"

// Defaults returns the configuration used when a field is absent from the
// config file.
func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Chat: ChatConfig{
			URL:       "wss://localhost:8443/chat",
			CancelURL: "wss://localhost:8443/cancel",
			Flow: domain.Flow{
				Name:    "assistant",
				Pathway: "chat",
			},
			MaxAttempts:   3,
			BackoffBaseMs: 1000,
			BackoffCapMs:  5000,
			StopTimeoutMs: 5000,
		},
		API: APIConfig{
			BaseURL:        "https://localhost:8443/api",
			TimeoutSeconds: 15,
		},
		Tabs: []domain.TabConfig{
			{Name: "chat", Actionable: true},
		},
		Dwell: DwellConfig{
			Enabled:         false,
			IntervalSeconds: 30,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9190,
		},
	}
}
