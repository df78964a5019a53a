// Package config содержит логику чтения конфигурации эскроу-сервиса.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации эскроу-сервиса.
type Config struct {
	RunAddress     string `env:"RUN_ADDRESS"`
	DatabaseURI    string `env:"DATABASE_URI"`
	GatewayAddress string `env:"GATEWAY_ADDRESS"`
	NotifyAddress  string `env:"NOTIFY_ADDRESS"`

	// WebhookSecret — ключ проверки подписи вебхуков шлюза.
	// Пустое значение отключает проверку (локальная разработка).
	WebhookSecret string `env:"GATEWAY_WEBHOOK_SECRET"`
	// SweepToken — общий секрет для ручного запуска плановой сверки.
	SweepToken string `env:"SWEEP_TOKEN"`

	SweepInterval time.Duration `env:"SWEEP_INTERVAL"`
	// AcceptGrace — срок, после которого доставленная веха принимается автоматически.
	AcceptGrace time.Duration `env:"MILESTONE_ACCEPT_GRACE"`
	// FeePercent — комиссия площадки в процентах от суммы пополнения.
	FeePercent int `env:"PLATFORM_FEE_PERCENT"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGatewayAddress := cfg.GatewayAddress
	envNotifyAddress := cfg.NotifyAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.GatewayAddress, "g", "", "payment gateway address")
	flag.StringVar(&cfg.NotifyAddress, "n", "", "notification system address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envGatewayAddress != "" {
		cfg.GatewayAddress = envGatewayAddress
	}
	if envNotifyAddress != "" {
		cfg.NotifyAddress = envNotifyAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 3 * time.Minute
	}
	if cfg.AcceptGrace <= 0 {
		cfg.AcceptGrace = 72 * time.Hour
	}
	if cfg.FeePercent <= 0 {
		cfg.FeePercent = 10
	}

	return cfg, nil
}
