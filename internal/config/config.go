// Package config holds the configuration of the botstore service.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config contains the runtime parameters of the botstore service. The core
// parameters can also be set by flags; environment variables win.
type Config struct {
	RunAddress   string `env:"RUN_ADDRESS"`
	DatabaseURI  string `env:"DATABASE_URI"`
	RedisAddress string `env:"REDIS_ADDRESS"`
	FilesDir     string `env:"FILES_DIR"`

	AdminSecret   string `env:"ADMIN_SECRET"`
	AdminPassword string `env:"ADMIN_PASSWORD"`

	DownloadTokenTTL time.Duration `env:"DOWNLOAD_TOKEN_TTL" envDefault:"24h"`

	NowPaymentsAddress   string `env:"NOWPAYMENTS_ADDRESS"`
	NowPaymentsAPIKey    string `env:"NOWPAYMENTS_API_KEY"`
	NowPaymentsIPNSecret string `env:"NOWPAYMENTS_IPN_SECRET"`

	MpesaAddress        string `env:"MPESA_ADDRESS"`
	MpesaConsumerKey    string `env:"MPESA_CONSUMER_KEY"`
	MpesaConsumerSecret string `env:"MPESA_CONSUMER_SECRET"`
	MpesaShortcode      string `env:"MPESA_SHORTCODE"`
	MpesaPasskey        string `env:"MPESA_PASSKEY"`
	MpesaCallbackURL    string `env:"MPESA_CALLBACK_URL"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUser     string `env:"SMTP_USER"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPFrom     string `env:"SMTP_FROM"`
}

// Parse reads the configuration from command-line flags and environment
// variables.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envRedisAddress := cfg.RedisAddress
	envFilesDir := cfg.FilesDir

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RedisAddress, "r", "", "redis address for the catalog cache (optional)")
	flag.StringVar(&cfg.FilesDir, "f", "./files", "directory with the stored bot files")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envRedisAddress != "" {
		cfg.RedisAddress = envRedisAddress
	}
	if envFilesDir != "" {
		cfg.FilesDir = envFilesDir
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
