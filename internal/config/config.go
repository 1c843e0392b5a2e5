package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	// DownloadRestriction is the local blocking policy: none,
	// potentially_dangerous_files, dangerous_files, malicious_files or
	// all_files.
	DownloadRestriction string `envconfig:"DOWNLOAD_RESTRICTION" default:"none"`

	// AllowInsecureDownloads disables blocking entirely. Escape hatch for
	// lab setups; never set it in production.
	AllowInsecureDownloads bool `envconfig:"ALLOW_INSECURE_DOWNLOADS" default:"false"`

	// ScanTrustedSources forces classification even for downloads whose
	// source the host marks trusted.
	ScanTrustedSources bool `envconfig:"SCAN_TRUSTED_SOURCES" default:"false"`

	// WarningLifetime bounds how long an unactioned ephemeral warning stays
	// alive before the download is auto-cancelled.
	WarningLifetime time.Duration `envconfig:"WARNING_LIFETIME" default:"1h"`

	ReportWebhookURL string `envconfig:"REPORT_WEBHOOK_URL"`
	DBPath           string `envconfig:"DB_PATH" default:"gatekeeper.db"`
	LogLevel         string `envconfig:"LOG_LEVEL" default:"INFO"`

	Scanner struct {
		// BaseURL empty means no classification service: downloads resolve
		// through the local-only fallback.
		BaseURL string        `split_words:"true"`
		Token   string        `split_words:"true"`
		Timeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		OTLPEndpoint string `envconfig:"TELEMETRY_OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
