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
	IncomingDir string   `envconfig:"INCOMING_DIR" required:"true"`
	MoveTo      string   `envconfig:"MOVE_TO"`
	DBPath      string   `envconfig:"DB_PATH" default:"downloads.db"`
	LogLevel    string   `envconfig:"LOG_LEVEL" default:"INFO"`
	Providers   []string `envconfig:"PROVIDERS" default:"http,torrent,putio"`

	HTTP struct {
		ConnectTimeout        time.Duration `split_words:"true" default:"30s"`
		ResponseHeaderTimeout time.Duration `split_words:"true" default:"60s"`
	}
	MaxRedirects       int `envconfig:"MAX_REDIRECTS" default:"10"`
	MaxScratchRestarts int `envconfig:"MAX_SCRATCH_RESTARTS" default:"0"`

	Torrent struct {
		DataDir      string        `split_words:"true"`
		ListenPort   int           `split_words:"true" default:"42069"`
		UploadLimit  int64         `split_words:"true" default:"0"`
		Seed         bool          `split_words:"true" default:"false"`
		DisableDHT   bool          `envconfig:"DISABLE_DHT" default:"false"`
		PollInterval time.Duration `split_words:"true" default:"1s"`
	}

	Putio struct {
		Token        string        `split_words:"true"`
		Folder       string        `split_words:"true"`
		PollInterval time.Duration `split_words:"true" default:"30s"`
	}

	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled     bool   `split_words:"true" default:"true"`
		ServiceName string `split_words:"true" default:"downloadhub"`
	}
	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"0s"` // shared files are streamed
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

	if cfg.Torrent.DataDir == "" {
		cfg.Torrent.DataDir = cfg.IncomingDir
	}

	for i, p := range cfg.Providers {
		cfg.Providers[i] = strings.ToLower(strings.TrimSpace(p))
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
