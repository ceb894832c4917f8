package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log" // Use global logger
	"github.com/spf13/pflag"

	"supportchat/internal/models"
)

// Config holds all configuration fields for the chat client and the dev backend.
type Config struct {
	APIBaseURL  string `env:"CHAT_API_BASE_URL" envDefault:"http://localhost:8080"`
	BrokerURL   string `env:"CHAT_BROKER_URL" envDefault:"ws://localhost:15674/ws"`
	BrokerKind  string `env:"CHAT_BROKER_KIND" envDefault:"stomp"` // stomp or amqp
	UserID      int64  `env:"CHAT_USER_ID"`
	Role        string `env:"CHAT_ROLE" envDefault:"CUSTOMER"`
	DisplayName string `env:"CHAT_DISPLAY_NAME"`
	Token       string `env:"CHAT_TOKEN"`
	SupportID   int64  `env:"CHAT_SUPPORT_ID" envDefault:"1"`

	PollInterval     time.Duration `env:"CHAT_POLL_INTERVAL" envDefault:"2s"`
	RosterInterval   time.Duration `env:"CHAT_ROSTER_INTERVAL" envDefault:"2s"`
	ReconnectDelay   time.Duration `env:"CHAT_RECONNECT_DELAY" envDefault:"5s"`
	Heartbeat        time.Duration `env:"CHAT_HEARTBEAT" envDefault:"4s"`
	HTTPTimeout      time.Duration `env:"CHAT_HTTP_TIMEOUT" envDefault:"10s"`
	PendingTolerance time.Duration `env:"CHAT_PENDING_TOLERANCE" envDefault:"2m"`

	SharedConnections bool   `env:"CHAT_SHARED_CONNECTIONS"`
	MetricsAddr       string `env:"CHAT_METRICS_ADDR"` // Empty disables the client metrics listener

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"` // console or json

	Server ServerConfig
}

// ServerConfig configures cmd/supportd.
type ServerConfig struct {
	Port              string        `env:"PORT" envDefault:"8080"`
	DatabaseDriver    string        `env:"DATABASE_DRIVER" envDefault:"sqlite"` // sqlite or postgres
	DatabaseURL       string        `env:"DATABASE_URL" envDefault:"file:supportchat.db"`
	RabbitMQURL       string        `env:"RABBITMQ_URL"` // Empty disables inbox notifications
	AuthCacheTTL      time.Duration `env:"AUTH_CACHE_TTL" envDefault:"5m"`
	SendRatePerSecond float64       `env:"SEND_RATE_PER_SECOND" envDefault:"5"`
	SendBurst         int           `env:"SEND_BURST" envDefault:"10"`
	SeedUsers         string        `env:"SEED_USERS"` // id:role:token[:name],...

	S3 S3Config
}

// S3Config configures avatar storage. Names follow the usual S3_* variables.
type S3Config struct {
	Enabled   bool   `env:"S3_ENABLED"`
	Endpoint  string `env:"S3_ENDPOINT"`
	Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	Bucket    string `env:"S3_BUCKET" envDefault:"supportchat-avatars"`
	AccessKey string `env:"S3_ACCESS_KEY"`
	SecretKey string `env:"S3_SECRET_KEY"`
	PathStyle bool   `env:"S3_PATH_STYLE"`
	PublicURL string `env:"S3_PUBLIC_URL"` // Base for avatar links; derived from the endpoint when empty
}

// LoadConfig loads configuration from environment variables.
// It attempts to load a .env file if present.
func LoadConfig() (*Config, error) {
	// Environment variables already set take precedence over the file.
	if err := godotenv.Load(); err != nil {
		log.Info().Err(err).Msg("No .env file found or error loading it, relying on environment variables")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}
	return Parse(nil)
}

// Parse builds a Config from environ, or from the process environment when environ is nil.
func Parse(environ map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	cfg.BrokerKind = strings.ToLower(strings.TrimSpace(cfg.BrokerKind))
	cfg.Server.DatabaseDriver = strings.ToLower(strings.TrimSpace(cfg.Server.DatabaseDriver))

	log.Debug().
		Str("api", cfg.APIBaseURL).
		Str("broker", cfg.BrokerURL).
		Str("brokerKind", cfg.BrokerKind).
		Int64("userID", cfg.UserID).
		Msg("Configuration loaded")
	return cfg, nil
}

// RegisterClientFlags lets the command line override the chat client settings.
// Current values become the flag defaults, so call it after LoadConfig.
func (c *Config) RegisterClientFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.APIBaseURL, "api", c.APIBaseURL, "REST backend base URL")
	fs.StringVar(&c.BrokerURL, "broker", c.BrokerURL, "broker endpoint (ws:// for STOMP, amqp:// for AMQP)")
	fs.StringVar(&c.BrokerKind, "broker-kind", c.BrokerKind, "broker transport: stomp, amqp or memory")
	fs.Int64Var(&c.UserID, "user", c.UserID, "current user id")
	fs.StringVar(&c.Role, "role", c.Role, "current user role: customer, agent or admin")
	fs.StringVar(&c.DisplayName, "name", c.DisplayName, "current user display name")
	fs.StringVar(&c.Token, "token", c.Token, "bearer credential for the backend and the broker")
	fs.Int64Var(&c.SupportID, "support-id", c.SupportID, "user id customers talk to")
	fs.DurationVar(&c.PollInterval, "poll", c.PollInterval, "history reconciliation interval")
	fs.DurationVar(&c.ReconnectDelay, "reconnect-delay", c.ReconnectDelay, "fixed delay between reconnect attempts")
	fs.BoolVar(&c.SharedConnections, "shared", c.SharedConnections, "share one broker connection per identity")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "serve Prometheus metrics on this address")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
}

// RegisterServerFlags lets the command line override the dev backend settings.
func (c *Config) RegisterServerFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Server.Port, "port", c.Server.Port, "HTTP listen port")
	fs.StringVar(&c.Server.DatabaseDriver, "db-driver", c.Server.DatabaseDriver, "sqlite or postgres")
	fs.StringVar(&c.Server.DatabaseURL, "db", c.Server.DatabaseURL, "database DSN")
	fs.StringVar(&c.Server.RabbitMQURL, "rabbitmq", c.Server.RabbitMQURL, "AMQP URL for inbox notifications")
	fs.StringVar(&c.Server.SeedUsers, "seed", c.Server.SeedUsers, "users to create: id:role:token[:name],...")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
}

// Identity builds the chat identity from the client settings.
func (c *Config) Identity() (models.Identity, error) {
	role, err := models.ParseRole(c.Role)
	if err != nil {
		return models.Identity{}, err
	}
	if c.UserID <= 0 {
		return models.Identity{}, fmt.Errorf("CHAT_USER_ID must be a positive user id, got %d", c.UserID)
	}
	return models.Identity{
		UserID:      c.UserID,
		Role:        role,
		DisplayName: c.DisplayName,
		Token:       c.Token,
	}, nil
}
