package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the full process configuration, read once at startup.
type Config struct {
	Server    Server
	Storage   Storage
	Redis     RedisConfig
	Upstream  Upstream
	Log       Log
	Events    Events
	Providers Providers
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr        string `env:"HUMANSCORE_ADDR" envDefault:":8080"`
	BaseURL     string `env:"BASE_URL" envDefault:"http://localhost:8080"`
	FrontendURL string `env:"FRONTEND_URL" envDefault:"http://localhost:3000"`
	// CommitmentSalt is required by every commit step; an empty salt fails verifications
	// rather than the process.
	CommitmentSalt string        `env:"COMMITMENT_SALT"`
	SessionTTL     time.Duration `env:"SESSION_TTL" envDefault:"15m"`
	// RecordTTL expires stored verifications; zero keeps them indefinitely.
	RecordTTL       time.Duration `env:"RECORD_TTL" envDefault:"0s"`
	PersistProfiles bool          `env:"PERSIST_PROFILES" envDefault:"false"`
}

// Storage selects and configures the persistence backend.
type Storage struct {
	DatabaseURL    string        `env:"DATABASE_URL"`
	SnapshotPath   string        `env:"SNAPSHOT_PATH"`
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`
	ConnectTimeout time.Duration `env:"DATABASE_CONNECT_TIMEOUT" envDefault:"5s"`
}

// RedisConfig configures the optional Redis connection backing the callback lock.
type RedisConfig struct {
	URL          string        `env:"REDIS_URL"`
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// Upstream bounds every outbound provider call.
type Upstream struct {
	Timeout  time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"8s"`
	RetryMax int           `env:"UPSTREAM_RETRY_MAX" envDefault:"3"`
}

// Events configures the optional Kafka stream of verification events. No brokers
// disables publishing.
type Events struct {
	Brokers       []string      `env:"KAFKA_BROKERS" envSeparator:","`
	Topic         string        `env:"KAFKA_TOPIC" envDefault:"humanscore.verifications"`
	Partitions    int           `env:"KAFKA_TOPIC_PARTITIONS" envDefault:"3"`
	BufferSize    int           `env:"EVENTS_BUFFER_SIZE" envDefault:"10000"`
	BatchSize     int           `env:"EVENTS_BATCH_SIZE" envDefault:"100"`
	FlushInterval time.Duration `env:"EVENTS_FLUSH_INTERVAL" envDefault:"1s"`
}

// Enabled reports whether any broker is configured.
func (e Events) Enabled() bool {
	return len(e.Brokers) > 0
}

// Log configures the process logger.
type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

// OAuthClient holds one provider's client credentials.
type OAuthClient struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
}

// Providers holds credentials for every supported provider. A missing credential
// disables that provider only.
type Providers struct {
	Discord OAuthClient `envPrefix:"DISCORD_"`
	Twitter OAuthClient `envPrefix:"TWITTER_"`
	GitHub  OAuthClient `envPrefix:"GITHUB_"`
	Google  OAuthClient `envPrefix:"GOOGLE_"`

	TikTokClientKey    string `env:"TIKTOK_CLIENT_KEY"`
	TikTokClientSecret string `env:"TIKTOK_CLIENT_SECRET"`

	SteamAPIKey string `env:"STEAM_API_KEY"`

	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramBotName  string `env:"TELEGRAM_BOT_NAME"`

	EtherscanAPIKey  string `env:"ETHERSCAN_API_KEY"`
	EtherscanBaseURL string `env:"ETHERSCAN_BASE_URL" envDefault:"https://api.etherscan.io/api"`
	SolanaRPCURL     string `env:"SOLANA_RPC_URL" envDefault:"https://api.mainnet-beta.solana.com"`
}

// FromEnv loads an optional .env file and parses the environment so main stays lean.
func FromEnv(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return Parse(env.Options{})
}

// Parse reads configuration using opts. Tests pass opts.Environment instead of
// mutating the process environment.
func Parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.Server.BaseURL = strings.TrimRight(cfg.Server.BaseURL, "/")
	cfg.Server.FrontendURL = strings.TrimRight(cfg.Server.FrontendURL, "/")
	if cfg.Upstream.RetryMax < 0 {
		cfg.Upstream.RetryMax = 0
	}
	return cfg, nil
}

// LogValue keeps secrets out of startup logs.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("addr", c.Server.Addr),
		slog.String("base_url", c.Server.BaseURL),
		slog.Bool("commitment_salt_set", c.Server.CommitmentSalt != ""),
		slog.Bool("database", c.Storage.DatabaseURL != ""),
		slog.Bool("snapshot", c.Storage.SnapshotPath != ""),
		slog.Bool("redis", c.Redis.URL != ""),
		slog.Bool("kafka", c.Events.Enabled()),
		slog.Duration("session_ttl", c.Server.SessionTTL),
		slog.Duration("upstream_timeout", c.Upstream.Timeout),
		slog.Int("upstream_retry_max", c.Upstream.RetryMax),
	)
}
