// Package config defines the engine configuration and validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/polylive/internal/pipeline"
)

// Modes select which components run.
const (
	ModeFull   = "full"
	ModeFeed   = "feed"
	ModeLedger = "ledger"
)

// Balance source names for the reconciler.
const (
	BalanceSourceChain    = "chain"
	BalanceSourceSubgraph = "subgraph"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POLYLIVE_* environment variables.
type Config struct {
	Polymarket PolymarketConfig `toml:"polymarket"`
	Pricing    PricingConfig    `toml:"pricing"`
	Registry   RegistryConfig   `toml:"registry"`
	Upstream   UpstreamConfig   `toml:"upstream"`
	Hub        HubConfig        `toml:"hub"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Chain      ChainConfig      `toml:"chain"`
	Subgraph   SubgraphConfig   `toml:"subgraph"`
	NATS       NATSConfig       `toml:"nats"`
	Kafka      KafkaConfig      `toml:"kafka"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Archive    ArchiveConfig    `toml:"archive"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Profiling  ProfilingConfig  `toml:"profiling"`
	Secrets    SecretsConfig    `toml:"secrets"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// PolymarketConfig holds venue endpoints.
type PolymarketConfig struct {
	GammaHost string `toml:"gamma_host"`
	WsHost    string `toml:"ws_host"`
}

// MarketWSURL is the market channel endpoint.
func (p PolymarketConfig) MarketWSURL() string {
	return strings.TrimRight(p.WsHost, "/") + "/ws/market"
}

// PricingConfig tunes the price pipeline.
type PricingConfig struct {
	MissingQuotePolicy string `toml:"missing_quote_policy"`
	Parallelism        int    `toml:"parallelism"`
	Shards             int    `toml:"shards"`
	QueueSize          int    `toml:"queue_size"`
}

// RegistryConfig controls the inventory refresh.
type RegistryConfig struct {
	RefreshInterval duration `toml:"refresh_interval"`
}

// UpstreamConfig controls reconnects to the market channel.
type UpstreamConfig struct {
	MinBackoff duration `toml:"min_backoff"`
	MaxBackoff duration `toml:"max_backoff"`
}

// HubConfig tunes the subscriber hub.
type HubConfig struct {
	HeartbeatInterval duration `toml:"heartbeat_interval"`
	SendBuffer        int      `toml:"send_buffer"`
}

// LedgerConfig tunes fill application and reconciliation.
type LedgerConfig struct {
	Window               duration `toml:"window"`
	MinReconcileInterval duration `toml:"min_reconcile_interval"`
	FetchTimeout         duration `toml:"fetch_timeout"`
	SweepInterval        duration `toml:"sweep_interval"`
	SweepLockTTL         duration `toml:"sweep_lock_ttl"`
	DedupTTL             duration `toml:"dedup_ttl"`
	BalanceSource        string   `toml:"balance_source"`
}

// ChainConfig points the chain balance source at a Polygon RPC endpoint.
type ChainConfig struct {
	RPCURL      string `toml:"rpc_url"`
	CTFContract string `toml:"ctf_contract"`
	BatchSize   int    `toml:"batch_size"`
}

// SubgraphConfig points the subgraph balance source at a GraphQL endpoint.
type SubgraphConfig struct {
	URL    string `toml:"url"`
	APIKey string `toml:"api_key"`
}

// NATSConfig enables fill ingestion from JetStream.
type NATSConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
	Stream  string `toml:"stream"`
	Subject string `toml:"subject"`
	Durable string `toml:"durable"`
}

// KafkaConfig enables fill ingestion from Kafka.
type KafkaConfig struct {
	Enabled bool     `toml:"enabled"`
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
	GroupID string   `toml:"group_id"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig schedules container snapshots to S3.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	Cron          string `toml:"cron"`
	RetentionDays int    `toml:"retention_days"`
	Prefix        string `toml:"prefix"`
	WarmStart     bool   `toml:"warm_start"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled           bool     `toml:"enabled"`
	Port              int      `toml:"port"`
	CORSOrigins       []string `toml:"cors_origins"`
	APIKey            string   `toml:"api_key"`
	RateLimit         int      `toml:"rate_limit"`
	RateWindow        duration `toml:"rate_window"`
	FillSigningSecret string   `toml:"fill_signing_secret"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	TelegramAPIBase   string   `toml:"telegram_api_base"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Cooldown          duration `toml:"cooldown"`
}

// ProfilingConfig enables continuous profiling.
type ProfilingConfig struct {
	Enabled       bool   `toml:"enabled"`
	ServerAddress string `toml:"server_address"`
	AppName       string `toml:"app_name"`
}

// SecretsConfig points at an optional sealed secrets file. The password is
// only read from POLYLIVE_SECRETS_PASSWORD.
type SecretsConfig struct {
	File     string `toml:"file"`
	Password string `toml:"-"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			GammaHost: "https://gamma-api.polymarket.com",
			WsHost:    "wss://ws-subscriptions-clob.polymarket.com",
		},
		Pricing: PricingConfig{
			MissingQuotePolicy: "mid",
			Parallelism:        16,
			Shards:             8,
			QueueSize:          256,
		},
		Registry: RegistryConfig{
			RefreshInterval: duration{3 * time.Minute},
		},
		Upstream: UpstreamConfig{
			MinBackoff: duration{2 * time.Second},
			MaxBackoff: duration{60 * time.Second},
		},
		Hub: HubConfig{
			HeartbeatInterval: duration{15 * time.Second},
			SendBuffer:        256,
		},
		Ledger: LedgerConfig{
			Window:               duration{30 * time.Second},
			MinReconcileInterval: duration{30 * time.Second},
			FetchTimeout:         duration{10 * time.Second},
			SweepInterval:        duration{10 * time.Minute},
			SweepLockTTL:         duration{5 * time.Minute},
			DedupTTL:             duration{24 * time.Hour},
			BalanceSource:        BalanceSourceChain,
		},
		Chain: ChainConfig{
			RPCURL:      "https://polygon-rpc.com",
			CTFContract: "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045",
			BatchSize:   200,
		},
		NATS: NATSConfig{
			URL:     "nats://localhost:4222",
			Stream:  "FILLS",
			Subject: "fills.>",
			Durable: "polylive-ledger",
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "fills",
			GroupID: "polylive-ledger",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "polylive-data",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Cron:          "*/15 * * * *",
			RetentionDays: 7,
			Prefix:        "snapshots/containers/",
			WarmStart:     true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			TelegramAPIBase: "https://api.telegram.org",
			Events:          []string{"reconcile_drift", "reconcile_failed", "upstream_reconnect"},
			Cooldown:        duration{time.Minute},
		},
		Profiling: ProfilingConfig{
			ServerAddress: "http://localhost:4040",
			AppName:       "polylive",
		},
		Mode:     ModeFull,
		LogLevel: "info",
	}
}

// RunsFeed reports whether the price pipeline and hub run in this mode.
func (c *Config) RunsFeed() bool { return c.Mode == ModeFull || c.Mode == ModeFeed }

// RunsLedger reports whether fill ingestion and reconciliation run.
func (c *Config) RunsLedger() bool { return c.Mode == ModeFull || c.Mode == ModeLedger }

var validModes = map[string]bool{
	ModeFull:   true,
	ModeFeed:   true,
	ModeLedger: true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validPolicies = map[string]bool{
	"mid":  true,
	"skip": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[c.Mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, feed, ledger)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.RunsFeed() {
		if c.Polymarket.GammaHost == "" {
			errs = append(errs, "polymarket: gamma_host must not be empty")
		}
		if c.Polymarket.WsHost == "" {
			errs = append(errs, "polymarket: ws_host must not be empty")
		}
		if !validPolicies[c.Pricing.MissingQuotePolicy] {
			errs = append(errs, fmt.Sprintf("pricing: missing_quote_policy must be mid or skip, got %q", c.Pricing.MissingQuotePolicy))
		}
		if c.Pricing.Shards < 1 {
			errs = append(errs, "pricing: shards must be >= 1")
		}
		if c.Pricing.QueueSize < 1 {
			errs = append(errs, "pricing: queue_size must be >= 1")
		}
		if c.Registry.RefreshInterval.Duration <= 0 {
			errs = append(errs, "registry: refresh_interval must be > 0")
		}
		if c.Upstream.MinBackoff.Duration <= 0 || c.Upstream.MaxBackoff.Duration < c.Upstream.MinBackoff.Duration {
			errs = append(errs, "upstream: need 0 < min_backoff <= max_backoff")
		}
		if c.Hub.SendBuffer < 1 {
			errs = append(errs, "hub: send_buffer must be >= 1")
		}
	}

	if c.RunsLedger() {
		if c.Ledger.Window.Duration < 0 {
			errs = append(errs, "ledger: window must be >= 0")
		}
		if c.Ledger.SweepInterval.Duration < 0 {
			errs = append(errs, "ledger: sweep_interval must be >= 0 (0 disables the sweep)")
		}
		if c.Ledger.SweepLockTTL.Duration <= 0 {
			errs = append(errs, "ledger: sweep_lock_ttl must be > 0")
		}
		switch c.Ledger.BalanceSource {
		case BalanceSourceChain:
			if c.Chain.RPCURL == "" {
				errs = append(errs, "chain: rpc_url is required for balance_source chain")
			}
		case BalanceSourceSubgraph:
			if c.Subgraph.URL == "" {
				errs = append(errs, "subgraph: url is required for balance_source subgraph")
			}
		default:
			errs = append(errs, fmt.Sprintf("ledger: balance_source must be chain or subgraph, got %q", c.Ledger.BalanceSource))
		}
		if c.NATS.Enabled && (c.NATS.URL == "" || c.NATS.Stream == "" || c.NATS.Subject == "" || c.NATS.Durable == "") {
			errs = append(errs, "nats: url, stream, subject and durable are required when enabled")
		}
		if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" || c.Kafka.GroupID == "") {
			errs = append(errs, "kafka: brokers, topic and group_id are required when enabled")
		}
	}

	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	if c.Archive.Enabled || c.Archive.WarmStart {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is used")
		}
	}
	if c.Archive.Enabled {
		if err := pipeline.ParseCron(c.Archive.Cron); err != nil {
			errs = append(errs, fmt.Sprintf("archive: cron: %v", err))
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	if c.Notify.TelegramToken != "" && c.Notify.TelegramChatID == "" {
		errs = append(errs, "notify: telegram_chat_id is required with telegram_token")
	}

	if c.Profiling.Enabled && c.Profiling.ServerAddress == "" {
		errs = append(errs, "profiling: server_address must not be empty when enabled")
	}

	if c.Secrets.File != "" && c.Secrets.Password == "" {
		errs = append(errs, "secrets: POLYLIVE_SECRETS_PASSWORD is required when secrets.file is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
