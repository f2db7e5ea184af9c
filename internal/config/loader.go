package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/alanyoungcy/polylive/internal/crypto"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies sealed secrets and POLYLIVE_* environment
// overrides, and returns the final Config. A missing file is not an error
// when path is empty. The returned Config has NOT been validated; the caller
// should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	env := envSource(os.Getenv)
	env.str(&cfg.Secrets.File, "POLYLIVE_SECRETS_FILE")
	env.str(&cfg.Secrets.Password, "POLYLIVE_SECRETS_PASSWORD")

	if cfg.Secrets.File != "" && cfg.Secrets.Password != "" {
		secrets, err := crypto.OpenSecretsFile(cfg.Secrets.File, cfg.Secrets.Password)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: secrets: %w", err)
		}
		env = withSecrets(os.Getenv, secrets)
	}

	applyEnvOverrides(&cfg, env)
	return &cfg, nil
}

// envSource resolves a variable name to a value; empty means unset.
type envSource func(key string) string

// withSecrets prefers the process environment and falls back to sealed
// secret values.
func withSecrets(getenv func(string) string, secrets map[string]string) envSource {
	return func(key string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return secrets[key]
	}
}

// applyEnvOverrides reads well-known POLYLIVE_* variables and overwrites the
// corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config, env envSource) {
	// ── Polymarket ──
	env.str(&cfg.Polymarket.GammaHost, "POLYLIVE_POLYMARKET_GAMMA_HOST")
	env.str(&cfg.Polymarket.WsHost, "POLYLIVE_POLYMARKET_WS_HOST")

	// ── Pricing ──
	env.str(&cfg.Pricing.MissingQuotePolicy, "POLYLIVE_PRICING_MISSING_QUOTE_POLICY")
	env.integer(&cfg.Pricing.Parallelism, "POLYLIVE_PRICING_PARALLELISM")
	env.integer(&cfg.Pricing.Shards, "POLYLIVE_PRICING_SHARDS")
	env.integer(&cfg.Pricing.QueueSize, "POLYLIVE_PRICING_QUEUE_SIZE")

	// ── Registry / upstream / hub ──
	env.dur(&cfg.Registry.RefreshInterval, "POLYLIVE_REGISTRY_REFRESH_INTERVAL")
	env.dur(&cfg.Upstream.MinBackoff, "POLYLIVE_UPSTREAM_MIN_BACKOFF")
	env.dur(&cfg.Upstream.MaxBackoff, "POLYLIVE_UPSTREAM_MAX_BACKOFF")
	env.dur(&cfg.Hub.HeartbeatInterval, "POLYLIVE_HUB_HEARTBEAT_INTERVAL")
	env.integer(&cfg.Hub.SendBuffer, "POLYLIVE_HUB_SEND_BUFFER")

	// ── Ledger ──
	env.dur(&cfg.Ledger.Window, "POLYLIVE_LEDGER_WINDOW")
	env.dur(&cfg.Ledger.MinReconcileInterval, "POLYLIVE_LEDGER_MIN_RECONCILE_INTERVAL")
	env.dur(&cfg.Ledger.FetchTimeout, "POLYLIVE_LEDGER_FETCH_TIMEOUT")
	env.dur(&cfg.Ledger.SweepInterval, "POLYLIVE_LEDGER_SWEEP_INTERVAL")
	env.dur(&cfg.Ledger.SweepLockTTL, "POLYLIVE_LEDGER_SWEEP_LOCK_TTL")
	env.dur(&cfg.Ledger.DedupTTL, "POLYLIVE_LEDGER_DEDUP_TTL")
	env.str(&cfg.Ledger.BalanceSource, "POLYLIVE_LEDGER_BALANCE_SOURCE")

	// ── Balance sources ──
	env.str(&cfg.Chain.RPCURL, "POLYLIVE_CHAIN_RPC_URL")
	env.str(&cfg.Chain.CTFContract, "POLYLIVE_CHAIN_CTF_CONTRACT")
	env.integer(&cfg.Chain.BatchSize, "POLYLIVE_CHAIN_BATCH_SIZE")
	env.str(&cfg.Subgraph.URL, "POLYLIVE_SUBGRAPH_URL")
	env.str(&cfg.Subgraph.APIKey, "POLYLIVE_SUBGRAPH_API_KEY")

	// ── Fill ingestion ──
	env.boolean(&cfg.NATS.Enabled, "POLYLIVE_NATS_ENABLED")
	env.str(&cfg.NATS.URL, "POLYLIVE_NATS_URL")
	env.str(&cfg.NATS.Stream, "POLYLIVE_NATS_STREAM")
	env.str(&cfg.NATS.Subject, "POLYLIVE_NATS_SUBJECT")
	env.str(&cfg.NATS.Durable, "POLYLIVE_NATS_DURABLE")
	env.boolean(&cfg.Kafka.Enabled, "POLYLIVE_KAFKA_ENABLED")
	env.list(&cfg.Kafka.Brokers, "POLYLIVE_KAFKA_BROKERS")
	env.str(&cfg.Kafka.Topic, "POLYLIVE_KAFKA_TOPIC")
	env.str(&cfg.Kafka.GroupID, "POLYLIVE_KAFKA_GROUP_ID")

	// ── Postgres ──
	env.str(&cfg.Postgres.DSN, "POLYLIVE_POSTGRES_DSN")
	env.str(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	env.str(&cfg.Postgres.Host, "POLYLIVE_POSTGRES_HOST")
	env.integer(&cfg.Postgres.Port, "POLYLIVE_POSTGRES_PORT")
	env.str(&cfg.Postgres.Database, "POLYLIVE_POSTGRES_DATABASE")
	env.str(&cfg.Postgres.User, "POLYLIVE_POSTGRES_USER")
	env.str(&cfg.Postgres.Password, "POLYLIVE_POSTGRES_PASSWORD")
	env.str(&cfg.Postgres.SSLMode, "POLYLIVE_POSTGRES_SSL_MODE")
	env.integer(&cfg.Postgres.PoolMaxConns, "POLYLIVE_POSTGRES_POOL_MAX_CONNS")
	env.integer(&cfg.Postgres.PoolMinConns, "POLYLIVE_POSTGRES_POOL_MIN_CONNS")
	env.boolean(&cfg.Postgres.RunMigrations, "POLYLIVE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	env.str(&cfg.Redis.Addr, "POLYLIVE_REDIS_ADDR")
	env.str(&cfg.Redis.Password, "POLYLIVE_REDIS_PASSWORD")
	env.integer(&cfg.Redis.DB, "POLYLIVE_REDIS_DB")
	env.integer(&cfg.Redis.PoolSize, "POLYLIVE_REDIS_POOL_SIZE")
	env.integer(&cfg.Redis.MaxRetries, "POLYLIVE_REDIS_MAX_RETRIES")
	env.boolean(&cfg.Redis.TLSEnabled, "POLYLIVE_REDIS_TLS_ENABLED")

	// ── S3 / archive ──
	env.str(&cfg.S3.Endpoint, "POLYLIVE_S3_ENDPOINT")
	env.str(&cfg.S3.Region, "POLYLIVE_S3_REGION")
	env.str(&cfg.S3.Bucket, "POLYLIVE_S3_BUCKET")
	env.str(&cfg.S3.AccessKey, "POLYLIVE_S3_ACCESS_KEY")
	env.str(&cfg.S3.SecretKey, "POLYLIVE_S3_SECRET_KEY")
	env.boolean(&cfg.S3.UseSSL, "POLYLIVE_S3_USE_SSL")
	env.boolean(&cfg.S3.ForcePathStyle, "POLYLIVE_S3_FORCE_PATH_STYLE")
	env.boolean(&cfg.Archive.Enabled, "POLYLIVE_ARCHIVE_ENABLED")
	env.str(&cfg.Archive.Cron, "POLYLIVE_ARCHIVE_CRON")
	env.integer(&cfg.Archive.RetentionDays, "POLYLIVE_ARCHIVE_RETENTION_DAYS")
	env.str(&cfg.Archive.Prefix, "POLYLIVE_ARCHIVE_PREFIX")
	env.boolean(&cfg.Archive.WarmStart, "POLYLIVE_ARCHIVE_WARM_START")

	// ── Server ──
	env.boolean(&cfg.Server.Enabled, "POLYLIVE_SERVER_ENABLED")
	env.integer(&cfg.Server.Port, "POLYLIVE_SERVER_PORT")
	env.list(&cfg.Server.CORSOrigins, "POLYLIVE_SERVER_CORS_ORIGINS")
	env.str(&cfg.Server.APIKey, "POLYLIVE_SERVER_API_KEY")
	env.integer(&cfg.Server.RateLimit, "POLYLIVE_SERVER_RATE_LIMIT")
	env.dur(&cfg.Server.RateWindow, "POLYLIVE_SERVER_RATE_WINDOW")
	env.str(&cfg.Server.FillSigningSecret, "POLYLIVE_SERVER_FILL_SIGNING_SECRET")

	// ── Notify ──
	env.str(&cfg.Notify.TelegramToken, "POLYLIVE_NOTIFY_TELEGRAM_TOKEN")
	env.str(&cfg.Notify.TelegramChatID, "POLYLIVE_NOTIFY_TELEGRAM_CHAT_ID")
	env.str(&cfg.Notify.DiscordWebhookURL, "POLYLIVE_NOTIFY_DISCORD_WEBHOOK_URL")
	env.list(&cfg.Notify.Events, "POLYLIVE_NOTIFY_EVENTS")
	env.dur(&cfg.Notify.Cooldown, "POLYLIVE_NOTIFY_COOLDOWN")

	// ── Profiling ──
	env.boolean(&cfg.Profiling.Enabled, "POLYLIVE_PROFILING_ENABLED")
	env.str(&cfg.Profiling.ServerAddress, "POLYLIVE_PROFILING_SERVER_ADDRESS")
	env.str(&cfg.Profiling.AppName, "POLYLIVE_PROFILING_APP_NAME")

	// ── Top-level ──
	env.str(&cfg.Mode, "POLYLIVE_MODE")
	env.str(&cfg.LogLevel, "POLYLIVE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the variable is
// present and non-empty.
// ---------------------------------------------------------------------------

func (e envSource) str(dst *string, key string) {
	if v := e(key); v != "" {
		*dst = v
	}
}

func (e envSource) integer(dst *int, key string) {
	if v := e(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func (e envSource) boolean(dst *bool, key string) {
	if v := e(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func (e envSource) dur(dst *duration, key string) {
	if v := e(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func (e envSource) list(dst *[]string, key string) {
	if v := e(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
