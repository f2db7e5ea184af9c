package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polylive/internal/crypto"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "wss://ws-subscriptions-clob.polymarket.com/ws/market", cfg.Polymarket.MarketWSURL())
	assert.True(t, cfg.RunsFeed())
	assert.True(t, cfg.RunsLedger())
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Pricing.MissingQuotePolicy = "zero"
	cfg.Redis.Addr = ""
	cfg.Archive.Enabled = true
	cfg.Archive.Cron = "every minute"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown mode "trade"`)
	assert.Contains(t, err.Error(), "redis: addr")
	assert.Contains(t, err.Error(), "archive: cron")
}

func TestValidateScopesByMode(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = ModeLedger
	cfg.Pricing.MissingQuotePolicy = "zero"
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.RunsFeed())

	cfg.Ledger.BalanceSource = BalanceSourceSubgraph
	assert.ErrorContains(t, cfg.Validate(), "subgraph: url")
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "polylive.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "feed"

[pricing]
missing_quote_policy = "skip"

[ledger]
window = "45s"

[server]
port = 9000
`), 0o600))

	t.Setenv("POLYLIVE_SERVER_PORT", "9100")
	t.Setenv("POLYLIVE_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("POLYLIVE_HUB_HEARTBEAT_INTERVAL", "5s")
	t.Setenv("POLYLIVE_REDIS_DB", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeFeed, cfg.Mode)
	assert.Equal(t, "skip", cfg.Pricing.MissingQuotePolicy)
	assert.Equal(t, 45*time.Second, cfg.Ledger.Window.Duration)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 5*time.Second, cfg.Hub.HeartbeatInterval.Duration)
	assert.Equal(t, 0, cfg.Redis.DB)
}

func TestLoadRejectsBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("mode = "), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadSealedSecrets(t *testing.T) {
	blob, err := crypto.SealSecrets(map[string]string{
		"POLYLIVE_REDIS_PASSWORD": "from-secrets",
		"POLYLIVE_SERVER_API_KEY": "sealed-key",
	}, "pw")
	require.NoError(t, err)
	secretsPath := filepath.Join(t.TempDir(), "secrets.json")
	require.NoError(t, os.WriteFile(secretsPath, blob, 0o600))

	t.Setenv("POLYLIVE_SECRETS_FILE", secretsPath)
	t.Setenv("POLYLIVE_SECRETS_PASSWORD", "pw")
	t.Setenv("POLYLIVE_SERVER_API_KEY", "from-env")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-secrets", cfg.Redis.Password)
	assert.Equal(t, "from-env", cfg.Server.APIKey)

	t.Setenv("POLYLIVE_SECRETS_PASSWORD", "wrong")
	_, err = Load("")
	assert.ErrorIs(t, err, crypto.ErrWrongPassword)
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Redis.Password = "hunter2"
	cfg.Server.APIKey = "key"
	cfg.Notify.Events = []string{"reconcile_drift"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Redis.Password)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Empty(t, out.S3.AccessKey)
	assert.Equal(t, "hunter2", cfg.Redis.Password)

	out.Notify.Events[0] = "changed"
	assert.Equal(t, "reconcile_drift", cfg.Notify.Events[0])
}
