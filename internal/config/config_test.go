package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.AlertInterval)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.WhaleInterval)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.TrendingInterval)
	assert.Equal(t, time.Hour, cfg.Alerting.DefaultCooldown)
	assert.Equal(t, 24*time.Hour, cfg.Alerting.RedFlagCooldown)
	assert.Equal(t, -1, cfg.Alerting.QuietHoursDisabled)
	assert.Equal(t, 5_000_000.0, cfg.Whales.MinUSD)
	assert.Equal(t, 10, cfg.Whales.FetchLimit)
	assert.Equal(t, 3, cfg.Whales.PerOwnerCap)
	assert.Len(t, cfg.Whales.Wallets["binance"], 2)
	assert.Equal(t, 10, cfg.Trending.TopN)
	assert.Equal(t, 24*time.Hour, cfg.LargestCooldown())
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "hypewatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: postgres
  dsn: postgres://localhost/hype
scheduler:
  alert_interval: 2m
alerting:
  timezone: Europe/Moscow
kafka:
  brokers: "k1:9092,k2:9092"
`), 0o600))

	t.Setenv("HYPEWATCH_WHALES_PER_OWNER_CAP", "5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.AlertInterval)
	assert.Equal(t, 5, cfg.Whales.PerOwnerCap)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Moscow", loc.String())
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("HYPEWATCH_TRENDING_TOP_N=7\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("HYPEWATCH_TRENDING_TOP_N") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Trending.TopN)
}

func TestValidateRejectsBadValues(t *testing.T) {
	chdirTemp(t)
	cfg, err := Load("")
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"alert interval":    func(c *Config) { c.Scheduler.AlertInterval = 0 },
		"sub-second":        func(c *Config) { c.Scheduler.WhaleInterval = 500 * time.Millisecond },
		"fractional":        func(c *Config) { c.Scheduler.TrendingInterval = 1500 * time.Millisecond },
		"cooldown":          func(c *Config) { c.Alerting.DefaultCooldown = 0 },
		"quiet sentinel":    func(c *Config) { c.Alerting.QuietHoursDisabled = 5 },
		"timezone":          func(c *Config) { c.Alerting.Timezone = "Mars/Olympus" },
		"driver":            func(c *Config) { c.Database.Driver = "mysql" },
		"postgres dsn":      func(c *Config) { c.Database.Driver = DriverPostgres; c.Database.DSN = "" },
		"telegram token":    func(c *Config) { c.Telegram.Enabled = true; c.Telegram.BotToken = "" },
		"whale rpc":         func(c *Config) { c.Whales.Enabled = true; c.Whales.RPCURL = "" },
		"fetch concurrency": func(c *Config) { c.Alerting.FetchConcurrency = 0 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			copyCfg := *cfg
			mutate(&copyCfg)
			assert.ErrorIs(t, copyCfg.Validate(), ErrConfiguration)
		})
	}
}
