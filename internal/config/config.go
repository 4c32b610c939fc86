package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"hypewatch/internal/logging"
)

// ErrConfiguration marks a fatal configuration problem detected at startup.
var ErrConfiguration = errors.New("invalid configuration")

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Whales    WhalesConfig    `mapstructure:"whales"`
	Trending  TrendingConfig  `mapstructure:"trending"`
	CoinGecko CoinGeckoConfig `mapstructure:"coingecko"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig selects and tunes the alert store backend.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	BusyTimeout     time.Duration `mapstructure:"busy_timeout"`
}

// SchedulerConfig governs the cadence of the periodic tasks.
type SchedulerConfig struct {
	AlertInterval    time.Duration `mapstructure:"alert_interval"`
	WhaleInterval    time.Duration `mapstructure:"whale_interval"`
	TrendingInterval time.Duration `mapstructure:"trending_interval"`
	CycleTimeout     time.Duration `mapstructure:"cycle_timeout"`
	RunOnStart       bool          `mapstructure:"run_on_start"`
	StartupDelay     time.Duration `mapstructure:"startup_delay"`

	// AdvisoryLockKey serialises cycles across replicas sharing a postgres store; 0 disables.
	AdvisoryLockKey int64 `mapstructure:"advisory_lock_key"`
}

// AlertingConfig defines evaluation and delivery policy.
type AlertingConfig struct {
	DefaultCooldown    time.Duration `mapstructure:"default_cooldown"`
	RedFlagCooldown    time.Duration `mapstructure:"red_flag_cooldown"`
	QuietHoursDisabled int           `mapstructure:"quiet_hours_disabled"`
	Timezone           string        `mapstructure:"timezone"`
	FetchConcurrency   int           `mapstructure:"fetch_concurrency"`
	FetchTimeout       time.Duration `mapstructure:"fetch_timeout"`
	DeliveryTimeout    time.Duration `mapstructure:"delivery_timeout"`
	DryRun             bool          `mapstructure:"dry_run"`
}

// WhalesConfig covers the large-transaction monitor.
type WhalesConfig struct {
	Enabled     bool                `mapstructure:"enabled"`
	RPCURL      string              `mapstructure:"rpc_url"`
	MinUSD      float64             `mapstructure:"min_usd"`
	FetchLimit  int                 `mapstructure:"fetch_limit"`
	PerOwnerCap int                 `mapstructure:"per_owner_cap"`
	BlockWindow uint64              `mapstructure:"block_window"`
	Timeout     time.Duration       `mapstructure:"timeout"`
	Wallets     map[string][]string `mapstructure:"wallets"`
}

// TrendingConfig covers the trending snapshot task.
type TrendingConfig struct {
	TopN   int    `mapstructure:"top_n"`
	Source string `mapstructure:"source"`
}

// CoinGeckoConfig captures market data connectivity.
type CoinGeckoConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerMinute int           `mapstructure:"rate_per_minute"`
}

// RedisConfig enables the market data cache when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
	Prefix   string        `mapstructure:"prefix"`
}

// TelegramConfig 描述 Telegram 推送参数。
type TelegramConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	BotToken      string        `mapstructure:"bot_token"`
	APIBase       string        `mapstructure:"api_base"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond int           `mapstructure:"rate_per_second"`
}

// KafkaConfig enables the delivered-alert stream when brokers are set.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// AdminConfig exposes health, metrics and task control over HTTP when Listen is set.
type AdminConfig struct {
	Listen          string        `mapstructure:"listen"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
	ChartCoins    int `mapstructure:"chart_coins"`
}

// Load builds configuration from a .env file, the config file, environment and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("HYPEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "hypewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "hypewatch.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.busy_timeout", "5s")

	v.SetDefault("scheduler.alert_interval", "60s")
	v.SetDefault("scheduler.whale_interval", "30s")
	v.SetDefault("scheduler.trending_interval", "5m")
	v.SetDefault("scheduler.cycle_timeout", "2m")
	v.SetDefault("scheduler.run_on_start", true)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.advisory_lock_key", 0)

	v.SetDefault("alerting.default_cooldown", "1h")
	v.SetDefault("alerting.red_flag_cooldown", "24h")
	v.SetDefault("alerting.quiet_hours_disabled", -1)
	v.SetDefault("alerting.timezone", "Local")
	v.SetDefault("alerting.fetch_concurrency", 4)
	v.SetDefault("alerting.fetch_timeout", "15s")
	v.SetDefault("alerting.delivery_timeout", "10s")
	v.SetDefault("alerting.dry_run", false)

	v.SetDefault("whales.enabled", false)
	v.SetDefault("whales.min_usd", 5_000_000.0)
	v.SetDefault("whales.fetch_limit", 10)
	v.SetDefault("whales.per_owner_cap", 3)
	v.SetDefault("whales.block_window", 20)
	v.SetDefault("whales.timeout", "20s")
	v.SetDefault("whales.wallets", map[string][]string{
		"binance": {
			"0x28c6c06298d514db089934071355e5743bf21d60",
			"0x21a31ee1afc51d94c2efccaa2092ad1028285549",
		},
		"coinbase": {
			"0x71660c4005ba85c37ccec55d0c4493e66fe775d3",
			"0x503828976d22510aad0201ac7ec88293211d23da",
		},
		"kraken": {
			"0x2910543af39aba0cd09dbb2d50200b3e800a63d2",
		},
	})

	v.SetDefault("trending.top_n", 10)
	v.SetDefault("trending.source", "coingecko")

	v.SetDefault("coingecko.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("coingecko.user_agent", "hypewatch/1.0")
	v.SetDefault("coingecko.timeout", "10s")
	v.SetDefault("coingecko.rate_per_minute", 30)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.ttl", "5m")
	v.SetDefault("redis.prefix", "hypewatch:")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.timeout", "10s")
	v.SetDefault("telegram.rate_per_second", 25)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "hypewatch.alerts")

	v.SetDefault("admin.listen", "")
	v.SetDefault("admin.shutdown_timeout", "5s")

	v.SetDefault("export.max_data_points", 100000)
	v.SetDefault("export.chart_coins", 5)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs sanity checks; every failure wraps ErrConfiguration.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" && c.Database.DSN == "" {
			add("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			add("database.dsn is required for the postgres driver")
		}
	default:
		add("database.driver must be %q or %q", DriverSQLite, DriverPostgres)
	}

	// Loops are cron @every schedules, which only resolve whole seconds.
	intervals := []struct {
		key   string
		value time.Duration
	}{
		{"scheduler.alert_interval", c.Scheduler.AlertInterval},
		{"scheduler.whale_interval", c.Scheduler.WhaleInterval},
		{"scheduler.trending_interval", c.Scheduler.TrendingInterval},
	}
	for _, iv := range intervals {
		if iv.value < time.Second || iv.value%time.Second != 0 {
			add("%s must be a whole number of seconds, at least 1s (got %s)", iv.key, iv.value)
		}
	}
	if c.Scheduler.CycleTimeout < 0 {
		add("scheduler.cycle_timeout cannot be negative")
	}

	if c.Alerting.DefaultCooldown <= 0 {
		add("alerting.default_cooldown must be greater than zero")
	}
	if c.Alerting.RedFlagCooldown <= 0 {
		add("alerting.red_flag_cooldown must be greater than zero")
	}
	if q := c.Alerting.QuietHoursDisabled; q >= 0 && q <= 23 {
		add("alerting.quiet_hours_disabled must lie outside 0-23, got %d", q)
	}
	if _, err := c.Location(); err != nil {
		add("alerting.timezone: %v", err)
	}
	if c.Alerting.FetchConcurrency <= 0 {
		add("alerting.fetch_concurrency must be greater than zero")
	}

	if c.Whales.MinUSD <= 0 {
		add("whales.min_usd must be greater than zero")
	}
	if c.Whales.FetchLimit <= 0 {
		add("whales.fetch_limit must be greater than zero")
	}
	if c.Whales.PerOwnerCap <= 0 {
		add("whales.per_owner_cap must be greater than zero")
	}
	if c.Whales.Enabled && c.Whales.RPCURL == "" {
		add("whales.rpc_url is required when whales.enabled")
	}

	if c.Trending.TopN <= 0 {
		add("trending.top_n must be greater than zero")
	}

	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		add("telegram.bot_token 必须配置")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		add("kafka.topic is required when kafka.brokers is set")
	}

	if c.Export.MaxDataPoints <= 0 {
		add("export.max_data_points must be greater than zero")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

// Location resolves the timezone used for quiet hours.
func (c *Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.Alerting.Timezone)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}

// LargestCooldown is the widest cooldown window in use.
func (c *Config) LargestCooldown() time.Duration {
	if c.Alerting.RedFlagCooldown > c.Alerting.DefaultCooldown {
		return c.Alerting.RedFlagCooldown
	}
	return c.Alerting.DefaultCooldown
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
