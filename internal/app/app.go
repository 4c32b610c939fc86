package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"hypewatch/internal/admin"
	"hypewatch/internal/alerting"
	"hypewatch/internal/config"
	"hypewatch/internal/fetcher"
	"hypewatch/internal/notify"
	"hypewatch/internal/scheduler"
	"hypewatch/internal/service"
	"hypewatch/internal/state"
	"hypewatch/internal/storage"
	"hypewatch/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (storage.Store, error) {
	return storage.Open(ctx, a.Config.Database, storage.Options{
		QuietHoursDisabled: a.Config.Alerting.QuietHoursDisabled,
	})
}

// newProvider builds the CoinGecko client, wrapped in the Redis cache when
// redis.addr is set. The returned closer releases the Redis connection.
func (a *App) newProvider() (fetcher.MarketDataProvider, func()) {
	cg := a.Config.CoinGecko
	var provider fetcher.MarketDataProvider = fetcher.NewCoinGecko(fetcher.CoinGeckoOptions{
		BaseURL:       cg.BaseURL,
		APIKey:        cg.APIKey,
		UserAgent:     cg.UserAgent,
		Timeout:       cg.Timeout,
		RatePerMinute: cg.RatePerMinute,
	}, a.Logger)

	if a.Config.Redis.Addr == "" {
		return provider, func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	cached := fetcher.NewCachedProvider(provider, client, fetcher.CacheOptions{
		TTL:    a.Config.Redis.TTL,
		Prefix: a.Config.Redis.Prefix,
	}, a.Logger)
	return cached, func() {
		if err := client.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close redis client")
		}
	}
}

// newGateway returns the Telegram gateway, or a logging gateway for dry runs
// and when Telegram is disabled.
func (a *App) newGateway() (notify.Gateway, error) {
	tg := a.Config.Telegram
	if !tg.Enabled || a.Config.Alerting.DryRun {
		a.Logger.Warn().Bool("dry_run", a.Config.Alerting.DryRun).Msg("telegram delivery disabled; alerts are logged only")
		return notify.NewLogGateway(a.Logger), nil
	}
	return notify.NewTelegramGateway(notify.TelegramOptions{
		Token:         tg.BotToken,
		APIBase:       tg.APIBase,
		Timeout:       tg.Timeout,
		RatePerSecond: tg.RatePerSecond,
	}, a.Logger)
}

// newSink returns nil when no Kafka brokers are configured.
func (a *App) newSink() (*notify.KafkaSink, error) {
	if len(a.Config.Kafka.Brokers) == 0 {
		return nil, nil
	}
	return notify.NewKafkaSink(notify.KafkaOptions{
		Brokers: a.Config.Kafka.Brokers,
		Topic:   a.Config.Kafka.Topic,
	}, a.Logger)
}

// Run executes the long-running alerting service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	loc, err := a.Config.Location()
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	provider, closeProvider := a.newProvider()
	defer closeProvider()

	gateway, err := a.newGateway()
	if err != nil {
		return err
	}

	var sink notify.EventSink
	kafkaSink, err := a.newSink()
	if err != nil {
		return err
	}
	if kafkaSink != nil {
		sink = kafkaSink
		defer func() {
			if err := kafkaSink.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close kafka sink")
			}
		}()
	}

	alertCfg := a.Config.Alerting
	cooldown := state.NewCooldownTracker(time.Now)
	evaluator := alerting.NewEvaluator(cooldown, alerting.EvaluatorOptions{
		DefaultCooldown: alertCfg.DefaultCooldown,
		RedFlagCooldown: alertCfg.RedFlagCooldown,
	})
	dispatch := service.NewDispatcher(gateway, sink, cooldown, store, service.DispatcherOptions{
		Timeout: alertCfg.DeliveryTimeout,
	}, a.Logger)

	loops := service.Loops{
		Alerts: service.NewAlertChecker(store, provider, evaluator, state.NewPreviousValueCache(), cooldown, dispatch, service.CheckerOptions{
			Concurrency:  alertCfg.FetchConcurrency,
			FetchTimeout: alertCfg.FetchTimeout,
			Location:     loc,
			SweepAge:     a.Config.LargestCooldown(),
		}, a.Logger),
		Trending: service.NewTrendingUpdater(provider, store, service.TrendingOptions{
			TopN:   a.Config.Trending.TopN,
			Source: a.Config.Trending.Source,
		}, a.Logger),
	}

	if wc := a.Config.Whales; wc.Enabled {
		feed := fetcher.NewChainWhaleFeed(fetcher.ChainWhaleOptions{
			RPCURL:      wc.RPCURL,
			Wallets:     wc.Wallets,
			BlockWindow: wc.BlockWindow,
			Timeout:     wc.Timeout,
		}, provider, a.Logger)
		loops.Whales = service.NewWhaleMonitor(store, feed, evaluator, dispatch, service.WhaleOptions{
			MinUSD:      decimal.NewFromFloat(wc.MinUSD),
			Limit:       wc.FetchLimit,
			PerOwnerCap: wc.PerOwnerCap,
			Location:    loc,
		}, a.Logger)
	}

	sched := scheduler.New(scheduler.Options{
		RunOnStart:   a.Config.Scheduler.RunOnStart,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	svc := service.New(a.Config, sched, loops, store, a.Logger)
	if err := svc.Register(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.Config.Admin.Listen != "" {
		srv := admin.New(admin.Options{
			Listen:          a.Config.Admin.Listen,
			ShutdownTimeout: a.Config.Admin.ShutdownTimeout,
			Version:         version.String(),
		}, sched, a.Logger)
		g.Go(func() error { return srv.Start(gctx) })
	}
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		a.sdNotify(daemon.SdNotifyStopping)
		return nil
	})

	a.Logger.Info().Str("version", version.String()).Str("driver", a.Config.Database.Driver).Msg("starting alerting service")
	a.sdNotify(daemon.SdNotifyReady)

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("alerting service stopped")
	return nil
}

// sdNotify is a no-op outside systemd.
func (a *App) sdNotify(status string) {
	sent, err := daemon.SdNotify(false, status)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("systemd notify failed")
		return
	}
	if sent {
		a.Logger.Debug().Str("state", status).Msg("systemd notified")
	}
}

// ExportOptions hold parameters for exporting trending history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int

	// ChartCoins overrides export.chart_coins when positive.
	ChartCoins int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
