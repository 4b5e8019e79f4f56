package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"vpn-console/internal/accounts"
	"vpn-console/internal/activity"
	"vpn-console/internal/auth"
	"vpn-console/internal/config"
	"vpn-console/internal/feed"
	"vpn-console/internal/ledger"
	"vpn-console/internal/logging"
	"vpn-console/internal/metrics"
	"vpn-console/internal/presence"
	"vpn-console/internal/relay"
	"vpn-console/internal/server"
	"vpn-console/internal/store"
	"vpn-console/internal/withdrawal"
)

func main() {
	boot := logging.New("info")
	config.LoadEnvFiles(boot)

	cfg, err := config.LoadConfig()
	if err != nil {
		boot.WithError(err).Fatal("invalid configuration")
	}
	logger := logging.New(cfg.LogLevel)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("server stopped")
	}
	logger.Info("server stopped")
}

func openStore(ctx context.Context, cfg config.Config, f *feed.Feed, m *metrics.Collector, logger *logrus.Logger) (store.Store, func(), error) {
	if cfg.StoreDriver == config.StorePostgres {
		pg, err := store.OpenPostgres(ctx, store.DefaultPostgresConfig(cfg.DatabaseURL), f, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
		return pg, func() { _ = pg.Close() }, nil
	}
	st := store.NewMemoryWithOptions(store.Options{
		StateFile:      cfg.StateFile,
		Feed:           f,
		Logger:         logger,
		OnPersistError: m.SnapshotFailed,
	})
	return st, func() {}, nil
}

func run(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	f := feed.NewWithOptions(feed.Options{InstanceID: uuid.NewString()})

	m := metrics.New()
	st, closeStore, err := openStore(ctx, cfg, f, m, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	tokenCfg := auth.DefaultTokenConfig(cfg.MasterSecret)
	tokenCfg.Expiry = cfg.TokenExpiry

	monitor := presence.NewMonitor(presence.MonitorOptions{
		Window:   cfg.PresenceWindow,
		Interval: cfg.PresenceTick,
		OnChange: presence.PublishTo(f),
		Reload:   st.ListAccounts,
		Gauge:    m,
		Logger:   logger,
	})

	limiters := server.DefaultLimiters()
	defer limiters.Close()

	router := server.NewRouter(server.Deps{
		Store:       st,
		Feed:        f,
		Accounts:    accounts.New(st, cfg.PresenceWindow, logger),
		Ledger:      ledger.New(st, m, logger),
		Withdrawals: withdrawal.New(st, withdrawal.Options{Recorder: m, Logger: logger}),
		Activity:    activity.New(st),
		Auth: &auth.Authenticator{
			Operators:  cfg.Operators,
			Challenges: auth.NewChallenges(auth.DefaultChallengeTTL),
			Token:      tokenCfg,
		},
		Metrics:     m,
		Logger:      logger,
		TokenConfig: tokenCfg,
		DeviceKey:   cfg.DeviceAPIKey,
		Limiters:    limiters,
	})

	if len(cfg.Operators) == 0 {
		logger.Warn("no OPERATOR_KEYS configured, operator login is disabled")
	}
	if cfg.DeviceAPIKey == "" {
		logger.Warn("no DEVICE_API_KEY configured, device API is disabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return monitor.Run(gctx, f) })

	if cfg.RedisURL != "" {
		client, err := relay.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		r := relay.New(client, f, relay.DefaultChannel, logger)
		g.Go(func() error { return r.Run(gctx) })
	}

	g.Go(func() error {
		logger.WithFields(logrus.Fields{
			"port":     cfg.Port,
			"store":    cfg.StoreDriver,
			"instance": f.InstanceID(),
		}).Info("listening")
		return server.Run(gctx, cfg, router)
	})

	return g.Wait()
}
