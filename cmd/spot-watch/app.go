package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/BearBump/SpotWatch/config"
	"github.com/BearBump/SpotWatch/internal/broker/kafka"
	"github.com/BearBump/SpotWatch/internal/cache"
	"github.com/BearBump/SpotWatch/internal/cache/rediscache"
	"github.com/BearBump/SpotWatch/internal/integrations/spotapi"
	"github.com/BearBump/SpotWatch/internal/integrations/spotapi/fake"
	"github.com/BearBump/SpotWatch/internal/integrations/spotapi/spothttp"
	"github.com/BearBump/SpotWatch/internal/notify/kafkanotify"
	"github.com/BearBump/SpotWatch/internal/services/orders"
	"github.com/BearBump/SpotWatch/internal/services/reconcile"
	"github.com/BearBump/SpotWatch/internal/services/scheduler"
	"github.com/BearBump/SpotWatch/internal/storage/pgorders"
)

type appFactories struct {
	newStorage      func(cfg *config.Config) (*pgorders.Storage, func(), error)
	newProducer     func(cfg *config.Config) kafkanotify.Producer
	newCache        func(cfg *config.Config) cache.BytesCache
	newRateLimiter  func(cfg *config.Config) reconcile.RateLimiter
	newStatusSource func(cfg *config.Config) spotapi.Client
}

func defaultFactories() appFactories {
	return appFactories{
		newStorage: func(cfg *config.Config) (*pgorders.Storage, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgorders.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) kafkanotify.Producer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newCache: func(cfg *config.Config) cache.BytesCache {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return rediscache.New(redisAddr)
		},
		newRateLimiter: func(cfg *config.Config) reconcile.RateLimiter {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return rediscache.NewRateLimiter(redisAddr)
		},
		newStatusSource: func(cfg *config.Config) spotapi.Client {
			// Для демо без внешнего API используем локальный fake.
			if cfg.SpotWatch.UseFakeSource {
				return fake.New()
			}
			timeout := time.Duration(cfg.SpotWatch.FetchTimeoutSeconds) * time.Second
			return spothttp.New(cfg.SpotWatch.SpotAPIBaseURL, cfg.SpotWatch.SpotAPIConfigID, timeout)
		},
	}
}

type appSettings struct {
	httpAddr        string
	topic           string
	refreshInterval time.Duration
	concurrency     int
	fetchTimeout    time.Duration
	rateLimitPerMin int64
	viewCacheTTL    time.Duration
}

func settingsFromConfig(cfg *config.Config) appSettings {
	s := appSettings{
		httpAddr:        cfg.SpotWatch.HTTPAddr,
		topic:           cfg.Kafka.OrderReadyTopicName,
		refreshInterval: time.Duration(cfg.SpotWatch.RefreshIntervalMinutes) * time.Minute,
		concurrency:     cfg.SpotWatch.RefreshConcurrency,
		fetchTimeout:    time.Duration(cfg.SpotWatch.FetchTimeoutSeconds) * time.Second,
		rateLimitPerMin: int64(cfg.SpotWatch.RateLimitPerMinute),
		viewCacheTTL:    time.Duration(cfg.SpotWatch.ViewCacheTTLSeconds) * time.Second,
	}
	if s.httpAddr == "" {
		s.httpAddr = ":8080"
	}
	if s.topic == "" {
		s.topic = "order.ready"
	}
	if s.refreshInterval <= 0 {
		s.refreshInterval = 60 * time.Minute
	}
	s.refreshInterval = scheduler.ClampInterval(s.refreshInterval)
	if s.concurrency <= 0 {
		s.concurrency = 4
	}
	if s.fetchTimeout <= 0 {
		s.fetchTimeout = 10 * time.Second
	}
	if s.rateLimitPerMin <= 0 {
		s.rateLimitPerMin = 60
	}
	if s.viewCacheTTL <= 0 {
		s.viewCacheTTL = 10 * time.Minute
	}
	return s
}

func RunSpotWatch(ctx context.Context, cfg *config.Config, f appFactories) error {
	s := settingsFromConfig(cfg)

	st, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	viewCache := f.newCache(cfg)
	notifier := kafkanotify.New(f.newProducer(cfg), s.topic)

	engine := reconcile.New(f.newStatusSource(cfg), st).
		WithCache(viewCache, s.viewCacheTTL).
		WithRateLimit(f.newRateLimiter(cfg), s.rateLimitPerMin).
		WithFetchTimeout(s.fetchTimeout)

	svc := orders.New(st, engine, notifier).
		WithConcurrency(s.concurrency).
		WithViewCache(viewCache)

	runner := scheduler.New(svc, s.refreshInterval)
	// первая сверка сразу после старта, не дожидаясь тикера
	runner.Trigger()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runHTTPServer(ctx, httpOpts{
			httpAddr:    s.httpAddr,
			swaggerPath: os.Getenv("swaggerPath"),
			svc:         svc,
			runner:      runner,
		})
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- runner.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-httpErr:
		return err
	case err := <-runErr:
		return err
	}
}
