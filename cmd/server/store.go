package main

import (
	"context"
	"database/sql"
	"log"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"tripledger/cmd/server/config"
	ledgerdb "tripledger/internal/db/ledger"
	"tripledger/internal/ledger"
	"tripledger/internal/ledger/store"
)

var openLedgerDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

// buildStore opens the configured ConditionalStore backend. The cleanup closes
// any connection it opened.
func buildStore(ctx context.Context, cfg config.StoreConfig) (store.ConditionalStore, func(), error) {
	switch cfg.Backend {
	case config.BackendMemory:
		s, err := ledgerdb.NewMemoryStore(nil)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("ledger store: in-memory (not durable)")
		return s, func() {}, nil
	case config.BackendRedis:
		return buildRedisStore(ctx)
	default:
		return buildPostgresStore(ctx, cfg)
	}
}

func buildPostgresStore(ctx context.Context, cfg config.StoreConfig) (store.ConditionalStore, func(), error) {
	db, err := openLedgerDB("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	setupCtx := ctx
	if cfg.InitTimeout > 0 {
		var cancel context.CancelFunc
		setupCtx, cancel = context.WithTimeout(ctx, cfg.InitTimeout)
		defer cancel()
	}
	s, err := ledgerdb.NewPostgresStoreWithSchema(setupCtx, db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	log.Printf("ledger store: postgres")
	cleanup := func() {
		if err := db.Close(); err != nil {
			log.Printf("close ledger db: %v", err)
		}
	}
	return s, cleanup, nil
}

func buildRedisStore(ctx context.Context) (store.ConditionalStore, func(), error) {
	cfg, err := config.LoadRedis()
	if err != nil {
		return nil, nil, err
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DialTimeout != nil {
		opts.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		opts.PoolSize = *cfg.PoolSize
	}
	if cfg.MinIdleConns != nil {
		opts.MinIdleConns = *cfg.MinIdleConns
	}
	if cfg.MaxRetries != nil {
		opts.MaxRetries = *cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opts.TLSConfig = cfg.TLSConfig
	}

	client := redis.NewClient(opts)
	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
	}

	pingCtx := ctx
	if cfg.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	log.Printf("ledger store: redis")
	cleanup := func() {
		if err := client.Close(); err != nil {
			log.Printf("close redis: %v", err)
		}
	}
	return ledgerdb.NewRedisStore(client, cfg.KeyPrefix), cleanup, nil
}

// ledgerOptions turns the ledger config into options shared by every ledger component.
func ledgerOptions(cfg config.LedgerConfig, logger ledger.Logger, publisher ledger.Publisher) []ledger.Option {
	opts := []ledger.Option{
		ledger.WithLogger(logger),
		ledger.WithRetryPolicy(ledger.RetryPolicy{
			MaxAttempts:   cfg.RetryMaxAttempts,
			BaseDelay:     cfg.RetryBaseDelay,
			MaxDelay:      cfg.RetryMaxDelay,
			JitterPercent: ledger.DefaultRetryPolicy().JitterPercent,
		}),
		ledger.WithCallTimeout(cfg.CallTimeout),
		ledger.WithPaymentTTL(cfg.PaymentTTL),
		ledger.WithStepTTL(cfg.StepTTL),
	}
	if cfg.BreakerMaxFailures > 0 {
		opts = append(opts, ledger.WithCircuitBreaker(ledger.NewCircuitBreaker(ledger.CircuitBreakerConfig{
			MaxFailures:  cfg.BreakerMaxFailures,
			ResetTimeout: cfg.BreakerResetTimeout,
		})))
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		opts = append(opts, ledger.WithRateLimiter(rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)))
	}
	if publisher != nil {
		opts = append(opts, ledger.WithPublisher(publisher))
	}
	return opts
}
