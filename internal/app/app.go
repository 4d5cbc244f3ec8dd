package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/yourorg/form4-ingest/internal/client"
	"github.com/yourorg/form4-ingest/internal/config"
	"github.com/yourorg/form4-ingest/internal/events"
	"github.com/yourorg/form4-ingest/internal/parser"
	"github.com/yourorg/form4-ingest/internal/ratelimit"
	"github.com/yourorg/form4-ingest/internal/repository"
	"github.com/yourorg/form4-ingest/internal/service"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// App holds the wired ingestion pipeline shared by the server and the CLI
type App struct {
	DB            *sqlx.DB
	Store         *repository.Store
	ScrapeService *service.ScrapeService
	BatchService  *service.BatchService

	closers []func() error
	logger  *zap.Logger
}

// New connects to the database and external services and wires the
// pipeline. Redis and Kafka are optional.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{logger: logger}

	// Connect to database
	db, err := connectToDB(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)

	a.Store = repository.NewStore(db, logger)
	if cfg.Database.AutoMigrate {
		if err := a.Store.Migrate(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	// One limiter per process, shared by every fetch
	limiter := a.newLimiter(ctx, cfg)

	fetcher, err := client.NewRateLimitedFetcher(cfg.SEC.UserAgent, limiter, logger,
		client.WithHTTPClient(&http.Client{Timeout: cfg.SEC.Timeout}),
		client.WithThrottleRetries(cfg.SEC.MaxThrottleRetries),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	index := client.NewFilingIndexClient(fetcher, cfg.SEC.BaseURL, cfg.SEC.DataBaseURL, cfg.SEC.TickerCacheTTL, logger)

	var publisher service.EventPublisher
	if cfg.Kafka.Enabled {
		producer := events.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.ClientID, logger)
		a.closers = append(a.closers, producer.Close)
		publisher = events.NewTradePublisher(producer, cfg.Kafka.Topics.Trades, cfg.Kafka.Topics.Scrapes)
		logger.Info("Publishing ingestion events to Kafka",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("trades_topic", cfg.Kafka.Topics.Trades),
			zap.String("scrapes_topic", cfg.Kafka.Topics.Scrapes))
	}

	a.ScrapeService = service.NewScrapeService(a.Store, index, fetcher, parser.NewForm4Parser(logger), publisher, logger)
	a.BatchService = service.NewBatchService(a.ScrapeService, cfg.Scraper.CompanyDelay, logger)

	return a, nil
}

func (a *App) newLimiter(ctx context.Context, cfg *config.Config) ratelimit.Limiter {
	if !cfg.Redis.Enabled {
		return ratelimit.NewLocal(cfg.SEC.RequestsPerSecond, time.Second)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.closers = append(a.closers, rdb.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		a.logger.Warn("Redis unreachable, requests fall back to the local budget until it returns",
			zap.String("addr", cfg.Redis.Addr),
			zap.Error(err))
	}

	return ratelimit.NewRedis(rdb, cfg.Redis.Key, cfg.SEC.RequestsPerSecond, time.Second, a.logger)
}

// Close releases every connection in reverse order of creation
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Failed to close resource", zap.Error(err))
		}
	}
	a.closers = nil
}

func connectToDB(ctx context.Context, dbConfig config.DatabaseConfig, logger *zap.Logger) (*sqlx.DB, error) {
	var db *sqlx.DB

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second

	err := backoff.RetryNotify(func() error {
		var err error
		db, err = sqlx.ConnectContext(ctx, dbConfig.Driver, dbConfig.DatabaseDSN())
		return err
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		logger.Warn("Database not ready, retrying",
			zap.String("driver", dbConfig.Driver),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(dbConfig.MaxOpenConns)
	db.SetMaxIdleConns(dbConfig.MaxIdleConns)
	db.SetConnMaxLifetime(dbConfig.ConnMaxLifetime)

	return db, nil
}
