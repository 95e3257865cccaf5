// Package app собирает сервис из конфигурации: хранилище, кэш, Kafka,
// шлюзы провайдеров и HTTP-сервер.
package app

import (
	"context"
	"time"

	"github.com/Dhoini/Billing-reconciler/internal/api/rest"
	"github.com/Dhoini/Billing-reconciler/internal/config"
	"github.com/Dhoini/Billing-reconciler/internal/gateway"
	"github.com/Dhoini/Billing-reconciler/internal/kafka"
	"github.com/Dhoini/Billing-reconciler/internal/metrics"
	"github.com/Dhoini/Billing-reconciler/internal/repository"
	"github.com/Dhoini/Billing-reconciler/internal/service"
	"github.com/Dhoini/Billing-reconciler/internal/signature"
	"github.com/Dhoini/Billing-reconciler/pkg/logger"

	"github.com/Dhoini/Billing-reconciler/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// App собранное приложение
type App struct {
	Server *rest.Server
	log    *logger.Logger

	pool          *pgxpool.Pool
	redisClient   *redis.Client
	kafkaProducer *kafka.Producer
}

// New собирает приложение из конфигурации
func New(cfg *config.Config, log *logger.Logger) (*App, error) {
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	a := &App{log: log}

	// Хранилище: Postgres в бою, память для локальной разработки без базы
	var store repository.Store
	var reader repository.SubscriptionReader
	var audit repository.WebhookAuditRepository

	if cfg.Database.DSN != "" {
		pool, err := pgxpool.New(context.Background(), cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(context.Background()); err != nil {
			pool.Close()
			return nil, err
		}
		a.pool = pool

		pgStore := repository.NewPostgresStore(pool, cfg.Database.LockTimeout, log)
		store = pgStore
		reader = pgStore
		audit = repository.NewPostgresWebhookAuditRepository(pool)
		log.Infow("Database connection established")
	} else {
		memStore := repository.NewMemoryStore(log)
		store = memStore
		reader = memStore
		audit = repository.NewInMemoryWebhookAuditRepository()
		log.Warnw("Database DSN is empty, using in-memory storage")
	}

	// Redis опционален: без него чтения идут напрямую в хранилище
	var cacheInvalidator service.CacheInvalidator
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warnw("Failed to connect to Redis, continuing without caching", "error", err)
			_ = client.Close()
		} else {
			a.redisClient = client
			cache := repository.NewRedisCache(client, cfg.Redis.CacheTTL, log)
			cachedReader := repository.NewCachedSubscriptionReader(reader, cache, log)
			reader = cachedReader
			cacheInvalidator = cachedReader
			log.Infow("Redis cache initialized successfully")
		}
	}

	// Kafka опционален: без него уведомления остаются в логах
	var notifier service.Notifier
	if cfg.Kafka.Enabled {
		if err := kafka.EnsureTopics(cfg.Kafka.Brokers, log); err != nil {
			log.Warnw("Failed to ensure Kafka topics, continuing without event publishing", "error", err)
		} else {
			producer, err := kafka.NewProducer(cfg.Kafka.Brokers, log)
			if err != nil {
				log.Warnw("Failed to initialize Kafka producer, continuing without event publishing", "error", err)
			} else {
				a.kafkaProducer = producer
				notifier = producer
				log.Infow("Kafka producer initialized")
			}
		}
	}

	// Верификаторы подписей по включенным провайдерам
	verifiers := make(map[domain.Provider]signature.Verifier)
	if cfg.Stripe.Enabled {
		verifiers[domain.ProviderStripe] = signature.NewStripeVerifier(cfg.Stripe.WebhookSecret)
	}
	if cfg.Paddle.Enabled {
		verifiers[domain.ProviderPaddle] = signature.NewPaddleVerifier(cfg.Paddle.WebhookSecret)
	}
	if cfg.LemonSqueezy.Enabled {
		verifiers[domain.ProviderLemonSqueezy] = signature.NewLemonSqueezyVerifier(cfg.LemonSqueezy.WebhookSecret)
	}

	// Исходящие шлюзы. Paddle и Lemon Squeezy принимают только вебхуки:
	// checkout для них оформляется на стороне их хостед-страниц.
	gateways := make(map[domain.Provider]gateway.Gateway)
	if cfg.Stripe.Enabled && cfg.Stripe.APIKey != "" {
		gateways[domain.ProviderStripe] = gateway.NewStripeGateway(cfg.Stripe.APIKey, log)
	}

	catalog := service.NewStaticProductCatalog(map[domain.Provider][]string{
		domain.ProviderStripe:       cfg.Stripe.ProductIDs,
		domain.ProviderPaddle:       cfg.Paddle.ProductIDs,
		domain.ProviderLemonSqueezy: cfg.LemonSqueezy.ProductIDs,
	})

	registry := prometheus.NewRegistry()
	webhookMetrics := metrics.NewWebhookMetrics(registry)

	reconciler := service.NewReconciliationService(verifiers, store, audit, catalog, notifier, cacheInvalidator, webhookMetrics, log)
	checkout := service.NewCheckoutService(gateways, store, reader, cacheInvalidator, log)

	router := rest.SetupRouter(log, registry, reconciler, checkout, audit)
	a.Server = rest.NewServer(router, cfg.App.Port, log)

	return a, nil
}

// Close освобождает ресурсы приложения
func (a *App) Close() {
	if a.kafkaProducer != nil {
		if err := a.kafkaProducer.Close(); err != nil {
			a.log.Errorw("Error closing Kafka producer", "error", err)
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Errorw("Error closing Redis connection", "error", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
