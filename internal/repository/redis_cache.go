package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/Billing-reconciler/internal/domain"
	"github.com/Dhoini/Billing-reconciler/pkg/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL срок жизни кэшированных подписок
const DefaultCacheTTL = 15 * time.Minute

// RedisCache обертка над клиентом Redis для кэширования JSON-значений
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

// NewRedisCache создает новый кэш на Redis
func NewRedisCache(client *redis.Client, ttl time.Duration, log *logger.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{
		client: client,
		ttl:    ttl,
		log:    log,
	}
}

// GetJSON читает значение из кэша и десериализует его в dest.
// Возвращает ErrNotFound при промахе кэша.
func (c *RedisCache) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get value from redis: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return nil
}

// SetJSON сериализует значение и кладет его в кэш с TTL
func (c *RedisCache) SetJSON(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for cache: %w", err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set value in redis: %w", err)
	}
	return nil
}

// Delete удаляет ключи из кэша
func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys from redis: %w", err)
	}
	return nil
}

// subscriptionCacheKey ключ кэша для подписки
func subscriptionCacheKey(id uuid.UUID) string {
	return "subscription:" + id.String()
}

// CachedSubscriptionReader кэширующий декоратор над читающим доступом к подпискам.
// Запись в кэш идет только на чтении, реконсиляция инвалидирует ключ после коммита.
type CachedSubscriptionReader struct {
	inner SubscriptionReader
	cache *RedisCache
	log   *logger.Logger
}

// NewCachedSubscriptionReader создает новый кэширующий декоратор
func NewCachedSubscriptionReader(inner SubscriptionReader, cache *RedisCache, log *logger.Logger) *CachedSubscriptionReader {
	return &CachedSubscriptionReader{
		inner: inner,
		cache: cache,
		log:   log,
	}
}

// GetSubscriptionByUUID возвращает подписку из кэша или из хранилища
func (r *CachedSubscriptionReader) GetSubscriptionByUUID(ctx context.Context, id uuid.UUID) (domain.Subscription, error) {
	key := subscriptionCacheKey(id)

	var cached domain.Subscription
	err := r.cache.GetJSON(ctx, key, &cached)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, ErrNotFound) {
		// Проблемы Redis не должны ломать чтение, идем в хранилище
		r.log.Warnw("subscription cache read failed", "subscription_uuid", id.String(), "error", err)
	}

	subscription, err := r.inner.GetSubscriptionByUUID(ctx, id)
	if err != nil {
		return domain.Subscription{}, err
	}

	if cacheErr := r.cache.SetJSON(ctx, key, subscription); cacheErr != nil {
		r.log.Warnw("subscription cache write failed", "subscription_uuid", id.String(), "error", cacheErr)
	}
	return subscription, nil
}

// InvalidateSubscription удаляет подписку из кэша после изменения
func (r *CachedSubscriptionReader) InvalidateSubscription(ctx context.Context, id uuid.UUID) {
	if err := r.cache.Delete(ctx, subscriptionCacheKey(id)); err != nil {
		r.log.Warnw("subscription cache invalidation failed", "subscription_uuid", id.String(), "error", err)
	}
}
