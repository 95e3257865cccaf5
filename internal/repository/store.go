package repository

import (
	"context"

	"github.com/Dhoini/Billing-reconciler/internal/domain"
	"github.com/google/uuid"
)

// Tx транзакционный дескриптор хранилища. Все Lock*-методы берут
// эксклюзивную блокировку строки, которая удерживается до конца транзакции:
// два конкурентных вебхука для одной сущности сериализуются именно здесь.
type Tx interface {
	// LockSubscriptionByUUID загружает подписку под эксклюзивной блокировкой
	LockSubscriptionByUUID(ctx context.Context, id uuid.UUID) (domain.Subscription, error)

	// LockSubscriptionByProviderID загружает подписку по провайдерскому ID под блокировкой
	LockSubscriptionByProviderID(ctx context.Context, provider domain.Provider, providerID string) (domain.Subscription, error)

	// CreateSubscription создает новую подписку
	CreateSubscription(ctx context.Context, subscription domain.Subscription) error

	// UpdateSubscription обновляет подписку
	UpdateSubscription(ctx context.Context, subscription domain.Subscription) error

	// LockOrderByUUID загружает заказ под эксклюзивной блокировкой
	LockOrderByUUID(ctx context.Context, id uuid.UUID) (domain.Order, error)

	// LockOrderByProviderID загружает заказ по провайдерскому ID под блокировкой
	LockOrderByProviderID(ctx context.Context, provider domain.Provider, providerOrderID string) (domain.Order, error)

	// CreateOrder создает новый заказ вместе с позициями
	CreateOrder(ctx context.Context, order domain.Order) error

	// UpdateOrder обновляет заказ
	UpdateOrder(ctx context.Context, order domain.Order) error

	// ReplaceOrderItems перезаписывает позиции заказа данными провайдера
	ReplaceOrderItems(ctx context.Context, orderUUID uuid.UUID, items []domain.OrderItem) error

	// GetTransactionByProviderID возвращает транзакцию по ключу идемпотентности
	GetTransactionByProviderID(ctx context.Context, provider domain.Provider, providerTxID string) (domain.Transaction, error)

	// CreateTransaction создает новую транзакцию
	CreateTransaction(ctx context.Context, transaction domain.Transaction) error

	// UpdateTransaction обновляет транзакцию
	UpdateTransaction(ctx context.Context, transaction domain.Transaction) error
}

// Store хранилище с поддержкой транзакций
type Store interface {
	// WithinTx выполняет fn в одной транзакции: при ошибке все изменения
	// откатываются, блокировки снимаются на коммите или откате
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// SubscriptionReader читающий доступ к подпискам вне транзакций
type SubscriptionReader interface {
	// GetSubscriptionByUUID возвращает подписку по UUID
	GetSubscriptionByUUID(ctx context.Context, id uuid.UUID) (domain.Subscription, error)
}

// WebhookAuditRepository журнал аудита обработанных вебхуков
type WebhookAuditRepository interface {
	// Record сохраняет запись журнала
	Record(ctx context.Context, audit domain.WebhookAudit) error

	// List возвращает записи журнала, новые в начале
	List(ctx context.Context, limit, offset int) ([]domain.WebhookAudit, error)
}
