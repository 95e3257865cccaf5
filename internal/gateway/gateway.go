// Package gateway описывает исходящие операции к платежным провайдерам.
// Реконсиляция вебхуков от него не зависит: шлюз нужен инициации
// оплаты и управлению подписками.
package gateway

import (
	"context"
	"time"

	"github.com/Dhoini/Billing-reconciler/internal/domain"
)

// CheckoutMode режим платежной сессии
type CheckoutMode string

const (
	CheckoutModeSubscription CheckoutMode = "subscription"
	CheckoutModePayment      CheckoutMode = "payment"
)

// CheckoutSessionParams параметры создания платежной сессии.
// Metadata обязана содержать корреляционный UUID (subscription_uuid или
// order_uuid), иначе вебхуки провайдера не привяжутся к локальной сущности.
type CheckoutSessionParams struct {
	CustomerID     string
	PriceID        string
	Quantity       int64
	Mode           CheckoutMode
	SuccessURL     string
	CancelURL      string
	DiscountID     string
	Metadata       map[string]string
	IdempotencyKey string
}

// CheckoutSession созданная платежная сессия
type CheckoutSession struct {
	ID  string
	URL string
}

// PriceParams параметры создания цены
type PriceParams struct {
	ProductID     string
	Currency      string
	UnitAmount    int64
	Interval      string // month, year; пусто для разовой цены
	IntervalCount int64
	Metadata      map[string]string
}

// SubscriptionItemChange изменение позиции подписки
type SubscriptionItemChange struct {
	ItemID   string // Пустой для новой позиции
	PriceID  string
	Quantity int64
	Remove   bool
}

// UsageRecord отчет об использовании для metered-тарифов
type UsageRecord struct {
	SubscriptionItemID string
	Quantity           int64
	At                 time.Time
}

// DiscountParams параметры создания скидки
type DiscountParams struct {
	Name       string
	PercentOff float64
	AmountOff  int64
	Currency   string
	Duration   string // once, repeating, forever
}

// Gateway исходящий интерфейс платежного провайдера
type Gateway interface {
	// Provider возвращает провайдера, которого обслуживает шлюз
	Provider() domain.Provider

	// CreateCustomer создает клиента у провайдера и возвращает его ID
	CreateCustomer(ctx context.Context, userID, email string) (string, error)

	// CreateProduct создает товар у провайдера и возвращает его ID
	CreateProduct(ctx context.Context, name string, metadata map[string]string) (string, error)

	// CreatePrice создает цену у провайдера и возвращает ее ID
	CreatePrice(ctx context.Context, params PriceParams) (string, error)

	// CreateCheckoutSession создает платежную сессию
	CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (CheckoutSession, error)

	// UpdateSubscriptionItems меняет состав позиций подписки
	UpdateSubscriptionItems(ctx context.Context, providerSubscriptionID string, changes []SubscriptionItemChange) error

	// CancelSubscription отменяет подписку немедленно или в конце периода
	CancelSubscription(ctx context.Context, providerSubscriptionID string, atPeriodEnd bool) error

	// ResumeSubscription снимает запланированную отмену подписки
	ResumeSubscription(ctx context.Context, providerSubscriptionID string) error

	// ReportUsage отправляет отчет об использовании
	ReportUsage(ctx context.Context, record UsageRecord) error

	// CreateDiscount создает скидку и возвращает ее ID
	CreateDiscount(ctx context.Context, params DiscountParams) (string, error)
}
