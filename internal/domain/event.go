package domain

import (
	"time"

	"github.com/google/uuid"
)

// Provider платежный провайдер
type Provider string

const (
	ProviderStripe       Provider = "stripe"
	ProviderPaddle       Provider = "paddle"
	ProviderLemonSqueezy Provider = "lemonsqueezy"
)

// KnownProviders список поддерживаемых провайдеров
var KnownProviders = []Provider{ProviderStripe, ProviderPaddle, ProviderLemonSqueezy}

// IsKnown проверяет, поддерживается ли провайдер
func (p Provider) IsKnown() bool {
	for _, known := range KnownProviders {
		if p == known {
			return true
		}
	}
	return false
}

// EventChannel определяет, какую сущность затрагивает событие
type EventChannel string

const (
	// EventChannelSubscription событие меняет жизненный цикл подписки
	EventChannelSubscription EventChannel = "subscription"
	// EventChannelTransaction событие описывает платежную попытку
	EventChannelTransaction EventChannel = "transaction"
	// EventChannelNone событие распознано, но не требует изменения состояния
	EventChannelNone EventChannel = "none"
)

// WebhookEvent каноническое представление вебхук-события провайдера.
// Живет только на время обработки запроса, дальше — только в журнале аудита.
type WebhookEvent struct {
	Provider   Provider     `json:"provider"`
	Kind       string       `json:"kind"` // Имя события в терминах провайдера
	Channel    EventChannel `json:"channel"`
	IsCreation bool         `json:"is_creation"` // true для "*created"-событий: нужны для отбрасывания устаревших доставок

	// Корреляционные идентификаторы. Nil-UUID означает, что провайдер не
	// передал custom-метаданные и сущность надо искать по провайдерскому ID.
	SubscriptionUUID uuid.UUID `json:"subscription_uuid,omitempty"`
	OrderUUID        uuid.UUID `json:"order_uuid,omitempty"`

	Subscription *SubscriptionUpdate `json:"subscription,omitempty"`
	Transaction  *TransactionUpdate  `json:"transaction,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
	ReceivedAt time.Time `json:"received_at"`
}

// SubscriptionUpdate данные события, относящиеся к подписке
type SubscriptionUpdate struct {
	ProviderSubscriptionID string
	ProviderStatus         string
	CurrentPeriodEnd       *time.Time // nil — провайдер не прислал, берется время получения
	TrialEnd               *time.Time
	CanceledAt             *time.Time
	EndedAt                *time.Time // Провайдер сообщил о фактическом окончании оплаченного периода
	CancelAtPeriodEnd      bool
	CancellationReason     string
}

// TransactionUpdate данные события, относящиеся к платежной попытке
type TransactionUpdate struct {
	ProviderTransactionID string
	ProviderStatus        string
	Amount                int64
	Currency              string
	DiscountTotal         int64
	TaxTotal              int64
	FeeTotal              int64
	ErrorReason           string

	// Привязка к подписке или заказу по провайдерским ID,
	// когда custom-метаданные отсутствуют
	ProviderSubscriptionID string
	ProviderOrderID        string

	// Позиции заказа из полезной нагрузки провайдера: при обновлении заказа
	// они перезаписывают локальные позиции
	Items []OrderItemUpdate
}

// OrderItemUpdate позиция заказа из события провайдера
type OrderItemUpdate struct {
	ProductID string
	Quantity  int
	UnitPrice int64
}

// WebhookAuditStatus результат обработки события для журнала аудита
type WebhookAuditStatus string

const (
	WebhookAuditStatusProcessed WebhookAuditStatus = "processed"
	WebhookAuditStatusDiscarded WebhookAuditStatus = "discarded"
	WebhookAuditStatusFailed    WebhookAuditStatus = "failed"
)

// WebhookAudit запись журнала аудита обработанных вебхуков
type WebhookAudit struct {
	ID           uuid.UUID          `json:"id"`
	Provider     Provider           `json:"provider"`
	Kind         string             `json:"kind"`
	Status       WebhookAuditStatus `json:"status"`
	EntityUUID   uuid.UUID          `json:"entity_uuid,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	Payload      []byte             `json:"payload,omitempty"`
	ReceivedAt   time.Time          `json:"received_at"`
	CreatedAt    time.Time          `json:"created_at"`
}
