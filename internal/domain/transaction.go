package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransactionStatus канонический статус платежной попытки
type TransactionStatus string

const (
	TransactionStatusNotStarted TransactionStatus = "not_started"
	TransactionStatusPending    TransactionStatus = "pending"
	TransactionStatusSuccess    TransactionStatus = "success"
	TransactionStatusFailed     TransactionStatus = "failed"
	TransactionStatusRefunded   TransactionStatus = "refunded"
	TransactionStatusDisputed   TransactionStatus = "disputed"
)

// Transaction представляет платежную попытку.
// Транзакция привязана либо к подписке, либо к заказу, но не к обоим сразу.
// provider_transaction_id — ключ идемпотентности: повторное событие с тем же
// ID обновляет существующую запись и никогда не создает дубликат.
type Transaction struct {
	UUID                  uuid.UUID         `json:"uuid"`
	SubscriptionUUID      *uuid.UUID        `json:"subscription_uuid,omitempty"`
	OrderUUID             *uuid.UUID        `json:"order_uuid,omitempty"`
	Provider              Provider          `json:"provider"`
	ProviderTransactionID string            `json:"provider_transaction_id"`
	ProviderStatus        string            `json:"provider_status,omitempty"`
	Status                TransactionStatus `json:"status"`
	Amount                int64             `json:"amount"`
	Currency              string            `json:"currency"`
	DiscountTotal         int64             `json:"discount_total"`
	TaxTotal              int64             `json:"tax_total"`
	FeeTotal              int64             `json:"fee_total"`
	ErrorReason           string            `json:"error_reason,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}
