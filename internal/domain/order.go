package domain

import (
	"time"

	"github.com/google/uuid"
)

// OrderStatus канонический статус заказа
type OrderStatus string

const (
	OrderStatusNew      OrderStatus = "new"
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusSuccess  OrderStatus = "success"
	OrderStatusFailed   OrderStatus = "failed"
	OrderStatusRefunded OrderStatus = "refunded"
	OrderStatusDisputed OrderStatus = "disputed"
)

// Order представляет собой заказ разовой покупки
type Order struct {
	UUID               uuid.UUID   `json:"uuid"`
	UserID             *uuid.UUID  `json:"user_id,omitempty"` // nil для гостевых заказов
	Status             OrderStatus `json:"status"`
	Currency           string      `json:"currency"`
	TotalAmount        int64       `json:"total_amount"` // Суммы храним в минорных единицах валюты
	TotalDiscount      int64       `json:"total_discount"`
	TotalAfterDiscount int64       `json:"total_after_discount"`
	ProviderOrderID    string      `json:"provider_order_id,omitempty"`
	Provider           Provider    `json:"provider,omitempty"`
	Items              []OrderItem `json:"items,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// OrderItem представляет позицию заказа
type OrderItem struct {
	UUID      uuid.UUID `json:"uuid"`
	OrderUUID uuid.UUID `json:"order_uuid"`
	ProductID string    `json:"product_id"` // ID товара/варианта у провайдера
	Quantity  int       `json:"quantity"`
	UnitPrice int64     `json:"unit_price"`
}

// RecalculateTotals пересчитывает итог заказа после изменения сумм провайдером.
// Инвариант: total_after_discount = total - discount.
func (o *Order) RecalculateTotals() {
	o.TotalAfterDiscount = o.TotalAmount - o.TotalDiscount
}
