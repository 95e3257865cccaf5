package normalize

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/Dhoini/Billing-reconciler/internal/domain"
)

// PaddleNormalizer разбирает вебхуки Paddle (Billing API v2)
type PaddleNormalizer struct{}

// paddleEvent внешняя обертка события Paddle
type paddleEvent struct {
	EventType  string          `json:"event_type"`
	OccurredAt string          `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// paddleSubscription нужные поля объекта subscription
type paddleSubscription struct {
	ID                   string            `json:"id"`
	Status               string            `json:"status"`
	CustomData           map[string]string `json:"custom_data"`
	CanceledAt           string            `json:"canceled_at"`
	PausedAt             string            `json:"paused_at"`
	CurrentBillingPeriod *struct {
		EndsAt string `json:"ends_at"`
	} `json:"current_billing_period"`
	ScheduledChange *struct {
		Action      string `json:"action"`
		EffectiveAt string `json:"effective_at"`
	} `json:"scheduled_change"`
}

// paddleTransaction нужные поля объекта transaction.
// Все суммы Paddle присылает строками в минорных единицах.
type paddleTransaction struct {
	ID             string            `json:"id"`
	Status         string            `json:"status"`
	SubscriptionID string            `json:"subscription_id"`
	InvoiceID      string            `json:"invoice_id"`
	CurrencyCode   string            `json:"currency_code"`
	CustomData     map[string]string `json:"custom_data"`
	Details        *struct {
		Totals *struct {
			Discount   string `json:"discount"`
			Tax        string `json:"tax"`
			Fee        string `json:"fee"`
			GrandTotal string `json:"grand_total"`
		} `json:"totals"`
	} `json:"details"`
	Items []struct {
		Quantity int `json:"quantity"`
		Price    *struct {
			ProductID string `json:"product_id"`
			UnitPrice *struct {
				Amount string `json:"amount"`
			} `json:"unit_price"`
		} `json:"price"`
	} `json:"items"`
}

// Normalize преобразует сырое событие Paddle в каноническое
func (n *PaddleNormalizer) Normalize(body []byte, receivedAt time.Time) (domain.WebhookEvent, error) {
	var raw paddleEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.WebhookEvent{}, domain.NewWebhookError(domain.ProviderPaddle, "", "failed to decode event envelope", domain.ErrMalformedPayload)
	}
	if raw.EventType == "" || len(raw.Data) == 0 {
		return domain.WebhookEvent{}, domain.NewWebhookError(domain.ProviderPaddle, raw.EventType, "event name or data object missing", domain.ErrMalformedPayload)
	}

	event := domain.WebhookEvent{
		Provider:   domain.ProviderPaddle,
		Kind:       raw.EventType,
		Channel:    domain.EventChannelNone,
		ReceivedAt: receivedAt,
		OccurredAt: receivedAt,
	}
	if occurred := rfcTime(raw.OccurredAt); occurred != nil {
		event.OccurredAt = *occurred
	}

	switch {
	case strings.HasPrefix(raw.EventType, "subscription."):
		return n.normalizeSubscription(raw, event)
	case strings.HasPrefix(raw.EventType, "transaction."):
		return n.normalizeTransaction(raw, event)
	default:
		return event, nil
	}
}

func (n *PaddleNormalizer) normalizeSubscription(raw paddleEvent, event domain.WebhookEvent) (domain.WebhookEvent, error) {
	var sub paddleSubscription
	if err := json.Unmarshal(raw.Data, &sub); err != nil || sub.ID == "" {
		return domain.WebhookEvent{}, domain.NewWebhookError(domain.ProviderPaddle, raw.EventType, "failed to decode subscription object", domain.ErrMalformedPayload)
	}

	event.Channel = domain.EventChannelSubscription
	event.IsCreation = raw.EventType == "subscription.created"
	event.SubscriptionUUID = parseCorrelationID(sub.CustomData["subscription_uuid"])

	update := &domain.SubscriptionUpdate{
		ProviderSubscriptionID: sub.ID,
		ProviderStatus:         sub.Status,
		CanceledAt:             rfcTime(sub.CanceledAt),
	}
	if sub.CurrentBillingPeriod != nil {
		update.CurrentPeriodEnd = rfcTime(sub.CurrentBillingPeriod.EndsAt)
	}
	if sub.ScheduledChange != nil && sub.ScheduledChange.Action == "cancel" {
		update.CancelAtPeriodEnd = true
	}
	if raw.EventType == "subscription.canceled" && update.CanceledAt == nil {
		update.CanceledAt = &event.OccurredAt
	}

	event.Subscription = update
	return event, nil
}

func (n *PaddleNormalizer) normalizeTransaction(raw paddleEvent, event domain.WebhookEvent) (domain.WebhookEvent, error) {
	var txn paddleTransaction
	if err := json.Unmarshal(raw.Data, &txn); err != nil || txn.ID == "" {
		return domain.WebhookEvent{}, domain.NewWebhookError(domain.ProviderPaddle, raw.EventType, "failed to decode transaction object", domain.ErrMalformedPayload)
	}

	event.Channel = domain.EventChannelTransaction
	event.SubscriptionUUID = parseCorrelationID(txn.CustomData["subscription_uuid"])
	event.OrderUUID = parseCorrelationID(txn.CustomData["order_uuid"])

	status := txn.Status
	if raw.EventType == "transaction.payment_failed" {
		status = "failed"
	}

	update := &domain.TransactionUpdate{
		ProviderTransactionID:  txn.ID,
		ProviderStatus:         status,
		Currency:               strings.ToUpper(txn.CurrencyCode),
		ProviderSubscriptionID: txn.SubscriptionID,
		ProviderOrderID:        txn.InvoiceID,
	}
	if txn.Details != nil && txn.Details.Totals != nil {
		totals := txn.Details.Totals
		update.Amount = moneyString(totals.GrandTotal)
		update.DiscountTotal = moneyString(totals.Discount)
		update.TaxTotal = moneyString(totals.Tax)
		update.FeeTotal = moneyString(totals.Fee)
	}

	for _, item := range txn.Items {
		if item.Price == nil {
			continue
		}
		itemUpdate := domain.OrderItemUpdate{
			ProductID: item.Price.ProductID,
			Quantity:  item.Quantity,
		}
		if item.Price.UnitPrice != nil {
			itemUpdate.UnitPrice = moneyString(item.Price.UnitPrice.Amount)
		}
		update.Items = append(update.Items, itemUpdate)
	}

	event.Transaction = update
	return event, nil
}
