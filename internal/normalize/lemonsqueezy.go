package normalize

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/Dhoini/Billing-reconciler/internal/domain"
)

// LemonSqueezyNormalizer разбирает вебхуки Lemon Squeezy (JSON:API)
type LemonSqueezyNormalizer struct{}

// lemonEvent внешняя обертка события Lemon Squeezy
type lemonEvent struct {
	Meta *struct {
		EventName  string            `json:"event_name"`
		CustomData map[string]string `json:"custom_data"`
	} `json:"meta"`
	Data *struct {
		Type       string          `json:"type"`
		ID         string          `json:"id"`
		Attributes json.RawMessage `json:"attributes"`
	} `json:"data"`
}

// lemonSubscriptionAttrs атрибуты объекта subscription
type lemonSubscriptionAttrs struct {
	Status      string `json:"status"`
	Cancelled   bool   `json:"cancelled"`
	RenewsAt    string `json:"renews_at"`
	EndsAt      string `json:"ends_at"`
	TrialEndsAt string `json:"trial_ends_at"`
}

// lemonInvoiceAttrs атрибуты объекта subscription-invoice
type lemonInvoiceAttrs struct {
	Status         string `json:"status"`
	Total          int64  `json:"total"`
	Tax            int64  `json:"tax"`
	Currency       string `json:"currency"`
	SubscriptionID int64  `json:"subscription_id"`
}

// lemonOrderAttrs атрибуты объекта order
type lemonOrderAttrs struct {
	Identifier     string `json:"identifier"`
	Status         string `json:"status"`
	Currency       string `json:"currency"`
	Total          int64  `json:"total"`
	DiscountTotal  int64  `json:"discount_total"`
	Tax            int64  `json:"tax"`
	FirstOrderItem *struct {
		VariantID int64 `json:"variant_id"`
		Price     int64 `json:"price"`
		Quantity  int   `json:"quantity"`
	} `json:"first_order_item"`
}

// Normalize преобразует сырое событие Lemon Squeezy в каноническое
func (n *LemonSqueezyNormalizer) Normalize(body []byte, receivedAt time.Time) (domain.WebhookEvent, error) {
	var raw lemonEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.WebhookEvent{}, domain.NewWebhookError(domain.ProviderLemonSqueezy, "", "failed to decode event envelope", domain.ErrMalformedPayload)
	}
	if raw.Meta == nil || raw.Meta.EventName == "" || raw.Data == nil || len(raw.Data.Attributes) == 0 {
		kind := ""
		if raw.Meta != nil {
			kind = raw.Meta.EventName
		}
		return domain.WebhookEvent{}, domain.NewWebhookError(domain.ProviderLemonSqueezy, kind, "event name or data object missing", domain.ErrMalformedPayload)
	}

	event := domain.WebhookEvent{
		Provider:   domain.ProviderLemonSqueezy,
		Kind:       raw.Meta.EventName,
		Channel:    domain.EventChannelNone,
		OccurredAt: receivedAt, // Lemon Squeezy не передает время события в конверте
		ReceivedAt: receivedAt,
	}

	switch {
	case strings.HasPrefix(raw.Meta.EventName, "subscription_payment_"):
		return n.normalizeInvoice(raw, event)
	case strings.HasPrefix(raw.Meta.EventName, "subscription_"):
		return n.normalizeSubscription(raw, event)
	case strings.HasPrefix(raw.Meta.EventName, "order_"):
		return n.normalizeOrder(raw, event)
	default:
		return event, nil
	}
}

func (n *LemonSqueezyNormalizer) normalizeSubscription(raw lemonEvent, event domain.WebhookEvent) (domain.WebhookEvent, error) {
	var attrs lemonSubscriptionAttrs
	if err := json.Unmarshal(raw.Data.Attributes, &attrs); err != nil || attrs.Status == "" {
		return domain.WebhookEvent{}, domain.NewWebhookError(domain.ProviderLemonSqueezy, raw.Meta.EventName, "failed to decode subscription attributes", domain.ErrMalformedPayload)
	}

	event.Channel = domain.EventChannelSubscription
	event.IsCreation = raw.Meta.EventName == "subscription_created"
	event.SubscriptionUUID = parseCorrelationID(raw.Meta.CustomData["subscription_uuid"])

	update := &domain.SubscriptionUpdate{
		ProviderSubscriptionID: raw.Data.ID,
		ProviderStatus:         attrs.Status,
		TrialEnd:               rfcTime(attrs.TrialEndsAt),
		CancelAtPeriodEnd:      attrs.Cancelled,
	}

	// renews_at — конец текущего оплаченного периода; для отмененной подписки
	// провайдер присылает ends_at
	if periodEnd := rfcTime(attrs.RenewsAt); periodEnd != nil {
		update.CurrentPeriodEnd = periodEnd
	} else if endsAt := rfcTime(attrs.EndsAt); endsAt != nil {
		update.CurrentPeriodEnd = endsAt
	}
	if attrs.Cancelled {
		update.CanceledAt = &event.ReceivedAt
	}
	if attrs.Status == "expired" {
		update.EndedAt = rfcTime(attrs.EndsAt)
		if update.EndedAt == nil {
			update.EndedAt = &event.ReceivedAt
		}
	}

	event.Subscription = update
	return event, nil
}

func (n *LemonSqueezyNormalizer) normalizeInvoice(raw lemonEvent, event domain.WebhookEvent) (domain.WebhookEvent, error) {
	var attrs lemonInvoiceAttrs
	if err := json.Unmarshal(raw.Data.Attributes, &attrs); err != nil || attrs.Status == "" {
		return domain.WebhookEvent{}, domain.NewWebhookError(domain.ProviderLemonSqueezy, raw.Meta.EventName, "failed to decode invoice attributes", domain.ErrMalformedPayload)
	}

	event.Channel = domain.EventChannelTransaction
	event.SubscriptionUUID = parseCorrelationID(raw.Meta.CustomData["subscription_uuid"])

	status := attrs.Status
	if raw.Meta.EventName == "subscription_payment_failed" {
		status = "failed"
	}

	event.Transaction = &domain.TransactionUpdate{
		ProviderTransactionID:  raw.Data.ID,
		ProviderStatus:         status,
		Amount:                 attrs.Total,
		TaxTotal:               attrs.Tax,
		Currency:               strings.ToUpper(attrs.Currency),
		ProviderSubscriptionID: strconv.FormatInt(attrs.SubscriptionID, 10),
	}
	return event, nil
}

func (n *LemonSqueezyNormalizer) normalizeOrder(raw lemonEvent, event domain.WebhookEvent) (domain.WebhookEvent, error) {
	var attrs lemonOrderAttrs
	if err := json.Unmarshal(raw.Data.Attributes, &attrs); err != nil || attrs.Status == "" {
		return domain.WebhookEvent{}, domain.NewWebhookError(domain.ProviderLemonSqueezy, raw.Meta.EventName, "failed to decode order attributes", domain.ErrMalformedPayload)
	}

	event.Channel = domain.EventChannelTransaction
	event.IsCreation = raw.Meta.EventName == "order_created"
	event.OrderUUID = parseCorrelationID(raw.Meta.CustomData["order_uuid"])

	status := attrs.Status
	if raw.Meta.EventName == "order_refunded" {
		status = "refunded"
	}

	providerOrderID := attrs.Identifier
	if providerOrderID == "" {
		providerOrderID = raw.Data.ID
	}

	update := &domain.TransactionUpdate{
		ProviderTransactionID: raw.Data.ID,
		ProviderStatus:        status,
		Amount:                attrs.Total,
		DiscountTotal:         attrs.DiscountTotal,
		TaxTotal:              attrs.Tax,
		Currency:              strings.ToUpper(attrs.Currency),
		ProviderOrderID:       providerOrderID,
	}
	if attrs.FirstOrderItem != nil {
		update.Items = append(update.Items, domain.OrderItemUpdate{
			ProductID: strconv.FormatInt(attrs.FirstOrderItem.VariantID, 10),
			Quantity:  attrs.FirstOrderItem.Quantity,
			UnitPrice: attrs.FirstOrderItem.Price,
		})
	}

	event.Transaction = update
	return event, nil
}
