package normalize

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/Dhoini/Billing-reconciler/internal/domain"
)

// StripeNormalizer разбирает вебхуки Stripe
type StripeNormalizer struct{}

// stripeEvent внешняя обертка события Stripe
type stripeEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    *struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// stripeSubscription нужные поля объекта subscription
type stripeSubscription struct {
	ID                  string            `json:"id"`
	Status              string            `json:"status"`
	CurrentPeriodEnd    int64             `json:"current_period_end"`
	CancelAtPeriodEnd   bool              `json:"cancel_at_period_end"`
	CanceledAt          int64             `json:"canceled_at"`
	TrialEnd            int64             `json:"trial_end"`
	EndedAt             int64             `json:"ended_at"`
	Metadata            map[string]string `json:"metadata"`
	CancellationDetails *struct {
		Reason string `json:"reason"`
	} `json:"cancellation_details"`
	Items struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// stripeInvoice нужные поля объекта invoice
type stripeInvoice struct {
	ID                  string            `json:"id"`
	Status              string            `json:"status"`
	Total               int64             `json:"total"`
	Tax                 int64             `json:"tax"`
	Currency            string            `json:"currency"`
	Subscription        string            `json:"subscription"`
	Metadata            map[string]string `json:"metadata"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	LastFinalizationError *struct {
		Message string `json:"message"`
	} `json:"last_finalization_error"`
}

// stripePaymentIntent нужные поля объекта payment_intent
type stripePaymentIntent struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

// stripeCharge нужные поля объекта charge
type stripeCharge struct {
	ID             string            `json:"id"`
	PaymentIntent  string            `json:"payment_intent"`
	AmountRefunded int64             `json:"amount_refunded"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Disputed       bool              `json:"disputed"`
	Metadata       map[string]string `json:"metadata"`
}

// Normalize преобразует сырое событие Stripe в каноническое
func (n *StripeNormalizer) Normalize(body []byte, receivedAt time.Time) (domain.WebhookEvent, error) {
	var raw stripeEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.WebhookEvent{}, domain.NewWebhookError(domain.ProviderStripe, "", "failed to decode event envelope", domain.ErrMalformedPayload)
	}
	if raw.Type == "" || raw.Data == nil || len(raw.Data.Object) == 0 {
		return domain.WebhookEvent{}, domain.NewWebhookError(domain.ProviderStripe, raw.Type, "event name or data object missing", domain.ErrMalformedPayload)
	}

	event := domain.WebhookEvent{
		Provider:   domain.ProviderStripe,
		Kind:       raw.Type,
		Channel:    domain.EventChannelNone,
		OccurredAt: time.Unix(raw.Created, 0).UTC(),
		ReceivedAt: receivedAt,
	}
	if raw.Created == 0 {
		event.OccurredAt = receivedAt
	}

	switch {
	case strings.HasPrefix(raw.Type, "customer.subscription."):
		return n.normalizeSubscription(raw, event)
	case strings.HasPrefix(raw.Type, "invoice."):
		return n.normalizeInvoice(raw, event)
	case strings.HasPrefix(raw.Type, "payment_intent."):
		return n.normalizePaymentIntent(raw, event)
	case strings.HasPrefix(raw.Type, "charge."):
		return n.normalizeCharge(raw, event)
	default:
		// Незнакомые события не ошибка: провайдеру отвечаем 200
		return event, nil
	}
}

func (n *StripeNormalizer) normalizeSubscription(raw stripeEvent, event domain.WebhookEvent) (domain.WebhookEvent, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(raw.Data.Object, &sub); err != nil || sub.ID == "" {
		return domain.WebhookEvent{}, domain.NewWebhookError(domain.ProviderStripe, raw.Type, "failed to decode subscription object", domain.ErrMalformedPayload)
	}

	event.Channel = domain.EventChannelSubscription
	event.IsCreation = raw.Type == "customer.subscription.created"
	event.SubscriptionUUID = parseCorrelationID(sub.Metadata["subscription_uuid"])

	update := &domain.SubscriptionUpdate{
		ProviderSubscriptionID: sub.ID,
		ProviderStatus:         sub.Status,
		TrialEnd:               unixTime(sub.TrialEnd),
		CanceledAt:             unixTime(sub.CanceledAt),
		EndedAt:                unixTime(sub.EndedAt),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
	}
	if sub.CancellationDetails != nil {
		update.CancellationReason = sub.CancellationDetails.Reason
	}

	// Дрейф версий Stripe API: current_period_end мог переехать на уровень
	// позиции подписки. Пробуем верхний уровень, потом первую позицию;
	// если нет нигде — движок подставит время получения события.
	if sub.CurrentPeriodEnd != 0 {
		update.CurrentPeriodEnd = unixTime(sub.CurrentPeriodEnd)
	} else if len(sub.Items.Data) > 0 && sub.Items.Data[0].CurrentPeriodEnd != 0 {
		update.CurrentPeriodEnd = unixTime(sub.Items.Data[0].CurrentPeriodEnd)
	}

	event.Subscription = update
	return event, nil
}

func (n *StripeNormalizer) normalizeInvoice(raw stripeEvent, event domain.WebhookEvent) (domain.WebhookEvent, error) {
	var inv stripeInvoice
	if err := json.Unmarshal(raw.Data.Object, &inv); err != nil || inv.ID == "" {
		return domain.WebhookEvent{}, domain.NewWebhookError(domain.ProviderStripe, raw.Type, "failed to decode invoice object", domain.ErrMalformedPayload)
	}

	event.Channel = domain.EventChannelTransaction

	// subscription_uuid лежит в метаданных подписки, к которой выставлен счет;
	// старые API-версии дублируют их на самом счете
	correlation := ""
	if inv.SubscriptionDetails != nil {
		correlation = inv.SubscriptionDetails.Metadata["subscription_uuid"]
	}
	if correlation == "" {
		correlation = inv.Metadata["subscription_uuid"]
	}
	event.SubscriptionUUID = parseCorrelationID(correlation)

	status := inv.Status
	if raw.Type == "invoice.payment_failed" {
		status = "failed"
	}

	update := &domain.TransactionUpdate{
		ProviderTransactionID:  inv.ID,
		ProviderStatus:         status,
		Amount:                 inv.Total,
		TaxTotal:               inv.Tax,
		Currency:               strings.ToUpper(inv.Currency),
		ProviderSubscriptionID: inv.Subscription,
	}
	if inv.LastFinalizationError != nil {
		update.ErrorReason = inv.LastFinalizationError.Message
	}

	event.Transaction = update
	return event, nil
}

func (n *StripeNormalizer) normalizePaymentIntent(raw stripeEvent, event domain.WebhookEvent) (domain.WebhookEvent, error) {
	var pi stripePaymentIntent
	if err := json.Unmarshal(raw.Data.Object, &pi); err != nil || pi.ID == "" {
		return domain.WebhookEvent{}, domain.NewWebhookError(domain.ProviderStripe, raw.Type, "failed to decode payment_intent object", domain.ErrMalformedPayload)
	}

	event.Channel = domain.EventChannelTransaction
	event.OrderUUID = parseCorrelationID(pi.Metadata["order_uuid"])
	event.SubscriptionUUID = parseCorrelationID(pi.Metadata["subscription_uuid"])

	status := pi.Status
	if raw.Type == "payment_intent.payment_failed" {
		status = "failed"
	}

	update := &domain.TransactionUpdate{
		ProviderTransactionID: pi.ID,
		ProviderStatus:        status,
		Amount:                pi.Amount,
		Currency:              strings.ToUpper(pi.Currency),
	}
	if pi.LastPaymentError != nil {
		update.ErrorReason = pi.LastPaymentError.Message
	}

	event.Transaction = update
	return event, nil
}

func (n *StripeNormalizer) normalizeCharge(raw stripeEvent, event domain.WebhookEvent) (domain.WebhookEvent, error) {
	var charge stripeCharge
	if err := json.Unmarshal(raw.Data.Object, &charge); err != nil || charge.ID == "" {
		return domain.WebhookEvent{}, domain.NewWebhookError(domain.ProviderStripe, raw.Type, "failed to decode charge object", domain.ErrMalformedPayload)
	}

	status := ""
	switch raw.Type {
	case "charge.refunded":
		status = "refunded"
	case "charge.dispute.created":
		status = "disputed"
	default:
		// Остальные charge-события дублируются payment_intent-событиями
		return event, nil
	}

	event.Channel = domain.EventChannelTransaction
	event.OrderUUID = parseCorrelationID(charge.Metadata["order_uuid"])

	// Идемпотентность: возврат и платеж должны попасть в одну транзакцию,
	// поэтому ключом служит payment_intent, а не ID charge-объекта
	providerTxID := charge.PaymentIntent
	if providerTxID == "" {
		providerTxID = charge.ID
	}

	event.Transaction = &domain.TransactionUpdate{
		ProviderTransactionID: providerTxID,
		ProviderStatus:        status,
		Amount:                charge.Amount,
		Currency:              strings.ToUpper(charge.Currency),
	}
	return event, nil
}
