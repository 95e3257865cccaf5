package normalize

import (
	"testing"
	"time"

	"github.com/Dhoini/Billing-reconciler/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stripeReceivedAt = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestStripeNormalizer_SubscriptionUpdated(t *testing.T) {
	subUUID := uuid.New()
	body := []byte(`{
		"id": "evt_1",
		"type": "customer.subscription.updated",
		"created": 1748779200,
		"data": {
			"object": {
				"id": "sub_123",
				"status": "active",
				"current_period_end": 1751371200,
				"cancel_at_period_end": true,
				"metadata": {"subscription_uuid": "` + subUUID.String() + `"}
			}
		}
	}`)

	n := &StripeNormalizer{}
	event, err := n.Normalize(body, stripeReceivedAt)
	require.NoError(t, err)

	assert.Equal(t, domain.EventChannelSubscription, event.Channel)
	assert.False(t, event.IsCreation)
	assert.Equal(t, subUUID, event.SubscriptionUUID)

	require.NotNil(t, event.Subscription)
	assert.Equal(t, "sub_123", event.Subscription.ProviderSubscriptionID)
	assert.Equal(t, "active", event.Subscription.ProviderStatus)
	assert.True(t, event.Subscription.CancelAtPeriodEnd)
	require.NotNil(t, event.Subscription.CurrentPeriodEnd)
	assert.Equal(t, int64(1751371200), event.Subscription.CurrentPeriodEnd.Unix())
}

func TestStripeNormalizer_PeriodEndFallsBackToItems(t *testing.T) {
	// Новые версии Stripe API переносят current_period_end в позиции подписки
	body := []byte(`{
		"type": "customer.subscription.updated",
		"data": {
			"object": {
				"id": "sub_123",
				"status": "active",
				"items": {"data": [{"current_period_end": 1751371200}]}
			}
		}
	}`)

	n := &StripeNormalizer{}
	event, err := n.Normalize(body, stripeReceivedAt)
	require.NoError(t, err)

	require.NotNil(t, event.Subscription.CurrentPeriodEnd)
	assert.Equal(t, int64(1751371200), event.Subscription.CurrentPeriodEnd.Unix())
}

func TestStripeNormalizer_PeriodEndMissingEverywhere(t *testing.T) {
	body := []byte(`{
		"type": "customer.subscription.updated",
		"data": {"object": {"id": "sub_123", "status": "active"}}
	}`)

	n := &StripeNormalizer{}
	event, err := n.Normalize(body, stripeReceivedAt)
	require.NoError(t, err)

	// Нет нигде: движок подставит время получения
	assert.Nil(t, event.Subscription.CurrentPeriodEnd)
}

func TestStripeNormalizer_InvoicePaymentFailed(t *testing.T) {
	subUUID := uuid.New()
	body := []byte(`{
		"type": "invoice.payment_failed",
		"data": {
			"object": {
				"id": "in_1",
				"status": "open",
				"total": 1999,
				"currency": "usd",
				"subscription": "sub_123",
				"subscription_details": {"metadata": {"subscription_uuid": "` + subUUID.String() + `"}}
			}
		}
	}`)

	n := &StripeNormalizer{}
	event, err := n.Normalize(body, stripeReceivedAt)
	require.NoError(t, err)

	assert.Equal(t, domain.EventChannelTransaction, event.Channel)
	assert.Equal(t, subUUID, event.SubscriptionUUID)

	require.NotNil(t, event.Transaction)
	assert.Equal(t, "in_1", event.Transaction.ProviderTransactionID)
	// payment_failed переопределяет статус счета
	assert.Equal(t, "failed", event.Transaction.ProviderStatus)
	assert.Equal(t, int64(1999), event.Transaction.Amount)
	assert.Equal(t, "USD", event.Transaction.Currency)
	assert.Equal(t, "sub_123", event.Transaction.ProviderSubscriptionID)
}

func TestStripeNormalizer_ChargeRefundKeyedByPaymentIntent(t *testing.T) {
	orderUUID := uuid.New()
	body := []byte(`{
		"type": "charge.refunded",
		"data": {
			"object": {
				"id": "ch_1",
				"payment_intent": "pi_1",
				"amount": 5000,
				"amount_refunded": 5000,
				"currency": "eur",
				"metadata": {"order_uuid": "` + orderUUID.String() + `"}
			}
		}
	}`)

	n := &StripeNormalizer{}
	event, err := n.Normalize(body, stripeReceivedAt)
	require.NoError(t, err)

	assert.Equal(t, orderUUID, event.OrderUUID)
	// Возврат попадает в ту же транзакцию, что и исходный платеж
	assert.Equal(t, "pi_1", event.Transaction.ProviderTransactionID)
	assert.Equal(t, "refunded", event.Transaction.ProviderStatus)
}

func TestStripeNormalizer_UnknownEventIgnored(t *testing.T) {
	body := []byte(`{"type": "product.updated", "data": {"object": {"id": "prod_1"}}}`)

	n := &StripeNormalizer{}
	event, err := n.Normalize(body, stripeReceivedAt)
	require.NoError(t, err)
	assert.Equal(t, domain.EventChannelNone, event.Channel)
}

func TestStripeNormalizer_MalformedPayload(t *testing.T) {
	n := &StripeNormalizer{}

	cases := map[string][]byte{
		"not json":        []byte(`{{{`),
		"missing type":    []byte(`{"data": {"object": {"id": "sub_1"}}}`),
		"missing data":    []byte(`{"type": "customer.subscription.updated"}`),
		"empty object id": []byte(`{"type": "customer.subscription.updated", "data": {"object": {"status": "active"}}}`),
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := n.Normalize(body, stripeReceivedAt)
			assert.ErrorIs(t, err, domain.ErrMalformedPayload)
		})
	}
}

func TestStripeNormalizer_BadCorrelationIDFallsBackToNil(t *testing.T) {
	body := []byte(`{
		"type": "customer.subscription.updated",
		"data": {
			"object": {
				"id": "sub_123",
				"status": "active",
				"metadata": {"subscription_uuid": "not-a-uuid"}
			}
		}
	}`)

	n := &StripeNormalizer{}
	event, err := n.Normalize(body, stripeReceivedAt)
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, event.SubscriptionUUID)
	assert.Equal(t, "sub_123", event.Subscription.ProviderSubscriptionID)
}
