package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Dhoini/Billing-reconciler/internal/domain"
	"github.com/Dhoini/Billing-reconciler/internal/repository"
	"github.com/Dhoini/Billing-reconciler/internal/signature"
	"github.com/Dhoini/Billing-reconciler/pkg/logger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	stripeSecret = "whsec_test_secret"
	paddleSecret = "pdl_ntf_test_secret"
	lemonSecret  = "ls_test_secret"
)

// fakeNotifier запоминает отправленные уведомления
type fakeNotifier struct {
	mu        sync.Mutex
	activated []uuid.UUID
	canceled  []uuid.UUID
	failed    []string
	completed []uuid.UUID
}

func (f *fakeNotifier) SubscriptionActivated(ctx context.Context, s domain.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activated = append(f.activated, s.UUID)
	return nil
}

func (f *fakeNotifier) SubscriptionCanceled(ctx context.Context, s domain.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, s.UUID)
	return nil
}

func (f *fakeNotifier) InvoicePaymentFailed(ctx context.Context, t domain.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, t.ProviderTransactionID)
	return nil
}

func (f *fakeNotifier) OrderCompleted(ctx context.Context, o domain.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, o.UUID)
	return nil
}

type fixture struct {
	service  *ReconciliationService
	store    *repository.MemoryStore
	audit    *repository.InMemoryWebhookAuditRepository
	notifier *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.New(logger.ERROR)

	store := repository.NewMemoryStore(log)
	audit := repository.NewInMemoryWebhookAuditRepository()
	notifier := &fakeNotifier{}
	catalog := NewStaticProductCatalog(map[domain.Provider][]string{
		domain.ProviderLemonSqueezy: {"1234"},
		domain.ProviderPaddle:       {"pro_plan"},
	})

	verifiers := map[domain.Provider]signature.Verifier{
		domain.ProviderStripe:       signature.NewStripeVerifier(stripeSecret),
		domain.ProviderPaddle:       signature.NewPaddleVerifier(paddleSecret),
		domain.ProviderLemonSqueezy: signature.NewLemonSqueezyVerifier(lemonSecret),
	}

	svc := NewReconciliationService(verifiers, store, audit, catalog, notifier, nil, nil, log)
	return &fixture{service: svc, store: store, audit: audit, notifier: notifier}
}

func (f *fixture) seedSubscription(t *testing.T, subscription domain.Subscription) {
	t.Helper()
	err := f.store.WithinTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		return tx.CreateSubscription(ctx, subscription)
	})
	require.NoError(t, err)
}

func signStripe(body []byte) string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(stripeSecret))
	mac.Write([]byte(ts + "."))
	mac.Write(body)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func signPaddle(body []byte) string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(paddleSecret))
	mac.Write([]byte(ts + ":"))
	mac.Write(body)
	return "ts=" + ts + ";h1=" + hex.EncodeToString(mac.Sum(nil))
}

func signLemon(body []byte) string {
	mac := hmac.New(sha256.New, []byte(lemonSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func stripeSubscriptionEvent(eventType, subUUID, providerStatus string, extra string) []byte {
	return []byte(`{
		"type": "` + eventType + `",
		"created": 1748779200,
		"data": {
			"object": {
				"id": "sub_stripe_1",
				"status": "` + providerStatus + `",
				"current_period_end": 1751371200,
				"metadata": {"subscription_uuid": "` + subUUID + `"}` + extra + `
			}
		}
	}`)
}

func stripeInvoiceEvent(eventType, invoiceID, subUUID, invoiceStatus string) []byte {
	return []byte(`{
		"type": "` + eventType + `",
		"data": {
			"object": {
				"id": "` + invoiceID + `",
				"status": "` + invoiceStatus + `",
				"total": 1999,
				"currency": "usd",
				"subscription": "sub_stripe_1",
				"subscription_details": {"metadata": {"subscription_uuid": "` + subUUID + `"}}
			}
		}
	}`)
}

func TestHandleWebhook_RejectsTamperedSignature(t *testing.T) {
	f := newFixture(t)
	subUUID := uuid.New()
	f.seedSubscription(t, domain.Subscription{UUID: subUUID, Status: domain.SubscriptionStatusNew})

	body := stripeSubscriptionEvent("customer.subscription.updated", subUUID.String(), "active", "")
	header := signStripe(body)

	// Валидная подпись проходит
	require.NoError(t, f.service.HandleWebhook(context.Background(), domain.ProviderStripe, body, header))

	// Подмена одного байта тела ломает подпись
	tampered := make([]byte, len(body))
	copy(tampered, body)
	tampered[len(tampered)/2] ^= 0x01

	err := f.service.HandleWebhook(context.Background(), domain.ProviderStripe, tampered, header)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestHandleWebhook_UnknownProvider(t *testing.T) {
	f := newFixture(t)
	err := f.service.HandleWebhook(context.Background(), domain.Provider("square"), []byte(`{}`), "")
	assert.ErrorIs(t, err, domain.ErrUnsupportedProvider)
}

func TestHandleWebhook_SubscriptionActivationLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subUUID := uuid.New()
	f.seedSubscription(t, domain.Subscription{
		UUID:   subUUID,
		UserID: uuid.New(),
		PlanID: uuid.New(),
		Status: domain.SubscriptionStatusNew,
	})

	// Подписка оформлена: провайдер присылает created со статусом active
	body := stripeSubscriptionEvent("customer.subscription.created", subUUID.String(), "active", "")
	require.NoError(t, f.service.HandleWebhook(ctx, domain.ProviderStripe, body, signStripe(body)))

	subscription, err := f.store.GetSubscriptionByUUID(ctx, subUUID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, subscription.Status)
	assert.Equal(t, domain.ProviderStripe, subscription.Provider)
	assert.Equal(t, "sub_stripe_1", subscription.ProviderSubscriptionID)
	assert.Equal(t, "active", subscription.ProviderStatus)
	assert.Equal(t, int64(1751371200), subscription.CurrentPeriodEnd.Unix())

	// Счет оплачен: появляется успешная транзакция, привязанная к подписке
	invoice := stripeInvoiceEvent("invoice.paid", "in_1", subUUID.String(), "paid")
	require.NoError(t, f.service.HandleWebhook(ctx, domain.ProviderStripe, invoice, signStripe(invoice)))

	transaction, err := f.store.GetTransactionByProviderID(ctx, domain.ProviderStripe, "in_1")
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusSuccess, transaction.Status)
	require.NotNil(t, transaction.SubscriptionUUID)
	assert.Equal(t, subUUID, *transaction.SubscriptionUUID)
	assert.Equal(t, int64(1999), transaction.Amount)

	assert.Equal(t, []uuid.UUID{subUUID}, f.notifier.activated)
}

func TestHandleWebhook_TransactionIdempotence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subUUID := uuid.New()
	f.seedSubscription(t, domain.Subscription{UUID: subUUID, Status: domain.SubscriptionStatusActive})

	invoice := stripeInvoiceEvent("invoice.paid", "in_dup", subUUID.String(), "paid")
	header := signStripe(invoice)

	// Провайдер доставляет один и тот же счет трижды
	for i := 0; i < 3; i++ {
		require.NoError(t, f.service.HandleWebhook(ctx, domain.ProviderStripe, invoice, header))
	}

	assert.Equal(t, 1, f.store.CountTransactions())
}

func TestHandleWebhook_StaleCreatedEventDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subUUID := uuid.New()
	f.seedSubscription(t, domain.Subscription{UUID: subUUID, Status: domain.SubscriptionStatusNew})

	// Сначала приходит updated, делающий подписку активной
	updated := stripeSubscriptionEvent("customer.subscription.updated", subUUID.String(), "active", "")
	require.NoError(t, f.service.HandleWebhook(ctx, domain.ProviderStripe, updated, signStripe(updated)))

	// Потом с опозданием доезжает created с догоняющим статусом
	created := stripeSubscriptionEvent("customer.subscription.created", subUUID.String(), "incomplete", "")
	require.NoError(t, f.service.HandleWebhook(ctx, domain.ProviderStripe, created, signStripe(created)))

	// Поздний created не откатил подписку
	subscription, err := f.store.GetSubscriptionByUUID(ctx, subUUID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, subscription.Status)

	records, err := f.audit.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, domain.WebhookAuditStatusDiscarded, records[0].Status)
}

func TestHandleWebhook_StaleUpdatedDoesNotReviveCanceledSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subUUID := uuid.New()
	canceledAt := time.Now().UTC()
	f.seedSubscription(t, domain.Subscription{
		UUID:                   subUUID,
		Status:                 domain.SubscriptionStatusCanceled,
		Provider:               domain.ProviderStripe,
		ProviderSubscriptionID: "sub_stripe_1",
		CanceledAt:             &canceledAt,
	})

	// Запоздавшее updated со статусом active доехало после отмены
	stale := stripeSubscriptionEvent("customer.subscription.updated", subUUID.String(), "active", "")
	require.NoError(t, f.service.HandleWebhook(ctx, domain.ProviderStripe, stale, signStripe(stale)))

	// Отмена терминальна, подписка не ожила
	subscription, err := f.store.GetSubscriptionByUUID(ctx, subUUID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusCanceled, subscription.Status)

	records, err := f.audit.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.WebhookAuditStatusDiscarded, records[0].Status)
	assert.Empty(t, f.notifier.activated)
}

func TestHandleWebhook_PastDueTransactionTriggersPaymentFailedHook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subUUID := uuid.New()
	f.seedSubscription(t, domain.Subscription{
		UUID:                   subUUID,
		Status:                 domain.SubscriptionStatusActive,
		Provider:               domain.ProviderPaddle,
		ProviderSubscriptionID: "sub_pd_1",
	})

	body := []byte(`{
		"event_type": "transaction.past_due",
		"occurred_at": "2025-06-01T12:00:00Z",
		"data": {
			"id": "txn_pd_due",
			"status": "past_due",
			"subscription_id": "sub_pd_1",
			"currency_code": "usd",
			"details": {"totals": {"grand_total": "2499"}}
		}
	}`)
	require.NoError(t, f.service.HandleWebhook(ctx, domain.ProviderPaddle, body, signPaddle(body)))

	// Канонически платеж еще pending, провайдер будет ретраить списание
	transaction, err := f.store.GetTransactionByProviderID(ctx, domain.ProviderPaddle, "txn_pd_due")
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusPending, transaction.Status)

	// Но о просрочке платежа уведомляем сразу
	assert.Equal(t, []string{"txn_pd_due"}, f.notifier.failed)
}

func TestHandleWebhook_InvoiceFailureDoesNotTouchSubscriptionStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subUUID := uuid.New()
	f.seedSubscription(t, domain.Subscription{
		UUID:                   subUUID,
		Status:                 domain.SubscriptionStatusActive,
		Provider:               domain.ProviderStripe,
		ProviderSubscriptionID: "sub_stripe_1",
	})

	// Неудачное списание создает проваленную транзакцию
	failed := stripeInvoiceEvent("invoice.payment_failed", "in_fail", subUUID.String(), "open")
	require.NoError(t, f.service.HandleWebhook(ctx, domain.ProviderStripe, failed, signStripe(failed)))

	transaction, err := f.store.GetTransactionByProviderID(ctx, domain.ProviderStripe, "in_fail")
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusFailed, transaction.Status)

	// Статус подписки меняет только подписочное событие провайдера
	subscription, err := f.store.GetSubscriptionByUUID(ctx, subUUID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, subscription.Status)

	assert.Equal(t, []string{"in_fail"}, f.notifier.failed)

	// Провайдер решает перевести подписку в past_due отдельным событием
	pastDue := stripeSubscriptionEvent("customer.subscription.updated", subUUID.String(), "past_due", "")
	require.NoError(t, f.service.HandleWebhook(ctx, domain.ProviderStripe, pastDue, signStripe(pastDue)))

	subscription, err = f.store.GetSubscriptionByUUID(ctx, subUUID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusPastDue, subscription.Status)
}

func TestHandleWebhook_UnknownSubscriptionIsRetryable(t *testing.T) {
	f := newFixture(t)

	invoice := stripeInvoiceEvent("invoice.paid", "in_orphan", uuid.New().String(), "paid")
	err := f.service.HandleWebhook(context.Background(), domain.ProviderStripe, invoice, signStripe(invoice))
	assert.ErrorIs(t, err, domain.ErrEntityNotFound)
	assert.Equal(t, 0, f.store.CountTransactions())
}

func TestHandleWebhook_UnknownVariantOrderIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Заказ без корреляционного UUID и с чужим variant_id
	body := []byte(`{
		"meta": {"event_name": "order_created"},
		"data": {
			"type": "orders",
			"id": "901",
			"attributes": {
				"identifier": "ls-order-901",
				"status": "paid",
				"currency": "usd",
				"total": 999,
				"first_order_item": {"variant_id": 9999, "price": 999, "quantity": 1}
			}
		}
	}`)

	require.NoError(t, f.service.HandleWebhook(ctx, domain.ProviderLemonSqueezy, body, signLemon(body)))

	assert.Equal(t, 0, f.store.CountOrders())
	assert.Equal(t, 0, f.store.CountTransactions())

	records, err := f.audit.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.WebhookAuditStatusDiscarded, records[0].Status)
}

func TestHandleWebhook_KnownVariantOrderCreatedAndRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created := []byte(`{
		"meta": {"event_name": "order_created"},
		"data": {
			"type": "orders",
			"id": "777",
			"attributes": {
				"identifier": "ls-order-777",
				"status": "paid",
				"currency": "usd",
				"total": 4999,
				"discount_total": 500,
				"first_order_item": {"variant_id": 1234, "price": 4999, "quantity": 1}
			}
		}
	}`)
	require.NoError(t, f.service.HandleWebhook(ctx, domain.ProviderLemonSqueezy, created, signLemon(created)))

	require.Equal(t, 1, f.store.CountOrders())
	transaction, err := f.store.GetTransactionByProviderID(ctx, domain.ProviderLemonSqueezy, "777")
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusSuccess, transaction.Status)
	require.NotNil(t, transaction.OrderUUID)

	order, err := f.store.GetOrderByUUID(ctx, *transaction.OrderUUID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusSuccess, order.Status)
	assert.Equal(t, int64(4999), order.TotalAmount)
	assert.Equal(t, int64(500), order.TotalDiscount)
	assert.Equal(t, int64(4499), order.TotalAfterDiscount)
	require.Len(t, order.Items, 1)
	assert.Equal(t, "1234", order.Items[0].ProductID)

	assert.Equal(t, []uuid.UUID{order.UUID}, f.notifier.completed)

	// Возврат приходит с тем же ID заказа и обновляет ту же транзакцию
	refunded := []byte(`{
		"meta": {"event_name": "order_refunded"},
		"data": {
			"type": "orders",
			"id": "777",
			"attributes": {
				"identifier": "ls-order-777",
				"status": "refunded",
				"currency": "usd",
				"total": 4999,
				"discount_total": 500,
				"first_order_item": {"variant_id": 1234, "price": 4999, "quantity": 1}
			}
		}
	}`)
	require.NoError(t, f.service.HandleWebhook(ctx, domain.ProviderLemonSqueezy, refunded, signLemon(refunded)))

	assert.Equal(t, 1, f.store.CountTransactions())
	assert.Equal(t, 1, f.store.CountOrders())

	transaction, err = f.store.GetTransactionByProviderID(ctx, domain.ProviderLemonSqueezy, "777")
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusRefunded, transaction.Status)

	order, err = f.store.GetOrderByUUID(ctx, *transaction.OrderUUID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRefunded, order.Status)
}

func TestHandleWebhook_LemonGracePeriodCancellation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subUUID := uuid.New()
	f.seedSubscription(t, domain.Subscription{
		UUID:                   subUUID,
		Status:                 domain.SubscriptionStatusActive,
		Provider:               domain.ProviderLemonSqueezy,
		ProviderSubscriptionID: "ls_sub_1",
	})

	// Пользователь отменил подписку, но оплаченный период еще идет
	cancelled := []byte(`{
		"meta": {
			"event_name": "subscription_updated",
			"custom_data": {"subscription_uuid": "` + subUUID.String() + `"}
		},
		"data": {
			"type": "subscriptions",
			"id": "ls_sub_1",
			"attributes": {"status": "cancelled", "cancelled": true, "ends_at": "2025-06-30T00:00:00Z"}
		}
	}`)
	require.NoError(t, f.service.HandleWebhook(ctx, domain.ProviderLemonSqueezy, cancelled, signLemon(cancelled)))

	subscription, err := f.store.GetSubscriptionByUUID(ctx, subUUID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, subscription.Status)
	assert.True(t, subscription.CancelAtPeriodEnd)
	require.NotNil(t, subscription.CanceledAt)

	// Период закончился: подписка становится canceled
	expired := []byte(`{
		"meta": {
			"event_name": "subscription_expired",
			"custom_data": {"subscription_uuid": "` + subUUID.String() + `"}
		},
		"data": {
			"type": "subscriptions",
			"id": "ls_sub_1",
			"attributes": {"status": "expired", "ends_at": "2025-06-30T00:00:00Z"}
		}
	}`)
	require.NoError(t, f.service.HandleWebhook(ctx, domain.ProviderLemonSqueezy, expired, signLemon(expired)))

	subscription, err = f.store.GetSubscriptionByUUID(ctx, subUUID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusCanceled, subscription.Status)
	assert.Equal(t, "2025-06-30T00:00:00Z", subscription.CurrentPeriodEnd.Format(time.RFC3339))

	assert.Equal(t, []uuid.UUID{subUUID}, f.notifier.canceled)
}

func TestHandleWebhook_PaddleTransactionWithTotals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subUUID := uuid.New()
	f.seedSubscription(t, domain.Subscription{
		UUID:                   subUUID,
		Status:                 domain.SubscriptionStatusActive,
		Provider:               domain.ProviderPaddle,
		ProviderSubscriptionID: "sub_pd_1",
	})

	body := []byte(`{
		"event_type": "transaction.completed",
		"occurred_at": "2025-06-01T12:00:00Z",
		"data": {
			"id": "txn_pd_1",
			"status": "completed",
			"subscription_id": "sub_pd_1",
			"currency_code": "usd",
			"details": {"totals": {"grand_total": "2499", "discount": "0", "tax": "416", "fee": "102"}}
		}
	}`)
	require.NoError(t, f.service.HandleWebhook(ctx, domain.ProviderPaddle, body, signPaddle(body)))

	transaction, err := f.store.GetTransactionByProviderID(ctx, domain.ProviderPaddle, "txn_pd_1")
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusSuccess, transaction.Status)
	assert.Equal(t, int64(2499), transaction.Amount)
	assert.Equal(t, int64(416), transaction.TaxTotal)
	assert.Equal(t, int64(102), transaction.FeeTotal)
	require.NotNil(t, transaction.SubscriptionUUID)
	assert.Equal(t, subUUID, *transaction.SubscriptionUUID)
}

func TestHandleWebhook_ConcurrentEventsSerialized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subUUID := uuid.New()
	f.seedSubscription(t, domain.Subscription{
		UUID:                   subUUID,
		Status:                 domain.SubscriptionStatusActive,
		Provider:               domain.ProviderStripe,
		ProviderSubscriptionID: "sub_stripe_1",
	})

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)

	// Половина воркеров доставляет один и тот же счет, половина — уникальные
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			invoiceID := "in_shared"
			if i%2 == 0 {
				invoiceID = "in_unique_" + strconv.Itoa(i)
			}
			body := stripeInvoiceEvent("invoice.paid", invoiceID, subUUID.String(), "paid")
			errs <- f.service.HandleWebhook(ctx, domain.ProviderStripe, body, signStripe(body))
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	// 8 уникальных счетов + 1 общий, без дубликатов
	assert.Equal(t, 9, f.store.CountTransactions())
}

func TestHandleWebhook_IgnoredEventStillAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := []byte(`{"type": "customer.updated", "data": {"object": {"id": "cus_1"}}}`)
	require.NoError(t, f.service.HandleWebhook(ctx, domain.ProviderStripe, body, signStripe(body)))

	records, err := f.audit.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.WebhookAuditStatusDiscarded, records[0].Status)
	assert.Equal(t, "customer.updated", records[0].Kind)
}
