package service

import (
	"context"
	"testing"
	"time"

	"github.com/Dhoini/Billing-reconciler/internal/domain"
	"github.com/Dhoini/Billing-reconciler/internal/gateway"
	"github.com/Dhoini/Billing-reconciler/internal/repository"
	"github.com/Dhoini/Billing-reconciler/pkg/logger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway управляемый шлюз для тестов
type fakeGateway struct {
	provider domain.Provider

	discountErr error
	cancelErr   error

	lastSession gateway.CheckoutSessionParams
	canceled    []string
	resumed     []string
}

func (g *fakeGateway) Provider() domain.Provider { return g.provider }

func (g *fakeGateway) CreateCustomer(ctx context.Context, userID, email string) (string, error) {
	return "cus_fake_1", nil
}

func (g *fakeGateway) CreateProduct(ctx context.Context, name string, metadata map[string]string) (string, error) {
	return "prod_fake_1", nil
}

func (g *fakeGateway) CreatePrice(ctx context.Context, params gateway.PriceParams) (string, error) {
	return "price_fake_1", nil
}

func (g *fakeGateway) CreateCheckoutSession(ctx context.Context, params gateway.CheckoutSessionParams) (gateway.CheckoutSession, error) {
	g.lastSession = params
	return gateway.CheckoutSession{ID: "cs_fake_1", URL: "https://checkout.example.com/cs_fake_1"}, nil
}

func (g *fakeGateway) UpdateSubscriptionItems(ctx context.Context, providerSubscriptionID string, changes []gateway.SubscriptionItemChange) error {
	return nil
}

func (g *fakeGateway) CancelSubscription(ctx context.Context, providerSubscriptionID string, atPeriodEnd bool) error {
	if g.cancelErr != nil {
		return g.cancelErr
	}
	g.canceled = append(g.canceled, providerSubscriptionID)
	return nil
}

func (g *fakeGateway) ResumeSubscription(ctx context.Context, providerSubscriptionID string) error {
	g.resumed = append(g.resumed, providerSubscriptionID)
	return nil
}

func (g *fakeGateway) ReportUsage(ctx context.Context, record gateway.UsageRecord) error {
	return nil
}

func (g *fakeGateway) CreateDiscount(ctx context.Context, params gateway.DiscountParams) (string, error) {
	if g.discountErr != nil {
		return "", g.discountErr
	}
	return "disc_fake_1", nil
}

func newCheckoutFixture(t *testing.T) (*CheckoutService, *repository.MemoryStore, *fakeGateway) {
	t.Helper()
	log := logger.New(logger.ERROR)

	store := repository.NewMemoryStore(log)
	gw := &fakeGateway{provider: domain.ProviderStripe}
	gateways := map[domain.Provider]gateway.Gateway{domain.ProviderStripe: gw}

	svc := NewCheckoutService(gateways, store, store, nil, log)
	return svc, store, gw
}

func TestStartSubscriptionCheckout(t *testing.T) {
	svc, store, gw := newCheckoutFixture(t)

	result, err := svc.StartSubscriptionCheckout(context.Background(), StartSubscriptionCheckoutRequest{
		UserID:        uuid.New(),
		PlanID:        uuid.New(),
		Provider:      domain.ProviderStripe,
		CustomerEmail: "user@example.com",
		PriceID:       "price_1",
		SuccessURL:    "https://app.example.com/success",
		CancelURL:     "https://app.example.com/cancel",
	})
	require.NoError(t, err)

	assert.Equal(t, "cs_fake_1", result.SessionID)
	assert.NotEmpty(t, result.CheckoutURL)

	// Локальная подписка создана в статусе new и попала в метаданные сессии
	subscription, err := store.GetSubscriptionByUUID(context.Background(), result.EntityUUID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusNew, subscription.Status)
	assert.Equal(t, result.EntityUUID.String(), gw.lastSession.Metadata[metadataSubscriptionUUID])
	assert.Equal(t, result.EntityUUID.String(), gw.lastSession.IdempotencyKey)
	assert.Equal(t, gateway.CheckoutModeSubscription, gw.lastSession.Mode)
}

func TestStartSubscriptionCheckout_DiscountFailureTolerated(t *testing.T) {
	svc, _, gw := newCheckoutFixture(t)
	gw.discountErr = assert.AnError

	result, err := svc.StartSubscriptionCheckout(context.Background(), StartSubscriptionCheckoutRequest{
		UserID:          uuid.New(),
		PlanID:          uuid.New(),
		Provider:        domain.ProviderStripe,
		CustomerEmail:   "user@example.com",
		PriceID:         "price_1",
		SuccessURL:      "https://app.example.com/success",
		CancelURL:       "https://app.example.com/cancel",
		DiscountPercent: 20,
	})
	require.NoError(t, err)

	// Сессия создана без скидки
	assert.Equal(t, "cs_fake_1", result.SessionID)
	assert.Empty(t, gw.lastSession.DiscountID)
}

func TestStartSubscriptionCheckout_ProviderNotConfigured(t *testing.T) {
	svc, _, _ := newCheckoutFixture(t)

	_, err := svc.StartSubscriptionCheckout(context.Background(), StartSubscriptionCheckoutRequest{
		UserID:        uuid.New(),
		PlanID:        uuid.New(),
		Provider:      domain.ProviderPaddle,
		CustomerEmail: "user@example.com",
		PriceID:       "price_1",
		SuccessURL:    "https://app.example.com/success",
		CancelURL:     "https://app.example.com/cancel",
	})
	assert.ErrorIs(t, err, domain.ErrProviderNotActive)
}

func TestStartOrderCheckout(t *testing.T) {
	svc, store, gw := newCheckoutFixture(t)
	userID := uuid.New()

	result, err := svc.StartOrderCheckout(context.Background(), StartOrderCheckoutRequest{
		UserID:     &userID,
		Provider:   domain.ProviderStripe,
		PriceID:    "price_2",
		Quantity:   3,
		Currency:   "USD",
		SuccessURL: "https://app.example.com/success",
		CancelURL:  "https://app.example.com/cancel",
	})
	require.NoError(t, err)

	order, err := store.GetOrderByUUID(context.Background(), result.EntityUUID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusNew, order.Status)
	assert.Equal(t, result.EntityUUID.String(), gw.lastSession.Metadata[metadataOrderUUID])
	assert.Equal(t, gateway.CheckoutModePayment, gw.lastSession.Mode)
	assert.Equal(t, int64(3), gw.lastSession.Quantity)
}

func TestCancelSubscription(t *testing.T) {
	svc, store, gw := newCheckoutFixture(t)
	ctx := context.Background()
	subUUID := uuid.New()

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.CreateSubscription(ctx, domain.Subscription{
			UUID:                   subUUID,
			Status:                 domain.SubscriptionStatusActive,
			Provider:               domain.ProviderStripe,
			ProviderSubscriptionID: "sub_stripe_1",
		})
	}))

	updated, err := svc.CancelSubscription(ctx, subUUID, domain.CancelSubscriptionRequest{
		Reason:      "too expensive",
		AtPeriodEnd: true,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"sub_stripe_1"}, gw.canceled)
	assert.True(t, updated.CancelAtPeriodEnd)
	assert.Equal(t, "too expensive", updated.CancellationReason)
	// Статус меняет только вебхук провайдера
	assert.Equal(t, domain.SubscriptionStatusActive, updated.Status)
}

func TestCancelSubscription_TerminalStatus(t *testing.T) {
	svc, store, gw := newCheckoutFixture(t)
	ctx := context.Background()
	subUUID := uuid.New()

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.CreateSubscription(ctx, domain.Subscription{
			UUID:                   subUUID,
			Status:                 domain.SubscriptionStatusCanceled,
			Provider:               domain.ProviderStripe,
			ProviderSubscriptionID: "sub_stripe_1",
		})
	}))

	_, err := svc.CancelSubscription(ctx, subUUID, domain.CancelSubscriptionRequest{AtPeriodEnd: true})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Empty(t, gw.canceled)
}

func TestCancelSubscription_NotFound(t *testing.T) {
	svc, _, _ := newCheckoutFixture(t)

	_, err := svc.CancelSubscription(context.Background(), uuid.New(), domain.CancelSubscriptionRequest{})
	assert.ErrorIs(t, err, domain.ErrEntityNotFound)
}

func TestCancelSubscription_GatewayFailureRollsBack(t *testing.T) {
	svc, store, gw := newCheckoutFixture(t)
	ctx := context.Background()
	subUUID := uuid.New()
	gw.cancelErr = assert.AnError

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.CreateSubscription(ctx, domain.Subscription{
			UUID:                   subUUID,
			Status:                 domain.SubscriptionStatusActive,
			Provider:               domain.ProviderStripe,
			ProviderSubscriptionID: "sub_stripe_1",
		})
	}))

	_, err := svc.CancelSubscription(ctx, subUUID, domain.CancelSubscriptionRequest{Reason: "x"})
	require.Error(t, err)

	// Локальная запись не изменилась
	subscription, err := store.GetSubscriptionByUUID(ctx, subUUID)
	require.NoError(t, err)
	assert.Empty(t, subscription.CancellationReason)
}

func TestResumeSubscription(t *testing.T) {
	svc, store, gw := newCheckoutFixture(t)
	ctx := context.Background()
	subUUID := uuid.New()
	canceledAt := time.Now().UTC()

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.CreateSubscription(ctx, domain.Subscription{
			UUID:                   subUUID,
			Status:                 domain.SubscriptionStatusActive,
			Provider:               domain.ProviderStripe,
			ProviderSubscriptionID: "sub_stripe_1",
			CancelAtPeriodEnd:      true,
			CancellationReason:     "too expensive",
			CanceledAt:             &canceledAt,
		})
	}))

	updated, err := svc.ResumeSubscription(ctx, subUUID)
	require.NoError(t, err)

	assert.Equal(t, []string{"sub_stripe_1"}, gw.resumed)
	assert.False(t, updated.CancelAtPeriodEnd)
	assert.Empty(t, updated.CancellationReason)
}

func TestResumeSubscription_NothingScheduledIsNoOp(t *testing.T) {
	svc, store, gw := newCheckoutFixture(t)
	ctx := context.Background()
	subUUID := uuid.New()

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.CreateSubscription(ctx, domain.Subscription{
			UUID:                   subUUID,
			Status:                 domain.SubscriptionStatusActive,
			Provider:               domain.ProviderStripe,
			ProviderSubscriptionID: "sub_stripe_1",
		})
	}))

	updated, err := svc.ResumeSubscription(ctx, subUUID)
	require.NoError(t, err)
	assert.Empty(t, gw.resumed)
	assert.False(t, updated.CancelAtPeriodEnd)
}

func TestGetSubscription_NotFound(t *testing.T) {
	svc, _, _ := newCheckoutFixture(t)

	_, err := svc.GetSubscription(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrEntityNotFound)
}
