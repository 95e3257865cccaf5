package service

import (
	"context"
	"errors"

	"github.com/Dhoini/Billing-reconciler/internal/domain"
	"github.com/Dhoini/Billing-reconciler/internal/gateway"
	"github.com/Dhoini/Billing-reconciler/internal/repository"
	"github.com/Dhoini/Billing-reconciler/pkg/logger"
	"github.com/google/uuid"
)

// Ключи метаданных платежной сессии. Провайдер возвращает их в вебхуках,
// по ним событие привязывается к локальной сущности.
const (
	metadataSubscriptionUUID = "subscription_uuid"
	metadataOrderUUID        = "order_uuid"
)

// StartSubscriptionCheckoutRequest запрос на оформление подписки
type StartSubscriptionCheckoutRequest struct {
	UserID          uuid.UUID       `json:"user_id" binding:"required"`
	PlanID          uuid.UUID       `json:"plan_id" binding:"required"`
	Provider        domain.Provider `json:"provider" binding:"required"`
	CustomerEmail   string          `json:"customer_email" binding:"required,email"`
	PriceID         string          `json:"price_id" binding:"required"`
	SuccessURL      string          `json:"success_url" binding:"required,url"`
	CancelURL       string          `json:"cancel_url" binding:"required,url"`
	DiscountPercent float64         `json:"discount_percent" binding:"gte=0,lte=100"`
}

// StartOrderCheckoutRequest запрос на оформление разовой покупки
type StartOrderCheckoutRequest struct {
	UserID     *uuid.UUID      `json:"user_id"`
	Provider   domain.Provider `json:"provider" binding:"required"`
	PriceID    string          `json:"price_id" binding:"required"`
	Quantity   int64           `json:"quantity" binding:"gte=0"`
	Currency   string          `json:"currency" binding:"required,len=3"`
	SuccessURL string          `json:"success_url" binding:"required,url"`
	CancelURL  string          `json:"cancel_url" binding:"required,url"`
}

// CheckoutResult результат инициации оплаты
type CheckoutResult struct {
	EntityUUID  uuid.UUID `json:"entity_uuid"`
	SessionID   string    `json:"session_id"`
	CheckoutURL string    `json:"checkout_url"`
}

// CheckoutService инициирует оплату у провайдера и создает локальные
// сущности, которые затем доводятся до актуального состояния вебхуками
type CheckoutService struct {
	gateways map[domain.Provider]gateway.Gateway
	store    repository.Store
	reader   repository.SubscriptionReader
	cache    CacheInvalidator
	log      *logger.Logger
}

// NewCheckoutService создает новый сервис инициации оплаты
func NewCheckoutService(
	gateways map[domain.Provider]gateway.Gateway,
	store repository.Store,
	reader repository.SubscriptionReader,
	cache CacheInvalidator,
	log *logger.Logger,
) *CheckoutService {
	return &CheckoutService{
		gateways: gateways,
		store:    store,
		reader:   reader,
		cache:    cache,
		log:      log,
	}
}

// gatewayFor возвращает шлюз провайдера или ошибку, если он не настроен
func (s *CheckoutService) gatewayFor(provider domain.Provider) (gateway.Gateway, error) {
	if !provider.IsKnown() {
		return nil, domain.ErrUnsupportedProvider
	}
	gw, active := s.gateways[provider]
	if !active {
		return nil, domain.ErrProviderNotActive
	}
	return gw, nil
}

// StartSubscriptionCheckout создает локальную подписку в статусе new и
// платежную сессию у провайдера с корреляционным UUID в метаданных
func (s *CheckoutService) StartSubscriptionCheckout(ctx context.Context, req StartSubscriptionCheckoutRequest) (CheckoutResult, error) {
	gw, err := s.gatewayFor(req.Provider)
	if err != nil {
		return CheckoutResult{}, err
	}

	subscription := domain.Subscription{
		UUID:     uuid.New(),
		UserID:   req.UserID,
		PlanID:   req.PlanID,
		Status:   domain.SubscriptionStatusNew,
		Provider: req.Provider,
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.CreateSubscription(ctx, subscription)
	})
	if err != nil {
		return CheckoutResult{}, err
	}

	customerID, err := gw.CreateCustomer(ctx, req.UserID.String(), req.CustomerEmail)
	if err != nil {
		return CheckoutResult{}, err
	}

	// Скидка не должна блокировать оформление: при сбое продолжаем без нее
	discountID := ""
	if req.DiscountPercent > 0 {
		discountID, err = gw.CreateDiscount(ctx, gateway.DiscountParams{
			Name:       "checkout discount",
			PercentOff: req.DiscountPercent,
			Duration:   "once",
		})
		if err != nil {
			s.log.Warnw("discount creation failed, proceeding without discount",
				"provider", req.Provider, "subscription_uuid", subscription.UUID, "error", err)
			discountID = ""
		}
	}

	session, err := gw.CreateCheckoutSession(ctx, gateway.CheckoutSessionParams{
		CustomerID: customerID,
		PriceID:    req.PriceID,
		Mode:       gateway.CheckoutModeSubscription,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
		DiscountID: discountID,
		Metadata: map[string]string{
			metadataSubscriptionUUID: subscription.UUID.String(),
		},
		IdempotencyKey: subscription.UUID.String(),
	})
	if err != nil {
		return CheckoutResult{}, err
	}

	s.log.Infow("subscription checkout started",
		"provider", req.Provider, "subscription_uuid", subscription.UUID, "session_id", session.ID)

	return CheckoutResult{
		EntityUUID:  subscription.UUID,
		SessionID:   session.ID,
		CheckoutURL: session.URL,
	}, nil
}

// StartOrderCheckout создает локальный заказ в статусе new и платежную
// сессию разовой покупки
func (s *CheckoutService) StartOrderCheckout(ctx context.Context, req StartOrderCheckoutRequest) (CheckoutResult, error) {
	gw, err := s.gatewayFor(req.Provider)
	if err != nil {
		return CheckoutResult{}, err
	}

	order := domain.Order{
		UUID:     uuid.New(),
		UserID:   req.UserID,
		Status:   domain.OrderStatusNew,
		Currency: req.Currency,
		Provider: req.Provider,
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.CreateOrder(ctx, order)
	})
	if err != nil {
		return CheckoutResult{}, err
	}

	session, err := gw.CreateCheckoutSession(ctx, gateway.CheckoutSessionParams{
		PriceID:    req.PriceID,
		Quantity:   req.Quantity,
		Mode:       gateway.CheckoutModePayment,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
		Metadata: map[string]string{
			metadataOrderUUID: order.UUID.String(),
		},
		IdempotencyKey: order.UUID.String(),
	})
	if err != nil {
		return CheckoutResult{}, err
	}

	s.log.Infow("order checkout started",
		"provider", req.Provider, "order_uuid", order.UUID, "session_id", session.ID)

	return CheckoutResult{
		EntityUUID:  order.UUID,
		SessionID:   session.ID,
		CheckoutURL: session.URL,
	}, nil
}

// CancelSubscription отменяет подписку у провайдера и помечает локальную
// запись. Фактический переход в canceled придет вебхуком провайдера.
func (s *CheckoutService) CancelSubscription(ctx context.Context, id uuid.UUID, req domain.CancelSubscriptionRequest) (domain.Subscription, error) {
	var updated domain.Subscription

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		subscription, err := tx.LockSubscriptionByUUID(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return domain.ErrEntityNotFound
			}
			return err
		}
		if subscription.Status.IsTerminal() {
			return domain.ErrInvalidTransition
		}
		if !subscription.IsProviderManaged() {
			return domain.ErrProviderNotActive
		}

		gw, err := s.gatewayFor(subscription.Provider)
		if err != nil {
			return err
		}
		if err := gw.CancelSubscription(ctx, subscription.ProviderSubscriptionID, req.AtPeriodEnd); err != nil {
			return err
		}

		subscription.CancellationReason = req.Reason
		if req.AtPeriodEnd {
			subscription.CancelAtPeriodEnd = true
		}
		updated = subscription
		return tx.UpdateSubscription(ctx, subscription)
	})
	if err != nil {
		return domain.Subscription{}, err
	}

	if s.cache != nil {
		s.cache.InvalidateSubscription(ctx, id)
	}
	s.log.Infow("subscription cancellation requested",
		"subscription_uuid", id, "at_period_end", req.AtPeriodEnd)
	return updated, nil
}

// ResumeSubscription снимает запланированную отмену подписки
func (s *CheckoutService) ResumeSubscription(ctx context.Context, id uuid.UUID) (domain.Subscription, error) {
	var updated domain.Subscription

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		subscription, err := tx.LockSubscriptionByUUID(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return domain.ErrEntityNotFound
			}
			return err
		}
		if subscription.Status.IsTerminal() {
			return domain.ErrInvalidTransition
		}
		if !subscription.CancelAtPeriodEnd {
			// Снимать нечего
			updated = subscription
			return nil
		}
		if !subscription.IsProviderManaged() {
			return domain.ErrProviderNotActive
		}

		gw, err := s.gatewayFor(subscription.Provider)
		if err != nil {
			return err
		}
		if err := gw.ResumeSubscription(ctx, subscription.ProviderSubscriptionID); err != nil {
			return err
		}

		subscription.CancelAtPeriodEnd = false
		subscription.CancellationReason = ""
		updated = subscription
		return tx.UpdateSubscription(ctx, subscription)
	})
	if err != nil {
		return domain.Subscription{}, err
	}

	if s.cache != nil {
		s.cache.InvalidateSubscription(ctx, id)
	}
	s.log.Infow("subscription resumed", "subscription_uuid", id)
	return updated, nil
}

// GetSubscription возвращает подписку по UUID
func (s *CheckoutService) GetSubscription(ctx context.Context, id uuid.UUID) (domain.Subscription, error) {
	subscription, err := s.reader.GetSubscriptionByUUID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Subscription{}, domain.ErrEntityNotFound
		}
		return domain.Subscription{}, err
	}
	return subscription, nil
}
