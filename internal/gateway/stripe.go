package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/Dhoini/Billing-reconciler/internal/domain"
	"github.com/Dhoini/Billing-reconciler/pkg/logger"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// metadataUserIDKey ключ метаданных для связи Stripe Customer с UserID
const metadataUserIDKey = "user_id"

// StripeGateway реализация Gateway поверх Stripe SDK
type StripeGateway struct {
	client *client.API
	log    *logger.Logger
}

// NewStripeGateway создает новый шлюз Stripe
func NewStripeGateway(apiKey string, log *logger.Logger) *StripeGateway {
	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &StripeGateway{
		client: sc,
		log:    log,
	}
}

// Provider возвращает провайдера шлюза
func (g *StripeGateway) Provider() domain.Provider {
	return domain.ProviderStripe
}

// CreateCustomer создает нового клиента в Stripe
func (g *StripeGateway) CreateCustomer(ctx context.Context, userID, email string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Metadata: map[string]string{
			metadataUserIDKey: userID,
		},
	}
	params.Context = ctx

	cus, err := g.client.Customers.New(params)
	if err != nil {
		return "", g.wrapError("CreateCustomer", err)
	}

	g.log.Infow("Stripe customer created", "stripeCustomerID", cus.ID, "userID", userID)
	return cus.ID, nil
}

// CreateProduct создает товар в Stripe
func (g *StripeGateway) CreateProduct(ctx context.Context, name string, metadata map[string]string) (string, error) {
	params := &stripe.ProductParams{
		Name:     stripe.String(name),
		Metadata: metadata,
	}
	params.Context = ctx

	product, err := g.client.Products.New(params)
	if err != nil {
		return "", g.wrapError("CreateProduct", err)
	}

	g.log.Infow("Stripe product created", "stripeProductID", product.ID, "name", name)
	return product.ID, nil
}

// CreatePrice создает цену в Stripe
func (g *StripeGateway) CreatePrice(ctx context.Context, p PriceParams) (string, error) {
	params := &stripe.PriceParams{
		Product:    stripe.String(p.ProductID),
		Currency:   stripe.String(p.Currency),
		UnitAmount: stripe.Int64(p.UnitAmount),
		Metadata:   p.Metadata,
	}
	params.Context = ctx

	if p.Interval != "" {
		params.Recurring = &stripe.PriceRecurringParams{
			Interval: stripe.String(p.Interval),
		}
		if p.IntervalCount > 1 {
			params.Recurring.IntervalCount = stripe.Int64(p.IntervalCount)
		}
	}

	price, err := g.client.Prices.New(params)
	if err != nil {
		return "", g.wrapError("CreatePrice", err)
	}

	g.log.Infow("Stripe price created", "stripePriceID", price.ID, "productID", p.ProductID)
	return price.ID, nil
}

// CreateCheckoutSession создает платежную сессию Stripe Checkout
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, p CheckoutSessionParams) (CheckoutSession, error) {
	quantity := p.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(p.Mode)),
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(p.PriceID),
				Quantity: stripe.Int64(quantity),
			},
		},
		// Метаданные сессии копируются в subscription/payment_intent,
		// оттуда они возвращаются к нам в вебхуках
		Metadata: p.Metadata,
	}
	params.Context = ctx

	if p.CustomerID != "" {
		params.Customer = stripe.String(p.CustomerID)
	}
	if p.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(p.IdempotencyKey)
	}
	if p.Mode == CheckoutModeSubscription {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: p.Metadata,
		}
	} else {
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: p.Metadata,
		}
	}
	if p.DiscountID != "" {
		params.Discounts = []*stripe.CheckoutSessionDiscountParams{
			{Coupon: stripe.String(p.DiscountID)},
		}
	}

	session, err := g.client.CheckoutSessions.New(params)
	if err != nil {
		return CheckoutSession{}, g.wrapError("CreateCheckoutSession", err)
	}

	g.log.Infow("Stripe checkout session created", "sessionID", session.ID, "mode", string(p.Mode))
	return CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// UpdateSubscriptionItems меняет состав позиций подписки Stripe
func (g *StripeGateway) UpdateSubscriptionItems(ctx context.Context, providerSubscriptionID string, changes []SubscriptionItemChange) error {
	if len(changes) == 0 {
		return nil
	}

	items := make([]*stripe.SubscriptionItemsParams, 0, len(changes))
	for _, change := range changes {
		item := &stripe.SubscriptionItemsParams{}
		if change.ItemID != "" {
			item.ID = stripe.String(change.ItemID)
		}
		if change.Remove {
			item.Deleted = stripe.Bool(true)
		} else {
			item.Price = stripe.String(change.PriceID)
			if change.Quantity > 0 {
				item.Quantity = stripe.Int64(change.Quantity)
			}
		}
		items = append(items, item)
	}

	params := &stripe.SubscriptionParams{Items: items}
	params.Context = ctx

	if _, err := g.client.Subscriptions.Update(providerSubscriptionID, params); err != nil {
		return g.wrapError("UpdateSubscriptionItems", err)
	}

	g.log.Infow("Stripe subscription items updated", "stripeSubscriptionID", providerSubscriptionID, "changes", len(changes))
	return nil
}

// CancelSubscription отменяет подписку Stripe
func (g *StripeGateway) CancelSubscription(ctx context.Context, providerSubscriptionID string, atPeriodEnd bool) error {
	if atPeriodEnd {
		params := &stripe.SubscriptionParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		}
		params.Context = ctx

		if _, err := g.client.Subscriptions.Update(providerSubscriptionID, params); err != nil {
			return g.wrapError("CancelSubscription", err)
		}
		g.log.Infow("Stripe subscription scheduled for cancellation", "stripeSubscriptionID", providerSubscriptionID)
		return nil
	}

	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx

	if _, err := g.client.Subscriptions.Cancel(providerSubscriptionID, params); err != nil {
		// Подписка могла быть уже отменена через дашборд провайдера
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeResourceMissing {
			g.log.Warnw("Attempted to cancel already canceled/missing Stripe subscription", "stripeSubscriptionID", providerSubscriptionID)
			return nil
		}
		return g.wrapError("CancelSubscription", err)
	}

	g.log.Infow("Stripe subscription canceled", "stripeSubscriptionID", providerSubscriptionID)
	return nil
}

// ResumeSubscription снимает запланированную отмену подписки Stripe
func (g *StripeGateway) ResumeSubscription(ctx context.Context, providerSubscriptionID string) error {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(false),
	}
	params.Context = ctx

	if _, err := g.client.Subscriptions.Update(providerSubscriptionID, params); err != nil {
		return g.wrapError("ResumeSubscription", err)
	}

	g.log.Infow("Stripe subscription resumed", "stripeSubscriptionID", providerSubscriptionID)
	return nil
}

// ReportUsage отправляет отчет об использовании для metered-позиции
func (g *StripeGateway) ReportUsage(ctx context.Context, record UsageRecord) error {
	params := &stripe.UsageRecordParams{
		SubscriptionItem: stripe.String(record.SubscriptionItemID),
		Quantity:         stripe.Int64(record.Quantity),
		Timestamp:        stripe.Int64(record.At.Unix()),
		Action:           stripe.String(string(stripe.UsageRecordActionIncrement)),
	}
	params.Context = ctx

	if _, err := g.client.UsageRecords.New(params); err != nil {
		return g.wrapError("ReportUsage", err)
	}

	g.log.Debugw("Stripe usage reported", "subscriptionItemID", record.SubscriptionItemID, "quantity", record.Quantity)
	return nil
}

// CreateDiscount создает купон в Stripe
func (g *StripeGateway) CreateDiscount(ctx context.Context, p DiscountParams) (string, error) {
	params := &stripe.CouponParams{
		Name: stripe.String(p.Name),
	}
	params.Context = ctx

	if p.PercentOff > 0 {
		params.PercentOff = stripe.Float64(p.PercentOff)
	} else {
		params.AmountOff = stripe.Int64(p.AmountOff)
		params.Currency = stripe.String(p.Currency)
	}
	if p.Duration != "" {
		params.Duration = stripe.String(p.Duration)
	}

	coupon, err := g.client.Coupons.New(params)
	if err != nil {
		return "", g.wrapError("CreateDiscount", err)
	}

	g.log.Infow("Stripe coupon created", "stripeCouponID", coupon.ID, "name", p.Name)
	return coupon.ID, nil
}

// wrapError логирует детали ошибки Stripe и заворачивает ее в доменную
func (g *StripeGateway) wrapError(operation string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		g.log.Errorw("Stripe API error",
			"operation", operation,
			"type", string(stripeErr.Type),
			"code", string(stripeErr.Code),
			"message", stripeErr.Msg,
			"request_id", stripeErr.RequestID,
			"status_code", stripeErr.HTTPStatusCode,
		)
		return domain.NewProviderAPIError(domain.ProviderStripe, operation, string(stripeErr.Code), stripeErr.Msg, err)
	}

	g.log.Errorw("Non-Stripe error during Stripe operation", "operation", operation, "error", err)
	return domain.NewProviderAPIError(domain.ProviderStripe, operation, "", fmt.Sprintf("request failed: %v", err), err)
}
