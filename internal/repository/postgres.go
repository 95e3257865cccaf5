package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/Billing-reconciler/internal/domain"
	"github.com/Dhoini/Billing-reconciler/pkg/logger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgLockNotAvailable код PostgreSQL для исчерпанного lock_timeout
const pgLockNotAvailable = "55P03"

// PostgresStore реализация хранилища через PostgreSQL.
// Эксклюзивные блокировки сущностей строятся на SELECT ... FOR UPDATE
// внутри транзакции pgx.
type PostgresStore struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
	log         *logger.Logger
}

// NewPostgresStore создает новое хранилище через PostgreSQL
func NewPostgresStore(db *pgxpool.Pool, lockTimeout time.Duration, log *logger.Logger) *PostgresStore {
	return &PostgresStore{
		db:          db,
		lockTimeout: lockTimeout,
		log:         log,
	}
}

// WithinTx выполняет fn внутри одной транзакции PostgreSQL
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	pgtx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer pgtx.Rollback(ctx) //nolint:errcheck

	if s.lockTimeout > 0 {
		// SET LOCAL действует только до конца текущей транзакции
		if _, err := pgtx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("failed to set lock timeout: %w", err)
		}
	}

	if err := fn(ctx, &postgresTx{tx: pgtx}); err != nil {
		return err
	}

	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetSubscriptionByUUID возвращает подписку по UUID без блокировки
func (s *PostgresStore) GetSubscriptionByUUID(ctx context.Context, id uuid.UUID) (domain.Subscription, error) {
	row := s.db.QueryRow(ctx, subscriptionSelect+" WHERE uuid = $1", id)
	return scanSubscription(row)
}

// translatePgError преобразует ошибки PostgreSQL в ошибки репозитория
func translatePgError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
		return ErrLockTimeout
	}
	return err
}

// postgresTx транзакция PostgreSQL
type postgresTx struct {
	tx pgx.Tx
}

const subscriptionSelect = `
	SELECT
		uuid, user_id, plan_id, status,
		provider, provider_subscription_id, provider_status,
		current_period_end, trial_ends_at, canceled_at,
		cancel_at_period_end, cancellation_reason,
		created_at, updated_at
	FROM subscriptions`

// scanSubscription читает подписку из строки результата
func scanSubscription(row pgx.Row) (domain.Subscription, error) {
	var subscription domain.Subscription
	var provider, providerSubID, providerStatus, cancellationReason *string
	var trialEndsAt, canceledAt *time.Time

	err := row.Scan(
		&subscription.UUID,
		&subscription.UserID,
		&subscription.PlanID,
		&subscription.Status,
		&provider,
		&providerSubID,
		&providerStatus,
		&subscription.CurrentPeriodEnd,
		&trialEndsAt,
		&canceledAt,
		&subscription.CancelAtPeriodEnd,
		&cancellationReason,
		&subscription.CreatedAt,
		&subscription.UpdatedAt,
	)
	if err != nil {
		return domain.Subscription{}, translatePgError(err)
	}

	// Преобразуем опциональные поля
	if provider != nil {
		subscription.Provider = domain.Provider(*provider)
	}
	if providerSubID != nil {
		subscription.ProviderSubscriptionID = *providerSubID
	}
	if providerStatus != nil {
		subscription.ProviderStatus = *providerStatus
	}
	if cancellationReason != nil {
		subscription.CancellationReason = *cancellationReason
	}
	subscription.TrialEndsAt = trialEndsAt
	subscription.CanceledAt = canceledAt

	return subscription, nil
}

// LockSubscriptionByUUID загружает подписку под эксклюзивной блокировкой строки
func (t *postgresTx) LockSubscriptionByUUID(ctx context.Context, id uuid.UUID) (domain.Subscription, error) {
	row := t.tx.QueryRow(ctx, subscriptionSelect+" WHERE uuid = $1 FOR UPDATE", id)
	return scanSubscription(row)
}

// LockSubscriptionByProviderID загружает подписку по провайдерскому ID под блокировкой
func (t *postgresTx) LockSubscriptionByProviderID(ctx context.Context, provider domain.Provider, providerID string) (domain.Subscription, error) {
	row := t.tx.QueryRow(ctx,
		subscriptionSelect+" WHERE provider = $1 AND provider_subscription_id = $2 FOR UPDATE",
		string(provider), providerID)
	return scanSubscription(row)
}

// CreateSubscription создает новую подписку
func (t *postgresTx) CreateSubscription(ctx context.Context, subscription domain.Subscription) error {
	query := `
		INSERT INTO subscriptions (
			uuid, user_id, plan_id, status,
			provider, provider_subscription_id, provider_status,
			current_period_end, trial_ends_at, canceled_at,
			cancel_at_period_end, cancellation_reason,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now())
	`
	_, err := t.tx.Exec(ctx, query,
		subscription.UUID,
		subscription.UserID,
		subscription.PlanID,
		subscription.Status,
		nullString(string(subscription.Provider)),
		nullString(subscription.ProviderSubscriptionID),
		nullString(subscription.ProviderStatus),
		subscription.CurrentPeriodEnd,
		subscription.TrialEndsAt,
		subscription.CanceledAt,
		subscription.CancelAtPeriodEnd,
		nullString(subscription.CancellationReason),
	)
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", translatePgError(err))
	}
	return nil
}

// UpdateSubscription обновляет подписку
func (t *postgresTx) UpdateSubscription(ctx context.Context, subscription domain.Subscription) error {
	query := `
		UPDATE subscriptions SET
			status = $2,
			provider = $3,
			provider_subscription_id = $4,
			provider_status = $5,
			current_period_end = $6,
			trial_ends_at = $7,
			canceled_at = $8,
			cancel_at_period_end = $9,
			cancellation_reason = $10,
			updated_at = now()
		WHERE uuid = $1
	`
	res, err := t.tx.Exec(ctx, query,
		subscription.UUID,
		subscription.Status,
		nullString(string(subscription.Provider)),
		nullString(subscription.ProviderSubscriptionID),
		nullString(subscription.ProviderStatus),
		subscription.CurrentPeriodEnd,
		subscription.TrialEndsAt,
		subscription.CanceledAt,
		subscription.CancelAtPeriodEnd,
		nullString(subscription.CancellationReason),
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", translatePgError(err))
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const orderSelect = `
	SELECT
		uuid, user_id, status, currency,
		total_amount, total_discount, total_after_discount,
		provider, provider_order_id,
		created_at, updated_at
	FROM orders`

// scanOrder читает заказ из строки результата
func scanOrder(row pgx.Row) (domain.Order, error) {
	var order domain.Order
	var provider, providerOrderID *string

	err := row.Scan(
		&order.UUID,
		&order.UserID,
		&order.Status,
		&order.Currency,
		&order.TotalAmount,
		&order.TotalDiscount,
		&order.TotalAfterDiscount,
		&provider,
		&providerOrderID,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, translatePgError(err)
	}

	if provider != nil {
		order.Provider = domain.Provider(*provider)
	}
	if providerOrderID != nil {
		order.ProviderOrderID = *providerOrderID
	}
	return order, nil
}

// loadOrderItems загружает позиции заказа
func (t *postgresTx) loadOrderItems(ctx context.Context, orderUUID uuid.UUID) ([]domain.OrderItem, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT uuid, order_uuid, product_id, quantity, unit_price
		FROM order_items
		WHERE order_uuid = $1
		ORDER BY created_at
	`, orderUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.UUID, &item.OrderUUID, &item.ProductID, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order items: %w", err)
	}
	return items, nil
}

// LockOrderByUUID загружает заказ с позициями под эксклюзивной блокировкой
func (t *postgresTx) LockOrderByUUID(ctx context.Context, id uuid.UUID) (domain.Order, error) {
	row := t.tx.QueryRow(ctx, orderSelect+" WHERE uuid = $1 FOR UPDATE", id)
	order, err := scanOrder(row)
	if err != nil {
		return domain.Order{}, err
	}

	items, err := t.loadOrderItems(ctx, order.UUID)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items
	return order, nil
}

// LockOrderByProviderID загружает заказ по провайдерскому ID под блокировкой
func (t *postgresTx) LockOrderByProviderID(ctx context.Context, provider domain.Provider, providerOrderID string) (domain.Order, error) {
	row := t.tx.QueryRow(ctx,
		orderSelect+" WHERE provider = $1 AND provider_order_id = $2 FOR UPDATE",
		string(provider), providerOrderID)
	order, err := scanOrder(row)
	if err != nil {
		return domain.Order{}, err
	}

	items, err := t.loadOrderItems(ctx, order.UUID)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items
	return order, nil
}

// CreateOrder создает новый заказ вместе с позициями
func (t *postgresTx) CreateOrder(ctx context.Context, order domain.Order) error {
	query := `
		INSERT INTO orders (
			uuid, user_id, status, currency,
			total_amount, total_discount, total_after_discount,
			provider, provider_order_id,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
	`
	_, err := t.tx.Exec(ctx, query,
		order.UUID,
		order.UserID,
		order.Status,
		order.Currency,
		order.TotalAmount,
		order.TotalDiscount,
		order.TotalAfterDiscount,
		nullString(string(order.Provider)),
		nullString(order.ProviderOrderID),
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", translatePgError(err))
	}

	if len(order.Items) > 0 {
		if err := t.ReplaceOrderItems(ctx, order.UUID, order.Items); err != nil {
			return err
		}
	}
	return nil
}

// UpdateOrder обновляет заказ
func (t *postgresTx) UpdateOrder(ctx context.Context, order domain.Order) error {
	query := `
		UPDATE orders SET
			status = $2,
			currency = $3,
			total_amount = $4,
			total_discount = $5,
			total_after_discount = $6,
			provider = $7,
			provider_order_id = $8,
			updated_at = now()
		WHERE uuid = $1
	`
	res, err := t.tx.Exec(ctx, query,
		order.UUID,
		order.Status,
		order.Currency,
		order.TotalAmount,
		order.TotalDiscount,
		order.TotalAfterDiscount,
		nullString(string(order.Provider)),
		nullString(order.ProviderOrderID),
	)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", translatePgError(err))
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceOrderItems перезаписывает позиции заказа данными провайдера
func (t *postgresTx) ReplaceOrderItems(ctx context.Context, orderUUID uuid.UUID, items []domain.OrderItem) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM order_items WHERE order_uuid = $1`, orderUUID); err != nil {
		return fmt.Errorf("failed to delete order items: %w", err)
	}

	for _, item := range items {
		itemUUID := item.UUID
		if itemUUID == uuid.Nil {
			itemUUID = uuid.New()
		}
		_, err := t.tx.Exec(ctx, `
			INSERT INTO order_items (uuid, order_uuid, product_id, quantity, unit_price, created_at)
			VALUES ($1, $2, $3, $4, $5, now())
		`, itemUUID, orderUUID, item.ProductID, item.Quantity, item.UnitPrice)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}
	return nil
}

const transactionSelect = `
	SELECT
		uuid, subscription_uuid, order_uuid,
		provider, provider_transaction_id, provider_status, status,
		amount, currency, discount_total, tax_total, fee_total,
		error_reason, created_at, updated_at
	FROM transactions`

// scanTransaction читает транзакцию из строки результата
func scanTransaction(row pgx.Row) (domain.Transaction, error) {
	var transaction domain.Transaction
	var providerStatus, errorReason *string

	err := row.Scan(
		&transaction.UUID,
		&transaction.SubscriptionUUID,
		&transaction.OrderUUID,
		&transaction.Provider,
		&transaction.ProviderTransactionID,
		&providerStatus,
		&transaction.Status,
		&transaction.Amount,
		&transaction.Currency,
		&transaction.DiscountTotal,
		&transaction.TaxTotal,
		&transaction.FeeTotal,
		&errorReason,
		&transaction.CreatedAt,
		&transaction.UpdatedAt,
	)
	if err != nil {
		return domain.Transaction{}, translatePgError(err)
	}

	if providerStatus != nil {
		transaction.ProviderStatus = *providerStatus
	}
	if errorReason != nil {
		transaction.ErrorReason = *errorReason
	}
	return transaction, nil
}

// GetTransactionByProviderID возвращает транзакцию по ключу идемпотентности
func (t *postgresTx) GetTransactionByProviderID(ctx context.Context, provider domain.Provider, providerTxID string) (domain.Transaction, error) {
	row := t.tx.QueryRow(ctx,
		transactionSelect+" WHERE provider = $1 AND provider_transaction_id = $2 FOR UPDATE",
		string(provider), providerTxID)
	return scanTransaction(row)
}

// CreateTransaction создает новую транзакцию
func (t *postgresTx) CreateTransaction(ctx context.Context, transaction domain.Transaction) error {
	query := `
		INSERT INTO transactions (
			uuid, subscription_uuid, order_uuid,
			provider, provider_transaction_id, provider_status, status,
			amount, currency, discount_total, tax_total, fee_total,
			error_reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now(), now())
	`
	_, err := t.tx.Exec(ctx, query,
		transaction.UUID,
		transaction.SubscriptionUUID,
		transaction.OrderUUID,
		transaction.Provider,
		transaction.ProviderTransactionID,
		nullString(transaction.ProviderStatus),
		transaction.Status,
		transaction.Amount,
		transaction.Currency,
		transaction.DiscountTotal,
		transaction.TaxTotal,
		transaction.FeeTotal,
		nullString(transaction.ErrorReason),
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", translatePgError(err))
	}
	return nil
}

// UpdateTransaction обновляет транзакцию
func (t *postgresTx) UpdateTransaction(ctx context.Context, transaction domain.Transaction) error {
	query := `
		UPDATE transactions SET
			subscription_uuid = $2,
			order_uuid = $3,
			provider_status = $4,
			status = $5,
			amount = $6,
			currency = $7,
			discount_total = $8,
			tax_total = $9,
			fee_total = $10,
			error_reason = $11,
			updated_at = now()
		WHERE uuid = $1
	`
	res, err := t.tx.Exec(ctx, query,
		transaction.UUID,
		transaction.SubscriptionUUID,
		transaction.OrderUUID,
		nullString(transaction.ProviderStatus),
		transaction.Status,
		transaction.Amount,
		transaction.Currency,
		transaction.DiscountTotal,
		transaction.TaxTotal,
		transaction.FeeTotal,
		nullString(transaction.ErrorReason),
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", translatePgError(err))
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// nullString возвращает nil для пустой строки, чтобы в базе лежал NULL
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
