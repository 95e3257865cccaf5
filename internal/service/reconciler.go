// Package service содержит бизнес-логику реконсиляции вебхуков и
// управления подписками.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Dhoini/Billing-reconciler/internal/domain"
	"github.com/Dhoini/Billing-reconciler/internal/metrics"
	"github.com/Dhoini/Billing-reconciler/internal/normalize"
	"github.com/Dhoini/Billing-reconciler/internal/repository"
	"github.com/Dhoini/Billing-reconciler/internal/signature"
	"github.com/Dhoini/Billing-reconciler/internal/status"
	"github.com/Dhoini/Billing-reconciler/pkg/logger"
	"github.com/google/uuid"
)

// errSuperfluousEvent событие распознано, но применять его не нужно.
// Наружу не уходит: обработчик превращает его в успешный ответ,
// чтобы провайдер не ретраил доставку.
var errSuperfluousEvent = errors.New("superfluous event")

// Notifier публикует доменные уведомления после коммита транзакции
type Notifier interface {
	SubscriptionActivated(ctx context.Context, subscription domain.Subscription) error
	SubscriptionCanceled(ctx context.Context, subscription domain.Subscription) error
	InvoicePaymentFailed(ctx context.Context, transaction domain.Transaction) error
	OrderCompleted(ctx context.Context, order domain.Order) error
}

// CacheInvalidator сбрасывает кэш подписки после записи
type CacheInvalidator interface {
	InvalidateSubscription(ctx context.Context, id uuid.UUID)
}

// ProductCatalog отвечает на вопрос, продаем ли мы такой товар.
// Нужен для заказов без корреляционного UUID: событие о незнакомом
// товаре игнорируется, а не превращается в заказ-сироту.
type ProductCatalog interface {
	IsKnownProduct(ctx context.Context, provider domain.Provider, productID string) bool
}

// ReconciliationService приводит локальное состояние биллинга к состоянию
// провайдера на основании входящих вебхуков
type ReconciliationService struct {
	verifiers map[domain.Provider]signature.Verifier
	store     repository.Store
	audit     repository.WebhookAuditRepository
	catalog   ProductCatalog
	notifier  Notifier
	cache     CacheInvalidator
	metrics   *metrics.WebhookMetrics
	log       *logger.Logger
}

// NewReconciliationService создает новый сервис реконсиляции.
// notifier, cache и metrics опциональны: без них сервис просто пишет логи.
func NewReconciliationService(
	verifiers map[domain.Provider]signature.Verifier,
	store repository.Store,
	audit repository.WebhookAuditRepository,
	catalog ProductCatalog,
	notifier Notifier,
	cache CacheInvalidator,
	webhookMetrics *metrics.WebhookMetrics,
	log *logger.Logger,
) *ReconciliationService {
	return &ReconciliationService{
		verifiers: verifiers,
		store:     store,
		audit:     audit,
		catalog:   catalog,
		notifier:  notifier,
		cache:     cache,
		metrics:   webhookMetrics,
		log:       log,
	}
}

// reconcileResult накапливает эффекты транзакции, которые должны
// сработать только после коммита
type reconcileResult struct {
	entityUUID    uuid.UUID
	notifications []func(ctx context.Context) error
	invalidate    []uuid.UUID
}

// HandleWebhook обрабатывает сырой вебхук провайдера: проверяет подпись,
// нормализует событие и применяет его к локальному состоянию в одной
// транзакции хранилища
func (s *ReconciliationService) HandleWebhook(ctx context.Context, provider domain.Provider, body []byte, signatureHeader string) error {
	startedAt := time.Now()
	receivedAt := startedAt.UTC()

	if s.metrics != nil {
		s.metrics.EventReceived(string(provider))
	}

	verifier, active := s.verifiers[provider]
	if !active {
		if !provider.IsKnown() {
			return domain.ErrUnsupportedProvider
		}
		return domain.ErrProviderNotActive
	}

	// Подпись проверяется до любого разбора тела
	if err := verifier.Verify(body, signatureHeader); err != nil {
		s.log.Warnw("webhook signature verification failed", "provider", provider, "error", err)
		if s.metrics != nil {
			s.metrics.EventFailed(string(provider))
		}
		return err
	}

	normalizer, err := normalize.ForProvider(provider)
	if err != nil {
		return err
	}

	event, err := normalizer.Normalize(body, receivedAt)
	if err != nil {
		s.log.Warnw("webhook payload rejected", "provider", provider, "error", err)
		s.recordAudit(ctx, provider, "", domain.WebhookAuditStatusFailed, uuid.Nil, err, body, receivedAt)
		if s.metrics != nil {
			s.metrics.EventFailed(string(provider))
		}
		return err
	}

	if event.Channel == domain.EventChannelNone {
		s.log.Debugw("webhook event ignored", "provider", provider, "kind", event.Kind)
		s.recordAudit(ctx, provider, event.Kind, domain.WebhookAuditStatusDiscarded, uuid.Nil, nil, body, receivedAt)
		if s.metrics != nil {
			s.metrics.EventDiscarded(string(provider))
		}
		return nil
	}

	result := &reconcileResult{}
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		switch event.Channel {
		case domain.EventChannelSubscription:
			return s.applySubscriptionEvent(ctx, tx, event, result)
		case domain.EventChannelTransaction:
			return s.applyTransactionEvent(ctx, tx, event, result)
		default:
			return nil
		}
	})

	if s.metrics != nil {
		s.metrics.ObserveReconciliation(string(provider), time.Since(startedAt))
	}

	if errors.Is(err, errSuperfluousEvent) {
		s.log.Infow("webhook event discarded", "provider", provider, "kind", event.Kind, "entity_uuid", result.entityUUID)
		s.recordAudit(ctx, provider, event.Kind, domain.WebhookAuditStatusDiscarded, result.entityUUID, nil, body, receivedAt)
		if s.metrics != nil {
			s.metrics.EventDiscarded(string(provider))
		}
		return nil
	}
	if err != nil {
		if errors.Is(err, repository.ErrLockTimeout) {
			err = domain.ErrLockTimeout
		}
		s.log.Errorw("webhook reconciliation failed", "provider", provider, "kind", event.Kind, "error", err)
		s.recordAudit(ctx, provider, event.Kind, domain.WebhookAuditStatusFailed, result.entityUUID, err, body, receivedAt)
		if s.metrics != nil {
			s.metrics.EventFailed(string(provider))
		}
		return err
	}

	// Эффекты после коммита: кэш и уведомления. Их сбои не откатывают
	// уже примененное состояние.
	if s.cache != nil {
		for _, id := range result.invalidate {
			s.cache.InvalidateSubscription(ctx, id)
		}
	}
	for _, notify := range result.notifications {
		if notifyErr := notify(ctx); notifyErr != nil {
			s.log.Warnw("domain notification failed", "provider", provider, "kind", event.Kind, "error", notifyErr)
		}
	}

	s.log.Infow("webhook event processed", "provider", provider, "kind", event.Kind, "entity_uuid", result.entityUUID)
	s.recordAudit(ctx, provider, event.Kind, domain.WebhookAuditStatusProcessed, result.entityUUID, nil, body, receivedAt)
	if s.metrics != nil {
		s.metrics.EventProcessed(string(provider))
	}
	return nil
}

// recordAudit пишет запись в журнал, ошибки журнала не влияют на ответ
func (s *ReconciliationService) recordAudit(ctx context.Context, provider domain.Provider, kind string, auditStatus domain.WebhookAuditStatus, entityUUID uuid.UUID, cause error, payload []byte, receivedAt time.Time) {
	if s.audit == nil {
		return
	}

	record := domain.WebhookAudit{
		ID:         uuid.New(),
		Provider:   provider,
		Kind:       kind,
		Status:     auditStatus,
		EntityUUID: entityUUID,
		Payload:    payload,
		ReceivedAt: receivedAt,
	}
	if cause != nil {
		record.ErrorMessage = cause.Error()
	}

	if err := s.audit.Record(ctx, record); err != nil {
		s.log.Warnw("failed to record webhook audit entry", "provider", provider, "kind", kind, "error", err)
	}
}

// applySubscriptionEvent применяет событие жизненного цикла подписки
func (s *ReconciliationService) applySubscriptionEvent(ctx context.Context, tx repository.Tx, event domain.WebhookEvent, result *reconcileResult) error {
	update := event.Subscription
	if update == nil {
		return domain.NewWebhookError(event.Provider, event.Kind, "subscription payload missing", domain.ErrMalformedPayload)
	}

	subscription, err := s.lockSubscription(ctx, tx, event.Provider, event.SubscriptionUUID, update.ProviderSubscriptionID)
	if err != nil {
		return err
	}
	result.entityUUID = subscription.UUID

	// Повторно доставленное или пришедшее с опозданием "*created" не должно
	// откатывать подписку, которую более поздние события уже продвинули
	if event.IsCreation && subscription.IsProviderManaged() &&
		subscription.Status != domain.SubscriptionStatusNew &&
		subscription.Status != domain.SubscriptionStatusPending {
		return errSuperfluousEvent
	}

	previousStatus := subscription.Status
	newStatus := status.MapSubscriptionStatus(event.Provider, update.ProviderStatus)

	// Терминальный статус не откатывается: запоздавшее updated со старым
	// статусом провайдера не должно оживлять отмененную подписку
	if previousStatus.IsTerminal() && newStatus != previousStatus {
		return errSuperfluousEvent
	}

	subscription.Provider = event.Provider
	subscription.ProviderSubscriptionID = update.ProviderSubscriptionID
	subscription.ProviderStatus = update.ProviderStatus
	subscription.Status = newStatus
	subscription.CancelAtPeriodEnd = update.CancelAtPeriodEnd
	if update.CancellationReason != "" {
		subscription.CancellationReason = update.CancellationReason
	}

	switch {
	case update.EndedAt != nil:
		// Провайдер сообщил фактическое окончание оплаченного периода
		subscription.CurrentPeriodEnd = update.EndedAt.UTC()
	case update.CurrentPeriodEnd != nil:
		subscription.CurrentPeriodEnd = update.CurrentPeriodEnd.UTC()
	case subscription.CurrentPeriodEnd.IsZero():
		// Провайдер не прислал конец периода, фиксируем время получения
		subscription.CurrentPeriodEnd = event.ReceivedAt
	}
	if update.TrialEnd != nil {
		subscription.TrialEndsAt = update.TrialEnd
	}
	if update.CanceledAt != nil {
		subscription.CanceledAt = update.CanceledAt
	} else if newStatus == domain.SubscriptionStatusCanceled && subscription.CanceledAt == nil {
		canceledAt := event.ReceivedAt
		subscription.CanceledAt = &canceledAt
	}

	if err := tx.UpdateSubscription(ctx, subscription); err != nil {
		return domain.NewReconciliationError(event.Provider, subscription.UUID.String(), "failed to persist subscription", err)
	}

	result.invalidate = append(result.invalidate, subscription.UUID)
	s.queueSubscriptionNotifications(previousStatus, subscription, result)
	return nil
}

// queueSubscriptionNotifications ставит уведомления о переходах статуса в очередь пост-коммита
func (s *ReconciliationService) queueSubscriptionNotifications(previous domain.SubscriptionStatus, subscription domain.Subscription, result *reconcileResult) {
	if s.notifier == nil || previous == subscription.Status {
		return
	}

	switch subscription.Status {
	case domain.SubscriptionStatusActive:
		result.notifications = append(result.notifications, func(ctx context.Context) error {
			return s.notifier.SubscriptionActivated(ctx, subscription)
		})
	case domain.SubscriptionStatusCanceled:
		result.notifications = append(result.notifications, func(ctx context.Context) error {
			return s.notifier.SubscriptionCanceled(ctx, subscription)
		})
	}
}

// lockSubscription резолвит подписку по корреляционному UUID или по
// провайдерскому ID и берет на нее эксклюзивную блокировку
func (s *ReconciliationService) lockSubscription(ctx context.Context, tx repository.Tx, provider domain.Provider, correlationID uuid.UUID, providerSubID string) (domain.Subscription, error) {
	if correlationID != uuid.Nil {
		subscription, err := tx.LockSubscriptionByUUID(ctx, correlationID)
		if err == nil {
			return subscription, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return domain.Subscription{}, err
		}
		// UUID из метаданных не нашелся, пробуем провайдерский ID
	}

	if providerSubID != "" {
		subscription, err := tx.LockSubscriptionByProviderID(ctx, provider, providerSubID)
		if err == nil {
			return subscription, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return domain.Subscription{}, err
		}
	}

	return domain.Subscription{}, domain.ErrEntityNotFound
}

// applyTransactionEvent применяет платежное событие: идемпотентный апсерт
// транзакции и, для заказов, синхронизацию заказа с данными провайдера
func (s *ReconciliationService) applyTransactionEvent(ctx context.Context, tx repository.Tx, event domain.WebhookEvent, result *reconcileResult) error {
	update := event.Transaction
	if update == nil || update.ProviderTransactionID == "" {
		return domain.NewWebhookError(event.Provider, event.Kind, "transaction payload missing", domain.ErrMalformedPayload)
	}

	newStatus := status.MapTransactionStatus(event.Provider, update.ProviderStatus)

	var subscriptionUUID, orderUUID *uuid.UUID

	// Платеж по подписке: резолвим подписку, но ее статус здесь не трогаем.
	// past_due придет отдельным подписочным событием провайдера.
	if event.SubscriptionUUID != uuid.Nil || update.ProviderSubscriptionID != "" {
		subscription, err := s.lockSubscription(ctx, tx, event.Provider, event.SubscriptionUUID, update.ProviderSubscriptionID)
		if err != nil {
			return err
		}
		subscriptionUUID = &subscription.UUID
		result.entityUUID = subscription.UUID
	} else {
		order, discard, err := s.resolveOrder(ctx, tx, event, update, newStatus)
		if err != nil {
			return err
		}
		if discard {
			return errSuperfluousEvent
		}
		orderUUID = &order.UUID
		result.entityUUID = order.UUID

		if s.notifier != nil && order.Status == domain.OrderStatusSuccess {
			completedOrder := order
			result.notifications = append(result.notifications, func(ctx context.Context) error {
				return s.notifier.OrderCompleted(ctx, completedOrder)
			})
		}
	}

	transaction, err := s.upsertTransaction(ctx, tx, event, update, newStatus, subscriptionUUID, orderUUID)
	if err != nil {
		return err
	}

	// Неудачное списание по подписке: сюда попадает и сырой past_due,
	// который канонически остается pending, пока провайдер ретраит платеж
	pastDue := strings.EqualFold(strings.TrimSpace(update.ProviderStatus), "past_due")
	if s.notifier != nil && transaction.SubscriptionUUID != nil &&
		(transaction.Status == domain.TransactionStatusFailed || pastDue) {
		failedTx := transaction
		result.notifications = append(result.notifications, func(ctx context.Context) error {
			return s.notifier.InvoicePaymentFailed(ctx, failedTx)
		})
	}
	return nil
}

// upsertTransaction создает или обновляет транзакцию по ключу идемпотентности
func (s *ReconciliationService) upsertTransaction(ctx context.Context, tx repository.Tx, event domain.WebhookEvent, update *domain.TransactionUpdate, newStatus domain.TransactionStatus, subscriptionUUID, orderUUID *uuid.UUID) (domain.Transaction, error) {
	existing, err := tx.GetTransactionByProviderID(ctx, event.Provider, update.ProviderTransactionID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return domain.Transaction{}, err
	}

	if errors.Is(err, repository.ErrNotFound) {
		transaction := domain.Transaction{
			UUID:                  uuid.New(),
			SubscriptionUUID:      subscriptionUUID,
			OrderUUID:             orderUUID,
			Provider:              event.Provider,
			ProviderTransactionID: update.ProviderTransactionID,
			ProviderStatus:        update.ProviderStatus,
			Status:                newStatus,
			Amount:                update.Amount,
			Currency:              update.Currency,
			DiscountTotal:         update.DiscountTotal,
			TaxTotal:              update.TaxTotal,
			FeeTotal:              update.FeeTotal,
			ErrorReason:           update.ErrorReason,
		}
		if err := tx.CreateTransaction(ctx, transaction); err != nil {
			return domain.Transaction{}, domain.NewReconciliationError(event.Provider, transaction.UUID.String(), "failed to create transaction", err)
		}
		return transaction, nil
	}

	existing.ProviderStatus = update.ProviderStatus
	existing.Status = newStatus
	existing.Amount = update.Amount
	existing.Currency = update.Currency
	existing.DiscountTotal = update.DiscountTotal
	existing.TaxTotal = update.TaxTotal
	existing.FeeTotal = update.FeeTotal
	existing.ErrorReason = update.ErrorReason
	if existing.SubscriptionUUID == nil {
		existing.SubscriptionUUID = subscriptionUUID
	}
	if existing.OrderUUID == nil {
		existing.OrderUUID = orderUUID
	}

	if err := tx.UpdateTransaction(ctx, existing); err != nil {
		return domain.Transaction{}, domain.NewReconciliationError(event.Provider, existing.UUID.String(), "failed to update transaction", err)
	}
	return existing, nil
}

// resolveOrder находит или создает заказ для платежного события и
// синхронизирует его с данными провайдера. Второй результат true означает,
// что событие относится к неизвестному нам товару и его нужно отбросить.
func (s *ReconciliationService) resolveOrder(ctx context.Context, tx repository.Tx, event domain.WebhookEvent, update *domain.TransactionUpdate, txStatus domain.TransactionStatus) (domain.Order, bool, error) {
	order, err := s.lockOrder(ctx, tx, event, update)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return domain.Order{}, false, err
	}

	created := false
	if errors.Is(err, repository.ErrNotFound) {
		if event.OrderUUID != uuid.Nil {
			// Метаданные ссылаются на заказ, которого у нас нет: событие
			// надо ретраить после разбирательства, а не терять
			return domain.Order{}, false, domain.ErrEntityNotFound
		}
		if !s.sellsAnyOf(ctx, event.Provider, update.Items) {
			// Чужой товар в общем магазине провайдера
			return domain.Order{}, true, nil
		}

		order = domain.Order{
			UUID:            uuid.New(),
			Status:          domain.OrderStatusNew,
			Provider:        event.Provider,
			ProviderOrderID: update.ProviderOrderID,
		}
		created = true
	}

	order.Provider = event.Provider
	if update.ProviderOrderID != "" {
		order.ProviderOrderID = update.ProviderOrderID
	}
	if update.Currency != "" {
		order.Currency = update.Currency
	}
	order.Status = status.MapOrderStatus(txStatus)
	if update.Amount > 0 || update.DiscountTotal > 0 {
		order.TotalAmount = update.Amount
		order.TotalDiscount = update.DiscountTotal
		order.RecalculateTotals()
	}

	items := make([]domain.OrderItem, 0, len(update.Items))
	for _, item := range update.Items {
		items = append(items, domain.OrderItem{
			UUID:      uuid.New(),
			OrderUUID: order.UUID,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}

	if created {
		order.Items = items
		if err := tx.CreateOrder(ctx, order); err != nil {
			return domain.Order{}, false, domain.NewReconciliationError(event.Provider, order.UUID.String(), "failed to create order", err)
		}
		return order, false, nil
	}

	if err := tx.UpdateOrder(ctx, order); err != nil {
		return domain.Order{}, false, domain.NewReconciliationError(event.Provider, order.UUID.String(), "failed to update order", err)
	}
	if len(items) > 0 {
		if err := tx.ReplaceOrderItems(ctx, order.UUID, items); err != nil {
			return domain.Order{}, false, domain.NewReconciliationError(event.Provider, order.UUID.String(), "failed to replace order items", err)
		}
		order.Items = items
	}
	return order, false, nil
}

// lockOrder резолвит заказ по корреляционному UUID или провайдерскому ID
func (s *ReconciliationService) lockOrder(ctx context.Context, tx repository.Tx, event domain.WebhookEvent, update *domain.TransactionUpdate) (domain.Order, error) {
	if event.OrderUUID != uuid.Nil {
		return tx.LockOrderByUUID(ctx, event.OrderUUID)
	}
	if update.ProviderOrderID != "" {
		return tx.LockOrderByProviderID(ctx, event.Provider, update.ProviderOrderID)
	}
	return domain.Order{}, repository.ErrNotFound
}

// sellsAnyOf проверяет, есть ли среди позиций события хотя бы один наш товар
func (s *ReconciliationService) sellsAnyOf(ctx context.Context, provider domain.Provider, items []domain.OrderItemUpdate) bool {
	if s.catalog == nil {
		// Без каталога считаем товары своими
		return true
	}
	for _, item := range items {
		if s.catalog.IsKnownProduct(ctx, provider, item.ProductID) {
			return true
		}
	}
	return false
}
