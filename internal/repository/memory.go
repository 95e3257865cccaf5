package repository

import (
	"context"
	"sync"
	"time"

	"github.com/Dhoini/Billing-reconciler/internal/domain"
	"github.com/Dhoini/Billing-reconciler/pkg/logger"
	"github.com/google/uuid"
)

// MemoryStore реализация хранилища в памяти. Семантика блокировок повторяет
// SELECT ... FOR UPDATE: на каждую сущность заводится свой мьютекс, который
// удерживается до конца транзакции.
type MemoryStore struct {
	mu sync.Mutex

	subscriptions      map[uuid.UUID]domain.Subscription
	subsByProviderID   map[string]uuid.UUID
	orders             map[uuid.UUID]domain.Order
	ordersByProviderID map[string]uuid.UUID
	transactions       map[uuid.UUID]domain.Transaction
	txnsByProviderID   map[string]uuid.UUID

	entityLocks map[string]*sync.Mutex

	log *logger.Logger
}

// NewMemoryStore создает новое хранилище в памяти
func NewMemoryStore(log *logger.Logger) *MemoryStore {
	return &MemoryStore{
		subscriptions:      make(map[uuid.UUID]domain.Subscription),
		subsByProviderID:   make(map[string]uuid.UUID),
		orders:             make(map[uuid.UUID]domain.Order),
		ordersByProviderID: make(map[string]uuid.UUID),
		transactions:       make(map[uuid.UUID]domain.Transaction),
		txnsByProviderID:   make(map[string]uuid.UUID),
		entityLocks:        make(map[string]*sync.Mutex),
		log:                log,
	}
}

// providerKey составной ключ для поиска по провайдерскому ID
func providerKey(provider domain.Provider, providerID string) string {
	return string(provider) + ":" + providerID
}

// entityLock возвращает мьютекс сущности, создавая его при первом обращении
func (s *MemoryStore) entityLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, exists := s.entityLocks[key]
	if !exists {
		lock = &sync.Mutex{}
		s.entityLocks[key] = lock
	}
	return lock
}

// WithinTx выполняет fn, буферизуя изменения до коммита
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memoryTx{
		store:               s,
		heldLocks:           make(map[string]*sync.Mutex),
		stagedSubscriptions: make(map[uuid.UUID]domain.Subscription),
		stagedOrders:        make(map[uuid.UUID]domain.Order),
		stagedTransactions:  make(map[uuid.UUID]domain.Transaction),
		stagedItems:         make(map[uuid.UUID][]domain.OrderItem),
	}

	err := fn(ctx, tx)
	if err == nil {
		tx.commit()
	}
	tx.releaseLocks()
	return err
}

// GetSubscriptionByUUID возвращает подписку по UUID
func (s *MemoryStore) GetSubscriptionByUUID(ctx context.Context, id uuid.UUID) (domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subscription, exists := s.subscriptions[id]
	if !exists {
		return domain.Subscription{}, ErrNotFound
	}
	return subscription, nil
}

// memoryTx транзакция хранилища в памяти
type memoryTx struct {
	store     *MemoryStore
	heldLocks map[string]*sync.Mutex

	stagedSubscriptions map[uuid.UUID]domain.Subscription
	stagedOrders        map[uuid.UUID]domain.Order
	stagedTransactions  map[uuid.UUID]domain.Transaction
	stagedItems         map[uuid.UUID][]domain.OrderItem
}

// acquire блокирует сущность, если она еще не заблокирована этой транзакцией
func (t *memoryTx) acquire(key string) {
	if _, held := t.heldLocks[key]; held {
		return
	}
	lock := t.store.entityLock(key)
	lock.Lock()
	t.heldLocks[key] = lock
}

// releaseLocks снимает все блокировки транзакции
func (t *memoryTx) releaseLocks() {
	for _, lock := range t.heldLocks {
		lock.Unlock()
	}
	t.heldLocks = make(map[string]*sync.Mutex)
}

// commit применяет отложенные изменения к хранилищу
func (t *memoryTx) commit() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, subscription := range t.stagedSubscriptions {
		s.subscriptions[id] = subscription
		if subscription.ProviderSubscriptionID != "" {
			s.subsByProviderID[providerKey(subscription.Provider, subscription.ProviderSubscriptionID)] = id
		}
	}
	for id, order := range t.stagedOrders {
		if items, replaced := t.stagedItems[id]; replaced {
			order.Items = items
		}
		s.orders[id] = order
		if order.ProviderOrderID != "" {
			s.ordersByProviderID[providerKey(order.Provider, order.ProviderOrderID)] = id
		}
	}
	for id, items := range t.stagedItems {
		if _, staged := t.stagedOrders[id]; staged {
			continue
		}
		if order, exists := s.orders[id]; exists {
			order.Items = items
			s.orders[id] = order
		}
	}
	for id, transaction := range t.stagedTransactions {
		s.transactions[id] = transaction
		s.txnsByProviderID[providerKey(transaction.Provider, transaction.ProviderTransactionID)] = id
	}
}

// LockSubscriptionByUUID загружает подписку под блокировкой
func (t *memoryTx) LockSubscriptionByUUID(ctx context.Context, id uuid.UUID) (domain.Subscription, error) {
	t.acquire("subscription:" + id.String())

	if staged, exists := t.stagedSubscriptions[id]; exists {
		return staged, nil
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	subscription, exists := t.store.subscriptions[id]
	if !exists {
		return domain.Subscription{}, ErrNotFound
	}
	return subscription, nil
}

// LockSubscriptionByProviderID загружает подписку по провайдерскому ID под блокировкой
func (t *memoryTx) LockSubscriptionByProviderID(ctx context.Context, provider domain.Provider, providerID string) (domain.Subscription, error) {
	t.store.mu.Lock()
	id, exists := t.store.subsByProviderID[providerKey(provider, providerID)]
	t.store.mu.Unlock()
	if !exists {
		return domain.Subscription{}, ErrNotFound
	}
	return t.LockSubscriptionByUUID(ctx, id)
}

// CreateSubscription создает новую подписку
func (t *memoryTx) CreateSubscription(ctx context.Context, subscription domain.Subscription) error {
	t.acquire("subscription:" + subscription.UUID.String())

	t.store.mu.Lock()
	_, exists := t.store.subscriptions[subscription.UUID]
	t.store.mu.Unlock()
	if exists {
		return ErrDuplicate
	}

	now := time.Now().UTC()
	subscription.CreatedAt = now
	subscription.UpdatedAt = now
	t.stagedSubscriptions[subscription.UUID] = subscription
	return nil
}

// UpdateSubscription обновляет подписку
func (t *memoryTx) UpdateSubscription(ctx context.Context, subscription domain.Subscription) error {
	subscription.UpdatedAt = time.Now().UTC()
	t.stagedSubscriptions[subscription.UUID] = subscription
	return nil
}

// LockOrderByUUID загружает заказ под блокировкой
func (t *memoryTx) LockOrderByUUID(ctx context.Context, id uuid.UUID) (domain.Order, error) {
	t.acquire("order:" + id.String())

	if staged, exists := t.stagedOrders[id]; exists {
		return staged, nil
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	order, exists := t.store.orders[id]
	if !exists {
		return domain.Order{}, ErrNotFound
	}
	return order, nil
}

// LockOrderByProviderID загружает заказ по провайдерскому ID под блокировкой
func (t *memoryTx) LockOrderByProviderID(ctx context.Context, provider domain.Provider, providerOrderID string) (domain.Order, error) {
	t.store.mu.Lock()
	id, exists := t.store.ordersByProviderID[providerKey(provider, providerOrderID)]
	t.store.mu.Unlock()
	if !exists {
		return domain.Order{}, ErrNotFound
	}
	return t.LockOrderByUUID(ctx, id)
}

// CreateOrder создает новый заказ
func (t *memoryTx) CreateOrder(ctx context.Context, order domain.Order) error {
	t.acquire("order:" + order.UUID.String())

	t.store.mu.Lock()
	_, exists := t.store.orders[order.UUID]
	t.store.mu.Unlock()
	if exists {
		return ErrDuplicate
	}

	now := time.Now().UTC()
	order.CreatedAt = now
	order.UpdatedAt = now
	t.stagedOrders[order.UUID] = order
	return nil
}

// UpdateOrder обновляет заказ
func (t *memoryTx) UpdateOrder(ctx context.Context, order domain.Order) error {
	order.UpdatedAt = time.Now().UTC()
	t.stagedOrders[order.UUID] = order
	return nil
}

// ReplaceOrderItems перезаписывает позиции заказа
func (t *memoryTx) ReplaceOrderItems(ctx context.Context, orderUUID uuid.UUID, items []domain.OrderItem) error {
	t.stagedItems[orderUUID] = items
	return nil
}

// GetTransactionByProviderID возвращает транзакцию по ключу идемпотентности
func (t *memoryTx) GetTransactionByProviderID(ctx context.Context, provider domain.Provider, providerTxID string) (domain.Transaction, error) {
	key := providerKey(provider, providerTxID)

	for _, staged := range t.stagedTransactions {
		if staged.Provider == provider && staged.ProviderTransactionID == providerTxID {
			return staged, nil
		}
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	id, exists := t.store.txnsByProviderID[key]
	if !exists {
		return domain.Transaction{}, ErrNotFound
	}
	return t.store.transactions[id], nil
}

// CreateTransaction создает новую транзакцию
func (t *memoryTx) CreateTransaction(ctx context.Context, transaction domain.Transaction) error {
	t.store.mu.Lock()
	_, exists := t.store.txnsByProviderID[providerKey(transaction.Provider, transaction.ProviderTransactionID)]
	t.store.mu.Unlock()
	if exists {
		return ErrDuplicate
	}

	now := time.Now().UTC()
	transaction.CreatedAt = now
	transaction.UpdatedAt = now
	t.stagedTransactions[transaction.UUID] = transaction
	return nil
}

// UpdateTransaction обновляет транзакцию
func (t *memoryTx) UpdateTransaction(ctx context.Context, transaction domain.Transaction) error {
	transaction.UpdatedAt = time.Now().UTC()
	t.stagedTransactions[transaction.UUID] = transaction
	return nil
}

// CountTransactions возвращает число сохраненных транзакций (для тестов идемпотентности)
func (s *MemoryStore) CountTransactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transactions)
}

// CountOrders возвращает число сохраненных заказов
func (s *MemoryStore) CountOrders() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

// GetOrderByUUID возвращает заказ по UUID (читающий доступ для тестов и API)
func (s *MemoryStore) GetOrderByUUID(ctx context.Context, id uuid.UUID) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.orders[id]
	if !exists {
		return domain.Order{}, ErrNotFound
	}
	return order, nil
}

// GetTransactionByProviderID возвращает транзакцию по ключу идемпотентности вне транзакции
func (s *MemoryStore) GetTransactionByProviderID(ctx context.Context, provider domain.Provider, providerTxID string) (domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, exists := s.txnsByProviderID[providerKey(provider, providerTxID)]
	if !exists {
		return domain.Transaction{}, ErrNotFound
	}
	return s.transactions[id], nil
}
