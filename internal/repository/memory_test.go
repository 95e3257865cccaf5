package repository

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Dhoini/Billing-reconciler/internal/domain"
	"github.com/Dhoini/Billing-reconciler/pkg/logger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore() *MemoryStore {
	return NewMemoryStore(logger.New(logger.ERROR))
}

func TestMemoryStore_TxCommitAndRollback(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	subID := uuid.New()

	// Ошибка внутри транзакции откатывает все изменения
	err := store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.CreateSubscription(ctx, domain.Subscription{
			UUID:   subID,
			Status: domain.SubscriptionStatusNew,
		}))
		return assert.AnError
	})
	require.Error(t, err)

	_, err = store.GetSubscriptionByUUID(ctx, subID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Успешная транзакция фиксирует изменения
	err = store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.CreateSubscription(ctx, domain.Subscription{
			UUID:     subID,
			Status:   domain.SubscriptionStatusNew,
			Provider: domain.ProviderStripe,
		})
	})
	require.NoError(t, err)

	saved, err := store.GetSubscriptionByUUID(ctx, subID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusNew, saved.Status)
}

func TestMemoryStore_LockSerializesConcurrentTx(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	subID := uuid.New()

	err := store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.CreateSubscription(ctx, domain.Subscription{
			UUID:   subID,
			Status: domain.SubscriptionStatusPending,
		})
	})
	require.NoError(t, err)

	firstLocked := make(chan struct{})
	releaseFirst := make(chan struct{})
	var firstCommitted atomic.Bool
	firstDone := make(chan error, 1)
	secondDone := make(chan error, 1)

	go func() {
		firstDone <- store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			subscription, err := tx.LockSubscriptionByUUID(ctx, subID)
			if err != nil {
				return err
			}
			close(firstLocked)
			<-releaseFirst

			subscription.Status = domain.SubscriptionStatusActive
			if err := tx.UpdateSubscription(ctx, subscription); err != nil {
				return err
			}
			firstCommitted.Store(true)
			return nil
		})
	}()

	<-firstLocked

	go func() {
		secondDone <- store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			// Блокируется, пока первая транзакция не зафиксируется
			subscription, err := tx.LockSubscriptionByUUID(ctx, subID)
			if err != nil {
				return err
			}
			assert.True(t, firstCommitted.Load(), "second tx acquired the lock before the first committed")
			assert.Equal(t, domain.SubscriptionStatusActive, subscription.Status, "second tx must see the committed state")
			return nil
		})
	}()

	// Вторая транзакция не должна пройти, пока первая держит блокировку
	select {
	case <-secondDone:
		t.Fatal("second tx finished while the first still held the entity lock")
	case <-time.After(50 * time.Millisecond):
	}

	close(releaseFirst)
	require.NoError(t, <-firstDone)
	require.NoError(t, <-secondDone)
}

func TestMemoryStore_LookupByProviderID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	subID := uuid.New()

	err := store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.CreateSubscription(ctx, domain.Subscription{
			UUID:                   subID,
			Status:                 domain.SubscriptionStatusActive,
			Provider:               domain.ProviderPaddle,
			ProviderSubscriptionID: "sub_paddle_1",
		})
	})
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		subscription, err := tx.LockSubscriptionByProviderID(ctx, domain.ProviderPaddle, "sub_paddle_1")
		if err != nil {
			return err
		}
		assert.Equal(t, subID, subscription.UUID)

		_, err = tx.LockSubscriptionByProviderID(ctx, domain.ProviderStripe, "sub_paddle_1")
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStore_TransactionIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	err := store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.CreateTransaction(ctx, domain.Transaction{
			UUID:                  uuid.New(),
			Provider:              domain.ProviderStripe,
			ProviderTransactionID: "pi_123",
			Status:                domain.TransactionStatusSuccess,
		})
	})
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		found, err := tx.GetTransactionByProviderID(ctx, domain.ProviderStripe, "pi_123")
		if err != nil {
			return err
		}
		assert.Equal(t, domain.TransactionStatusSuccess, found.Status)

		return tx.CreateTransaction(ctx, domain.Transaction{
			UUID:                  uuid.New(),
			Provider:              domain.ProviderStripe,
			ProviderTransactionID: "pi_123",
		})
	})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, 1, store.CountTransactions())
}
