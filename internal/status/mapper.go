// Package status содержит чистые таблицы соответствия статусов провайдеров
// каноническим статусам системы. Таблицы тотальны: незнакомый статус всегда
// попадает в консервативную корзину, а не в ошибку.
package status

import (
	"strings"

	"github.com/Dhoini/Billing-reconciler/internal/domain"
)

// MapSubscriptionStatus преобразует сырой статус подписки провайдера в канонический
func MapSubscriptionStatus(provider domain.Provider, raw string) domain.SubscriptionStatus {
	raw = strings.ToLower(strings.TrimSpace(raw))

	switch provider {
	case domain.ProviderStripe:
		return stripeSubscriptionStatus(raw)
	case domain.ProviderPaddle:
		return paddleSubscriptionStatus(raw)
	case domain.ProviderLemonSqueezy:
		return lemonSqueezySubscriptionStatus(raw)
	default:
		return domain.SubscriptionStatusInactive
	}
}

// MapTransactionStatus преобразует сырой статус платежа провайдера в канонический
func MapTransactionStatus(provider domain.Provider, raw string) domain.TransactionStatus {
	raw = strings.ToLower(strings.TrimSpace(raw))

	switch provider {
	case domain.ProviderStripe:
		return stripeTransactionStatus(raw)
	case domain.ProviderPaddle:
		return paddleTransactionStatus(raw)
	case domain.ProviderLemonSqueezy:
		return lemonSqueezyTransactionStatus(raw)
	default:
		return domain.TransactionStatusNotStarted
	}
}

// MapOrderStatus преобразует канонический статус транзакции в статус заказа.
// Заказ следует за своей транзакцией, поэтому словарь общий.
func MapOrderStatus(txStatus domain.TransactionStatus) domain.OrderStatus {
	switch txStatus {
	case domain.TransactionStatusSuccess:
		return domain.OrderStatusSuccess
	case domain.TransactionStatusFailed:
		return domain.OrderStatusFailed
	case domain.TransactionStatusRefunded:
		return domain.OrderStatusRefunded
	case domain.TransactionStatusDisputed:
		return domain.OrderStatusDisputed
	case domain.TransactionStatusPending:
		return domain.OrderStatusPending
	default:
		return domain.OrderStatusNew
	}
}

func stripeSubscriptionStatus(raw string) domain.SubscriptionStatus {
	switch raw {
	case "active", "trialing":
		return domain.SubscriptionStatusActive
	case "past_due", "unpaid":
		return domain.SubscriptionStatusPastDue
	case "paused":
		return domain.SubscriptionStatusPaused
	case "canceled":
		return domain.SubscriptionStatusCanceled
	case "incomplete":
		return domain.SubscriptionStatusPending
	default:
		// incomplete_expired и все будущие статусы Stripe
		return domain.SubscriptionStatusInactive
	}
}

func paddleSubscriptionStatus(raw string) domain.SubscriptionStatus {
	switch raw {
	case "active", "trialing":
		return domain.SubscriptionStatusActive
	case "past_due":
		return domain.SubscriptionStatusPastDue
	case "paused":
		return domain.SubscriptionStatusPaused
	case "canceled":
		return domain.SubscriptionStatusCanceled
	default:
		return domain.SubscriptionStatusInactive
	}
}

func lemonSqueezySubscriptionStatus(raw string) domain.SubscriptionStatus {
	switch raw {
	case "active", "on_trial":
		return domain.SubscriptionStatusActive
	case "past_due", "unpaid":
		return domain.SubscriptionStatusPastDue
	case "paused":
		return domain.SubscriptionStatusPaused
	case "cancelled":
		// Lemon Squeezy помечает подписку cancelled сразу, хотя оплаченный
		// период еще идет. Доступ сохраняется до конца периода, поэтому
		// статус остается active; фактическое окончание придет событием
		// subscription_expired.
		return domain.SubscriptionStatusActive
	case "expired":
		return domain.SubscriptionStatusCanceled
	default:
		return domain.SubscriptionStatusInactive
	}
}

func stripeTransactionStatus(raw string) domain.TransactionStatus {
	switch raw {
	case "paid", "succeeded", "completed":
		return domain.TransactionStatusSuccess
	case "refunded":
		return domain.TransactionStatusRefunded
	case "pending", "open", "processing", "past_due", "requires_action", "requires_payment_method":
		return domain.TransactionStatusPending
	case "void", "canceled", "failed", "uncollectible":
		return domain.TransactionStatusFailed
	case "disputed":
		return domain.TransactionStatusDisputed
	default:
		return domain.TransactionStatusNotStarted
	}
}

func paddleTransactionStatus(raw string) domain.TransactionStatus {
	switch raw {
	case "paid", "completed":
		return domain.TransactionStatusSuccess
	case "refunded", "partially_refunded":
		return domain.TransactionStatusRefunded
	case "pending", "billed", "ready", "past_due":
		return domain.TransactionStatusPending
	case "void", "canceled", "failed":
		return domain.TransactionStatusFailed
	case "disputed", "chargeback":
		return domain.TransactionStatusDisputed
	default:
		return domain.TransactionStatusNotStarted
	}
}

func lemonSqueezyTransactionStatus(raw string) domain.TransactionStatus {
	switch raw {
	case "paid", "success", "completed":
		return domain.TransactionStatusSuccess
	case "refunded", "partial_refund":
		return domain.TransactionStatusRefunded
	case "pending", "past_due":
		return domain.TransactionStatusPending
	case "void", "failed", "cancelled":
		return domain.TransactionStatusFailed
	default:
		return domain.TransactionStatusNotStarted
	}
}
