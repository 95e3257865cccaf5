package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus канонический статус подписки
type SubscriptionStatus string

const (
	SubscriptionStatusNew      SubscriptionStatus = "new"
	SubscriptionStatusPending  SubscriptionStatus = "pending"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusPaused   SubscriptionStatus = "paused"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
	SubscriptionStatusInactive SubscriptionStatus = "inactive"
)

// IsTerminal сообщает, является ли статус терминальным
func (s SubscriptionStatus) IsTerminal() bool {
	return s == SubscriptionStatusCanceled
}

// Subscription представляет собой модель подписки
type Subscription struct {
	UUID                   uuid.UUID          `json:"uuid"`
	UserID                 uuid.UUID          `json:"user_id"`
	PlanID                 uuid.UUID          `json:"plan_id"`
	Status                 SubscriptionStatus `json:"status"`
	Provider               Provider           `json:"provider,omitempty"`
	ProviderSubscriptionID string             `json:"provider_subscription_id,omitempty"` // ID подписки в Stripe/Paddle/Lemon Squeezy
	ProviderStatus         string             `json:"provider_status,omitempty"`          // Сырой статус провайдера, хранится для аудита
	CurrentPeriodEnd       time.Time          `json:"current_period_end"`
	TrialEndsAt            *time.Time         `json:"trial_ends_at,omitempty"`
	CanceledAt             *time.Time         `json:"canceled_at,omitempty"`
	CancelAtPeriodEnd      bool               `json:"cancel_at_period_end"`
	CancellationReason     string             `json:"cancellation_reason,omitempty"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// IsProviderManaged сообщает, привязана ли подписка к провайдеру
func (s *Subscription) IsProviderManaged() bool {
	return s.ProviderSubscriptionID != ""
}

// CancelSubscriptionRequest представляет запрос на отмену подписки
type CancelSubscriptionRequest struct {
	Reason      string `json:"reason" binding:"max=255"`
	AtPeriodEnd bool   `json:"at_period_end"`
}
