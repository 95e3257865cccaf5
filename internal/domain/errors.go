package domain

import (
	"errors"
	"fmt"
)

// Application errors
var (
	// ErrInvalidSignature подпись вебхука не прошла проверку
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrMalformedPayload полезная нагрузка вебхука не распознана
	ErrMalformedPayload = errors.New("malformed webhook payload")

	// ErrEntityNotFound локальная сущность по корреляционному ID не найдена
	ErrEntityNotFound = errors.New("entity not found")

	// ErrLockTimeout не удалось получить блокировку сущности за отведенное время
	ErrLockTimeout = errors.New("entity lock timeout")

	// ErrUnsupportedProvider провайдер не поддерживается
	ErrUnsupportedProvider = errors.New("unsupported payment provider")

	// ErrProviderNotActive провайдер не сконфигурирован или выключен
	ErrProviderNotActive = errors.New("payment provider is not active")

	// ErrInvalidTransition переход статуса нарушает машину состояний
	ErrInvalidTransition = errors.New("invalid status transition")
)

// WebhookError представляет ошибку обработки вебхука с контекстом провайдера
type WebhookError struct {
	Provider    Provider
	Kind        string
	Message     string
	OriginalErr error
}

// Error реализует интерфейс error
func (e *WebhookError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("webhook error [%s/%s]: %s: %v", e.Provider, e.Kind, e.Message, e.OriginalErr)
	}
	return fmt.Sprintf("webhook error [%s/%s]: %s", e.Provider, e.Kind, e.Message)
}

// Unwrap возвращает оригинальную ошибку
func (e *WebhookError) Unwrap() error {
	return e.OriginalErr
}

// NewWebhookError создает новую ошибку обработки вебхука
func NewWebhookError(provider Provider, kind, message string, err error) *WebhookError {
	return &WebhookError{
		Provider:    provider,
		Kind:        kind,
		Message:     message,
		OriginalErr: err,
	}
}

// ReconciliationError представляет ошибку применения события к сущности
type ReconciliationError struct {
	Provider    Provider
	EntityUUID  string
	Message     string
	OriginalErr error
}

// Error реализует интерфейс error
func (e *ReconciliationError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("reconciliation error [%s]: %s: %v (entity: %s)", e.Provider, e.Message, e.OriginalErr, e.EntityUUID)
	}
	return fmt.Sprintf("reconciliation error [%s]: %s (entity: %s)", e.Provider, e.Message, e.EntityUUID)
}

// Unwrap возвращает оригинальную ошибку
func (e *ReconciliationError) Unwrap() error {
	return e.OriginalErr
}

// NewReconciliationError создает новую ошибку реконсиляции
func NewReconciliationError(provider Provider, entityUUID, message string, err error) *ReconciliationError {
	return &ReconciliationError{
		Provider:    provider,
		EntityUUID:  entityUUID,
		Message:     message,
		OriginalErr: err,
	}
}

// ProviderAPIError представляет ошибку исходящего вызова API провайдера
type ProviderAPIError struct {
	Provider    Provider
	Operation   string
	Code        string
	Message     string
	OriginalErr error
}

// Error реализует интерфейс error
func (e *ProviderAPIError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("%s API error [%s/%s]: %s: %v", e.Provider, e.Operation, e.Code, e.Message, e.OriginalErr)
	}
	return fmt.Sprintf("%s API error [%s/%s]: %s", e.Provider, e.Operation, e.Code, e.Message)
}

// Unwrap возвращает оригинальную ошибку
func (e *ProviderAPIError) Unwrap() error {
	return e.OriginalErr
}

// NewProviderAPIError создает новую ошибку API провайдера
func NewProviderAPIError(provider Provider, operation, code, message string, err error) *ProviderAPIError {
	return &ProviderAPIError{
		Provider:    provider,
		Operation:   operation,
		Code:        code,
		Message:     message,
		OriginalErr: err,
	}
}
