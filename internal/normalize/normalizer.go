// Package normalize превращает проверенные сырые вебхуки провайдеров в
// каноническое событие domain.WebhookEvent. Разбор строго типизирован:
// отсутствие обязательных полей дает ErrMalformedPayload, а не панику
// глубоко в бизнес-логике.
package normalize

import (
	"strconv"
	"time"

	"github.com/Dhoini/Billing-reconciler/internal/domain"
	"github.com/google/uuid"
)

// Normalizer разбирает сырое тело вебхука конкретного провайдера
type Normalizer interface {
	// Normalize возвращает domain.ErrMalformedPayload, если полезная
	// нагрузка не содержит имени события или объекта данных
	Normalize(body []byte, receivedAt time.Time) (domain.WebhookEvent, error)
}

// ForProvider возвращает нормализатор для указанного провайдера
func ForProvider(provider domain.Provider) (Normalizer, error) {
	switch provider {
	case domain.ProviderStripe:
		return &StripeNormalizer{}, nil
	case domain.ProviderPaddle:
		return &PaddleNormalizer{}, nil
	case domain.ProviderLemonSqueezy:
		return &LemonSqueezyNormalizer{}, nil
	default:
		return nil, domain.ErrUnsupportedProvider
	}
}

// parseCorrelationID разбирает UUID из custom-метаданных провайдера.
// Пустая или некорректная строка дает uuid.Nil: событие тогда резолвится
// по провайдерскому ID.
func parseCorrelationID(raw string) uuid.UUID {
	if raw == "" {
		return uuid.Nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// unixTime преобразует unix-секунды в *time.Time, 0 дает nil
func unixTime(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

// rfcTime разбирает RFC3339-метку, пустая или кривая строка дает nil
func rfcTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

// moneyString разбирает денежную сумму, которую Paddle присылает строкой
// в минорных единицах. Кривое значение считаем нулем, а не ошибкой:
// суммы не участвуют в принятии решения о переходе статуса.
func moneyString(raw string) int64 {
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
