package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/Dhoini/Billing-reconciler/internal/domain"
	"github.com/Dhoini/Billing-reconciler/internal/service"
	"github.com/Dhoini/Billing-reconciler/pkg/logger"
	"github.com/gin-gonic/gin"
)

// maxWebhookBody предельный размер тела вебхука
const maxWebhookBody = 1 << 20 // 1 MiB

// Заголовки подписи по провайдерам
var signatureHeaders = map[domain.Provider]string{
	domain.ProviderStripe:       "Stripe-Signature",
	domain.ProviderPaddle:       "Paddle-Signature",
	domain.ProviderLemonSqueezy: "X-Signature",
}

// WebhookHandler принимает вебхуки платежных провайдеров
type WebhookHandler struct {
	reconciler *service.ReconciliationService
	log        *logger.Logger
}

// NewWebhookHandler создает новый обработчик вебхуков
func NewWebhookHandler(reconciler *service.ReconciliationService, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		reconciler: reconciler,
		log:        log,
	}
}

// Handle обрабатывает вебхук провайдера из параметра пути.
// Коды ответов выбраны под ретраи провайдеров: 4xx — доставку повторять
// бессмысленно, 5xx — провайдер попробует еще раз.
func (h *WebhookHandler) Handle(c *gin.Context) {
	provider := domain.Provider(c.Param("provider"))
	if !provider.IsKnown() {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown payment provider"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		h.log.Error("Failed to read webhook body: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read webhook body"})
		return
	}

	signatureHeader := c.GetHeader(signatureHeaders[provider])

	err = h.reconciler.HandleWebhook(c.Request.Context(), provider, body, signatureHeader)
	if err != nil {
		h.respondError(c, provider, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// respondError переводит доменные ошибки в HTTP-коды
func (h *WebhookHandler) respondError(c *gin.Context, provider domain.Provider, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidSignature):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook signature"})
	case errors.Is(err, domain.ErrMalformedPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed webhook payload"})
	case errors.Is(err, domain.ErrProviderNotActive), errors.Is(err, domain.ErrUnsupportedProvider):
		c.JSON(http.StatusNotFound, gin.H{"error": "payment provider is not active"})
	case errors.Is(err, domain.ErrEntityNotFound):
		// Сущности еще нет: вебхук мог обогнать коммит checkout-а,
		// провайдер ретрайнет доставку
		c.JSON(http.StatusInternalServerError, gin.H{"error": "entity not found, retry later"})
	case errors.Is(err, domain.ErrLockTimeout):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "entity is busy, retry later"})
	default:
		h.log.Error("Unhandled webhook error from %s: %v", provider, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
