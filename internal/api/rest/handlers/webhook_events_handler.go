package handlers

import (
	"net/http"
	"strconv"

	"github.com/Dhoini/Billing-reconciler/internal/repository"
	"github.com/Dhoini/Billing-reconciler/pkg/logger"
	"github.com/gin-gonic/gin"
)

// WebhookEventsHandler отдает журнал аудита обработанных вебхуков
type WebhookEventsHandler struct {
	audit repository.WebhookAuditRepository
	log   *logger.Logger
}

// NewWebhookEventsHandler создает новый обработчик журнала вебхуков
func NewWebhookEventsHandler(audit repository.WebhookAuditRepository, log *logger.Logger) *WebhookEventsHandler {
	return &WebhookEventsHandler{
		audit: audit,
		log:   log,
	}
}

// List возвращает записи журнала с пагинацией
func (h *WebhookEventsHandler) List(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 500 {
		limit = 50
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}

	records, err := h.audit.List(c.Request.Context(), limit, offset)
	if err != nil {
		h.log.Error("Failed to list webhook audit records: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": records,
		"limit":  limit,
		"offset": offset,
	})
}
