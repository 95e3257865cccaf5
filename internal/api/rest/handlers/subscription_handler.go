package handlers

import (
	"errors"
	"net/http"

	"github.com/Dhoini/Billing-reconciler/internal/domain"
	"github.com/Dhoini/Billing-reconciler/internal/service"
	"github.com/Dhoini/Billing-reconciler/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// SubscriptionHandler управляет подписками и инициацией оплаты
type SubscriptionHandler struct {
	checkout *service.CheckoutService
	log      *logger.Logger
}

// NewSubscriptionHandler создает новый обработчик подписок
func NewSubscriptionHandler(checkout *service.CheckoutService, log *logger.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{
		checkout: checkout,
		log:      log,
	}
}

// StartCheckout инициирует оформление подписки
func (h *SubscriptionHandler) StartCheckout(c *gin.Context) {
	var req service.StartSubscriptionCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.checkout.StartSubscriptionCheckout(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// StartOrderCheckout инициирует разовую покупку
func (h *SubscriptionHandler) StartOrderCheckout(c *gin.Context) {
	var req service.StartOrderCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.checkout.StartOrderCheckout(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// GetSubscription возвращает подписку по UUID
func (h *SubscriptionHandler) GetSubscription(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subscription id"})
		return
	}

	subscription, err := h.checkout.GetSubscription(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, subscription)
}

// CancelSubscription отменяет подписку
func (h *SubscriptionHandler) CancelSubscription(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subscription id"})
		return
	}

	var req domain.CancelSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	subscription, err := h.checkout.CancelSubscription(c.Request.Context(), id, req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, subscription)
}

// ResumeSubscription снимает запланированную отмену подписки
func (h *SubscriptionHandler) ResumeSubscription(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subscription id"})
		return
	}

	subscription, err := h.checkout.ResumeSubscription(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, subscription)
}

// respondError переводит доменные ошибки в HTTP-коды
func (h *SubscriptionHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrEntityNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
	case errors.Is(err, domain.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "subscription is already in a terminal state"})
	case errors.Is(err, domain.ErrUnsupportedProvider), errors.Is(err, domain.ErrProviderNotActive):
		c.JSON(http.StatusBadRequest, gin.H{"error": "payment provider is not available"})
	default:
		var apiErr *domain.ProviderAPIError
		if errors.As(err, &apiErr) {
			c.JSON(http.StatusBadGateway, gin.H{"error": "payment provider request failed"})
			return
		}
		h.log.Error("Unhandled subscription API error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
