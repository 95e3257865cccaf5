package rest

import (
	"github.com/Dhoini/Billing-reconciler/internal/api/rest/handlers"
	"github.com/Dhoini/Billing-reconciler/internal/api/rest/middleware"
	"github.com/Dhoini/Billing-reconciler/internal/repository"
	"github.com/Dhoini/Billing-reconciler/internal/service"
	"github.com/Dhoini/Billing-reconciler/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter настраивает маршрутизатор Gin с маршрутами и middleware
func SetupRouter(
	log *logger.Logger,
	registry *prometheus.Registry,
	reconciler *service.ReconciliationService,
	checkout *service.CheckoutService,
	audit repository.WebhookAuditRepository,
) *gin.Engine {
	r := gin.New()

	r.Use(middleware.LoggerMiddleware(log))
	r.Use(gin.Recovery())

	// Endpoint для проверки работоспособности сервиса
	r.GET("/health", handlers.HealthCheck)

	// Prometheus метрики
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	// Инициализация обработчиков
	webhookHandler := handlers.NewWebhookHandler(reconciler, log)
	subscriptionHandler := handlers.NewSubscriptionHandler(checkout, log)
	webhookEventsHandler := handlers.NewWebhookEventsHandler(audit, log)

	// Вебхуки на корневом уровне роутера
	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("/:provider", webhookHandler.Handle)
	}

	v1 := r.Group("/api/v1")
	{
		subscriptions := v1.Group("/subscriptions")
		{
			subscriptions.POST("/checkout", subscriptionHandler.StartCheckout)
			subscriptions.GET("/:id", subscriptionHandler.GetSubscription)
			subscriptions.POST("/:id/cancel", subscriptionHandler.CancelSubscription)
			subscriptions.POST("/:id/resume", subscriptionHandler.ResumeSubscription)
		}

		orders := v1.Group("/orders")
		{
			orders.POST("/checkout", subscriptionHandler.StartOrderCheckout)
		}

		v1.GET("/webhook-events", webhookEventsHandler.List)
	}

	return r
}
