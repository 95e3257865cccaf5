// Package metrics содержит Prometheus-метрики сервиса
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WebhookMetrics метрики обработки вебхуков
type WebhookMetrics struct {
	eventsReceived  *prometheus.CounterVec
	eventsProcessed *prometheus.CounterVec
	eventsDiscarded *prometheus.CounterVec
	eventsFailed    *prometheus.CounterVec
	reconcileTime   *prometheus.HistogramVec
}

// NewWebhookMetrics создает и регистрирует метрики вебхуков в переданном реестре
func NewWebhookMetrics(registry *prometheus.Registry) *WebhookMetrics {
	factory := promauto.With(registry)

	return &WebhookMetrics{
		eventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_events_received_total",
			Help: "Total number of webhook deliveries received, before verification",
		}, []string{"provider"}),
		eventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_events_processed_total",
			Help: "Total number of webhook events applied to local state",
		}, []string{"provider"}),
		eventsDiscarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_events_discarded_total",
			Help: "Total number of webhook events recognized but intentionally not applied",
		}, []string{"provider"}),
		eventsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_events_failed_total",
			Help: "Total number of webhook events rejected or failed during reconciliation",
		}, []string{"provider"}),
		reconcileTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "webhook_reconciliation_duration_seconds",
			Help:    "Time spent reconciling a webhook event inside the storage transaction",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
	}
}

// EventReceived инкрементирует счетчик принятых доставок
func (m *WebhookMetrics) EventReceived(provider string) {
	m.eventsReceived.WithLabelValues(provider).Inc()
}

// EventProcessed инкрементирует счетчик примененных событий
func (m *WebhookMetrics) EventProcessed(provider string) {
	m.eventsProcessed.WithLabelValues(provider).Inc()
}

// EventDiscarded инкрементирует счетчик отброшенных событий
func (m *WebhookMetrics) EventDiscarded(provider string) {
	m.eventsDiscarded.WithLabelValues(provider).Inc()
}

// EventFailed инкрементирует счетчик ошибок обработки
func (m *WebhookMetrics) EventFailed(provider string) {
	m.eventsFailed.WithLabelValues(provider).Inc()
}

// ObserveReconciliation записывает длительность реконсиляции
func (m *WebhookMetrics) ObserveReconciliation(provider string, d time.Duration) {
	m.reconcileTime.WithLabelValues(provider).Observe(d.Seconds())
}
