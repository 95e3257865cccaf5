// Package kafka публикует доменные уведомления биллинга в Kafka
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/Billing-reconciler/internal/domain"
	"github.com/Dhoini/Billing-reconciler/pkg/logger"
	"github.com/segmentio/kafka-go"
)

// Топики доменных уведомлений
const (
	TopicSubscriptionActivated = "subscription_activated"
	TopicSubscriptionCanceled  = "subscription_canceled"
	TopicInvoicePaymentFailed  = "invoice_payment_failed"
	TopicOrderCompleted        = "order_completed"
)

// Producer публикует сообщения в Kafka и реализует service.Notifier
type Producer struct {
	writer *kafka.Writer
	log    *logger.Logger
}

// NewProducer создает и настраивает новый продюсер Kafka
func NewProducer(brokers []string, log *logger.Logger) (*Producer, error) {
	if len(brokers) == 0 {
		log.Errorw("Kafka brokers list is empty in config, cannot create producer")
		return nil, errors.New("kafka brokers are not configured")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}

	log.Infow("Kafka producer initialized", "brokers", brokers)
	return &Producer{
		writer: writer,
		log:    log,
	}, nil
}

// publish сериализует полезную нагрузку и отправляет сообщение.
// Ключ сообщения — UUID сущности: все события одной сущности попадают
// в одну партицию и сохраняют порядок.
func (p *Producer) publish(ctx context.Context, topic, key string, payload interface{}) error {
	value, err := json.Marshal(payload)
	if err != nil {
		p.log.Errorw("Failed to marshal notification payload", "topic", topic, "key", key, "error", err)
		return fmt.Errorf("kafka: failed to marshal message data: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	err = p.writer.WriteMessages(writeCtx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			p.log.Errorw("Kafka write timeout exceeded", "topic", topic, "key", key, "error", err)
			return fmt.Errorf("kafka: write timeout: %w", err)
		}
		p.log.Errorw("Failed to write message to Kafka", "topic", topic, "key", key, "error", err)
		return fmt.Errorf("kafka: failed to write message: %w", err)
	}

	p.log.Debugw("Published message to Kafka", "topic", topic, "key", key)
	return nil
}

// SubscriptionActivated публикует уведомление об активации подписки
func (p *Producer) SubscriptionActivated(ctx context.Context, subscription domain.Subscription) error {
	return p.publish(ctx, TopicSubscriptionActivated, subscription.UUID.String(), subscription)
}

// SubscriptionCanceled публикует уведомление об отмене подписки
func (p *Producer) SubscriptionCanceled(ctx context.Context, subscription domain.Subscription) error {
	return p.publish(ctx, TopicSubscriptionCanceled, subscription.UUID.String(), subscription)
}

// InvoicePaymentFailed публикует уведомление о неудачном списании
func (p *Producer) InvoicePaymentFailed(ctx context.Context, transaction domain.Transaction) error {
	return p.publish(ctx, TopicInvoicePaymentFailed, transaction.UUID.String(), transaction)
}

// OrderCompleted публикует уведомление об успешно оплаченном заказе
func (p *Producer) OrderCompleted(ctx context.Context, order domain.Order) error {
	return p.publish(ctx, TopicOrderCompleted, order.UUID.String(), order)
}

// Close закрывает соединение Kafka Writer
func (p *Producer) Close() error {
	p.log.Infow("Closing Kafka producer writer...")
	if err := p.writer.Close(); err != nil {
		p.log.Errorw("Failed to close Kafka writer", "error", err)
		return fmt.Errorf("kafka: failed to close writer: %w", err)
	}
	p.log.Infow("Kafka producer writer closed successfully")
	return nil
}
