// Package notifications consumes donation lifecycle events and dispatches
// donor emails. Delivery is fire-and-forget from the core's perspective: a
// failed send is logged, never fed back into the donation lifecycle.
package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"donation-svc/middleware"
	"donation-svc/models"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

func InitReader(logger *zap.Logger) *kafka.Reader {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{getEnv("KAFKA_BROKER", "localhost:9092")},
		GroupID:  "notification-consumer",
		Topic:    getEnv("KAFKA_TOPIC", "donation_events"),
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	logger.Info("Kafka reader initialized")
	return reader
}

func StartConsumer(ctx context.Context, reader *kafka.Reader, logger *zap.Logger) error {
	logger.Info("Notification consumer started")

	for {
		message, err := reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}
			logger.Error("Failed to read message", zap.Error(err))
			continue
		}
		if err := handleMessage(message, logger); err != nil {
			logger.Error("Failed to handle message", zap.Error(err))
		}
	}
}

func handleMessage(message kafka.Message, logger *zap.Logger) error {
	// Extract trace context from Kafka message headers
	var propagator propagation.TextMapPropagator = otel.GetTextMapPropagator()
	carrier := kafkaHeaderCarrier(message.Headers)
	ctx := propagator.Extract(context.Background(), carrier)

	var tracer trace.Tracer = otel.Tracer("donation-service")
	ctx, span := tracer.Start(ctx, "ProcessNotification")
	defer span.End()

	var event models.DonationEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}

	span.SetAttributes(
		attribute.String("event.type", event.EventType),
		attribute.String("order.reference", event.OrderReference),
	)

	var subject, body string
	switch event.EventType {
	case models.EventPaymentConfirmed:
		subject = "Donation received"
		body = fmt.Sprintf("Thank you! Your donation of %.2f %s (order %s) has been received.", event.Amount, event.Currency, event.OrderReference)
	case models.EventDonationCompleted:
		subject = "Your donation was delivered"
		body = fmt.Sprintf("Great news: the aid funded by order %s has been delivered. Delivery proof is available on your tracking page.", event.OrderReference)
	case models.EventRefundCompleted:
		subject = "Refund completed"
		body = fmt.Sprintf("Your refund of %.2f %s for order %s has been completed.", event.Amount, event.Currency, event.OrderReference)
	default:
		logger.Debug("Event without notification", zap.String("event_type", event.EventType))
		return nil
	}

	middleware.RecordNotificationSent(event.EventType)
	traceID := middleware.GetTraceID(ctx)
	logger.Info("Notification sent",
		zap.String("trace_id", traceID),
		zap.String("event_type", event.EventType),
		zap.String("order_reference", event.OrderReference),
	)

	// Simulate email sending
	fmt.Printf("[EMAIL] To: %s\n", event.DonorEmail)
	fmt.Printf("[EMAIL] Subject: %s\n", subject)
	fmt.Printf("[EMAIL] Body: %s\n\n", body)

	return nil
}

// kafkaHeaderCarrier implements the TextMapCarrier interface for Kafka headers (for consumer)
type kafkaHeaderCarrier []kafka.Header

func (c kafkaHeaderCarrier) Get(key string) string {
	for _, h := range c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c kafkaHeaderCarrier) Set(key, value string) {
	// Not needed for extraction
}

func (c kafkaHeaderCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = h.Key
	}
	return keys
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
