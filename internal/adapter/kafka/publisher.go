// Package kafka publishes alert events to the shared alert topic,
// where downstream notification services consume them.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/nautilux/reef-data-ingest/internal/domain"
)

// Publisher produces alert events to a Kafka topic.
// It implements alert.Dispatcher.
type Publisher struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewPublisher creates a Kafka producer for the alert topic.
func NewPublisher(brokers []string, topic string, logger *slog.Logger) *Publisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Publisher{writer: w, logger: logger}
}

// Dispatch serializes and publishes a single alert event. Errors surface to
// the caller, which owns the redelivery policy.
func (p *Publisher) Dispatch(ctx context.Context, event domain.AlertEvent) error {
	msg, err := serializeToMessage(event)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return domain.NewDispatchError(fmt.Errorf("publish alert %s: %w", event.ID, err))
	}
	p.logger.Info("alert published",
		"alert_id", event.ID, "severity", event.Severity, "site_id", event.SubjectID)
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// serializeToMessage marshals an AlertEvent into a Kafka message.
func serializeToMessage(event domain.AlertEvent) (kafkago.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize alert event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(event.ID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "severity", Value: []byte(event.Severity)},
			{Key: "site_id", Value: []byte(strconv.FormatInt(event.SubjectID, 10))},
			{Key: "raised_at", Value: []byte(event.Timestamp.Format(time.RFC3339))},
		},
	}, nil
}
