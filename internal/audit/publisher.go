package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/botpaywall/botpaywall/pkg/models"
)

// Publisher delivers claimed audit events to the stream.
type Publisher interface {
	Publish(ctx context.Context, ev *models.AuditEvent) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic, keyed by project id so a
// single project's feed stays ordered within its partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev *models.AuditEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}

	key := ev.Type
	if ev.ProjectID != nil {
		key = ev.ProjectID.String()
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  ev.CreatedAt,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher emits events to the process log. It stands in for Kafka when
// no brokers are configured, which keeps the trail visible in development.
type LogPublisher struct {
	log *slog.Logger
}

func NewLogPublisher(log *slog.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, ev *models.AuditEvent) error {
	p.log.Info("audit event",
		"event_id", ev.ID,
		"type", ev.Type,
		"project_id", ev.ProjectID,
		"payload", string(ev.Payload))
	return nil
}

func (p *LogPublisher) Close() error { return nil }
