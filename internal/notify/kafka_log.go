package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/jetci/EMS-sub006/internal/models"
	"github.com/jetci/EMS-sub006/internal/observability"
)

// KafkaEventLog appends committed transitions to a Kafka topic keyed by
// ride id, so per-ride ordering survives partitioning. The consumer
// process turns the topic into the ride_events audit table.
type KafkaEventLog struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewKafkaEventLog(brokers []string, topic string, logger *slog.Logger) *KafkaEventLog {
	if logger == nil {
		logger = slog.Default()
	}
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaEventLog{writer: w, logger: logger}
}

// Publish writes asynchronously; the commit it records has already
// happened, so a broker outage only costs the audit entry.
func (k *KafkaEventLog) Publish(ev models.TransitionEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		k.logger.Error("event marshal failed", "ride_id", ev.RideID, "error", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.RideID), Value: b}); err != nil {
			observability.NotificationsTotal.WithLabelValues("kafka", "error").Inc()
			k.logger.Warn("kafka publish failed", "ride_id", ev.RideID, "error", err)
			return
		}
		observability.NotificationsTotal.WithLabelValues("kafka", "ok").Inc()
	}()
}

func (k *KafkaEventLog) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
