package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/UsamaSani/SIEM-Lite/internal/event"
)

// Sink publishes raised alerts to an external system. Publish failures are
// counted and logged by the engine but never stop the pipeline.
type Sink interface {
	Publish(ctx context.Context, alert *event.Alert) error
	Close() error
}

// NotifierConfig configures the Kafka alert sink.
type NotifierConfig struct {
	// Brokers is the Kafka bootstrap address list. Empty disables the sink.
	Brokers []string `mapstructure:"brokers" json:"brokers"`
	// Topic is the destination topic. Default "siemlite-alerts".
	Topic string `mapstructure:"topic" json:"topic"`
	// WriteTimeout bounds a single publish. Default 5s.
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
}

// KafkaNotifier publishes alerts to a Kafka topic, keyed by source IP so
// alerts for one IP stay ordered within a topic partition.
type KafkaNotifier struct {
	logger *zap.Logger
	writer *kafka.Writer
}

// NewKafkaNotifier builds the Kafka sink. The connection is lazy; the first
// publish dials the brokers.
func NewKafkaNotifier(logger *zap.Logger, config NotifierConfig) (*KafkaNotifier, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka notifier requires at least one broker")
	}
	if config.Topic == "" {
		config.Topic = "siemlite-alerts"
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: config.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
	}

	logger.Info("Kafka alert sink initialized",
		zap.Strings("brokers", config.Brokers),
		zap.String("topic", config.Topic),
	)

	return &KafkaNotifier{
		logger: logger.With(zap.String("component", "alert-sink")),
		writer: writer,
	}, nil
}

// Publish sends one alert as a JSON message.
func (n *KafkaNotifier) Publish(ctx context.Context, alert *event.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert %s: %w", alert.ID, err)
	}
	msg := kafka.Message{
		Key:   []byte(alert.Key),
		Value: data,
		Headers: []kafka.Header{
			{Key: "alert_id", Value: []byte(alert.ID)},
			{Key: "alert_type", Value: []byte(alert.Rule)},
			{Key: "produced_at", Value: []byte(time.Now().UTC().Format(time.RFC3339))},
		},
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish alert %s: %w", alert.ID, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (n *KafkaNotifier) Close() error {
	if err := n.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
