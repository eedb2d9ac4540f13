package kafka_metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/jdelaire/openbot/core"
)

const batchTimeout = 10 * time.Millisecond

var errNoBrokers = errors.New("kafka metrics: at least one broker address is required")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink publishes one JSON record per dispatched update to a Kafka topic.
// Records are keyed by bot prefix so each bot's records stay ordered
// within a partition.
type Sink struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
}

var _ core.MetricsSink = (*Sink)(nil)

// New creates a Sink writing to topic on the given brokers.
func New(brokers []string, topic string, logger *slog.Logger) (*Sink, error) {
	if len(brokers) == 0 {
		return nil, errNoBrokers
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka metrics: topic is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	return newSink(w, topic, logger), nil
}

func newSink(w messageWriter, topic string, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{writer: w, topic: topic, logger: logger}
}

// Record implements core.MetricsSink.
func (s *Sink) Record(ctx context.Context, m core.UpdateMetrics) error {
	value, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("kafka metrics: encode: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(m.BotPrefix),
		Value: value,
		Time:  m.ReceivedAt,
		Headers: []kafka.Header{
			{Key: "outcome", Value: []byte(m.Outcome)},
			{Key: "update_type", Value: []byte(m.Category)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka metrics: publish to %q: %w", s.topic, err)
	}
	return nil
}

// Close flushes pending writes.
func (s *Sink) Close() error {
	if err := s.writer.Close(); err != nil {
		s.logger.Warn("kafka metrics writer close", "error", err)
		return err
	}
	return nil
}
