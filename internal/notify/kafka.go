package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// KafkaOptions configure the delivered-alert stream.
type KafkaOptions struct {
	Brokers []string
	Topic   string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes delivered alerts, keyed by target, to a Kafka topic.
type KafkaSink struct {
	writer messageWriter
	topic  string
	logger zerolog.Logger
}

// NewKafkaSink constructs a sink writing to opts.Topic.
func NewKafkaSink(opts KafkaOptions, logger zerolog.Logger) (*KafkaSink, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("kafka brokers not configured")
	}
	if opts.Topic == "" {
		return nil, errors.New("kafka topic not configured")
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  opts.Brokers,
		Topic:    opts.Topic,
		Balancer: &kafka.Hash{},
	})
	return newKafkaSink(w, opts.Topic, logger), nil
}

func newKafkaSink(w messageWriter, topic string, logger zerolog.Logger) *KafkaSink {
	return &KafkaSink{
		writer: w,
		topic:  topic,
		logger: logger.With().Str("component", "kafka_sink").Logger(),
	}
}

// Publish writes one delivery record.
func (s *KafkaSink) Publish(ctx context.Context, d Delivery) error {
	value, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}

	key := d.Event.Target.ID
	if key == "" {
		key = d.Event.Target.Symbol
	}

	if err := s.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value}); err != nil {
		return fmt.Errorf("publish to %s: %w", s.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

var _ EventSink = (*KafkaSink)(nil)
