package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/segmentio/kafka-go"
)

// LogSink writes every event to the structured log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Publish(ctx context.Context, e *Event) error {
	s.logger.InfoContext(ctx, "event", "kind", e.Kind, "event_id", e.ID, "key", e.Key, "accounts", e.Accounts)
	return nil
}

// SinkFunc adapts a function to a Sink.
type SinkFunc struct {
	SinkName string
	Fn       func(ctx context.Context, e *Event) error
}

func (f SinkFunc) Name() string { return f.SinkName }

func (f SinkFunc) Publish(ctx context.Context, e *Event) error { return f.Fn(ctx, e) }

// messageWriter is the part of *kafka.Writer used by KafkaSink.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON to "<prefix>.escrow" and
// "<prefix>.refund" topics, keyed by entity so one entity's events stay
// ordered within a partition.
type KafkaSink struct {
	writer messageWriter
	prefix string
}

// NewKafkaSink creates a sink writing to brokers.
func NewKafkaSink(brokers []string, topicPrefix string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker")
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			RequiredAcks:           kafka.RequireAll,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
		prefix: topicPrefix,
	}, nil
}

func (s *KafkaSink) Name() string { return "kafka" }

// Topic maps an event kind to its topic.
func (s *KafkaSink) Topic(kind Kind) string {
	domain, _, _ := strings.Cut(string(kind), ".")
	return s.prefix + "." + domain
}

func (s *KafkaSink) Publish(ctx context.Context, e *Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Topic: s.Topic(e.Kind),
		Key:   []byte(e.Key),
		Value: value,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(e.ID)},
			{Key: "kind", Value: []byte(e.Kind)},
		},
	})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
