package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-ksef-monitor/internal/utils"
	"github.com/segmentio/kafka-go"
)

const kafkaWriteTimeout = 5 * time.Second

// MessageWriter is the subset of *kafka.Writer the sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var _ MessageWriter = (*kafka.Writer)(nil)
var _ Sink = (*KafkaSink)(nil)

// KafkaSink publishes notifications as JSON events. Invoice notifications are
// keyed by KSeF number so events for one invoice land on one partition.
type KafkaSink struct {
	writer MessageWriter
	topic  string
}

// NewKafkaSink creates a writer for topic on brokers.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, fmt.Errorf("[KafkaSink New] brokers and topic are required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return NewKafkaSinkWithWriter(writer, topic), nil
}

// NewKafkaSinkWithWriter wraps an existing writer.
func NewKafkaSinkWithWriter(w MessageWriter, topic string) *KafkaSink {
	return &KafkaSink{writer: w, topic: topic}
}

func (s *KafkaSink) Name() string {
	return "kafka"
}

func (s *KafkaSink) Send(ctx context.Context, n Notification) error {
	value, err := json.Marshal(NewWebhookPayload(n))
	if err != nil {
		return fmt.Errorf("[KafkaSink Send] encode: %w", err)
	}
	key := utils.FirstNonEmpty(utils.CycleID(ctx), uuid.NewString())
	if n.Invoice != nil && n.Invoice.KsefNumber != notAvail {
		key = n.Invoice.KsefNumber
	}

	writeCtx, cancel := context.WithTimeout(ctx, kafkaWriteTimeout)
	defer cancel()
	err = s.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "source", Value: []byte(payloadSource)},
			{Key: "priority", Value: []byte(n.Priority.String())},
		},
	})
	if err != nil {
		return fmt.Errorf("[KafkaSink Send] write to %s: %w", s.topic, err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
