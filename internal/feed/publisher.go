package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/nathanyu/matching-engine/internal/domain"
)

// Publisher pushes execution reports to the market data feed.
type Publisher interface {
	Publish(ctx context.Context, report domain.ExecutionReport) error
	Close() error
}

// KafkaPublisher writes execution reports to a Kafka topic, keyed by symbol
// so one instrument's fills stay on one partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaPublisher builds a synchronous publisher that waits for all
// replicas to acknowledge each report.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
		logger: logger,
	}
}

// Publish sends one execution report and blocks until the broker accepts it.
func (p *KafkaPublisher) Publish(ctx context.Context, report domain.ExecutionReport) error {
	value, err := json.Marshal(report)
	if err != nil {
		return errors.Wrap(err, "marshal execution report")
	}

	msg := kafka.Message{
		Key:   []byte(report.Symbol),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish execution report",
			zap.Uint64("sequence_id", report.SequenceID),
			zap.Error(err),
		)
		return errors.Wrap(err, "write kafka message")
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
