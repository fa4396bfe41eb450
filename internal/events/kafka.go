package events

import (
	"context"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaQueue publishes to and consumes from one topic. Messages are keyed by
// the event key so events of one conflict stay ordered.
type KafkaQueue struct {
	writer *kafkago.Writer
	reader *kafkago.Reader
	logger *zap.Logger
}

// KafkaConfig names the brokers, topic and consumer group.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewKafkaQueue creates the writer eagerly and the reader on first Consume.
func NewKafkaQueue(cfg KafkaConfig, logger *zap.Logger) *KafkaQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &KafkaQueue{
		writer: &kafkago.Writer{
			Addr:         kafkago.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafkago.Hash{},
			RequiredAcks: kafkago.RequireAll,
			BatchTimeout: 50 * time.Millisecond,
		},
		logger: logger.Named("events.kafka"),
	}
	if cfg.GroupID != "" {
		q.reader = kafkago.NewReader(kafkago.ReaderConfig{
			Brokers: cfg.Brokers,
			Topic:   cfg.Topic,
			GroupID: cfg.GroupID,
		})
	}
	return q
}

// Publish writes one message.
func (q *KafkaQueue) Publish(ctx context.Context, msg Message) error {
	return q.writer.WriteMessages(ctx, toKafka(msg))
}

// Consume streams messages, committing each after it was handed over.
func (q *KafkaQueue) Consume(ctx context.Context) (<-chan Message, error) {
	if q.reader == nil {
		return nil, errNoGroup
	}
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			km, err := q.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				q.logger.Error("fetch message failed", zap.Error(err))
				continue
			}
			msg, err := fromKafka(km)
			if err != nil {
				q.logger.Error("drop undecodable message", zap.Int64("offset", km.Offset), zap.Error(err))
				_ = q.reader.CommitMessages(ctx, km)
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
			if err := q.reader.CommitMessages(ctx, km); err != nil {
				q.logger.Error("commit message failed", zap.Error(err))
			}
		}
	}()
	return out, nil
}

// Close flushes the writer and leaves the consumer group.
func (q *KafkaQueue) Close() error {
	err := q.writer.Close()
	if q.reader != nil {
		if rerr := q.reader.Close(); err == nil {
			err = rerr
		}
	}
	return err
}
