package eventbus

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"github.com/0xmhha/registry-indexer/internal/config"
	"github.com/0xmhha/registry-indexer/internal/constants"
)

// messageWriter is the part of kafka.Writer the sink uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes envelopes to a Kafka topic
type KafkaSink struct {
	writer messageWriter
	topic  string
	closed atomic.Bool
}

var _ Sink = (*KafkaSink)(nil)

// NewKafkaSink creates an asynchronous Kafka writer. Brokers are dialed
// lazily on the first batch.
func NewKafkaSink(cfg config.EventBusKafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: no Kafka brokers configured", ErrInvalidConfiguration)
	}

	topic := cfg.Topic
	if topic == "" {
		topic = constants.DefaultKafkaTopic
	}

	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	writerConfig := kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        topic,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: time.Duration(cfg.LingerMs) * time.Millisecond,
		Async:        true,
	}
	if codec != nil {
		writerConfig.CompressionCodec = codec
	}

	writer := kafka.NewWriter(writerConfig)

	switch cfg.RequiredAcks {
	case 0:
		writer.RequiredAcks = kafka.RequireNone
	case 1:
		writer.RequiredAcks = kafka.RequireOne
	default:
		writer.RequiredAcks = kafka.RequireAll
	}

	return &KafkaSink{writer: writer, topic: topic}, nil
}

func compressionCodec(name string) (compress.Codec, error) {
	switch name {
	case "", "none":
		return nil, nil
	case "gzip":
		return &compress.GzipCodec, nil
	case "snappy":
		return &compress.SnappyCodec, nil
	case "lz4":
		return &compress.Lz4Codec, nil
	case "zstd":
		return &compress.ZstdCodec, nil
	default:
		return nil, fmt.Errorf("%w: unknown compression %q", ErrInvalidConfiguration, name)
	}
}

// Name implements Sink.
func (s *KafkaSink) Name() string { return "kafka" }

// Topic returns the destination topic.
func (s *KafkaSink) Topic() string { return s.topic }

// Write implements Sink. Messages are keyed by event type.
func (s *KafkaSink) Write(ctx context.Context, env Envelope, payload []byte) error {
	if s.closed.Load() {
		return ErrNotConnected
	}

	msg := kafka.Message{
		Key:   []byte(env.Event),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(env.Event)},
			{Key: "network", Value: []byte(env.Metadata.Network)},
			{Key: "timestamp", Value: []byte(strconv.FormatInt(env.Timestamp, 10))},
		},
	}

	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write to Kafka: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (s *KafkaSink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.writer.Close()
}
