package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0xmhha/registry-indexer/internal/config"
)

type recordingSink struct {
	mu      sync.Mutex
	written []Envelope
	block   chan struct{}
	failN   int
	closed  bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Write(ctx context.Context, env Envelope, payload []byte) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return errors.New("sink unavailable")
	}
	s.written = append(s.written, env)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) snapshot() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Envelope(nil), s.written...)
}

func TestMirror_ForwardsEveryEvent(t *testing.T) {
	bus := NewBus(zap.NewNop(), nil)
	sink := &recordingSink{}

	mr, err := NewMirror(bus, sink, MirrorConfig{Network: "testnet", IndexerName: "idx"}, zap.NewNop(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	bus.Publish(ctx, NewEvent(EventTypeRecordDiscovered, nil))
	bus.Publish(ctx, NewEvent(EventTypeRecordIndexed, nil))
	bus.Publish(ctx, NewEvent(EventTypeConnectionLost, nil))

	require.NoError(t, mr.Stop())

	written := sink.snapshot()
	require.Len(t, written, 3)
	assert.Equal(t, EventTypeRecordDiscovered, written[0].Event)
	assert.Equal(t, EventTypeConnectionLost, written[2].Event)
	assert.Equal(t, "testnet", written[0].Metadata.Network)
	assert.Equal(t, "idx", written[0].Metadata.Indexer)
	assert.True(t, sink.closed)
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestMirror_SinkFailureDoesNotStopForwarding(t *testing.T) {
	bus := NewBus(nil, nil)
	sink := &recordingSink{failN: 1}

	mr, err := NewMirror(bus, sink, MirrorConfig{}, nil, nil)
	require.NoError(t, err)

	bus.Publish(context.Background(), NewEvent(EventTypeRecordIndexed, nil))
	bus.Publish(context.Background(), NewEvent(EventTypeRecordEnriched, nil))
	require.NoError(t, mr.Stop())

	written := sink.snapshot()
	require.Len(t, written, 1)
	assert.Equal(t, EventTypeRecordEnriched, written[0].Event)
}

func TestMirror_DropsWhenFull(t *testing.T) {
	bus := NewBus(nil, nil)
	sink := &recordingSink{block: make(chan struct{})}

	mr, err := NewMirror(bus, sink, MirrorConfig{BufferSize: 1}, nil, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			bus.Publish(context.Background(), NewEvent(EventTypeRecordIndexed, nil))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a full mirror")
	}

	close(sink.block)
	require.NoError(t, mr.Stop())
	assert.Less(t, len(sink.snapshot()), 10)
}

func TestMirror_StopIsIdempotent(t *testing.T) {
	bus := NewBus(nil, nil)
	mr, err := NewMirror(bus, &recordingSink{}, MirrorConfig{}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, mr.Stop())
	require.NoError(t, mr.Stop())

	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), NewEvent(EventTypeRecordIndexed, nil))
	})
}

func TestNewMirror_Validation(t *testing.T) {
	_, err := NewMirror(nil, &recordingSink{}, MirrorConfig{}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	bus := NewBus(nil, nil)
	_, err = NewMirror(bus, nil, MirrorConfig{}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	mr, err := NewMirror(bus, &recordingSink{}, MirrorConfig{}, nil, nil)
	require.NoError(t, err)
	defer mr.Stop()

	_, err = NewMirror(bus, &recordingSink{}, MirrorConfig{}, nil, nil)
	assert.ErrorIs(t, err, ErrDuplicateSubscription)
}

func TestNewRedisSink(t *testing.T) {
	_, err := NewRedisSink(config.EventBusRedisConfig{})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	sink, err := NewRedisSink(config.EventBusRedisConfig{Addresses: []string{"localhost:6379"}})
	require.NoError(t, err)
	assert.Equal(t, "redis", sink.Name())
	assert.Equal(t, "registry-indexer:events", sink.Channel())

	cluster, err := NewRedisSink(config.EventBusRedisConfig{
		Addresses:   []string{"localhost:7000", "localhost:7001"},
		ClusterMode: true,
		Channel:     "custom",
	})
	require.NoError(t, err)
	assert.Equal(t, "custom", cluster.Channel())

	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	assert.ErrorIs(t, sink.Write(context.Background(), Envelope{}, nil), ErrNotConnected)
	assert.ErrorIs(t, sink.Ping(context.Background()), ErrNotConnected)
	require.NoError(t, cluster.Close())
}

type fakeKafkaWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeKafkaWriter) Close() error {
	w.closed = true
	return nil
}

func TestNewKafkaSink(t *testing.T) {
	_, err := NewKafkaSink(config.EventBusKafkaConfig{})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = NewKafkaSink(config.EventBusKafkaConfig{Brokers: []string{"localhost:9092"}, Compression: "brotli"})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	for _, codec := range []string{"", "none", "gzip", "snappy", "lz4", "zstd"} {
		sink, err := NewKafkaSink(config.EventBusKafkaConfig{
			Brokers:      []string{"localhost:9092"},
			Compression:  codec,
			RequiredAcks: 1,
		})
		require.NoError(t, err, codec)
		assert.Equal(t, "registry-indexer-events", sink.Topic())
		require.NoError(t, sink.Close())
	}
}

func TestKafkaSink_Write(t *testing.T) {
	w := &fakeKafkaWriter{}
	sink := &KafkaSink{writer: w, topic: "events"}

	env := NewEnvelope(Event{Type: EventTypeRecordIndexed, Timestamp: time.UnixMilli(1234)}, "mainnet", "idx")
	require.NoError(t, sink.Write(context.Background(), env, []byte(`{}`)))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, []byte("record.indexed"), msg.Key)
	assert.Equal(t, []byte(`{}`), msg.Value)
	assert.Contains(t, msg.Headers, kafka.Header{Key: "network", Value: []byte("mainnet")})
	assert.Contains(t, msg.Headers, kafka.Header{Key: "timestamp", Value: []byte("1234")})

	w.err = errors.New("broker down")
	assert.ErrorContains(t, sink.Write(context.Background(), env, nil), "broker down")

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
	assert.ErrorIs(t, sink.Write(context.Background(), env, nil), ErrNotConnected)
}
