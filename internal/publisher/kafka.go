// Package publisher forwards committed lock events to Kafka.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/lockdrop/internal/lockdrop"
	"github.com/mbd888/lockdrop/internal/retry"
	"github.com/segmentio/kafka-go"
)

// DefaultTopic receives lock events when none is configured.
const DefaultTopic = "lockdrop.events"

var (
	ErrQueueFull = errors.New("publisher: queue full")
	ErrClosed    = errors.New("publisher: closed")
)

// Writer is the subset of *kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka is a lockdrop.EventSink that writes events keyed by owner, so a
// partition sees one owner's events in log order. Publish only enqueues;
// delivery happens on the Run goroutine with retries.
type Kafka struct {
	writer Writer
	topic  string
	queue  chan lockdrop.Event
	logger *slog.Logger
	policy retry.Policy

	mu     sync.RWMutex
	closed bool
}

// NewKafkaWriter builds a writer for the given brokers and topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// NewKafka wraps a writer. queueSize <= 0 uses 1024.
func NewKafka(w Writer, topic string, queueSize int, logger *slog.Logger) *Kafka {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Kafka{
		writer: w,
		topic:  topic,
		queue:  make(chan lockdrop.Event, queueSize),
		logger: logger,
		policy: retry.Delivery,
	}
}

// Name identifies the sink.
func (k *Kafka) Name() string { return "kafka" }

// Publish enqueues an event for delivery.
func (k *Kafka) Publish(_ context.Context, e lockdrop.Event) error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return ErrClosed
	}
	select {
	case k.queue <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run delivers queued events until ctx is cancelled, then drains what is
// left with a short deadline.
func (k *Kafka) Run(ctx context.Context) {
	k.logger.Info("kafka publisher started", "topic", k.topic)
	for {
		select {
		case <-ctx.Done():
			k.drain()
			k.logger.Info("kafka publisher stopped")
			return
		case e := <-k.queue:
			k.deliver(ctx, e)
		}
	}
}

func (k *Kafka) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case e := <-k.queue:
			k.deliver(ctx, e)
		default:
			return
		}
	}
}

func (k *Kafka) deliver(ctx context.Context, e lockdrop.Event) {
	msg, err := Encode(e)
	if err != nil {
		k.logger.Error("failed to encode event", "id", e.ID, "error", err)
		return
	}
	err = k.policy.Do(ctx, func(int) error {
		return k.writer.WriteMessages(ctx, msg)
	})
	if err != nil {
		k.logger.Error("failed to deliver event", "id", e.ID, "type", e.Type, "error", err)
	}
}

// Close stops accepting events and closes the writer. Call it after Run
// has returned.
func (k *Kafka) Close() error {
	k.mu.Lock()
	k.closed = true
	k.mu.Unlock()
	return k.writer.Close()
}

// Encode renders an event as a Kafka message keyed by the owner address.
func Encode(e lockdrop.Event) (kafka.Message, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(e.Owner.Hex()),
		Value: value,
		Time:  e.At,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
			{Key: "event_id", Value: []byte(e.ID)},
		},
	}, nil
}

var _ lockdrop.EventSink = (*Kafka)(nil)
