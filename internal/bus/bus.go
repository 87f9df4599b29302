// Package bus wraps the event bus. Every publish is keyed by an entity id;
// the hash balancer maps equal keys to the same partition, which is what
// preserves per-entity ordering across horizontal scale.
package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Publisher sends one JSON-encoded event, awaiting broker acknowledgment.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, event any) error
}

var _ Publisher = (*KafkaPublisher)(nil)

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: 2 * time.Second,
	}
	return &KafkaPublisher{writer: w}
}

func (k *KafkaPublisher) Publish(ctx context.Context, topic, key string, event any) error {
	b, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: b,
	})
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Message is one recorded publish on the memory bus.
type Message struct {
	Topic string
	Key   string
	Value []byte
}

// MemoryBus records publishes for tests and local runs. FailNext injects
// publish failures to exercise retry paths.
type MemoryBus struct {
	mu       sync.Mutex
	messages []Message
	failNext int
}

func NewMemoryBus() *MemoryBus { return &MemoryBus{} }

func (m *MemoryBus) Publish(_ context.Context, topic, key string, event any) error {
	b, err := json.Marshal(event)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return errPublish
	}
	m.messages = append(m.messages, Message{Topic: topic, Key: key, Value: b})
	return nil
}

// FailNext makes the next n publishes fail.
func (m *MemoryBus) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// Messages returns all recorded publishes in order.
func (m *MemoryBus) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

// TopicMessages returns recorded publishes for one topic, in order.
func (m *MemoryBus) TopicMessages(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.messages {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

// KeyMessages returns recorded publishes for one partition key, in order.
func (m *MemoryBus) KeyMessages(key string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.messages {
		if msg.Key == key {
			out = append(out, msg)
		}
	}
	return out
}

type publishError struct{}

func (publishError) Error() string { return "bus: publish failed" }

var errPublish = publishError{}

var _ Publisher = (*MemoryBus)(nil)
