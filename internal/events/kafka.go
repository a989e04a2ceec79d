package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
	Close() error
}

var topicCatalog = map[string]string{
	TypeActivitySynced: "activity_synced",
	TypeStepsSynced:    "steps_synced",
}

// DefaultPublishTimeout bounds a single Publish call.
const DefaultPublishTimeout = 5 * time.Second

// KafkaPublisher writes events as JSON to one topic per event type.
type KafkaPublisher struct {
	producer    messageWriter
	topicPrefix string
	timeout     time.Duration
}

// NewKafkaPublisher constructs a publisher writing to brokers. Topics are named
// after the event type, prefixed by topicPrefix.
func NewKafkaPublisher(brokers []string, topicPrefix string) *KafkaPublisher {
	return &KafkaPublisher{producer: newTopicWriters(brokers), topicPrefix: topicPrefix, timeout: DefaultPublishTimeout}
}

// Topic returns the topic an event type is routed to.
func (p *KafkaPublisher) Topic(eventType string) (string, error) {
	suffix, ok := topicCatalog[eventType]
	if !ok {
		return "", fmt.Errorf("unknown event type: %s", eventType)
	}
	return p.topicPrefix + suffix, nil
}

// Publish encodes evt and writes it synchronously, giving up after the publish
// timeout.
func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) error {
	topic, err := p.Topic(evt.Type)
	if err != nil {
		return err
	}
	body, err := json.Marshal(evt.Payload)
	if err != nil {
		return err
	}

	headers := []kafka.Header{
		{Key: "event_id", Value: []byte(uuid.NewString())},
		{Key: "event_type", Value: []byte(evt.Type)},
	}
	if runID, ok := RunIDFromContext(ctx); ok {
		headers = append(headers, kafka.Header{Key: "run_id", Value: []byte(runID)})
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	return p.producer.WriteMessages(ctx, topic, kafka.Message{
		Key:     []byte(evt.Key),
		Value:   body,
		Headers: headers,
		Time:    time.Now().UTC(),
	})
}

// Close releases the underlying writers.
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// topicWriters lazily manages one kafka.Writer per topic.
type topicWriters struct {
	brokers []string
	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

func newTopicWriters(brokers []string) *topicWriters {
	return &topicWriters{
		brokers: brokers,
		writers: make(map[string]*kafka.Writer),
	}
}

func (p *topicWriters) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	return p.writerForTopic(topic).WriteMessages(ctx, msgs...)
}

func (p *topicWriters) writerForTopic(topic string) *kafka.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if writer, ok := p.writers[topic]; ok {
		return writer
	}

	// Writes carry a single event. Events of one key share a partition.
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(p.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              1,
		BatchTimeout:           10 * time.Millisecond,
		MaxAttempts:            2,
		WriteBackoffMax:        250 * time.Millisecond,
		WriteTimeout:           DefaultPublishTimeout,
		RequiredAcks:           kafka.RequireAll,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
	}
	p.writers[topic] = writer
	return writer
}

func (p *topicWriters) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.writers, topic)
	}
	return firstErr
}
