package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sellforge/platform/internal/common/config"
)

// KafkaClient produces and consumes engine events (listing metrics in,
// alerts out)
type KafkaClient struct {
	mu        sync.Mutex
	producers map[string]*kafka.Writer
	consumers map[string]*kafka.Reader
	brokers   []string
	group     string
}

// NewKafkaClient creates a new Kafka client
func NewKafkaClient(cfg *config.KafkaConfig) *KafkaClient {
	return &KafkaClient{
		producers: make(map[string]*kafka.Writer),
		consumers: make(map[string]*kafka.Reader),
		brokers:   cfg.Brokers,
		group:     cfg.ConsumerGroup,
	}
}

// CreateProducer creates a Kafka producer for a topic if one does not exist
func (k *KafkaClient) CreateProducer(topic string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, exists := k.producers[topic]; exists {
		return nil
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}

	k.producers[topic] = writer
	return nil
}

// CreateConsumer creates a Kafka consumer for a topic if one does not exist
func (k *KafkaClient) CreateConsumer(topic string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, exists := k.consumers[topic]; exists {
		return nil
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       topic,
		GroupID:     k.group,
		MinBytes:    10e3, // 10KB
		MaxBytes:    10e6, // 10MB
		StartOffset: kafka.FirstOffset,
		MaxWait:     500 * time.Millisecond,
	})

	k.consumers[topic] = reader
	return nil
}

func (k *KafkaClient) producer(topic string) (*kafka.Writer, error) {
	if err := k.CreateProducer(topic); err != nil {
		return nil, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.producers[topic], nil
}

func (k *KafkaClient) consumer(topic string) (*kafka.Reader, error) {
	if err := k.CreateConsumer(topic); err != nil {
		return nil, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.consumers[topic], nil
}

// PublishMessage publishes a JSON-encoded message to a Kafka topic
func (k *KafkaClient) PublishMessage(ctx context.Context, topic string, key string, data interface{}) error {
	producer, err := k.producer(topic)
	if err != nil {
		return err
	}

	value, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("error marshaling message: %w", err)
	}

	err = producer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("error writing message to Kafka: %w", err)
	}

	return nil
}

// ConsumeMessages consumes messages from a Kafka topic and processes them
// with the handler. A handler error is logged and the loop continues; only
// context cancellation stops consumption.
func (k *KafkaClient) ConsumeMessages(ctx context.Context, topic string, handler func([]byte) error) error {
	consumer, err := k.consumer(topic)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			log.Printf("Context done, stopping Kafka consumer for topic %s", topic)
			return ctx.Err()
		default:
			msg, err := consumer.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("Error reading message from Kafka: %v", err)
				continue
			}

			if err := handler(msg.Value); err != nil {
				log.Printf("Error processing message: %v", err)
			}
		}
	}
}

// Close closes all Kafka producers and consumers
func (k *KafkaClient) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	for topic, producer := range k.producers {
		if err := producer.Close(); err != nil {
			log.Printf("Error closing producer for topic %s: %v", topic, err)
		}
	}

	for topic, consumer := range k.consumers {
		if err := consumer.Close(); err != nil {
			log.Printf("Error closing consumer for topic %s: %v", topic, err)
		}
	}

	return nil
}
