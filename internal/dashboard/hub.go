package dashboard

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/sellforge/platform/internal/common/config"
	"github.com/sellforge/platform/internal/common/messaging"
)

// AlertHub fans engine alerts out to connected dashboard clients. Alerts
// arrive on the Kafka alerts topic and are broadcast verbatim.
type AlertHub struct {
	kafka *messaging.KafkaClient
	topic string

	mu          sync.RWMutex
	subscribers map[uint64]chan []byte
	nextID      uint64
}

// NewAlertHub creates an alert hub
func NewAlertHub(kafka *messaging.KafkaClient, cfg config.KafkaConfig) *AlertHub {
	return &AlertHub{
		kafka:       kafka,
		topic:       cfg.AlertsTopic,
		subscribers: make(map[uint64]chan []byte),
	}
}

// Start begins consuming alerts until the context is cancelled
func (h *AlertHub) Start(ctx context.Context) error {
	if err := h.kafka.CreateConsumer(h.topic); err != nil {
		return fmt.Errorf("failed to create alerts consumer: %w", err)
	}

	go h.kafka.ConsumeMessages(ctx, h.topic, func(message []byte) error {
		h.Broadcast(message)
		return nil
	})
	return nil
}

// Subscribe registers a client; the returned function unsubscribes it
func (h *AlertHub) Subscribe() (<-chan []byte, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	// Slow clients drop alerts rather than block the hub
	ch := make(chan []byte, 16)
	h.subscribers[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if existing, ok := h.subscribers[id]; ok {
			close(existing)
			delete(h.subscribers, id)
		}
	}
}

// Broadcast delivers one alert to every connected client
func (h *AlertHub) Broadcast(message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subscribers {
		select {
		case ch <- message:
		default:
			log.Printf("Dropping alert for slow subscriber %d", id)
		}
	}
}
