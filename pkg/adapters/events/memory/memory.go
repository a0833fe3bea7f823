package memory

import (
	"context"
	"sync"

	"github.com/aescanero/dapo/pkg/domain"
	"github.com/aescanero/dapo/pkg/ports"
	"go.uber.org/zap"
)

const subscriberBuffer = 256

type subscription struct {
	id      uint64
	topic   string
	handler ports.EventHandler
	queue   chan domain.Event
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.done) })
}

// EventBus implements ports.EventBus in process. Every subscription owns a
// buffered queue drained by one goroutine, so a handler sees events in publish
// order; a full queue drops the event rather than blocking the publisher.
type EventBus struct {
	subscribers map[string]map[uint64]*subscription
	nextID      uint64
	logger      *zap.Logger
	mu          sync.RWMutex
}

// NewEventBus creates a new in-memory event bus
func NewEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[string]map[uint64]*subscription),
		logger:      logger,
	}
}

// Publish queues an event for every subscriber of a topic
func (e *EventBus) Publish(ctx context.Context, topic string, event domain.Event) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, sub := range e.subscribers[topic] {
		select {
		case sub.queue <- event:
		case <-sub.done:
		default:
			e.logger.Warn("subscriber queue full, dropping event",
				zap.String("topic", topic),
				zap.String("event_id", event.ID),
				zap.Uint64("subscription", sub.id))
		}
	}
	return nil
}

// Subscribe registers a handler until ctx is done
func (e *EventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	e.mu.Lock()
	e.nextID++
	sub := &subscription{
		id:      e.nextID,
		topic:   topic,
		handler: handler,
		queue:   make(chan domain.Event, subscriberBuffer),
		done:    make(chan struct{}),
	}
	if e.subscribers[topic] == nil {
		e.subscribers[topic] = make(map[uint64]*subscription)
	}
	e.subscribers[topic][sub.id] = sub
	e.mu.Unlock()

	go e.deliver(ctx, sub)
	go func() {
		select {
		case <-ctx.Done():
			e.unsubscribe(sub)
		case <-sub.done:
		}
	}()

	return nil
}

// Close drops every subscription
func (e *EventBus) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, subs := range e.subscribers {
		for _, sub := range subs {
			sub.close()
		}
	}
	e.subscribers = make(map[string]map[uint64]*subscription)
	return nil
}

func (e *EventBus) deliver(ctx context.Context, sub *subscription) {
	for {
		select {
		case <-sub.done:
			return
		case event := <-sub.queue:
			if err := sub.handler(ctx, event); err != nil {
				e.logger.Debug("event handler error",
					zap.String("topic", sub.topic),
					zap.String("event_id", event.ID),
					zap.Error(err))
			}
		}
	}
}

func (e *EventBus) unsubscribe(sub *subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if subs, ok := e.subscribers[sub.topic]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(e.subscribers, sub.topic)
		}
	}
	sub.close()
}

// Subscribers returns the number of live subscriptions on a topic
func (e *EventBus) Subscribers(topic string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscribers[topic])
}
