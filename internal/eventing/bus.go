// Package eventing provides the in-process pub/sub transport the alarm
// engine rides on: publish/subscribe by topic string, at-least-once
// delivery, ordered per topic.
package eventing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Topics the alarm engine publishes or consumes.
const (
	TopicAlarmCreate     = "alarm:create"
	TopicAlarmRemoteSync = "alarm:mspsync"
	TopicAlarmNew        = "alarm:new"
	TopicFeatureDisable  = "config:feature:dynamic:disable"
	TopicFeatureEnable   = "config:feature:dynamic:enable"
)

// ErrBusClosed is returned by Publish after Close.
var ErrBusClosed = errors.New("eventing: bus closed")

// Envelope wraps a published payload with delivery metadata.
type Envelope struct {
	EventID    string          `json:"event_id"`
	Topic      string          `json:"topic"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Handler consumes one delivered envelope. Handler errors are logged, not
// retried; delivery within a topic stays ordered regardless.
type Handler func(ctx context.Context, env Envelope) error

type topicQueue struct {
	ch       chan Envelope
	handlers []Handler
}

// Bus is an in-process topic bus. Each topic gets a dedicated dispatch
// goroutine so delivery is serialized and ordered per topic; topics do not
// block one another.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topicQueue
	logger *zap.SugaredLogger
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// NewBus constructs a bus.
func NewBus(logger *zap.SugaredLogger) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		topics: make(map[string]*topicQueue),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe registers a handler for a topic.
func (b *Bus) Subscribe(topic string, handler Handler) {
	if b == nil || topic == "" || handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	queue := b.queueLocked(topic)
	queue.handlers = append(queue.handlers, handler)
}

// Publish marshals the payload and enqueues it for ordered delivery on the
// topic. Publish blocks only when the topic queue is full.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	if b == nil || topic == "" {
		return errors.New("eventing: empty topic")
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := Envelope{
		EventID:    uuid.New().String(),
		Topic:      topic,
		OccurredAt: time.Now().UTC(),
		Payload:    encoded,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	queue := b.queueLocked(topic)
	b.mu.Unlock()

	select {
	case queue.ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return ErrBusClosed
	}
}

// Close stops all dispatch goroutines and waits for in-flight deliveries.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.cancel()
	b.wg.Wait()
}

func (b *Bus) queueLocked(topic string) *topicQueue {
	queue, ok := b.topics[topic]
	if ok {
		return queue
	}
	queue = &topicQueue{ch: make(chan Envelope, 128)}
	b.topics[topic] = queue
	b.wg.Add(1)
	go b.dispatch(topic, queue)
	return queue
}

func (b *Bus) dispatch(topic string, queue *topicQueue) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case env := <-queue.ch:
			b.mu.Lock()
			handlers := append([]Handler(nil), queue.handlers...)
			b.mu.Unlock()
			for _, handler := range handlers {
				if err := handler(b.ctx, env); err != nil && b.logger != nil {
					b.logger.Errorw("event handler failed",
						"topic", topic, "event_id", env.EventID, "err", err)
				}
			}
		}
	}
}
