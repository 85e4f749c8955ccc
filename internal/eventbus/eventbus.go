// Package eventbus implements §4.4's event bus: in-process subscription
// by event-type string with per-publisher ordering, and an optional
// cross-service mode that republishes onto the shared grid's pub/sub
// topic for cluster-wide, at-least-once fan-out. Adapted from the
// teacher's contract-event dispatcher (system/events.Dispatcher):
// same queue-per-consumer worker shape, generalized from blockchain
// contract events to domain envelopes and keyed by event type instead
// of contract+event-name filters.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/R3E-Network/eventsourcing-core/pkg/corestore"
	"github.com/R3E-Network/eventsourcing-core/pkg/envelope"
	"github.com/R3E-Network/eventsourcing-core/pkg/logger"
)

// Subscriber handles one envelope. An error is logged but does not stop
// the subscription's queue from draining subsequent events.
type Subscriber func(ctx context.Context, rec *envelope.Envelope) error

type subscription struct {
	id        int64
	eventType string
	fn        Subscriber
	queue     chan *envelope.Envelope
	stop      chan struct{}
}

// Bus is the in-process/cross-service event bus described in §4.4.
type Bus struct {
	log *logger.Logger

	mu       sync.RWMutex
	subs     map[string][]*subscription
	nextID   int64
	queueCap int

	shared    *corestore.SharedGrid
	topicFunc func(eventType string) string
}

// Config configures a Bus.
type Config struct {
	QueueSize int
	Logger    *logger.Logger

	// Shared, if non-nil, makes Publish also push onto the shared
	// grid's pub/sub topic for cross-service delivery (§4.4). TopicFunc
	// maps an event type to a topic name; it defaults to the identity
	// function when Shared is set and TopicFunc is nil.
	Shared    *corestore.SharedGrid
	TopicFunc func(eventType string) string
}

// New creates a Bus.
func New(cfg Config) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("eventbus")
	}
	topicFunc := cfg.TopicFunc
	if topicFunc == nil {
		topicFunc = func(eventType string) string { return eventType }
	}
	return &Bus{
		log:       cfg.Logger,
		subs:      make(map[string][]*subscription),
		queueCap:  cfg.QueueSize,
		shared:    cfg.Shared,
		topicFunc: topicFunc,
	}
}

// Subscribe registers fn for eventType and starts its dedicated
// delivery goroutine. The returned func unsubscribes and stops the
// goroutine; events still queued for it are not delivered. Each subscription has its own queue, so one slow
// subscriber never delays another (no cross-subscriber ordering is
// promised by §4.4 anyway).
func (b *Bus) Subscribe(eventType string, fn Subscriber) func() {
	b.mu.Lock()
	b.nextID++
	sub := &subscription{
		id:        b.nextID,
		eventType: eventType,
		fn:        fn,
		queue:     make(chan *envelope.Envelope, b.queueCap),
		stop:      make(chan struct{}),
	}
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.mu.Unlock()

	go b.deliverLoop(sub)

	return func() { b.unsubscribe(eventType, sub) }
}

func (b *Bus) unsubscribe(eventType string, target *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[eventType]
	for i, s := range list {
		if s == target {
			b.subs[eventType] = append(list[:i], list[i+1:]...)
			close(s.stop)
			return
		}
	}
}

func (b *Bus) deliverLoop(sub *subscription) {
	ctx := context.Background()
	for {
		select {
		case <-sub.stop:
			return
		case rec := <-sub.queue:
			if err := sub.fn(ctx, rec); err != nil {
				b.log.WithField("event_type", sub.eventType).WithError(err).Error("eventbus subscriber failed")
			}
		}
	}
}

// Publish delivers rec to every subscriber of rec.EventType, in the
// order this call happened relative to this goroutine's other Publish
// calls (per-publisher ordering, §4.4). If the bus is configured with a
// shared grid, it also republishes rec onto the cluster topic.
func (b *Bus) Publish(ctx context.Context, rec *envelope.Envelope) error {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.subs[rec.EventType]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.queue <- rec:
		default:
			b.log.WithField("event_type", rec.EventType).Warn("eventbus subscriber queue full, dropping event")
		}
	}

	if b.shared == nil {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("eventbus: marshal envelope: %w", err)
	}
	return b.shared.Publish(ctx, b.topicFunc(rec.EventType), string(payload))
}

// PublishRaw publishes an already-serialized envelope directly to
// topic, bypassing in-process subscribers. Used by the outbox publisher
// and DLQ replay, which hold a serialized payload rather than a decoded
// envelope.
func (b *Bus) PublishRaw(ctx context.Context, topic string, payload []byte) error {
	if b.shared == nil {
		return fmt.Errorf("eventbus: no shared grid configured")
	}
	return b.shared.Publish(ctx, topic, string(payload))
}

// SubscribeShared relays cluster-wide messages on eventType's shared
// topic into fn, deserializing the envelope. It blocks until ctx is
// canceled; callers run it in its own goroutine. Delivery here is
// at-least-once — idempotency/dedupe is the consuming package's job,
// not the bus's (§4.4, §4.8).
func (b *Bus) SubscribeShared(ctx context.Context, eventType string, fn Subscriber) error {
	if b.shared == nil {
		return fmt.Errorf("eventbus: no shared grid configured")
	}
	pubsub := b.shared.Subscribe(ctx, b.topicFunc(eventType))
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var rec envelope.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
				b.log.WithField("event_type", eventType).WithError(err).Error("eventbus: failed to decode shared message")
				continue
			}
			if err := fn(ctx, &rec); err != nil {
				b.log.WithField("event_type", eventType).WithError(err).Error("eventbus: shared subscriber failed")
			}
		}
	}
}
