package events

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// HandlerFunc is the function called when an event is emitted.
type HandlerFunc func(context.Context, any) error

// BusOption configures a Bus
type BusOption func(*busConfig)

type busConfig struct {
	logger *slog.Logger
	onPanic func(topic string, r any)
}

// WithLogger sets a structured logger for handler errors
func WithLogger(logger *slog.Logger) BusOption {
	return func(cfg *busConfig) {
		cfg.logger = logger
	}
}

// WithPanicHook is called with every panic recovered from a handler, after it is logged.
func WithPanicHook(fn func(topic string, r any)) BusOption {
	return func(cfg *busConfig) {
		cfg.onPanic = fn
	}
}

// Envelope is what wildcard subscribers receive.
type Envelope struct {
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
	Time    time.Time `json:"time"`
}

// Subscription represents a handler subscribed to a specific topic.
type Subscription struct {
	Topic       string
	CreatedAt   int64
	Handler     HandlerFunc
	ID          string
	Unsubscribe func()
}

// subscriberMap keeps subscriptions per topic in subscription order.
type subscriberMap map[string][]Subscription

// Bus is a synchronous, in-process publish/subscribe hub scoped to one page session.
//
// Emit delivers to the handlers registered at the moment of the call, in the order
// they subscribed. A handler that returns an error or panics is logged and the
// remaining handlers still run. There is no replay: late subscribers miss earlier events.
type Bus struct {
	subscribers atomic.Pointer[subscriberMap]
	nextSubID   int64
	eventCount  int64
	closed      int32

	config busConfig
}

// NewBus creates a new Bus with optional configuration.
func NewBus(opts ...BusOption) *Bus {
	cfg := busConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	b := &Bus{config: cfg}
	empty := make(subscriberMap)
	b.subscribers.Store(&empty)
	return b
}

// On subscribes an untyped handler to topic.
func (b *Bus) On(topic string, handler HandlerFunc) Subscription {
	subID := atomic.AddInt64(&b.nextSubID, 1)
	sub := Subscription{
		Topic:     topic,
		CreatedAt: time.Now().UnixNano(),
		Handler:   handler,
		ID:        fmt.Sprintf("%s-%d", topic, subID),
	}
	if atomic.LoadInt32(&b.closed) == 1 {
		sub.Unsubscribe = func() {}
		return sub
	}

	b.addSubscription(sub)
	id := sub.ID
	sub.Unsubscribe = func() {
		b.removeSubscription(topic, id)
	}
	return sub
}

// Subscribe subscribes a typed handler to the given topic.
// A payload of the wrong type is reported as a handler error.
func Subscribe[T any](b *Bus, topic string, handler func(context.Context, T) error) Subscription {
	return b.On(topic, func(ctx context.Context, data any) error {
		if typed, ok := data.(T); ok {
			return handler(ctx, typed)
		}
		return fmt.Errorf("type assertion failed for %T, expected %T", data, *new(T))
	})
}

// SubscribeAll taps every topic. Wildcard handlers run after the topic's own handlers.
func (b *Bus) SubscribeAll(handler func(context.Context, Envelope) error) Subscription {
	return Subscribe(b, TopicAll, handler)
}

// Emit delivers payload to every handler currently subscribed to topic.
// Emitting on a closed bus is a no-op.
func (b *Bus) Emit(ctx context.Context, topic string, payload any) {
	if atomic.LoadInt32(&b.closed) == 1 {
		return
	}
	atomic.AddInt64(&b.eventCount, 1)

	subs := *b.subscribers.Load()
	for _, sub := range subs[topic] {
		b.deliver(ctx, sub, topic, payload)
	}
	if topic == TopicAll {
		return
	}
	if wild := subs[TopicAll]; len(wild) > 0 {
		env := Envelope{Topic: topic, Payload: payload, Time: time.Now()}
		for _, sub := range wild {
			b.deliver(ctx, sub, topic, env)
		}
	}
}

// Close drops every subscription. Later emits and subscriptions are no-ops.
// Close is idempotent.
func (b *Bus) Close() {
	if atomic.CompareAndSwapInt32(&b.closed, 0, 1) {
		empty := make(subscriberMap)
		b.subscribers.Store(&empty)
	}
}

// Closed reports whether Close was called.
func (b *Bus) Closed() bool {
	return atomic.LoadInt32(&b.closed) == 1
}

// EventCount returns the number of events emitted so far.
func (b *Bus) EventCount() int64 {
	return atomic.LoadInt64(&b.eventCount)
}

// SubscriberCount returns the number of handlers subscribed to topic.
func (b *Bus) SubscriberCount(topic string) int {
	return len((*b.subscribers.Load())[topic])
}

func (b *Bus) deliver(ctx context.Context, sub Subscription, topic string, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.config.logger.Error("event handler panic",
				"topic", topic,
				"subscription_id", sub.ID,
				"panic", r,
				"stack", string(debug.Stack()))
			if b.config.onPanic != nil {
				b.config.onPanic(topic, r)
			}
		}
	}()

	if err := sub.Handler(ctx, payload); err != nil {
		b.config.logger.Warn("event handler error",
			"topic", topic,
			"error", err,
			"subscription_id", sub.ID)
	}
}

// addSubscription adds a subscription using copy-on-write
func (b *Bus) addSubscription(sub Subscription) {
	for {
		oldSubs := b.subscribers.Load()
		newSubs := copySubscribers(*oldSubs)
		list := newSubs[sub.Topic]
		grown := make([]Subscription, len(list), len(list)+1)
		copy(grown, list)
		newSubs[sub.Topic] = append(grown, sub)

		if b.subscribers.CompareAndSwap(oldSubs, &newSubs) {
			return
		}
	}
}

// removeSubscription removes a subscription using copy-on-write
func (b *Bus) removeSubscription(topic, subID string) {
	for {
		oldSubs := b.subscribers.Load()
		list := (*oldSubs)[topic]

		idx := -1
		for i, s := range list {
			if s.ID == subID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}

		newSubs := copySubscribers(*oldSubs)
		trimmed := make([]Subscription, 0, len(list)-1)
		trimmed = append(trimmed, list[:idx]...)
		trimmed = append(trimmed, list[idx+1:]...)
		if len(trimmed) == 0 {
			delete(newSubs, topic)
		} else {
			newSubs[topic] = trimmed
		}

		if b.subscribers.CompareAndSwap(oldSubs, &newSubs) {
			return
		}
	}
}

// copySubscribers copies the topic map. Slices are shared and never mutated in place.
func copySubscribers(original subscriberMap) subscriberMap {
	cp := make(subscriberMap, len(original))
	for topic, subs := range original {
		cp[topic] = subs
	}
	return cp
}
