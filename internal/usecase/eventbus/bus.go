package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"conductor-ai/internal/domain"
)

// queueSize is the per-subscriber backlog before Publish blocks.
const queueSize = 256

type delivery struct {
	ctx   context.Context
	event domain.Event
}

type subscription struct {
	id      uint64
	handler domain.EventHandler
	queue   chan delivery
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.queue) })
}

// Bus is an in-process, goroutine-safe event bus. Every subscriber has its own
// delivery goroutine, so a subscriber sees events in the order they were
// published and a slow subscriber does not hold up the others.
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.EventType][]*subscription
	allSubs []*subscription
	nextID  atomic.Uint64
	logger  *slog.Logger
	closed  atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		typed:  make(map[domain.EventType][]*subscription),
		logger: logger,
	}
}

// Publish enqueues an event for matching typed subscribers and all-event subscribers.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	// The read lock is held while enqueueing so Close cannot close a queue
	// underneath a send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed.Load() {
		return
	}

	for _, sub := range b.typed[event.Type] {
		sub.queue <- delivery{ctx: ctx, event: event}
	}
	for _, sub := range b.allSubs {
		sub.queue <- delivery{ctx: ctx, event: event}
	}
}

func (b *Bus) newSubscription(handler domain.EventHandler) *subscription {
	sub := &subscription{
		id:      b.nextID.Add(1),
		handler: handler,
		queue:   make(chan delivery, queueSize),
		done:    make(chan struct{}),
	}
	go b.run(sub)
	return sub
}

func (b *Bus) run(sub *subscription) {
	defer close(sub.done)
	for d := range sub.queue {
		b.invoke(sub, d)
	}
}

func (b *Bus) invoke(sub *subscription, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"panic", r,
			)
		}
	}()
	sub.handler(d.ctx, d.event)
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	sub := b.newSubscription(handler)

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		subs := b.typed[eventType]
		for i, s := range subs {
			if s.id == sub.id {
				b.typed[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		sub.stop()
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	sub := b.newSubscription(handler)

	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		for i, s := range b.allSubs {
			if s.id == sub.id {
				b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		sub.stop()
	}
}

// Close prevents new publishes and waits until every queued event has been
// handled. Close is idempotent and safe to call multiple times.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed.Swap(true) {
		b.mu.Unlock()
		return
	}
	var subs []*subscription
	for _, list := range b.typed {
		subs = append(subs, list...)
	}
	subs = append(subs, b.allSubs...)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	for _, sub := range subs {
		<-sub.done
	}
}

var _ domain.EventBus = (*Bus)(nil)
