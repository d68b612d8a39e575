package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"afo-engine/internal/domain"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 256

type delivery struct {
	ctx   context.Context
	event domain.Event
}

// subscriber owns one queue and one goroutine, so a handler sees events in
// publish order. A nil types set matches every event.
type subscriber struct {
	id      uint64
	types   map[domain.EventType]bool
	handler domain.EventHandler
	queue   chan delivery
}

func (s *subscriber) matches(t domain.EventType) bool {
	return s.types == nil || s.types[t]
}

// Bus is an in-process, goroutine-safe event bus with ordered delivery per
// subscriber. A subscriber whose queue is full misses events instead of
// blocking the publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  atomic.Uint64
	dropped atomic.Uint64
	buffer  int
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithBuffer sets the per-subscriber queue length.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// New creates an event bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		subs:   make(map[uint64]*subscriber),
		buffer: DefaultBuffer,
		logger: logger,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish queues the event for every matching subscriber. Handlers receive a
// context that is never cancelled by the publisher, since engine runs publish
// their final event from a context that may already be done.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	ctx = context.WithoutCancel(ctx)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if !s.matches(event.Type) {
			continue
		}
		select {
		case s.queue <- delivery{ctx: ctx, event: event}:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped, subscriber queue full",
				"event", string(event.Type),
				"subscriber", s.id,
			)
		}
	}
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(map[domain.EventType]bool{eventType: true}, handler)
}

// SubscribeTypes registers a handler for several event types at once.
func (b *Bus) SubscribeTypes(handler domain.EventHandler, eventTypes ...domain.EventType) func() {
	types := make(map[domain.EventType]bool, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = true
	}
	return b.add(types, handler)
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add(nil, handler)
}

// Dropped reports how many deliveries were skipped because a queue was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

func (b *Bus) add(types map[domain.EventType]bool, handler domain.EventHandler) func() {
	s := &subscriber{
		id:      b.nextID.Add(1),
		types:   types,
		handler: handler,
		queue:   make(chan delivery, b.buffer),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[s.id] = s
	b.wg.Add(1)
	b.mu.Unlock()

	go b.loop(s)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[s.id]; ok {
				delete(b.subs, s.id)
				close(s.queue)
			}
		})
	}
}

func (b *Bus) loop(s *subscriber) {
	defer b.wg.Done()
	for d := range s.queue {
		b.invoke(s, d)
	}
}

func (b *Bus) invoke(s *subscriber, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"panic", r,
			)
		}
	}()
	s.handler(d.ctx, d.event)
}

// Close stops new publishes, lets every subscriber drain its queue and waits
// for the handlers to return. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.queue)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
