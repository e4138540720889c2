// Package event provides the in-process pub/sub used between the aggregator
// and its consumers.
package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"crypto_sync/internal/domain"
)

// DefaultQueueSize bounds the number of undelivered events.
const DefaultQueueSize = 256

// Event is one emission on a topic.
type Event struct {
	Topic   string
	Payload any
	At      time.Time
}

// UpdatePayload is carried by "<category>Updated" events.
type UpdatePayload struct {
	Category domain.Category
	Records  []domain.FeedRecord
}

// ErrorPayload is carried by "<category>Error" events.
type ErrorPayload struct {
	Category domain.Category
	Err      error
}

// Listener handles one event. A returned error or a panic is logged and isolated.
type Listener func(ctx context.Context, ev Event) error

// Observer receives delivery outcomes (metrics hook).
type Observer interface {
	ObserveDelivery(topic string, ok bool)
	ObserveDrop(topic string)
}

type registration struct {
	id uint64
	fn Listener
}

// Broadcaster fans events out to listeners registered per topic.
// Emit never blocks the caller: events are queued and delivered by a single
// dispatcher goroutine; a full queue drops the event.
type Broadcaster struct {
	mu        sync.RWMutex
	listeners map[string][]registration
	nextID    uint64

	queue    chan Event
	logger   *slog.Logger
	observer Observer

	dropped   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64

	lifeMu  sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewBroadcaster creates a broadcaster with the given queue capacity.
func NewBroadcaster(queueSize int, logger *slog.Logger) *Broadcaster {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		listeners: make(map[string][]registration),
		queue:     make(chan Event, queueSize),
		logger:    logger,
	}
}

// SetObserver installs a delivery observer. Call before Start.
func (b *Broadcaster) SetObserver(o Observer) {
	b.observer = o
}

// On registers a listener for topic.
func (b *Broadcaster) On(topic string, fn Listener) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.listeners[topic] = append(b.listeners[topic], registration{id: b.nextID, fn: fn})
}

// Emit queues payload for delivery to topic listeners.
// Returns false when the queue is full and the event was dropped.
func (b *Broadcaster) Emit(topic string, payload any) bool {
	ev := Event{Topic: topic, Payload: payload, At: time.Now()}
	select {
	case b.queue <- ev:
		return true
	default:
		b.dropped.Add(1)
		if b.observer != nil {
			b.observer.ObserveDrop(topic)
		}
		b.logger.Warn("event queue full, dropping event", "topic", topic)
		return false
	}
}

// RemoveAllListeners unregisters every listener on every topic.
func (b *Broadcaster) RemoveAllListeners() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = make(map[string][]registration)
}

// ListenerCount returns the number of registered listeners across topics.
func (b *Broadcaster) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, regs := range b.listeners {
		n += len(regs)
	}
	return n
}

// Start runs the dispatcher. Calling Start on a running broadcaster is a no-op.
func (b *Broadcaster) Start(ctx context.Context) {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	if b.started {
		return
	}
	b.started = true

	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.run(ctx)
}

// Stop cancels the dispatcher and waits for the in-flight delivery to finish.
// Events still queued are discarded.
func (b *Broadcaster) Stop() {
	b.lifeMu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.started = false
	b.lifeMu.Unlock()

	if cancel != nil {
		cancel()
		b.wg.Wait()
	}
}

// Stats returns delivered, failed and dropped counters.
func (b *Broadcaster) Stats() (delivered, failed, dropped uint64) {
	return b.delivered.Load(), b.failed.Load(), b.dropped.Load()
}

func (b *Broadcaster) run(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.queue:
			b.dispatch(ctx, ev)
		}
	}
}

// dispatch delivers ev to a snapshot of the topic's listeners.
func (b *Broadcaster) dispatch(ctx context.Context, ev Event) {
	b.mu.RLock()
	regs := append([]registration(nil), b.listeners[ev.Topic]...)
	b.mu.RUnlock()

	for _, reg := range regs {
		err := b.safeCall(ctx, reg, ev)
		if b.observer != nil {
			b.observer.ObserveDelivery(ev.Topic, err == nil)
		}
		if err != nil {
			b.failed.Add(1)
			b.logger.Error("listener failed", "error", err)
			continue
		}
		b.delivered.Add(1)
	}
}

func (b *Broadcaster) safeCall(ctx context.Context, reg registration, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &domain.SubscriberDeliveryError{
				Topic:      ev.Topic,
				Subscriber: fmt.Sprintf("listener-%d", reg.id),
				Err:        fmt.Errorf("panic: %v", r),
			}
		}
	}()

	if callErr := reg.fn(ctx, ev); callErr != nil {
		return &domain.SubscriberDeliveryError{
			Topic:      ev.Topic,
			Subscriber: fmt.Sprintf("listener-%d", reg.id),
			Err:        callErr,
		}
	}
	return nil
}
