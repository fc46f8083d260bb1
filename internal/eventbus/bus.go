package eventbus

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// EventType represents the type of event
type EventType string

const (
	// EventTypeNotification carries a batch of pushed characteristic values.
	EventTypeNotification EventType = "notification"
	// EventTypeDeviceState announces a broadcast-worthy device state change.
	EventTypeDeviceState EventType = "device_state"
)

// Default configuration
const (
	DefaultWorkerCount = 4
	DefaultQueueSize   = 100
)

// Event represents an event in the system. Events with the same Key are
// handled by the same worker in publish order.
type Event struct {
	Type    EventType
	Key     string
	Payload any
}

// Handler is a function that handles events
type Handler func(Event)

// DropFunc is called for every event that could not be queued.
type DropFunc func(Event)

// work represents a unit of work for the worker pool
type work struct {
	event   Event
	handler Handler
}

// Bus provides event routing with a bounded, key-sharded worker pool
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	onDrop   DropFunc

	// One queue per worker; an event's key selects the queue
	queues []chan work
	wg     sync.WaitGroup
	next   atomic.Uint64

	closeMu sync.RWMutex
	closed  bool
}

// New creates a new event bus with default settings
func New() *Bus {
	return NewWithConfig(DefaultWorkerCount, DefaultQueueSize)
}

// NewWithConfig creates a new event bus with custom worker count and
// per-worker queue size
func NewWithConfig(workerCount, queueSize int) *Bus {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	b := &Bus{
		handlers: make(map[EventType][]Handler),
		queues:   make([]chan work, workerCount),
	}

	for i := range b.queues {
		b.queues[i] = make(chan work, queueSize)
		b.wg.Add(1)
		go b.worker(i, b.queues[i])
	}

	log.Debug().Int("workers", workerCount).Int("queue_size", queueSize).Msg("Event bus worker pool started")
	return b
}

// OnDrop registers a callback for dropped events.
func (b *Bus) OnDrop(fn DropFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

// worker processes events from its queue
func (b *Bus) worker(id int, queue <-chan work) {
	defer b.wg.Done()

	for w := range queue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("event_type", string(w.event.Type)).
						Str("key", w.event.Key).
						Int("worker", id).
						Msg("Event handler panicked")
				}
			}()
			w.handler(w.event)
		}()
	}
}

func (b *Bus) shard(key string) int {
	if key == "" {
		return int(b.next.Add(1) % uint64(len(b.queues)))
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(b.queues)))
}

// Subscribe registers a handler for a specific event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish sends an event to all subscribed handlers. It never blocks: if
// the selected queue is full or the bus is closed, the event is dropped.
// Reports whether every handler got the event.
func (b *Bus) Publish(event Event) bool {
	b.mu.RLock()
	handlers := b.handlers[event.Type]
	onDrop := b.onDrop
	b.mu.RUnlock()

	b.closeMu.RLock()
	defer b.closeMu.RUnlock()

	if b.closed {
		log.Warn().Str("event_type", string(event.Type)).Msg("Event bus closed, dropping event")
		if onDrop != nil {
			onDrop(event)
		}
		return false
	}

	queue := b.queues[b.shard(event.Key)]
	delivered := true
	for _, handler := range handlers {
		select {
		case queue <- work{event: event, handler: handler}:
		default:
			delivered = false
			log.Warn().
				Str("event_type", string(event.Type)).
				Str("key", event.Key).
				Msg("Event bus queue full, dropping event")
			if onDrop != nil {
				onDrop(event)
			}
		}
	}
	return delivered
}

// Close stops accepting events, drains the queues and waits for workers
// until ctx is done.
func (b *Bus) Close(ctx context.Context) {
	b.closeMu.Lock()
	if !b.closed {
		b.closed = true
		for _, q := range b.queues {
			close(q)
		}
	}
	b.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Event bus workers stopped gracefully")
	case <-ctx.Done():
		log.Warn().Msg("Event bus shutdown timed out, some events may be lost")
	}
}
