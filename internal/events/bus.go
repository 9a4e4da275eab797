// Package events fans pipeline lifecycle notifications out to observers
// without letting a slow observer stall the frame path.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventTaskDispatched is published when a task record is handed to the backend.
	EventTaskDispatched EventType = "task_dispatched"
	// EventTaskCompleted is published when every output of a record has been returned.
	EventTaskCompleted EventType = "task_completed"
	// EventBufferReturned is published when a buffer goes back to a producer or consumer.
	EventBufferReturned EventType = "buffer_returned"
	// EventFrameSkipped is published when the result lookup marks a frame as skipped.
	EventFrameSkipped EventType = "frame_skipped"
	// EventExecutorTick is published after an executor finishes a node pass.
	EventExecutorTick EventType = "executor_tick"
)

// Event carries the sequence or tick it concerns plus free-form detail.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Sequence  int64
	Source    string
	Fake      bool
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus delivers events asynchronously through one buffered channel per
// subscriber. A full channel drops the event for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	dropped     atomic.Uint64
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for eventType and returns an unsubscribe function.
// A panicking subscriber does not stop delivery to itself or others.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() { _ = recover() }()
				fn(event)
			}()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subs := b.subscribers[eventType]
			for i, subCh := range subs {
				if subCh == ch {
					b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
					close(ch)
					break
				}
			}
		})
	}
}

// Publish never blocks. A nil bus is a no-op so components can run without one.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[ev.Type] {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped counts events discarded because a subscriber was behind.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
