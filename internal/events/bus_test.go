package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	var received []Event

	unsub := bus.Subscribe(EventTaskDispatched, func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	})
	defer unsub()

	bus.Publish(Event{Type: EventTaskDispatched, Sequence: 12, Fake: true})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int64(12), received[0].Sequence)
	assert.True(t, received[0].Fake)
	assert.False(t, received[0].Timestamp.IsZero())
}

func TestBus_EventTypesAreIsolated(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	dispatched, completed := 0, 0

	defer bus.Subscribe(EventTaskDispatched, func(e Event) {
		mu.Lock()
		dispatched++
		mu.Unlock()
	})()
	defer bus.Subscribe(EventTaskCompleted, func(e Event) {
		mu.Lock()
		completed++
		mu.Unlock()
	})()

	bus.Publish(Event{Type: EventTaskDispatched})
	bus.Publish(Event{Type: EventTaskCompleted})
	bus.Publish(Event{Type: EventTaskDispatched})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dispatched == 2 && completed == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBus_NonBlocking(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	unsub := bus.Subscribe(EventBufferReturned, func(e Event) {
		time.Sleep(100 * time.Millisecond)
	})
	defer unsub()

	start := time.Now()
	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: EventBufferReturned, Sequence: int64(i)})
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond, "publish must not block on a slow subscriber")
	assert.NotZero(t, bus.Dropped())
}

func TestBus_UnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	unsub := bus.Subscribe(EventExecutorTick, func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(Event{Type: EventExecutorTick})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 5*time.Millisecond)

	unsub()
	unsub()
	bus.Publish(Event{Type: EventExecutorTick})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestBus_PanicRecovery(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	received := false

	defer bus.Subscribe(EventFrameSkipped, func(e Event) { panic("observer bug") })()
	defer bus.Subscribe(EventFrameSkipped, func(e Event) {
		mu.Lock()
		received = true
		mu.Unlock()
	})()

	bus.Publish(Event{Type: EventFrameSkipped})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received
	}, time.Second, 5*time.Millisecond)
}

func TestBus_NilPublishIsNoop(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() { bus.Publish(Event{Type: EventTaskCompleted}) })
}

func BenchmarkBus_Publish(b *testing.B) {
	bus := NewBus(100)
	defer bus.Close()

	for i := 0; i < 5; i++ {
		bus.Subscribe(EventTaskDispatched, func(e Event) {})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Publish(Event{Type: EventTaskDispatched, Sequence: int64(i)})
	}
}
