package streaming

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscriber(t *testing.T) {
	m := NewManager(8)
	ch := m.Subscribe("s1", 4)
	defer m.Unsubscribe("s1", ch)

	m.Publish("s1", Event{Type: EventStateTransition, State: "Dispatching"})

	evt := <-ch
	assert.Equal(t, "s1", evt.SessionID)
	assert.Equal(t, EventStateTransition, evt.Type)
	assert.Equal(t, "Dispatching", evt.State)
	assert.False(t, evt.Timestamp.IsZero())
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	m := NewManager(8)
	ch := m.Subscribe("s1", 1)
	defer m.Unsubscribe("s1", ch)

	// The channel has room for one event; subsequent publishes must not block.
	for i := 0; i < 10; i++ {
		m.Publish("s1", Event{Type: EventToolCall})
	}
	assert.Len(t, ch, 1)
}

func TestReplaySinceReturnsMissedEvents(t *testing.T) {
	m := NewManager(4)
	for i := 0; i < 6; i++ {
		m.Publish("s1", Event{Type: EventToolCall})
	}

	// Capacity 4 keeps seq 3..6; replay since 4 yields 5 and 6.
	evs := m.ReplaySince("s1", 4)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(5), evs[0].Seq)
	assert.Equal(t, uint64(6), evs[1].Seq)
}

func TestConcurrentPublishAndSubscriberChurn(t *testing.T) {
	m := NewManager(16)

	stop := make(chan struct{})
	var publishers sync.WaitGroup
	for i := 0; i < 4; i++ {
		publishers.Add(1)
		go func() {
			defer publishers.Done()
			for {
				select {
				case <-stop:
					return
				default:
					m.Publish("s1", Event{Type: EventStateTransition})
				}
			}
		}()
	}

	// Subscribers connect and disconnect while events are in flight, as
	// websocket clients do during an active run.
	var churners sync.WaitGroup
	for i := 0; i < 4; i++ {
		churners.Add(1)
		go func() {
			defer churners.Done()
			for j := 0; j < 500; j++ {
				ch := m.Subscribe("s1", 1)
				m.Unsubscribe("s1", ch)
			}
		}()
	}

	churners.Wait()
	close(stop)
	publishers.Wait()
}

func TestSessionsAreIsolated(t *testing.T) {
	m := NewManager(8)
	ch := m.Subscribe("s1", 4)
	defer m.Unsubscribe("s1", ch)

	m.Publish("s2", Event{Type: EventCompleted})
	assert.Len(t, ch, 0)
	assert.Nil(t, m.ReplaySince("s1", 0))
}
