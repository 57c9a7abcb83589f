// Package streaming provides in-memory pub/sub of orchestration events with
// per-session ring-buffer replay, consumed by the websocket endpoint.
package streaming

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is one observable orchestration occurrence: a state transition, an
// agent task boundary, a tool call or a terminal outcome.
type Event struct {
	SessionID string                 `json:"session_id"`
	Type      string                 `json:"type"`
	Agent     string                 `json:"agent,omitempty"`
	State     string                 `json:"state,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// Event types published by the engine.
const (
	EventStateTransition = "state_transition"
	EventAgentStarted    = "agent_started"
	EventAgentFinished   = "agent_finished"
	EventGateDecision    = "gate_decision"
	EventToolCall        = "tool_call"
	EventCompleted       = "completed"
	EventAborted         = "aborted"
)

// Manager fans events out to per-session subscribers. Publishing never
// blocks; slow subscribers drop events but can recover via ReplaySince.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

// NewManager creates a manager with the given replay capacity per session.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe adds a subscriber channel for a session; the caller must drain
// it and call Unsubscribe when done.
func (m *Manager) Subscribe(sessionID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[sessionID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[sessionID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(sessionID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[sessionID]; ok {
		if _, present := subs[ch]; present {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(m.subscribers, sessionID)
		}
	}
}

// Publish assigns a sequence number, records the event for replay and sends
// it to all subscribers of the session without blocking. The fan-out happens
// under the lock: sends never block, and Unsubscribe closes channels under
// the same lock, so a send can never race a close.
func (m *Manager) Publish(sessionID string, evt Event) {
	evt.SessionID = sessionID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rg := m.history[sessionID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[sessionID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)

	for ch := range m.subscribers[sessionID] {
		select {
		case ch <- evt:
		default:
			// Slow subscriber; it can replay by Seq.
		}
	}
}

// ReplaySince returns recorded events with Seq > since, best-effort within
// ring capacity.
func (m *Manager) ReplaySince(sessionID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[sessionID]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Marshal returns the event as JSON for wire transport.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// ring is a fixed-capacity ring buffer of events.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

// Sequence numbers start at 1 so ReplaySince(id, 0) means "everything".
func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity), nextSeq: 1} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
