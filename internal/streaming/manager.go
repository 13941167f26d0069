// Package streaming provides in-memory pub/sub for research progress
// frames, fanned out to SSE and WebSocket subscribers with a bounded
// replay window per task.
package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/chronomap/chronomap/internal/models"
)

// Event wraps one progress frame with delivery metadata. Seq is
// assigned at publish time and backs Last-Event-ID replay.
type Event struct {
	TaskID    string               `json:"task_id"`
	Type      models.EventType     `json:"type"`
	Payload   models.ProgressEvent `json:"payload"`
	Timestamp time.Time            `json:"timestamp"`
	Seq       uint64               `json:"seq"`
}

// Marshal returns the JSON body written to an SSE data line.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e.Payload)
	return b
}

// Manager fans task events out to subscribers. Slow subscribers drop
// frames rather than stall the poll loop; the ring buffer lets a
// reconnecting client catch up on what it missed.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

const defaultCapacity = 256

func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe registers a channel for a task's events. The caller must
// drain it and call Unsubscribe when done.
func (m *Manager) Subscribe(taskID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[taskID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[taskID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (m *Manager) Unsubscribe(taskID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[taskID]; ok {
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, taskID)
		}
	}
}

// Publish assigns the next sequence number, records the event for
// replay, and delivers it to current subscribers without blocking.
func (m *Manager) Publish(taskID string, payload models.ProgressEvent) Event {
	evt := Event{
		TaskID:    taskID,
		Type:      payload.Type,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rg := m.history[taskID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[taskID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)

	// Deliver under the lock: sends never block, and Unsubscribe cannot
	// close a channel mid-send.
	for ch := range m.subscribers[taskID] {
		select {
		case ch <- evt:
		default:
			// Drop for slow subscribers; replay covers the gap.
		}
	}
	return evt
}

// ReplaySince returns retained events with Seq > since, oldest first.
// Best-effort within ring capacity.
func (m *Manager) ReplaySince(taskID string, since uint64) []Event {
	// The lock must cover the ring read too: Publish mutates the ring
	// in place, and a reconnecting client can replay mid-stream.
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[taskID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops a task's history once no client can reconnect to it.
func (m *Manager) Forget(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, taskID)
}

type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

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
