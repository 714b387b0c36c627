package events

import "sync"

// Event represents a typed state change emitted by the marketplace engines.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Emitter broadcasts events to downstream subscribers (RPC feed, indexers,
// webhook fan-out).
type Emitter interface {
	Emit(*Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events. It
// is the default for engines whose callers do not care about events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(*Event) {}

// Buffer is a bounded in-memory emitter that retains the most recent events
// with a monotonic sequence number so pollers and the websocket feed can
// resume from a cursor.
type Buffer struct {
	mu       sync.RWMutex
	capacity int
	nextSeq  uint64
	entries  []BufferedEvent
	subs     map[chan BufferedEvent]struct{}
}

// BufferedEvent pairs an event with its assigned sequence number.
type BufferedEvent struct {
	Sequence uint64 `json:"sequence"`
	Event    *Event `json:"event"`
}

// NewBuffer constructs a buffered emitter retaining up to capacity events.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Buffer{
		capacity: capacity,
		nextSeq:  1,
		subs:     make(map[chan BufferedEvent]struct{}),
	}
}

// Emit implements the Emitter interface.
func (b *Buffer) Emit(evt *Event) {
	if b == nil || evt == nil {
		return
	}
	b.mu.Lock()
	entry := BufferedEvent{Sequence: b.nextSeq, Event: evt}
	b.nextSeq++
	b.entries = append(b.entries, entry)
	if len(b.entries) > b.capacity {
		b.entries = b.entries[len(b.entries)-b.capacity:]
	}
	for ch := range b.subs {
		select {
		case ch <- entry:
		default:
			// Slow subscribers miss events; they can recover via Since.
		}
	}
	b.mu.Unlock()
}

// Since returns all retained events with a sequence strictly greater than the
// provided cursor.
func (b *Buffer) Since(cursor uint64) []BufferedEvent {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]BufferedEvent, 0, len(b.entries))
	for _, entry := range b.entries {
		if entry.Sequence > cursor {
			out = append(out, entry)
		}
	}
	return out
}

// Subscribe registers a live channel for new events. The returned cancel
// function must be called to release the subscription.
func (b *Buffer) Subscribe() (<-chan BufferedEvent, func()) {
	ch := make(chan BufferedEvent, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}
