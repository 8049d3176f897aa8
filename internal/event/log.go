package event

import (
	"sync"

	"github.com/google/uuid"
)

// Log is the append-only, in-memory audit trail. Any number of producers
// may append concurrently; appends are serialized and never lost.
type Log struct {
	mu        sync.Mutex
	events    []SecurityEvent
	listeners map[uint64]func(SecurityEvent)
	order     []uint64
	nextID    uint64

	// notifyMu keeps listener calls in append order across producers.
	notifyMu sync.Mutex
}

func NewLog() *Log {
	return &Log{listeners: make(map[uint64]func(SecurityEvent))}
}

// Append stores e, filling in a missing id or timestamp, and notifies
// subscribers in append order. It returns the stored event.
func (l *Log) Append(e SecurityEvent) SecurityEvent {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp == 0 {
		e.Timestamp = NowMillis()
	}
	e.Metadata = cloneMetadata(e.Metadata)

	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()

	l.mu.Lock()
	l.events = append(l.events, e)
	listeners := make([]func(SecurityEvent), 0, len(l.order))
	for _, id := range l.order {
		listeners = append(listeners, l.listeners[id])
	}
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(e)
	}
	return e
}

// Events returns a copy of everything currently held.
func (l *Log) Events() []SecurityEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SecurityEvent, len(l.events))
	copy(out, l.events)
	return out
}

// Drain returns the held events and clears the log, so each event is
// handed to exactly one Drain caller.
func (l *Log) Drain() []SecurityEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.events
	l.events = nil
	if out == nil {
		out = []SecurityEvent{}
	}
	return out
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Subscribe registers fn for every future append. Listeners run on the
// appending goroutine and must not append to the same Log.
func (l *Log) Subscribe(fn func(SecurityEvent)) (unsubscribe func()) {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = fn
	l.order = append(l.order, id)
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.listeners, id)
			for i, v := range l.order {
				if v == id {
					l.order = append(l.order[:i], l.order[i+1:]...)
					break
				}
			}
		})
	}
}
