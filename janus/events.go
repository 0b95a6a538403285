package janus

import (
	"encoding/json"
	"sync"
)

// EventType names an event emitted by a Session or Handle.
type EventType string

const (
	EventConnected  EventType = "connected"
	EventEvent      EventType = "event"
	EventWebRTCUp   EventType = "webrtcup"
	EventMedia      EventType = "media"
	EventHangup     EventType = "hangup"
	EventError      EventType = "error"
	EventDestroying EventType = "destroying"
	EventDestroyed  EventType = "destroyed"
)

// Event is delivered to listeners.
//
// For EventEvent only Data and JSEP are set, each only when the push carried
// it. For EventWebRTCUp, EventMedia and EventHangup, Push holds the whole
// payload. EventError carries Err; EventConnected carries SessionID.
type Event struct {
	Type      EventType
	SessionID ID
	Data      json.RawMessage
	JSEP      json.RawMessage
	Push      *Response
	Err       error
}

// Listener receives events. It runs on the goroutine that emitted the event
// (the poll loop for pushes) and must not block for long.
type Listener func(Event)

// Subscription identifies a registered listener for Off.
type Subscription struct {
	typ EventType
	id  uint64
}

type listenerEntry struct {
	id uint64
	fn Listener
}

// emitter is the publish/subscribe registry owned by a Session or Handle.
type emitter struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[EventType][]listenerEntry
}

func (e *emitter) on(typ EventType, fn Listener) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.listeners == nil {
		e.listeners = make(map[EventType][]listenerEntry)
	}
	e.nextID++
	e.listeners[typ] = append(e.listeners[typ], listenerEntry{id: e.nextID, fn: fn})
	return Subscription{typ: typ, id: e.nextID}
}

func (e *emitter) off(sub Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entries := e.listeners[sub.typ]
	for i, entry := range entries {
		if entry.id == sub.id {
			e.listeners[sub.typ] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// emit calls the listeners registered for ev.Type at the time of the call, in
// registration order, outside the registry lock.
func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	entries := e.listeners[ev.Type]
	snapshot := make([]Listener, len(entries))
	for i, entry := range entries {
		snapshot[i] = entry.fn
	}
	e.mu.Unlock()

	for _, fn := range snapshot {
		fn(ev)
	}
}
