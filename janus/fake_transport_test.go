package janus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"
)

const testEndpoint = "http://gateway.test/janus"

var errTransportClosed = errors.New("transport closed")

type call struct {
	URL    string
	Method string
	Header http.Header
	Body   map[string]json.RawMessage
}

func (c call) verb() string {
	return c.field("janus")
}

func (c call) field(name string) string {
	var s string
	_ = json.Unmarshal(c.Body[name], &s)
	return s
}

type reply struct {
	raw string
	err error
}

type gate struct {
	entered chan struct{}
	release chan struct{}
}

// fakeTransport records control requests, answers them with scripted or
// default replies, and serves long polls from a queue.
type fakeTransport struct {
	mu         sync.Mutex
	calls      []call
	polls      int
	scripted   map[string][]reply
	gates      map[string]*gate
	sessionID  ID
	nextHandle ID

	pushes    chan reply
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		scripted: make(map[string][]reply),
		gates:    make(map[string]*gate),
		pushes:   make(chan reply, 64),
		closed:   make(chan struct{}),
	}
}

func (f *fakeTransport) Do(ctx context.Context, url string, req Request) (json.RawMessage, error) {
	if req.Method == http.MethodGet {
		f.mu.Lock()
		f.polls++
		f.mu.Unlock()
		select {
		case p := <-f.pushes:
			return json.RawMessage(p.raw), p.err
		case <-f.closed:
			return nil, errTransportClosed
		}
	}

	c := call{URL: url, Method: req.Method, Header: req.Header}
	if err := json.Unmarshal(req.Body, &c.Body); err != nil {
		return nil, err
	}
	verb := c.verb()

	f.mu.Lock()
	f.calls = append(f.calls, c)
	g := f.gates[verb]
	delete(f.gates, verb)
	var next *reply
	if q := f.scripted[verb]; len(q) > 0 {
		next = &q[0]
		f.scripted[verb] = q[1:]
	}
	f.mu.Unlock()

	if g != nil {
		close(g.entered)
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if next != nil {
		return json.RawMessage(next.raw), next.err
	}

	txn := c.Body["transaction"]
	switch verb {
	case verbCreate:
		f.mu.Lock()
		id := f.sessionID
		f.mu.Unlock()
		return json.RawMessage(fmt.Sprintf(`{"janus":"success","transaction":%s,"data":{"id":%d}}`, txn, id)), nil
	case verbAttach:
		f.mu.Lock()
		id := f.nextHandle
		f.nextHandle++
		f.mu.Unlock()
		return json.RawMessage(fmt.Sprintf(`{"janus":"success","transaction":%s,"data":{"id":%d}}`, txn, id)), nil
	case verbMessage, verbTrickle, verbKeepAlive:
		return json.RawMessage(fmt.Sprintf(`{"janus":"ack","transaction":%s}`, txn)), nil
	default:
		return json.RawMessage(fmt.Sprintf(`{"janus":"success","transaction":%s}`, txn)), nil
	}
}

// script queues a one-shot reply for the next request with verb.
func (f *fakeTransport) script(verb, raw string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripted[verb] = append(f.scripted[verb], reply{raw: raw, err: err})
}

// hold blocks the next request with verb until release is called.
func (f *fakeTransport) hold(verb string) (entered <-chan struct{}, release func()) {
	g := &gate{entered: make(chan struct{}), release: make(chan struct{})}
	f.mu.Lock()
	f.gates[verb] = g
	f.mu.Unlock()
	return g.entered, func() { close(g.release) }
}

func (f *fakeTransport) push(raw string) {
	f.pushes <- reply{raw: raw}
}

func (f *fakeTransport) pushErr(err error) {
	f.pushes <- reply{err: err}
}

func (f *fakeTransport) close() {
	f.closeOnce.Do(func() { close(f.closed) })
}

func (f *fakeTransport) requests() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]call, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeTransport) verbs() []string {
	var out []string
	for _, c := range f.requests() {
		out = append(out, c.verb())
	}
	return out
}

func (f *fakeTransport) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

// recorder collects events from sessions and handles into one ordered log.
type recorder struct {
	mu     sync.Mutex
	log    []string
	events []Event
}

type eventSource interface {
	On(EventType, Listener) Subscription
}

func (r *recorder) watch(name string, src eventSource, types ...EventType) {
	for _, typ := range types {
		src.On(typ, func(ev Event) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.log = append(r.log, name+":"+string(ev.Type))
			r.events = append(r.events, ev)
		})
	}
}

func (r *recorder) entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.log))
	copy(out, r.log)
	return out
}

func (r *recorder) count(entry string) int {
	n := 0
	for _, e := range r.entries() {
		if e == entry {
			n++
		}
	}
	return n
}

func (r *recorder) last(typ EventType) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == typ {
			return r.events[i], true
		}
	}
	return Event{}, false
}

var allEvents = []EventType{
	EventConnected, EventEvent, EventWebRTCUp, EventMedia, EventHangup,
	EventError, EventDestroying, EventDestroyed,
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func indexOf(log []string, entry string) int {
	for i, e := range log {
		if e == entry {
			return i
		}
	}
	return -1
}
