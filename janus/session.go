package janus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Session is the client-side proxy for one gateway session.
//
// All methods are safe for concurrent use. Pushes received by the poll loop
// are routed in delivery order on the loop's goroutine.
type Session struct {
	endpoint string
	opts     options
	log      *slog.Logger
	envs     envelopeBuilder
	events   emitter

	// connectMu serialises Connect calls.
	connectMu sync.Mutex

	mu            sync.Mutex
	state         SessionState
	id            ID
	hasID         bool
	polling       bool
	pollDone      chan struct{}
	stopKeepAlive chan struct{}
	handles       map[ID]*Handle
}

// NewSession validates endpoint and options. It performs no I/O; call Connect
// to create the gateway session.
func NewSession(endpoint string, opts ...Option) (*Session, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, invalidArgument("endpoint not specified")
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, invalidArgument("endpoint %q is not an absolute URL", endpoint)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.transport == nil {
		return nil, invalidArgument("no transport configured")
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		endpoint: endpoint,
		opts:     o,
		log:      logger.With("component", "janus", "endpoint", endpoint),
		envs: envelopeBuilder{
			txn:       o.txn,
			apiSecret: o.apiSecret,
			token:     o.token,
		},
		state:   SessionConnecting,
		handles: make(map[ID]*Handle),
	}, nil
}

// Dial creates a Session and connects it.
func Dial(ctx context.Context, endpoint string, opts ...Option) (*Session, error) {
	s, err := NewSession(endpoint, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Connect creates the gateway session (or adopts the one given with
// WithSessionID), emits EventConnected and, unless autostart is disabled,
// starts polling.
//
// A failed create is emitted as EventError and returned; the session keeps no
// id and Connect may be retried.
func (s *Session) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	if s.state != SessionConnecting || s.hasID {
		st := s.state
		s.mu.Unlock()
		return illegalState("cannot connect a %s session", st)
	}
	s.mu.Unlock()

	var id ID
	if s.opts.sessionID != nil {
		id = *s.opts.sessionID
	} else {
		resp, err := s.do(ctx, verbCreate, s.endpoint, s.envs.build(verbCreate))
		if err == nil {
			var ok bool
			if id, ok = resp.dataID(); !ok {
				err = malformed(verbCreate, "missing data.id")
			}
		}
		if err != nil {
			s.log.Error("create session failed", "err", err)
			s.emitError(err)
			return err
		}
	}

	s.mu.Lock()
	if !s.state.canTransition(SessionConnected) {
		s.mu.Unlock()
		// Destroy ran while create was in flight; release what the gateway
		// just allocated.
		if s.opts.sessionID == nil {
			if _, err := s.do(ctx, verbDestroy, s.sessionURL(id), s.envs.build(verbDestroy)); err != nil {
				s.log.Warn("release of orphaned session failed", "session_id", id, "err", err)
			}
		}
		return illegalState("session destroyed while connecting")
	}
	s.id = id
	s.hasID = true
	s.state = SessionConnected
	s.mu.Unlock()

	s.log.Info("session connected", "session_id", id)
	s.emit(Event{Type: EventConnected})

	if s.opts.keepAlive > 0 {
		s.startKeepAlive(s.opts.keepAlive)
	}
	if s.opts.autostart {
		if err := s.Poll(); err != nil {
			s.log.Debug("autostart poll skipped", "session_id", id, "err", err)
		}
	}
	return nil
}

// ID returns the gateway session id once it is known.
func (s *Session) ID() (ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, s.hasID
}

func (s *Session) Endpoint() string { return s.endpoint }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Polling reports whether the poll loop is running.
func (s *Session) Polling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polling
}

// On registers fn for events of type typ emitted by the session.
func (s *Session) On(typ EventType, fn Listener) Subscription {
	return s.events.on(typ, fn)
}

func (s *Session) Off(sub Subscription) {
	s.events.off(sub)
}

// Handle returns the registered handle with the given id.
func (s *Session) Handle(id ID) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	return h, ok
}

// Handles returns the registered handles ordered by id.
func (s *Session) Handles() []*Handle {
	s.mu.Lock()
	out := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h)
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b *Handle) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
	return out
}

// Poll starts the long-poll loop. It is a no-op when the loop is already
// running and fails with ErrIllegalState when the session is not connected.
//
// The loop stops when the session starts tearing down or when the transport
// fails; in the latter case the failure is emitted as EventError and Poll may
// be called again.
func (s *Session) Poll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.polling {
		return nil
	}
	if s.state.terminating() {
		return illegalState("session is %s, create another", s.state)
	}
	if s.state != SessionConnected {
		return illegalState("session is %s", s.state)
	}

	done := make(chan struct{})
	s.polling = true
	s.pollDone = done
	go s.pollLoop(s.id, done)
	return nil
}

// Wait blocks until the most recently started poll loop has exited.
func (s *Session) Wait() {
	s.mu.Lock()
	done := s.pollDone
	s.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (s *Session) pollLoop(id ID, done chan struct{}) {
	defer close(done)

	target := s.sessionURL(id)
	for {
		resp, err := s.do(context.Background(), verbPoll, target, nil)
		s.opts.metrics.pollCycle(err)

		if errors.Is(err, ErrTransport) {
			s.mu.Lock()
			s.polling = false
			s.mu.Unlock()
			s.log.Error("long poll failed, poll loop stopped", "session_id", id, "err", err)
			s.emitError(err)
			return
		}

		s.handlePush(id, resp, err)

		s.mu.Lock()
		if s.state.terminating() {
			s.polling = false
			s.mu.Unlock()
			s.log.Debug("poll loop stopped", "session_id", id)
			return
		}
		s.mu.Unlock()
	}
}

// handlePush delivers one poll result. Listener panics are contained to the
// cycle.
func (s *Session) handlePush(id ID, resp *Response, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("event listener panicked", "session_id", id, "recover", rec)
		}
	}()

	if err != nil {
		s.emitError(err)
		return
	}

	d := route(resp, s.Handle)
	if d.empty() {
		return
	}
	if d.toSession {
		s.opts.metrics.routed(d.event.Type, "session")
		s.emit(d.event)
	}
	if d.handle != nil {
		s.opts.metrics.routed(d.event.Type, "handle")
		d.handle.emit(d.event)
	}
}

// Attach attaches plugin to the session and registers the resulting Handle.
func (s *Session) Attach(ctx context.Context, plugin string) (*Handle, error) {
	if strings.TrimSpace(plugin) == "" {
		return nil, invalidArgument("no plugin id specified")
	}

	s.mu.Lock()
	if s.state != SessionConnected {
		st := s.state
		s.mu.Unlock()
		return nil, illegalState("cannot attach plugins to a %s session", st)
	}
	id := s.id
	s.mu.Unlock()

	resp, err := s.do(ctx, verbAttach, s.sessionURL(id), s.envs.attach(plugin))
	if err != nil {
		return nil, err
	}
	hid, ok := resp.dataID()
	if !ok {
		return nil, malformed(verbAttach, "missing data.id")
	}

	s.mu.Lock()
	if s.state != SessionConnected {
		// The gateway drops the handle with the session.
		s.mu.Unlock()
		return nil, illegalState("session torn down during attach")
	}
	if _, dup := s.handles[hid]; dup {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: duplicate handle id %s", ErrProtocol, hid)
	}
	h := newHandle(s, hid, plugin)
	s.handles[hid] = h
	s.mu.Unlock()

	s.opts.metrics.handleAdded()
	s.log.Debug("plugin attached", "session_id", id, "handle_id", hid, "plugin", plugin)
	return h, nil
}

// KeepAlive refreshes the gateway's session timeout.
func (s *Session) KeepAlive(ctx context.Context) error {
	s.mu.Lock()
	if s.state != SessionConnected {
		st := s.state
		s.mu.Unlock()
		return illegalState("cannot keep a %s session alive", st)
	}
	id := s.id
	s.mu.Unlock()

	_, err := s.do(ctx, verbKeepAlive, s.sessionURL(id), s.envs.build(verbKeepAlive))
	return err
}

func (s *Session) startKeepAlive(interval time.Duration) {
	stop := make(chan struct{})
	s.mu.Lock()
	if s.state != SessionConnected {
		s.mu.Unlock()
		return
	}
	s.stopKeepAlive = stop
	s.mu.Unlock()

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
			}
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := s.KeepAlive(ctx)
			cancel()
			if errors.Is(err, ErrIllegalState) {
				return
			}
			if err != nil {
				s.log.Warn("keepalive failed", "err", err)
				s.emitError(err)
			}
		}
	}()
}

// Destroy tears the session down: every registered handle is detached
// concurrently, then the gateway session is destroyed. The session always
// ends up SessionDestroyed; EventDestroyed is emitted when the gateway
// acknowledged, EventError (and the returned error) otherwise. Calls after the
// first are no-ops.
func (s *Session) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if !s.state.canTransition(SessionDestroying) {
		s.mu.Unlock()
		return nil
	}
	s.state = SessionDestroying
	id, hasID := s.id, s.hasID
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[ID]*Handle)
	stop := s.stopKeepAlive
	s.stopKeepAlive = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	s.emit(Event{Type: EventDestroying})

	var g errgroup.Group
	for _, h := range handles {
		g.Go(func() error {
			defer s.opts.metrics.handleRemoved()
			return h.teardown(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		s.log.Warn("handle teardown failed", "session_id", id, "err", err)
	}

	var err error
	if hasID {
		_, err = s.do(ctx, verbDestroy, s.sessionURL(id), s.envs.build(verbDestroy))
	}

	s.mu.Lock()
	s.state = SessionDestroyed
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("destroy session failed", "session_id", id, "err", err)
		s.emitError(err)
		return err
	}
	s.log.Info("session destroyed", "session_id", id)
	s.emit(Event{Type: EventDestroyed})
	return nil
}

func (s *Session) unregister(h *Handle) {
	s.mu.Lock()
	cur, ok := s.handles[h.id]
	if ok && cur == h {
		delete(s.handles, h.id)
	}
	s.mu.Unlock()

	if ok && cur == h {
		s.opts.metrics.handleRemoved()
	}
}

func (s *Session) emit(ev Event) {
	s.mu.Lock()
	ev.SessionID = s.id
	s.mu.Unlock()
	s.events.emit(ev)
}

func (s *Session) emitError(err error) {
	s.emit(Event{Type: EventError, Err: err})
}

func (s *Session) sessionURL(id ID) string {
	return s.endpoint + "/" + id.String()
}

func (s *Session) handleURL(hid ID) string {
	s.mu.Lock()
	id := s.id
	s.mu.Unlock()
	return s.sessionURL(id) + "/" + hid.String()
}

// do sends env (or, for a nil env, a long-poll GET) to target and decodes the
// reply.
func (s *Session) do(ctx context.Context, verb, target string, env *envelope) (*Response, error) {
	req := Request{Method: http.MethodGet, Header: jsonHeaders()}
	transaction := ""
	if env != nil {
		body, err := json.Marshal(env)
		if err != nil {
			return nil, invalidArgument("encode %s request: %v", verb, err)
		}
		req.Method = http.MethodPost
		req.Body = body
		transaction = env.Transaction
	}

	raw, err := s.opts.transport.Do(ctx, target, req)
	if err != nil {
		err = &TransportError{Op: verb, URL: target, Err: err}
		if verb != verbPoll {
			s.opts.metrics.request(verb, err)
		}
		return nil, err
	}

	resp, err := decodeResponse(raw)
	if verb != verbPoll {
		s.opts.metrics.request(verb, err)
		s.log.Debug("janus request", "verb", verb, "url", target, "transaction", transaction, "err", err)
	}
	return resp, err
}
