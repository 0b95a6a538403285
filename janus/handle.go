package janus

import (
	"context"
	"sync"
)

// Handle is the client-side proxy for one plugin attached to a Session.
type Handle struct {
	id      ID
	plugin  string
	session *Session
	events  emitter

	mu    sync.Mutex
	state HandleState
	// done is closed once the handle reaches HandleDestroyed.
	done chan struct{}
}

func newHandle(s *Session, id ID, plugin string) *Handle {
	return &Handle{
		id:      id,
		plugin:  plugin,
		session: s,
		state:   HandleAttached,
		done:    make(chan struct{}),
	}
}

func (h *Handle) ID() ID { return h.id }

// Plugin returns the plugin package name the handle was attached with.
func (h *Handle) Plugin() string { return h.plugin }

func (h *Handle) Session() *Session { return h.session }

func (h *Handle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) On(typ EventType, fn Listener) Subscription {
	return h.events.on(typ, fn)
}

func (h *Handle) Off(sub Subscription) {
	h.events.off(sub)
}

// Message sends a plugin message. A nil body is sent as `{}`; jsep is included
// only when non-nil. The gateway reply is returned undecoded beyond the
// envelope.
func (h *Handle) Message(ctx context.Context, body, jsep any) (*Response, error) {
	if err := h.usable(); err != nil {
		return nil, err
	}
	return h.session.do(ctx, verbMessage, h.url(), h.session.envs.message(body, jsep))
}

// Trickle sends ICE candidates. A nil candidates signals end-of-candidates, a
// slice or array (or a JSON array) is sent as `candidates`, anything else as a
// single `candidate`.
func (h *Handle) Trickle(ctx context.Context, candidates any) (*Response, error) {
	if err := h.usable(); err != nil {
		return nil, err
	}
	env, err := h.session.envs.trickle(candidates)
	if err != nil {
		return nil, err
	}
	return h.session.do(ctx, verbTrickle, h.url(), env)
}

// TrickleCandidate sends a single candidate, even if it is a slice.
func (h *Handle) TrickleCandidate(ctx context.Context, candidate any) (*Response, error) {
	if isNil(candidate) {
		return nil, invalidArgument("nil candidate")
	}
	if err := h.usable(); err != nil {
		return nil, err
	}
	env := h.session.envs.build(verbTrickle)
	env.Candidate = candidate
	return h.session.do(ctx, verbTrickle, h.url(), env)
}

func (h *Handle) TrickleCandidates(ctx context.Context, candidates []any) (*Response, error) {
	if candidates == nil {
		candidates = []any{}
	}
	return h.Trickle(ctx, candidates)
}

// TrickleComplete signals that no more candidates follow.
func (h *Handle) TrickleComplete(ctx context.Context) (*Response, error) {
	return h.Trickle(ctx, nil)
}

// Hangup tells the gateway to tear down the plugin's PeerConnection. The
// handle stays attached.
func (h *Handle) Hangup(ctx context.Context) (*Response, error) {
	if err := h.usable(); err != nil {
		return nil, err
	}
	return h.session.do(ctx, verbHangup, h.url(), h.session.envs.build(verbHangup))
}

// Destroy detaches the handle and removes it from its session. The handle
// always ends up HandleDestroyed; EventDestroyed is emitted when the gateway
// acknowledged the detach, EventError (and the returned error) otherwise.
func (h *Handle) Destroy(ctx context.Context) error {
	err := h.teardown(ctx)
	h.session.unregister(h)
	return err
}

// teardown runs the detach exchange once. Concurrent callers wait for the
// first one to finish.
func (h *Handle) teardown(ctx context.Context) error {
	h.mu.Lock()
	if !h.state.canTransition(HandleDestroying) {
		h.mu.Unlock()
		select {
		case <-h.done:
		case <-ctx.Done():
		}
		return nil
	}
	h.state = HandleDestroying
	h.mu.Unlock()

	h.emit(Event{Type: EventDestroying})
	_, err := h.session.do(ctx, verbDetach, h.url(), h.session.envs.build(verbDetach))

	h.mu.Lock()
	h.state = HandleDestroyed
	h.mu.Unlock()
	close(h.done)

	if err != nil {
		h.session.log.Warn("detach failed", "handle_id", h.id, "err", err)
		h.emit(Event{Type: EventError, Err: err})
		return err
	}
	h.emit(Event{Type: EventDestroyed})
	return nil
}

func (h *Handle) usable() error {
	h.mu.Lock()
	st := h.state
	h.mu.Unlock()
	if st != HandleAttached {
		return illegalState("handle %s is %s", h.id, st)
	}
	if ss := h.session.State(); ss != SessionConnected {
		return illegalState("session is %s", ss)
	}
	return nil
}

func (h *Handle) emit(ev Event) {
	ev.SessionID, _ = h.session.ID()
	h.events.emit(ev)
}

func (h *Handle) url() string {
	return h.session.handleURL(h.id)
}
