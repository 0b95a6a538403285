// Package janustest runs an in-process fake of the Janus HTTP API for tests.
//
// It implements create, attach, message, trickle, hangup, detach, destroy and
// keepalive, plus the long poll. Tests queue pushes with Push and inspect the
// requests the gateway received with Requests.
package janustest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

// Janus error codes used by the fake.
const (
	CodeUnauthorized  = 403
	CodeNoSuchSession = 458
	CodeNoSuchHandle  = 459
	CodeUnknownPlugin = 460
	CodeInvalidJSON   = 454
	CodeUnknownVerb   = 453
)

// Request is one request recorded by the fake.
type Request struct {
	Method string
	Path   string
	Verb   string
	Body   map[string]json.RawMessage
}

// Field returns the named body field decoded as a string, or "".
func (r Request) Field(field string) string {
	var s string
	_ = json.Unmarshal(r.Body[field], &s)
	return s
}

// MessageHandler computes the pushes produced by a plugin message.
type MessageHandler func(sessionID, handleID uint64, body, jsep json.RawMessage) []any

type session struct {
	handles   map[uint64]string
	queue     []json.RawMessage
	wake      chan struct{}
	destroyed bool
}

type Server struct {
	URL string

	srv *httptest.Server

	mu        sync.Mutex
	nextID    uint64
	sessions  map[uint64]*session
	requests  []Request
	faults    map[string]fault
	apiSecret string
	onMessage MessageHandler
	pollHold  time.Duration
	closing   chan struct{}
	closeOnce sync.Once
}

type fault struct {
	status int
	code   int
	reason string
}

// New starts a fake gateway. Its endpoint is URL; it is closed on test
// cleanup.
func New(tb testing.TB) *Server {
	s := &Server{
		nextID:   1000,
		sessions: make(map[uint64]*session),
		faults:   make(map[string]fault),
		pollHold: time.Second,
		closing:  make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /janus", s.handleRoot)
	mux.HandleFunc("GET /janus/{session}", s.handlePoll)
	mux.HandleFunc("POST /janus/{session}", s.handleSession)
	mux.HandleFunc("POST /janus/{session}/{handle}", s.handleHandle)

	s.srv = httptest.NewServer(mux)
	s.URL = s.srv.URL + "/janus"
	tb.Cleanup(s.Close)
	return s
}

// Close releases blocked long polls and stops the server.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.srv.Close()
	})
}

// SetAPISecret makes every request require the given apisecret.
func (s *Server) SetAPISecret(secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiSecret = secret
}

// SetPollHold sets how long an idle long poll is held before the fake answers
// with a keepalive.
func (s *Server) SetPollHold(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollHold = d
}

func (s *Server) OnMessage(fn MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = fn
}

// FailVerb makes the next request with verb answer with a Janus error reply.
// The long poll is addressed as verb "poll".
func (s *Server) FailVerb(verb string, code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[verb] = fault{code: code, reason: reason}
}

// FailVerbHTTP makes the next request with verb answer with an HTTP status and
// no JSON body.
func (s *Server) FailVerbHTTP(verb string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[verb] = fault{status: status}
}

// Push queues payload for the session's long poll.
func (s *Server) Push(sessionID uint64, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("no session %d", sessionID)
	}
	s.enqueueLocked(sess, raw)
	return nil
}

// Requests returns the requests received so far, excluding long polls.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Verbs returns the verbs of the recorded requests in arrival order.
func (s *Server) Verbs() []string {
	reqs := s.Requests()
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.Verb
	}
	return out
}

// Sessions returns the ids of sessions that have not been destroyed.
func (s *Server) Sessions() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint64
	for id, sess := range s.sessions {
		if !sess.destroyed {
			out = append(out, id)
		}
	}
	return out
}

// Handles returns the number of handles attached to a live session.
func (s *Server) Handles(sessionID uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.destroyed {
		return 0
	}
	return len(sess.handles)
}

func (s *Server) enqueueLocked(sess *session, raw json.RawMessage) {
	sess.queue = append(sess.queue, raw)
	select {
	case sess.wake <- struct{}{}:
	default:
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	if req.Verb != "create" {
		writeError(w, req, CodeUnknownVerb, "Unhandled request '"+req.Verb+"' at this path")
		return
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.sessions[id] = &session{handles: make(map[uint64]string), wake: make(chan struct{}, 1)}
	s.mu.Unlock()

	writeJSON(w, map[string]any{
		"janus":       "success",
		"transaction": req.Field("transaction"),
		"data":        map[string]any{"id": id},
	})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	sid, err := strconv.ParseUint(r.PathValue("session"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	if f, ok := s.faults["poll"]; ok {
		delete(s.faults, "poll")
		s.mu.Unlock()
		writeFault(w, Request{}, f)
		return
	}
	sess, ok := s.sessions[sid]
	hold := s.pollHold
	s.mu.Unlock()
	if !ok {
		writeError(w, Request{}, CodeNoSuchSession, "No such session "+strconv.FormatUint(sid, 10))
		return
	}

	timer := time.NewTimer(hold)
	defer timer.Stop()
	for {
		s.mu.Lock()
		if len(sess.queue) > 0 {
			next := sess.queue[0]
			sess.queue = sess.queue[1:]
			s.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(next)
			return
		}
		destroyed := sess.destroyed
		s.mu.Unlock()
		if destroyed {
			writeJSON(w, map[string]any{"janus": "keepalive"})
			return
		}

		select {
		case <-sess.wake:
		case <-timer.C:
			writeJSON(w, map[string]any{"janus": "keepalive"})
			return
		case <-s.closing:
			writeJSON(w, map[string]any{"janus": "keepalive"})
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sid, sess, ok := s.lookupLocked(w, req, r.PathValue("session"))
	if !ok {
		return
	}
	txn := req.Field("transaction")

	switch req.Verb {
	case "attach":
		plugin := req.Field("plugin")
		if plugin == "" || plugin == "janus.plugin.unknown" {
			writeError(w, req, CodeUnknownPlugin, "No such plugin '"+plugin+"'")
			return
		}
		s.nextID++
		sess.handles[s.nextID] = plugin
		writeJSON(w, map[string]any{
			"janus": "success", "session_id": sid, "transaction": txn,
			"data": map[string]any{"id": s.nextID},
		})
	case "keepalive":
		writeJSON(w, map[string]any{"janus": "ack", "session_id": sid, "transaction": txn})
	case "destroy":
		sess.destroyed = true
		sess.handles = map[uint64]string{}
		select {
		case sess.wake <- struct{}{}:
		default:
		}
		writeJSON(w, map[string]any{"janus": "success", "session_id": sid, "transaction": txn})
	default:
		writeError(w, req, CodeUnknownVerb, "Unhandled request '"+req.Verb+"' at this path")
	}
}

func (s *Server) handleHandle(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	sid, sess, ok := s.lookupLocked(w, req, r.PathValue("session"))
	if !ok {
		s.mu.Unlock()
		return
	}
	hid, err := strconv.ParseUint(r.PathValue("handle"), 10, 64)
	if _, attached := sess.handles[hid]; err != nil || !attached {
		s.mu.Unlock()
		writeError(w, req, CodeNoSuchHandle, "No such handle "+r.PathValue("handle"))
		return
	}
	txn := req.Field("transaction")

	switch req.Verb {
	case "message":
		onMessage := s.onMessage
		s.mu.Unlock()
		writeJSON(w, map[string]any{"janus": "ack", "session_id": sid, "transaction": txn})
		if onMessage == nil {
			return
		}
		for _, push := range onMessage(sid, hid, req.Body["body"], req.Body["jsep"]) {
			_ = s.Push(sid, push)
		}
		return
	case "trickle":
		writeJSON(w, map[string]any{"janus": "ack", "session_id": sid, "transaction": txn})
	case "hangup":
		writeJSON(w, map[string]any{"janus": "success", "session_id": sid, "transaction": txn})
		raw, _ := json.Marshal(map[string]any{
			"janus": "hangup", "session_id": sid, "sender": hid, "reason": "Explicit hangup",
		})
		s.enqueueLocked(sess, raw)
	case "detach":
		delete(sess.handles, hid)
		writeJSON(w, map[string]any{"janus": "success", "session_id": sid, "transaction": txn})
	default:
		writeError(w, req, CodeUnknownVerb, "Unhandled request '"+req.Verb+"' at this path")
	}
	s.mu.Unlock()
}

// lookupLocked resolves the session path segment, writing the error reply when
// it does not name a live session.
func (s *Server) lookupLocked(w http.ResponseWriter, req Request, segment string) (uint64, *session, bool) {
	sid, err := strconv.ParseUint(segment, 10, 64)
	sess, ok := s.sessions[sid]
	if err != nil || !ok || sess.destroyed {
		writeError(w, req, CodeNoSuchSession, "No such session "+segment)
		return 0, nil, false
	}
	return sid, sess, true
}

// decode records the request and applies injected faults and the api secret.
func (s *Server) decode(w http.ResponseWriter, r *http.Request) (Request, bool) {
	req := Request{Method: r.Method, Path: r.URL.Path}
	payload, err := io.ReadAll(r.Body)
	if err == nil {
		err = json.Unmarshal(payload, &req.Body)
	}
	if err != nil {
		writeError(w, req, CodeInvalidJSON, "JSON error")
		return req, false
	}
	req.Verb = req.Field("janus")

	s.mu.Lock()
	s.requests = append(s.requests, req)
	f, faulted := s.faults[req.Verb]
	delete(s.faults, req.Verb)
	secret := s.apiSecret
	s.mu.Unlock()

	if faulted {
		writeFault(w, req, f)
		return req, false
	}
	if secret != "" && req.Field("apisecret") != secret {
		writeError(w, req, CodeUnauthorized, "Unauthorized request (wrong or missing secret/token)")
		return req, false
	}
	return req, true
}

func writeFault(w http.ResponseWriter, req Request, f fault) {
	if f.status != 0 {
		http.Error(w, http.StatusText(f.status), f.status)
		return
	}
	writeError(w, req, f.code, f.reason)
}

func writeError(w http.ResponseWriter, req Request, code int, reason string) {
	writeJSON(w, map[string]any{
		"janus":       "error",
		"transaction": req.Field("transaction"),
		"error":       map[string]any{"code": code, "reason": reason},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
