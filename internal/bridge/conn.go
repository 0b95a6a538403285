package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/janus-bridge/internal/auth"
	"github.com/wilsonzlin/aero/proxy/janus-bridge/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/janus-bridge/janus"
)

const wsWriteWait = 1 * time.Second

// conn is one signaling WebSocket and the Janus session behind it.
type conn struct {
	srv     *Server
	ws      *websocket.Conn
	req     *http.Request
	log     *slog.Logger
	limiter *rate.Limiter

	writeMu sync.Mutex

	session *janus.Session
	handle  *janus.Handle

	done      chan struct{}
	abortOnce sync.Once
}

func newConn(s *Server, ws *websocket.Conn, r *http.Request) *conn {
	perSecond := s.cfg.MaxMessagesPerSecond
	return &conn{
		srv:     s,
		ws:      ws,
		req:     r,
		log:     s.log.With("conn_id", uuid.NewString(), "remote_addr", r.RemoteAddr),
		limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond),
		done:    make(chan struct{}),
	}
}

func (c *conn) run() {
	defer c.cleanup()

	c.ws.SetReadLimit(c.srv.cfg.MaxMessageBytes)

	authenticated := c.srv.cfg.Verifier == nil
	if !authenticated {
		cred, err := auth.CredentialFromRequest(c.req)
		switch {
		case err == nil:
			if err := c.srv.cfg.Verifier.Verify(cred); err != nil {
				c.srv.cfg.Metrics.Drop(metrics.DropReasonUnauthorized)
				c.fail(codeUnauthorized, "invalid credentials", websocket.ClosePolicyViolation, "unauthorized")
				return
			}
			authenticated = true
		case errors.Is(err, auth.ErrMissingCredentials):
			_ = c.ws.SetReadDeadline(time.Now().Add(c.srv.cfg.AuthTimeout))
		default:
			c.fail(codeInternalError, "authorization failed", websocket.CloseInternalServerErr, "internal error")
			return
		}
	}

	if authenticated {
		if !c.start() {
			return
		}
	}

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				// gorilla has already sent CloseMessageTooBig.
				c.srv.cfg.Metrics.Drop(metrics.DropReasonMessageTooLarge)
			case !authenticated && isTimeout(err):
				c.srv.cfg.Metrics.Drop(metrics.DropReasonUnauthorized)
				c.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
			case isTimeout(err):
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		// The limit is applied after reading so unread bytes do not turn the
		// close into a TCP reset.
		if !c.limiter.Allow() {
			c.srv.cfg.Metrics.Drop(metrics.DropReasonRateLimited)
			c.fail(codeRateLimited, "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.fail(codeBadMessage, "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := parseClientMessage(data)
		if err != nil {
			c.fail(codeBadMessage, err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}
		c.srv.cfg.Metrics.Message("in", string(msg.Type))

		if !authenticated {
			if msg.Type != messageTypeAuth {
				c.srv.cfg.Metrics.Drop(metrics.DropReasonUnauthorized)
				c.fail(codeUnauthorized, "authentication required", websocket.ClosePolicyViolation, "authentication required")
				return
			}
			cred, err := auth.CredentialFromAuthMessage(auth.WireAuthMessage{Type: string(msg.Type), APIKey: msg.APIKey})
			if err == nil {
				err = c.srv.cfg.Verifier.Verify(cred)
			}
			if err != nil {
				c.srv.cfg.Metrics.Drop(metrics.DropReasonUnauthorized)
				c.fail(codeUnauthorized, "invalid credentials", websocket.ClosePolicyViolation, "unauthorized")
				return
			}
			authenticated = true
			if !c.start() {
				return
			}
			continue
		}

		if msg.Type == messageTypeClose {
			c.closeWith(websocket.CloseNormalClosure, "closed by client")
			return
		}
		if err := c.relay(msg); err != nil {
			c.log.Warn("signaling request failed", "type", msg.Type, "err", err)
			if errors.Is(err, janus.ErrIllegalState) {
				c.fail(codeJanusError, err.Error(), websocket.CloseInternalServerErr, "janus session closed")
				return
			}
			c.sendError(codeFor(err), err.Error())
		}
	}
}

// start opens the Janus session, attaches the plugin and announces ready.
// It runs once the client is authenticated.
func (c *conn) start() bool {
	cfg := c.srv.cfg
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	})
	go c.pingLoop()

	if !c.srv.reserveSession() {
		c.srv.cfg.Metrics.Drop(metrics.DropReasonTooManySessions)
		c.fail(codeTooManySessions, "too many sessions", websocket.ClosePolicyViolation, "too many sessions")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Janus.RequestTimeout)
	defer cancel()

	sess, err := janus.NewSession(cfg.Janus.URL, c.srv.sessionOptions(c.log)...)
	if err != nil {
		c.srv.releaseSession()
		c.fail(codeInternalError, err.Error(), websocket.CloseInternalServerErr, "internal error")
		return false
	}
	c.session = sess

	// Polling starts only once both listeners are registered, so no push is
	// routed before the client can receive it.
	if err := sess.Connect(ctx); err != nil {
		cfg.Metrics.SessionOutcome("janus_error")
		c.log.Warn("janus session create failed", "err", err)
		c.fail(codeJanusError, err.Error(), websocket.CloseInternalServerErr, "janus unavailable")
		return false
	}

	h, err := sess.Attach(ctx, cfg.Janus.Plugin)
	if err != nil {
		cfg.Metrics.SessionOutcome("janus_error")
		c.log.Warn("janus attach failed", "plugin", cfg.Janus.Plugin, "err", err)
		c.fail(codeJanusError, err.Error(), websocket.CloseInternalServerErr, "janus attach failed")
		return false
	}
	c.handle = h
	c.watchSession(sess)
	c.watchHandle(h)
	if err := sess.Poll(); err != nil {
		c.fail(codeInternalError, err.Error(), websocket.CloseInternalServerErr, "internal error")
		return false
	}

	sid, _ := sess.ID()
	cfg.Metrics.SessionOutcome("ready")
	c.log.Info("janus session bridged", "session_id", sid, "handle_id", h.ID(), "plugin", h.Plugin())

	if err := c.send(serverMessage{Type: messageTypeReady, SessionID: sid, HandleID: h.ID(), Plugin: h.Plugin()}); err != nil {
		return false
	}
	return true
}

// watchSession forwards session-level failures. A stopped poll loop or a
// destroyed session ends the connection.
func (c *conn) watchSession(sess *janus.Session) {
	sess.On(janus.EventError, func(ev janus.Event) {
		c.sendError(codeJanusError, ev.Err.Error())
		if errors.Is(ev.Err, janus.ErrTransport) && !sess.Polling() && sess.State() == janus.SessionConnected {
			c.closeWith(websocket.CloseInternalServerErr, "janus event stream lost")
			c.abort()
		}
	})
	sess.On(janus.EventDestroyed, func(janus.Event) {
		c.closeWith(websocket.CloseNormalClosure, "session destroyed")
		c.abort()
	})
}

func (c *conn) watchHandle(h *janus.Handle) {
	h.On(janus.EventEvent, func(ev janus.Event) {
		msg := serverMessage{Type: messageTypeEvent, Data: ev.Data}
		if len(ev.JSEP) > 0 {
			jsep, err := janus.ParseJSEP(ev.JSEP)
			if err != nil {
				c.log.Warn("dropping invalid jsep from gateway", "err", err)
			} else {
				msg.SDP = &jsep
			}
		}
		_ = c.send(msg)
	})
	forward := func(typ messageType) janus.Listener {
		return func(ev janus.Event) {
			var payload json.RawMessage
			if ev.Push != nil {
				payload = ev.Push.Raw
			}
			_ = c.send(serverMessage{Type: typ, Payload: payload})
		}
	}
	h.On(janus.EventWebRTCUp, forward(messageTypeWebRTCUp))
	h.On(janus.EventMedia, forward(messageTypeMedia))
	h.On(janus.EventHangup, forward(messageTypeHangup))
	h.On(janus.EventError, func(ev janus.Event) {
		c.sendError(codeJanusError, ev.Err.Error())
	})
}

// relay forwards one client request to the plugin handle.
func (c *conn) relay(msg clientMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.srv.cfg.Janus.RequestTimeout)
	defer cancel()

	switch msg.Type {
	case messageTypeAuth:
		// Tolerated once authenticated.
		return nil
	case messageTypeOffer, messageTypeAnswer:
		resp, err := c.handle.Message(ctx, body(msg.Body), *msg.SDP)
		if err != nil {
			return err
		}
		return c.forwardSync(resp)
	case messageTypeMessage:
		resp, err := c.handle.Message(ctx, body(msg.Body), nil)
		if err != nil {
			return err
		}
		return c.forwardSync(resp)
	case messageTypeCandidate:
		cand, err := msg.candidate()
		if err != nil {
			return err
		}
		if cand == nil {
			_, err = c.handle.TrickleComplete(ctx)
		} else {
			_, err = c.handle.TrickleCandidate(ctx, *cand)
		}
		return err
	case messageTypeHangup:
		_, err := c.handle.Hangup(ctx)
		return err
	default:
		return fmt.Errorf("%w: unexpected message type %q", errUnexpectedMessage, msg.Type)
	}
}

var errUnexpectedMessage = errors.New("unexpected message")

// forwardSync relays a synchronous plugin reply (`success` with plugindata).
// Asynchronous replies arrive later as events.
func (c *conn) forwardSync(resp *janus.Response) error {
	if resp == nil || resp.Janus != "success" || resp.PluginData == nil {
		return nil
	}
	return c.send(serverMessage{Type: messageTypeEvent, Data: resp.PluginData.Data})
}

func body(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, janus.ErrProtocol), errors.Is(err, janus.ErrTransport):
		return codeJanusError
	case errors.Is(err, janus.ErrInvalidArgument):
		return codeBadMessage
	case errors.Is(err, errUnexpectedMessage):
		return codeUnexpectedMessage
	default:
		return codeInternalError
	}
}

func (c *conn) pingLoop() {
	t := time.NewTicker(c.srv.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
		}
		c.writeMu.Lock()
		err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *conn) send(msg serverMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	c.srv.cfg.Metrics.Message("out", string(msg.Type))
	return nil
}

func (c *conn) sendError(code, message string) {
	_ = c.send(serverMessage{Type: messageTypeError, Code: code, Message: message})
}

func (c *conn) fail(code, message string, closeCode int, closeReason string) {
	c.sendError(code, message)
	c.closeWith(closeCode, closeReason)
}

func (c *conn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

// abort unblocks the read loop; run then tears the session down.
func (c *conn) abort() {
	c.abortOnce.Do(func() {
		_ = c.ws.Close()
	})
}

// cleanup destroys the Janus session and waits for its poll loop before
// releasing the session slot.
func (c *conn) cleanup() {
	close(c.done)
	c.abort()

	if c.session == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.srv.cfg.Janus.RequestTimeout)
	defer cancel()
	if err := c.session.Destroy(ctx); err != nil {
		c.log.Warn("janus session destroy failed", "err", err)
	}
	c.session.Wait()
	c.srv.releaseSession()
	c.log.Info("janus session released")
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
