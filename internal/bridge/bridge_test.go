package bridge

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wilsonzlin/aero/proxy/janus-bridge/internal/auth"
	"github.com/wilsonzlin/aero/proxy/janus-bridge/internal/config"
	"github.com/wilsonzlin/aero/proxy/janus-bridge/internal/janustest"
	"github.com/wilsonzlin/aero/proxy/janus-bridge/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/janus-bridge/internal/origin"
	"github.com/wilsonzlin/aero/proxy/janus-bridge/janus"
)

const testPlugin = "janus.plugin.echotest"

func startBridge(t *testing.T, gw *janustest.Server, mutate func(*Config)) (*Server, string) {
	t.Helper()

	cfg := Config{
		Janus: config.JanusConfig{
			URL:            gw.URL,
			Plugin:         testPlugin,
			RequestTimeout: 2 * time.Second,
		},
		Transport: janus.NewHTTPTransport(nil),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)

	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/janus/ws"
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readMessage(t *testing.T, c *websocket.Conn) serverMessage {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg serverMessage
	if err := c.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return msg
}

func expectType(t *testing.T, c *websocket.Conn, typ messageType) serverMessage {
	t.Helper()
	msg := readMessage(t, c)
	if msg.Type != typ {
		t.Fatalf("message=%+v, want type %q", msg, typ)
	}
	return msg
}

// expectClose reads until the server closes the connection and returns the
// close code.
func expectClose(t *testing.T, c *websocket.Conn) int {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		ce, ok := err.(*websocket.CloseError)
		if !ok {
			t.Fatalf("read err=%v, want close frame", err)
		}
		return ce.Code
	}
}

func expectErrorThenClose(t *testing.T, c *websocket.Conn, code string, closeCode int) {
	t.Helper()
	msg := expectType(t, c, messageTypeError)
	if msg.Code != code {
		t.Fatalf("error code=%q (%s), want %q", msg.Code, msg.Message, code)
	}
	if got := expectClose(t, c); got != closeCode {
		t.Fatalf("close code=%d, want %d", got, closeCode)
	}
}

func TestBridge_EchoRoundTrip(t *testing.T) {
	gw := janustest.New(t)
	gw.SetPollHold(100 * time.Millisecond)
	gw.OnMessage(func(sid, hid uint64, body, jsep json.RawMessage) []any {
		push := map[string]any{
			"janus":      "event",
			"session_id": sid,
			"sender":     hid,
			"plugindata": map[string]any{
				"plugin": testPlugin,
				"data":   map[string]any{"echotest": "event", "result": "ok"},
			},
		}
		if len(jsep) > 0 {
			push["jsep"] = map[string]any{"type": "answer", "sdp": "v=0\r\n"}
		}
		return []any{push, map[string]any{"janus": "webrtcup", "session_id": sid, "sender": hid}}
	})

	srv, wsURL := startBridge(t, gw, nil)
	c := dial(t, wsURL)

	ready := expectType(t, c, messageTypeReady)
	if ready.SessionID == 0 || ready.HandleID == 0 || ready.Plugin != testPlugin {
		t.Fatalf("ready=%+v", ready)
	}
	if srv.ActiveSessions() != 1 {
		t.Fatalf("active sessions=%d, want 1", srv.ActiveSessions())
	}

	if err := c.WriteJSON(map[string]any{
		"type": "offer",
		"sdp":  map[string]any{"type": "offer", "sdp": "v=0\r\n"},
		"body": map[string]any{"audio": true, "video": true},
	}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	ev := expectType(t, c, messageTypeEvent)
	if string(ev.Data) != `{"echotest":"event","result":"ok"}` {
		t.Fatalf("data=%s", ev.Data)
	}
	if ev.SDP == nil || ev.SDP.Type != "answer" || ev.SDP.SDP != "v=0\r\n" {
		t.Fatalf("sdp=%+v", ev.SDP)
	}
	up := expectType(t, c, messageTypeWebRTCUp)
	if !strings.Contains(string(up.Payload), `"janus":"webrtcup"`) {
		t.Fatalf("payload=%s", up.Payload)
	}

	for _, m := range []map[string]any{
		{"type": "candidate", "candidate": map[string]any{"candidate": "candidate:1 1 udp 1 10.0.0.1 5000 typ host", "sdpMid": "0", "sdpMLineIndex": 0}},
		{"type": "candidate", "candidate": nil},
		{"type": "hangup"},
	} {
		if err := c.WriteJSON(m); err != nil {
			t.Fatalf("WriteJSON: %v", err)
		}
	}
	expectType(t, c, messageTypeHangup)

	if err := c.WriteJSON(map[string]any{"type": "close"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if code := expectClose(t, c); code != websocket.CloseNormalClosure {
		t.Fatalf("close code=%d, want %d", code, websocket.CloseNormalClosure)
	}

	srv.Close()
	if n := len(gw.Sessions()); n != 0 {
		t.Fatalf("gateway sessions=%d after close", n)
	}
	if srv.ActiveSessions() != 0 {
		t.Fatalf("active sessions=%d after close", srv.ActiveSessions())
	}

	var trickles []janustest.Request
	for _, req := range gw.Requests() {
		if req.Verb == "trickle" {
			trickles = append(trickles, req)
		}
	}
	if len(trickles) != 2 {
		t.Fatalf("trickles=%d, want 2", len(trickles))
	}
	if !strings.Contains(string(trickles[0].Body["candidate"]), `"sdpMid":"0"`) {
		t.Fatalf("candidate=%s", trickles[0].Body["candidate"])
	}
	if string(trickles[1].Body["candidate"]) != `{"completed":true}` {
		t.Fatalf("end of candidates=%s", trickles[1].Body["candidate"])
	}

	verbs := gw.Verbs()
	if verbs[len(verbs)-2] != "detach" || verbs[len(verbs)-1] != "destroy" {
		t.Fatalf("verbs=%v, want detach then destroy last", verbs)
	}
}

func TestBridge_MessageBodyForwarded(t *testing.T) {
	gw := janustest.New(t)
	gw.SetPollHold(100 * time.Millisecond)

	_, wsURL := startBridge(t, gw, nil)
	c := dial(t, wsURL)
	expectType(t, c, messageTypeReady)

	if err := c.WriteJSON(map[string]any{"type": "message", "body": map[string]any{"bitrate": 128000}}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	// A bad follow-up fails the connection, which orders it after the message.
	if err := c.WriteJSON(map[string]any{"type": "message"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	expectErrorThenClose(t, c, codeBadMessage, websocket.ClosePolicyViolation)

	var found bool
	for _, req := range gw.Requests() {
		if req.Verb == "message" {
			found = true
			if string(req.Body["body"]) != `{"bitrate":128000}` {
				t.Fatalf("body=%s", req.Body["body"])
			}
			if _, ok := req.Body["jsep"]; ok {
				t.Fatalf("unexpected jsep")
			}
		}
	}
	if !found {
		t.Fatalf("message not forwarded: %v", gw.Verbs())
	}
}

func TestBridge_JanusErrorsAreReported(t *testing.T) {
	gw := janustest.New(t)
	gw.SetPollHold(100 * time.Millisecond)

	_, wsURL := startBridge(t, gw, nil)
	c := dial(t, wsURL)
	expectType(t, c, messageTypeReady)

	gw.FailVerb("message", 456, "Missing mandatory element")
	if err := c.WriteJSON(map[string]any{"type": "message", "body": map[string]any{}}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	msg := expectType(t, c, messageTypeError)
	if msg.Code != codeJanusError || msg.Message != "Missing mandatory element" {
		t.Fatalf("error=%+v", msg)
	}

	// The connection survives a gateway error.
	if err := c.WriteJSON(map[string]any{"type": "hangup"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	expectType(t, c, messageTypeHangup)
}

func TestBridge_JanusUnavailable(t *testing.T) {
	gw := janustest.New(t)
	gw.FailVerbHTTP("create", http.StatusBadGateway)

	reg := metrics.NewRegistry()
	m := metrics.New(reg)
	srv, wsURL := startBridge(t, gw, func(cfg *Config) { cfg.Metrics = m })
	c := dial(t, wsURL)
	expectErrorThenClose(t, c, codeJanusError, websocket.CloseInternalServerErr)

	srv.Close()
	if srv.ActiveSessions() != 0 {
		t.Fatalf("active sessions=%d", srv.ActiveSessions())
	}
	if got := testutil.ToFloat64(m.SessionsTotal.WithLabelValues("janus_error")); got != 1 {
		t.Fatalf("sessions_total{janus_error}=%v, want 1", got)
	}
}

func TestBridge_UnknownPluginReleasesSession(t *testing.T) {
	gw := janustest.New(t)
	gw.SetPollHold(100 * time.Millisecond)

	srv, wsURL := startBridge(t, gw, func(cfg *Config) { cfg.Janus.Plugin = "janus.plugin.unknown" })
	c := dial(t, wsURL)
	expectErrorThenClose(t, c, codeJanusError, websocket.CloseInternalServerErr)

	srv.Close()
	if n := len(gw.Sessions()); n != 0 {
		t.Fatalf("gateway sessions=%d, want 0", n)
	}
}

func TestBridge_APIKeyAuth(t *testing.T) {
	gw := janustest.New(t)
	gw.SetPollHold(100 * time.Millisecond)

	verifier, err := auth.NewVerifier(config.AuthModeAPIKey, "secret")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	_, wsURL := startBridge(t, gw, func(cfg *Config) {
		cfg.Verifier = verifier
		cfg.AuthTimeout = 200 * time.Millisecond
	})

	t.Run("query", func(t *testing.T) {
		c := dial(t, wsURL+"?apiKey=secret")
		expectType(t, c, messageTypeReady)
	})

	t.Run("wrong query key", func(t *testing.T) {
		c := dial(t, wsURL+"?apiKey=nope")
		expectErrorThenClose(t, c, codeUnauthorized, websocket.ClosePolicyViolation)
	})

	t.Run("auth message", func(t *testing.T) {
		c := dial(t, wsURL)
		if err := c.WriteJSON(map[string]any{"type": "auth", "apiKey": "secret"}); err != nil {
			t.Fatalf("WriteJSON: %v", err)
		}
		expectType(t, c, messageTypeReady)
		// Repeated auth is tolerated.
		if err := c.WriteJSON(map[string]any{"type": "auth", "apiKey": "secret"}); err != nil {
			t.Fatalf("WriteJSON: %v", err)
		}
		if err := c.WriteJSON(map[string]any{"type": "hangup"}); err != nil {
			t.Fatalf("WriteJSON: %v", err)
		}
		expectType(t, c, messageTypeHangup)
	})

	t.Run("message before auth", func(t *testing.T) {
		c := dial(t, wsURL)
		if err := c.WriteJSON(map[string]any{"type": "hangup"}); err != nil {
			t.Fatalf("WriteJSON: %v", err)
		}
		expectErrorThenClose(t, c, codeUnauthorized, websocket.ClosePolicyViolation)
	})

	t.Run("timeout", func(t *testing.T) {
		c := dial(t, wsURL)
		if code := expectClose(t, c); code != websocket.ClosePolicyViolation {
			t.Fatalf("close code=%d, want %d", code, websocket.ClosePolicyViolation)
		}
	})
}

func TestBridge_MaxSessions(t *testing.T) {
	gw := janustest.New(t)
	gw.SetPollHold(100 * time.Millisecond)

	_, wsURL := startBridge(t, gw, func(cfg *Config) { cfg.MaxSessions = 1 })

	first := dial(t, wsURL)
	expectType(t, first, messageTypeReady)

	second := dial(t, wsURL)
	expectErrorThenClose(t, second, codeTooManySessions, websocket.ClosePolicyViolation)

	if err := first.WriteJSON(map[string]any{"type": "close"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	expectClose(t, first)

	// The slot is released once the first session is destroyed.
	deadline := time.Now().Add(3 * time.Second)
	for {
		third, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		msg := readMessage(t, third)
		_ = third.Close()
		if msg.Type == messageTypeReady {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("slot not released: %+v", msg)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestBridge_RateLimit(t *testing.T) {
	gw := janustest.New(t)
	gw.SetPollHold(100 * time.Millisecond)

	reg := metrics.NewRegistry()
	m := metrics.New(reg)
	_, wsURL := startBridge(t, gw, func(cfg *Config) {
		cfg.MaxMessagesPerSecond = 1
		cfg.Metrics = m
	})
	c := dial(t, wsURL)
	expectType(t, c, messageTypeReady)

	for i := 0; i < 2; i++ {
		if err := c.WriteJSON(map[string]any{"type": "auth", "apiKey": "x"}); err != nil {
			t.Fatalf("WriteJSON: %v", err)
		}
	}
	expectErrorThenClose(t, c, codeRateLimited, websocket.ClosePolicyViolation)
	if got := testutil.ToFloat64(m.DroppedTotal.WithLabelValues(metrics.DropReasonRateLimited)); got != 1 {
		t.Fatalf("dropped{rate_limited}=%v, want 1", got)
	}
}

func TestBridge_MessageTooLarge(t *testing.T) {
	gw := janustest.New(t)
	gw.SetPollHold(100 * time.Millisecond)

	_, wsURL := startBridge(t, gw, func(cfg *Config) { cfg.MaxMessageBytes = 64 })
	c := dial(t, wsURL)
	expectType(t, c, messageTypeReady)

	big := map[string]any{"type": "message", "body": map[string]any{"pad": strings.Repeat("x", 128)}}
	if err := c.WriteJSON(big); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if code := expectClose(t, c); code != websocket.CloseMessageTooBig {
		t.Fatalf("close code=%d, want %d", code, websocket.CloseMessageTooBig)
	}
}

func TestBridge_BadMessages(t *testing.T) {
	gw := janustest.New(t)
	gw.SetPollHold(100 * time.Millisecond)
	_, wsURL := startBridge(t, gw, nil)

	cases := map[string]string{
		"unknown type":    `{"type":"bogus"}`,
		"unknown field":   `{"type":"hangup","extra":1}`,
		"sdp mismatch":    `{"type":"offer","sdp":{"type":"answer","sdp":"v=0"}}`,
		"trailing data":   `{"type":"hangup"}{}`,
		"not json":        `hello`,
		"body not object": `{"type":"message","body":[1]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			c := dial(t, wsURL)
			expectType(t, c, messageTypeReady)
			if err := c.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
				t.Fatalf("WriteMessage: %v", err)
			}
			expectErrorThenClose(t, c, codeBadMessage, websocket.ClosePolicyViolation)
		})
	}

	t.Run("binary", func(t *testing.T) {
		c := dial(t, wsURL)
		expectType(t, c, messageTypeReady)
		if err := c.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
		expectErrorThenClose(t, c, codeBadMessage, websocket.CloseUnsupportedData)
	})
}

func TestBridge_CloseTearsDownAllSessions(t *testing.T) {
	gw := janustest.New(t)
	gw.SetPollHold(100 * time.Millisecond)

	srv, wsURL := startBridge(t, gw, nil)
	a := dial(t, wsURL)
	b := dial(t, wsURL)
	expectType(t, a, messageTypeReady)
	expectType(t, b, messageTypeReady)
	if n := len(gw.Sessions()); n != 2 {
		t.Fatalf("gateway sessions=%d, want 2", n)
	}

	srv.Close()

	for _, c := range []*websocket.Conn{a, b} {
		if code := expectClose(t, c); code != websocket.CloseGoingAway {
			t.Fatalf("close code=%d, want %d", code, websocket.CloseGoingAway)
		}
	}
	if n := len(gw.Sessions()); n != 0 {
		t.Fatalf("gateway sessions=%d after Close", n)
	}
	if err := srv.Ready(); err != ErrClosed {
		t.Fatalf("Ready=%v, want %v", err, ErrClosed)
	}

	c, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		if code := expectClose(t, c); code != websocket.CloseGoingAway {
			t.Fatalf("close code=%d after shutdown", code)
		}
	} else if resp == nil {
		t.Fatalf("dial after close: %v", err)
	}
}

func TestBridge_PollFailureClosesConnection(t *testing.T) {
	gw := janustest.New(t)
	gw.SetPollHold(100 * time.Millisecond)

	srv, wsURL := startBridge(t, gw, nil)
	c := dial(t, wsURL)
	expectType(t, c, messageTypeReady)

	gw.FailVerbHTTP("poll", http.StatusInternalServerError)
	expectErrorThenClose(t, c, codeJanusError, websocket.CloseInternalServerErr)

	srv.Close()
	if n := len(gw.Sessions()); n != 0 {
		t.Fatalf("gateway sessions=%d, want 0", n)
	}
}

func TestBridge_IdleTimeout(t *testing.T) {
	gw := janustest.New(t)
	gw.SetPollHold(100 * time.Millisecond)

	srv, wsURL := startBridge(t, gw, func(cfg *Config) {
		cfg.IdleTimeout = 300 * time.Millisecond
		cfg.PingInterval = 100 * time.Millisecond
	})

	t.Run("pongs keep the connection open", func(t *testing.T) {
		c := dial(t, wsURL)
		expectType(t, c, messageTypeReady)

		// Reading lets gorilla answer the server's pings.
		_ = c.SetReadDeadline(time.Now().Add(900 * time.Millisecond))
		_, _, err := c.ReadMessage()
		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() {
			t.Fatalf("read err=%v, want client-side timeout", err)
		}
		if n := srv.ActiveSessions(); n != 1 {
			t.Fatalf("active sessions=%d, want 1", n)
		}
		_ = c.Close()
	})

	t.Run("silent client is closed", func(t *testing.T) {
		c := dial(t, wsURL)
		expectType(t, c, messageTypeReady)

		// No reads means no pongs.
		time.Sleep(600 * time.Millisecond)
		if code := expectClose(t, c); code != websocket.CloseNormalClosure {
			t.Fatalf("close code=%d, want %d", code, websocket.CloseNormalClosure)
		}
	})
}

func TestBridge_RejectsCrossOrigin(t *testing.T) {
	gw := janustest.New(t)
	_, wsURL := startBridge(t, gw, func(cfg *Config) {
		cfg.Origins = origin.Policy{Allowed: []string{"https://app.example.com"}}
	})

	h := http.Header{}
	h.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, h)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp=%v, want 403", resp)
	}

	h.Set("Origin", "https://app.example.com")
	c, _, err := websocket.DefaultDialer.Dial(wsURL, h)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	expectType(t, c, messageTypeReady)
}

func TestNewServer_Validation(t *testing.T) {
	if _, err := NewServer(Config{Janus: config.JanusConfig{Plugin: testPlugin}}); err == nil {
		t.Fatalf("expected error without janus url")
	}
	if _, err := NewServer(Config{Janus: config.JanusConfig{URL: "http://127.0.0.1:8088/janus"}}); err == nil {
		t.Fatalf("expected error without plugin")
	}
	srv, err := NewServer(Config{
		Janus:        config.JanusConfig{URL: "http://127.0.0.1:8088/janus", Plugin: testPlugin},
		IdleTimeout:  time.Second,
		PingInterval: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if srv.cfg.PingInterval >= srv.cfg.IdleTimeout {
		t.Fatalf("ping=%v idle=%v", srv.cfg.PingInterval, srv.cfg.IdleTimeout)
	}
}
