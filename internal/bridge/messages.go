package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/wilsonzlin/aero/proxy/janus-bridge/janus"
)

type messageType string

// Client to bridge.
const (
	messageTypeAuth      messageType = "auth"
	messageTypeOffer     messageType = "offer"
	messageTypeAnswer    messageType = "answer"
	messageTypeMessage   messageType = "message"
	messageTypeCandidate messageType = "candidate"
	messageTypeHangup    messageType = "hangup"
	messageTypeClose     messageType = "close"
)

// Bridge to client.
const (
	messageTypeReady    messageType = "ready"
	messageTypeEvent    messageType = "event"
	messageTypeWebRTCUp messageType = "webrtcup"
	messageTypeMedia    messageType = "media"
	messageTypeError    messageType = "error"
)

// Error codes carried by error messages.
const (
	codeUnauthorized      = "unauthorized"
	codeRateLimited       = "rate_limited"
	codeBadMessage        = "bad_message"
	codeUnexpectedMessage = "unexpected_message"
	codeTooManySessions   = "too_many_sessions"
	codeJanusError        = "janus_error"
	codeInternalError     = "internal_error"
)

// clientMessage is one inbound signaling message.
//
// Candidate is kept raw: an absent or null candidate, or one with an empty
// candidate string, means end of candidates.
type clientMessage struct {
	Type      messageType     `json:"type"`
	APIKey    string          `json:"apiKey,omitempty"`
	SDP       *janus.JSEP     `json:"sdp,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type serverMessage struct {
	Type      messageType     `json:"type"`
	SessionID janus.ID        `json:"sessionId,omitempty"`
	HandleID  janus.ID        `json:"handleId,omitempty"`
	Plugin    string          `json:"plugin,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	SDP       *janus.JSEP     `json:"sdp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
}

func parseClientMessage(data []byte) (clientMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg clientMessage
	if err := dec.Decode(&msg); err != nil {
		return clientMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return clientMessage{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.validate(); err != nil {
		return clientMessage{}, err
	}
	return msg, nil
}

func (m clientMessage) validate() error {
	hasBody := len(m.Body) > 0
	hasCandidate := len(m.Candidate) > 0
	if hasBody && !bytes.HasPrefix(bytes.TrimSpace(m.Body), []byte("{")) {
		return fmt.Errorf("%s message body must be a JSON object", m.Type)
	}

	switch m.Type {
	case messageTypeAuth:
		if m.APIKey == "" {
			return fmt.Errorf("auth message missing apiKey")
		}
		if m.SDP != nil || hasBody || hasCandidate {
			return fmt.Errorf("auth message has unexpected fields")
		}
	case messageTypeOffer, messageTypeAnswer:
		if m.SDP == nil {
			return fmt.Errorf("%s message missing sdp", m.Type)
		}
		if m.SDP.Type != string(m.Type) {
			return fmt.Errorf("%s message has sdp.type=%q", m.Type, m.SDP.Type)
		}
		if _, err := m.SDP.SessionDescription(); err != nil {
			return err
		}
		if m.APIKey != "" || hasCandidate {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case messageTypeMessage:
		if !hasBody {
			return fmt.Errorf("message missing body")
		}
		if m.APIKey != "" || m.SDP != nil || hasCandidate {
			return fmt.Errorf("message has unexpected fields")
		}
	case messageTypeCandidate:
		if _, err := m.candidate(); err != nil {
			return err
		}
		if m.APIKey != "" || m.SDP != nil || hasBody {
			return fmt.Errorf("candidate message has unexpected fields")
		}
	case messageTypeHangup, messageTypeClose:
		if m.APIKey != "" || m.SDP != nil || hasBody || hasCandidate {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// candidate decodes the candidate field. A nil result means end of
// candidates.
func (m clientMessage) candidate() (*janus.Candidate, error) {
	trimmed := bytes.TrimSpace(m.Candidate)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	var c struct {
		janus.Candidate
		UsernameFragment *string `json:"usernameFragment,omitempty"`
	}
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("invalid candidate: %w", err)
	}
	if c.Candidate.Candidate == "" {
		return nil, nil
	}
	return &c.Candidate, nil
}
