package janus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
)

const (
	verbCreate    = "create"
	verbAttach    = "attach"
	verbMessage   = "message"
	verbTrickle   = "trickle"
	verbHangup    = "hangup"
	verbDetach    = "detach"
	verbDestroy   = "destroy"
	verbKeepAlive = "keepalive"
	verbPoll      = "poll"
)

// ID is a gateway-assigned session or handle identifier.
//
// It decodes from a JSON number or a decimal string.
type ID uint64

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q: %w", s, err)
		}
		*id = ID(n)
		return nil
	}
	var n uint64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", b, err)
	}
	*id = ID(n)
	return nil
}

// PluginData is the plugin-scoped part of a reply or push.
type PluginData struct {
	Plugin string          `json:"plugin,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ErrorBody is the `error` member of a `janus:"error"` reply.
type ErrorBody struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// Response is a decoded gateway reply or long-poll push. Raw holds the full
// payload as received.
type Response struct {
	Janus       string          `json:"janus,omitempty"`
	Transaction string          `json:"transaction,omitempty"`
	SessionID   *ID             `json:"session_id,omitempty"`
	Sender      *ID             `json:"sender,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	PluginData  *PluginData     `json:"plugindata,omitempty"`
	JSEP        json.RawMessage `json:"jsep,omitempty"`
	Error       *ErrorBody      `json:"error,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// decodeResponse parses raw. A `janus:"error"` payload is returned alongside a
// *ProtocolError.
func decodeResponse(raw json.RawMessage) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrProtocol, err)
	}
	resp.Raw = raw
	if resp.Janus == "error" {
		perr := &ProtocolError{Reason: "unknown gateway error"}
		if resp.Error != nil {
			perr.Code = resp.Error.Code
			if resp.Error.Reason != "" {
				perr.Reason = resp.Error.Reason
			}
		}
		return &resp, perr
	}
	return &resp, nil
}

// dataID extracts `data.id` from a create/attach reply.
func (r *Response) dataID() (ID, bool) {
	if !present(r.Data) {
		return 0, false
	}
	var data struct {
		ID *ID `json:"id"`
	}
	if err := json.Unmarshal(r.Data, &data); err != nil || data.ID == nil {
		return 0, false
	}
	return *data.ID, true
}

// present reports whether raw holds a value other than JSON null.
func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

type envelope struct {
	Janus       string `json:"janus"`
	Plugin      string `json:"plugin,omitempty"`
	Transaction string `json:"transaction"`
	Body        any    `json:"body,omitempty"`
	JSEP        any    `json:"jsep,omitempty"`
	Candidate   any    `json:"candidate,omitempty"`
	Candidates  any    `json:"candidates,omitempty"`
	APISecret   string `json:"apisecret,omitempty"`
	Token       string `json:"token,omitempty"`
}

type completedCandidate struct {
	Completed bool `json:"completed"`
}

// envelopeBuilder stamps verb, transaction and credentials onto requests.
type envelopeBuilder struct {
	txn       TransactionIDs
	apiSecret string
	token     string
}

func (b envelopeBuilder) build(verb string) *envelope {
	return &envelope{
		Janus:       verb,
		Transaction: b.txn(),
		APISecret:   b.apiSecret,
		Token:       b.token,
	}
}

func (b envelopeBuilder) attach(plugin string) *envelope {
	env := b.build(verbAttach)
	env.Plugin = plugin
	return env
}

func (b envelopeBuilder) message(body, jsep any) *envelope {
	env := b.build(verbMessage)
	if isNil(body) {
		env.Body = struct{}{}
	} else {
		env.Body = body
	}
	if !isNil(jsep) {
		env.JSEP = jsep
	}
	return env
}

// trickle encodes the three candidate shapes: nothing (end of candidates), a
// sequence, or a single candidate.
func (b envelopeBuilder) trickle(candidates any) (*envelope, error) {
	env := b.build(verbTrickle)
	if isNil(candidates) {
		env.Candidate = completedCandidate{Completed: true}
		return env, nil
	}

	var raw []byte
	switch c := candidates.(type) {
	case json.RawMessage:
		raw = c
	case []byte:
		raw = c
	}
	if raw != nil {
		trimmed := bytes.TrimSpace(raw)
		if !json.Valid(trimmed) {
			return nil, invalidArgument("trickle candidates are not valid JSON")
		}
		switch {
		case bytes.Equal(trimmed, []byte("null")):
			env.Candidate = completedCandidate{Completed: true}
		case trimmed[0] == '[':
			env.Candidates = json.RawMessage(trimmed)
		default:
			env.Candidate = json.RawMessage(trimmed)
		}
		return env, nil
	}

	switch reflect.ValueOf(candidates).Kind() {
	case reflect.Slice, reflect.Array:
		env.Candidates = candidates
	default:
		env.Candidate = candidates
	}
	return env, nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
