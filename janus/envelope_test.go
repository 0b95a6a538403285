package janus

import (
	"encoding/json"
	"errors"
	"testing"
)

func marshalEnvelope(t *testing.T, env *envelope) map[string]json.RawMessage {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return m
}

func TestID_UnmarshalNumberAndString(t *testing.T) {
	cases := map[string]ID{
		`0`:                    0,
		`"0"`:                  0,
		`1234`:                 1234,
		`"8402957382"`:         8402957382,
		`18446744073709551615`: 18446744073709551615,
	}
	for in, want := range cases {
		var got ID
		if err := json.Unmarshal([]byte(in), &got); err != nil {
			t.Fatalf("Unmarshal(%s): %v", in, err)
		}
		if got != want {
			t.Fatalf("Unmarshal(%s)=%d, want %d", in, got, want)
		}
	}

	for _, in := range []string{`"abc"`, `-1`, `1.5`, `{}`} {
		var got ID
		if err := json.Unmarshal([]byte(in), &got); err == nil {
			t.Fatalf("Unmarshal(%s) succeeded with %d", in, got)
		}
	}
}

func TestDecodeResponse_Error(t *testing.T) {
	resp, err := decodeResponse(json.RawMessage(`{"janus":"error","transaction":"t","error":{"code":458,"reason":"No such session"}}`))
	if resp == nil {
		t.Fatalf("expected response alongside error")
	}
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("err=%v, want *ProtocolError", err)
	}
	if perr.Code != 458 || perr.Error() != "No such session" {
		t.Fatalf("perr=%+v", perr)
	}
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("errors.Is(err, ErrProtocol)=false")
	}

	_, err = decodeResponse(json.RawMessage(`{"janus":"error"}`))
	if err == nil || err.Error() != "unknown gateway error" {
		t.Fatalf("err=%v, want unknown gateway error", err)
	}

	_, err = decodeResponse(json.RawMessage(`[1,2]`))
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("err=%v, want ErrProtocol", err)
	}
}

func TestResponse_DataID(t *testing.T) {
	cases := []struct {
		raw  string
		want ID
		ok   bool
	}{
		{`{"janus":"success","data":{"id":0}}`, 0, true},
		{`{"janus":"success","data":{"id":"42"}}`, 42, true},
		{`{"janus":"success","data":{}}`, 0, false},
		{`{"janus":"success","data":null}`, 0, false},
		{`{"janus":"success"}`, 0, false},
	}
	for _, tc := range cases {
		resp, err := decodeResponse(json.RawMessage(tc.raw))
		if err != nil {
			t.Fatalf("decode %s: %v", tc.raw, err)
		}
		got, ok := resp.dataID()
		if got != tc.want || ok != tc.ok {
			t.Fatalf("%s: dataID()=(%d,%v), want (%d,%v)", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestEnvelope_Credentials(t *testing.T) {
	b := envelopeBuilder{txn: FixedTransactionID("tx"), apiSecret: "s3cret", token: "tok"}
	m := marshalEnvelope(t, b.build(verbKeepAlive))
	if string(m["janus"]) != `"keepalive"` || string(m["transaction"]) != `"tx"` {
		t.Fatalf("envelope=%v", m)
	}
	if string(m["apisecret"]) != `"s3cret"` || string(m["token"]) != `"tok"` {
		t.Fatalf("credentials missing: %v", m)
	}

	bare := marshalEnvelope(t, envelopeBuilder{txn: FixedTransactionID("tx")}.build(verbCreate))
	if _, ok := bare["apisecret"]; ok {
		t.Fatalf("unexpected apisecret: %v", bare)
	}
	if len(bare) != 2 {
		t.Fatalf("create envelope=%v, want only janus and transaction", bare)
	}
}

func TestEnvelope_Message(t *testing.T) {
	b := envelopeBuilder{txn: FixedTransactionID("tx")}

	m := marshalEnvelope(t, b.message(nil, nil))
	if string(m["body"]) != `{}` {
		t.Fatalf("body=%s, want {}", m["body"])
	}
	if _, ok := m["jsep"]; ok {
		t.Fatalf("unexpected jsep: %s", m["jsep"])
	}

	var nilMap map[string]any
	m = marshalEnvelope(t, b.message(nilMap, nil))
	if string(m["body"]) != `{}` {
		t.Fatalf("typed nil body=%s, want {}", m["body"])
	}

	m = marshalEnvelope(t, b.message(map[string]int{"b": 1}, json.RawMessage(`{"j":1}`)))
	if string(m["body"]) != `{"b":1}` || string(m["jsep"]) != `{"j":1}` {
		t.Fatalf("body=%s jsep=%s", m["body"], m["jsep"])
	}
}

func TestEnvelope_TrickleShapes(t *testing.T) {
	b := envelopeBuilder{txn: FixedTransactionID("tx")}

	cases := []struct {
		name  string
		in    any
		field string
		want  string
	}{
		{"nil", nil, "candidate", `{"completed":true}`},
		{"raw null", json.RawMessage(`null`), "candidate", `{"completed":true}`},
		{"slice", []map[string]string{{"a": "1"}, {"b": "2"}}, "candidates", `[{"a":"1"},{"b":"2"}]`},
		{"raw array", json.RawMessage(` [{"a":1}] `), "candidates", `[{"a":1}]`},
		{"object", map[string]int{"x": 1}, "candidate", `{"x":1}`},
		{"raw object", []byte(`{"x":1}`), "candidate", `{"x":1}`},
		{"struct", Candidate{Candidate: "candidate:1"}, "candidate", `{"candidate":"candidate:1"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := b.trickle(tc.in)
			if err != nil {
				t.Fatalf("trickle: %v", err)
			}
			m := marshalEnvelope(t, env)
			if string(m[tc.field]) != tc.want {
				t.Fatalf("%s=%s, want %s (envelope %v)", tc.field, m[tc.field], tc.want, m)
			}
			other := "candidates"
			if tc.field == "candidates" {
				other = "candidate"
			}
			if _, ok := m[other]; ok {
				t.Fatalf("unexpected %s in %v", other, m)
			}
		})
	}

	if _, err := b.trickle(json.RawMessage(`{not json`)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err=%v, want ErrInvalidArgument", err)
	}
}
