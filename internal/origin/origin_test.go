package origin

import (
	"net/http/httptest"
	"testing"
)

func TestNormalizeHeader(t *testing.T) {
	cases := []struct {
		in, want, host string
		ok             bool
	}{
		{"HTTPS://Example.COM:443", "https://example.com", "example.com", true},
		{"http://localhost:5173/", "http://localhost:5173", "localhost:5173", true},
		{"http://[::1]:80", "http://[::1]", "[::1]", true},
		{"null", "null", "", true},
		{"", "", "", false},
		{"ftp://example.com", "", "", false},
		{"https://example.com/path", "", "", false},
		{"https://example.com/?q=1", "", "", false},
		{"https://user@example.com", "", "", false},
		{"https://example.com/#frag", "", "", false},
		{"https://example.com:0", "", "", false},
		{"https://example.com:70000", "", "", false},
		{"http://::1", "", "", false},
	}
	for _, tc := range cases {
		got, host, ok := NormalizeHeader(tc.in)
		if ok != tc.ok || got != tc.want || host != tc.host {
			t.Fatalf("NormalizeHeader(%q)=(%q,%q,%v), want (%q,%q,%v)", tc.in, got, host, ok, tc.want, tc.host, tc.ok)
		}
	}
}

func TestPolicy_SameHostDefault(t *testing.T) {
	var p Policy
	if !p.Allows("", "bridge.example.com") {
		t.Fatalf("request without Origin rejected")
	}
	if !p.Allows("https://bridge.example.com", "bridge.example.com:443") {
		t.Fatalf("same host with default port rejected")
	}
	if !p.Allows("https://bridge.example.com", "bridge.example.com") {
		t.Fatalf("same host rejected")
	}
	if p.Allows("https://evil.example.com", "bridge.example.com") {
		t.Fatalf("cross origin allowed")
	}
	if p.Allows("null", "bridge.example.com") {
		t.Fatalf("null origin allowed by same-host policy")
	}
	if p.Allows("not a url", "bridge.example.com") {
		t.Fatalf("invalid origin allowed")
	}
}

func TestPolicy_AllowList(t *testing.T) {
	p := Policy{Allowed: []string{"http://localhost:5173"}}
	if !p.Allows("HTTP://LOCALHOST:5173", "127.0.0.1:8080") {
		t.Fatalf("allow-listed origin rejected")
	}
	if p.Allows("http://127.0.0.1:8080", "127.0.0.1:8080") {
		t.Fatalf("allow-list must replace same-host default")
	}
	if !(Policy{Allowed: []string{"*"}}).Allows("https://anything.test", "x") {
		t.Fatalf("wildcard rejected")
	}
}

func TestPolicy_CheckOrigin(t *testing.T) {
	p := Policy{Allowed: []string{"https://app.example.com"}}

	r := httptest.NewRequest("GET", "http://bridge.example.com/janus/ws", nil)
	if !p.CheckOrigin(r) {
		t.Fatalf("no Origin rejected")
	}
	r.Header.Set("Origin", "https://app.example.com")
	if !p.CheckOrigin(r) {
		t.Fatalf("allowed Origin rejected")
	}
	r.Header.Add("Origin", "https://app.example.com")
	if p.CheckOrigin(r) {
		t.Fatalf("duplicate Origin headers allowed")
	}
}
