package janus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxResponseBytes bounds a single gateway reply.
const maxResponseBytes = 4 << 20

// DefaultLongPollTimeout exceeds the gateway's own long-poll hold time (30s
// by default) so an idle poll is answered by the gateway rather than cut off
// by the client.
const DefaultLongPollTimeout = 60 * time.Second

// Request is one outbound HTTP exchange handed to a Transport.
type Request struct {
	Method string
	Header http.Header
	Body   []byte
}

// Transport performs a request and returns the decoded JSON reply.
//
// Implementations report network and HTTP-level failures as errors; a reply
// carrying `janus:"error"` is a successful exchange and is interpreted by the
// caller.
type Transport interface {
	Do(ctx context.Context, url string, req Request) (json.RawMessage, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, url string, req Request) (json.RawMessage, error)

func (f TransportFunc) Do(ctx context.Context, url string, req Request) (json.RawMessage, error) {
	return f(ctx, url, req)
}

func jsonHeaders() http.Header {
	h := make(http.Header, 2)
	h.Set("Accept", "application/json")
	h.Set("Content-Type", "application/json")
	return h
}

// HTTPTransport is the net/http implementation of Transport.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport returns a Transport backed by client. A nil client gets a
// dedicated http.Client whose timeout accommodates long polls.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: DefaultLongPollTimeout}
	}
	return &HTTPTransport{client: client}
}

func (t *HTTPTransport) Do(ctx context.Context, url string, req Request) (json.RawMessage, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(payload) > maxResponseBytes {
		return nil, errors.New("response too large")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if !json.Valid(payload) {
		return nil, errors.New("response is not valid JSON")
	}
	return json.RawMessage(payload), nil
}
