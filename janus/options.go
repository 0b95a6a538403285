package janus

import (
	"log/slog"
	"time"
)

type options struct {
	transport Transport
	txn       TransactionIDs
	logger    *slog.Logger
	metrics   *Metrics

	autostart bool
	sessionID *ID
	keepAlive time.Duration

	apiSecret string
	token     string
}

func defaultOptions() options {
	return options{
		txn:       RandomTransactionIDs,
		autostart: true,
	}
}

// Option configures a Session.
type Option func(*options)

// WithTransport sets the transport used for every request. It is required.
func WithTransport(t Transport) Option {
	return func(o *options) {
		o.transport = t
	}
}

// WithTransactionIDs overrides the transaction id generator.
func WithTransactionIDs(gen TransactionIDs) Option {
	return func(o *options) {
		if gen != nil {
			o.txn = gen
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics records request, poll and routing counters into m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithAutostart controls whether Connect starts the poll loop. Defaults to
// true.
func WithAutostart(start bool) Option {
	return func(o *options) {
		o.autostart = start
	}
}

// WithSessionID adopts an existing gateway session instead of creating one.
func WithSessionID(id ID) Option {
	return func(o *options) {
		o.sessionID = &id
	}
}

// WithKeepAlive sends a keepalive request every interval while the session is
// connected. Zero disables it.
func WithKeepAlive(interval time.Duration) Option {
	return func(o *options) {
		o.keepAlive = interval
	}
}

// WithAPISecret adds the gateway's shared API secret to every request.
func WithAPISecret(secret string) Option {
	return func(o *options) {
		o.apiSecret = secret
	}
}

// WithToken adds a stored-token credential to every request.
func WithToken(token string) Option {
	return func(o *options) {
		o.token = token
	}
}
