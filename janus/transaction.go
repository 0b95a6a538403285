package janus

import "github.com/google/uuid"

// TransactionIDs generates the correlation token attached to each outbound
// request. Tokens need only be unique among in-flight requests.
type TransactionIDs func() string

// RandomTransactionIDs is the default generator.
func RandomTransactionIDs() string {
	return uuid.NewString()
}

// FixedTransactionID returns a generator that always yields id. Useful for
// wire-level assertions in tests.
func FixedTransactionID(id string) TransactionIDs {
	return func() string { return id }
}
