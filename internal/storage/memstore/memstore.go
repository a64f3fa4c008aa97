// Package memstore holds the canonical in-memory implementations of every
// store contract: message store, queue store, outbox, inbox, saga
// repository, idempotency store and scheduled-message store. They are the
// reference semantics for persistent adapters and the default backing for
// single-process deployments and tests. All stores are safe for concurrent
// use; each guards its state with a single mutex.
package memstore
