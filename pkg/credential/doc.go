// Package credential owns the pool of harvested browser-session
// credentials: fixed-size slot storage with round-robin replacement,
// monotonic versioning, freshness checks, and a one-shot FIFO waiter
// queue that lets in-flight requests block until the next credential
// write arrives.
//
// The pool is the single shared mutable resource of the gateway; every
// mutation happens under one pool-wide mutex and wakes all queued
// waiters exactly once.
package credential
