// Package redis builds the go-redis client shared by the idempotency ledger,
// the budget counters and the dispatch queue.
package redis
