// Package indexmem implements the indexing memory controller, the periodic
// control loop that keeps the sum of all shard indexing buffers inside a
// bounded budget.
//
// # Control Loop
//
// The controller wakes on a fixed interval and runs one pass over every
// hosted shard:
//
//	┌─────────────────────────────────────────────────────┐
//	│ tick                                                │
//	│   1. demote shards idle past the inactive window    │
//	│      (sync-flush, buffer memory reclaimed)          │
//	│   2. sum active buffer bytes against the budget     │
//	│   3. over budget? write out the largest buffers     │
//	│      first until the total fits again               │
//	│   4. still over after writing? throttle the worst   │
//	│      offenders until a later pass clears them       │
//	└─────────────────────────────────────────────────────┘
//
// Writing the largest buffers first frees the most memory per write, so
// a single hot shard cannot starve its neighbors: its buffer is the one
// that gets written, while small steady writers keep their buffers.
//
// # Throttling
//
// Throttling is a backstop, not the primary mechanism. It only engages
// when buffer writes alone cannot keep the total inside the budget,
// which means writers are refilling buffers faster than writes drain
// them. Throttled shards are re-checked every pass and released as soon
// as their footprint is back under their share.
//
// # Usage
//
//	ctrl := indexmem.NewController(cfg, node.managedShards)
//	go ctrl.Start(ctx)
//
// Start blocks until the context is cancelled or Stop is called. RunOnce
// drives a single pass synchronously, which tests and admin endpoints
// use.
package indexmem
