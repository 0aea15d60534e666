// Package workers runs hash generation on a fixed worker pool.
//
// Standard and Challenge requests share one bounded queue and resolve through
// the precompute cache; a full queue blocks the caller for a bounded time
// and then reports ErrBusy. Trap bursts run on a separate sub-pool, bypass
// the cache and are dropped rather than queued when that sub-pool is full.
// Every request captures a rotation snapshot on submission and finishes under
// that epoch.
//
// Engine is the facade the HTTP layer and CLI use.
package workers
