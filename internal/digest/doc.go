// Package digest implements the multi-algorithm digest combiner used by the
// hash pipeline and by the license ledger for integrity codes.
//
// Each configured algorithm hashes payload || salt || algorithm-id. The
// outputs are concatenated in configuration order and folded with SHA3-256
// into a 32-byte composite. The fold is one-way; nothing downstream may
// claim to recover the payload from a composite.
package digest
