// Package license implements the license ledger: issuance, validation,
// revocation and bulk issuance of tamper-evident credentials backed by a
// persistent store.
//
// # Records and signatures
//
// Every Record is sealed on each write. The canonical form (RFC 8785 JSON of
// every field except the integrity code and signature) is folded through the
// digest combiner into an integrity code, and integrity || canonical is
// signed with Ed25519. A record whose signature does not verify is never
// trusted: Validate reports SignatureInvalid, every other operation treats
// it as not found.
//
// # Validation order
//
//  1. existence
//  2. signature
//  3. active flag
//  4. expiry
//  5. usage
//
// Only a Valid outcome increments the usage count. The check and the
// increment run inside one Store.Mutate call, so two concurrent validations
// cannot both pass a max_usage boundary only one of them should.
//
// # Stores
//
// Store has four implementations: MemoryStore, SQLStore (sqlite through
// modernc.org/sqlite, postgres through lib/pq) and RedisStore. SQL stores use
// a revision column for optimistic compare-and-set, Redis uses WATCH/MULTI.
// Transport failures surface as ErrStoreUnavailable and the ledger retries
// them a bounded number of times with exponential backoff.
//
// # Tokens and export
//
// Token issues an EdDSA JWT for offline checks; VerifyToken checks it and
// then validates the embedded license. Export writes csv or xlsx.
package license
