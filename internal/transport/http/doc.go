// Package http exposes the hash engine, the license ledger and the threat
// monitor over a chi router.
//
// Handlers decode a DTO from pkg/contracts/domain, validate it by struct
// tag, call one service method and render the result. Errors from the
// services are mapped once, in internal/errors, to RFC 7807 problems:
//
//	ErrInvalidRequest    400
//	ErrInvalidToken      401
//	ErrNotFound          404
//	ErrRateLimited       429
//	ErrBusy              503 with Retry-After
//	ErrStoreUnavailable  503 with Retry-After
//
// License validation never fails with a problem for an ordinary answer:
// expired, revoked, exhausted, unknown and tampered licenses all come back
// as 200 with a result field.
//
// GET /api/hash/stream is a websocket. Each client message is a
// StreamRequest and is answered by hash:generated messages followed by
// hash:batch_done.
package http
