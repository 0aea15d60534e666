// Package rotation owns the rotating key and salt that every hash is computed
// under. The controller moves Active(n) to Active(n+1) on an interval tick, on
// a processed-hash threshold, or on demand, and hands out value snapshots so a
// request that captured epoch n finishes under epoch n even if a rotation
// lands mid-computation.
package rotation
