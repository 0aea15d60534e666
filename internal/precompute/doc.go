// Package precompute provides the bounded precomputation cache that sits in
// front of the digest and obfuscation pipeline.
package precompute
