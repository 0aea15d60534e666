package digest

import (
	"crypto/sha512"
	"fmt"
	"hash"
	"sort"

	sha256simd "github.com/minio/sha256-simd"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/sha3"
	"lukechampine.com/blake3"

	errs "github.com/darshitp091/Defence-Engine/internal/errors"
)

// Algorithm identifiers accepted in the configured algorithm set.
const (
	SHA256     = "sha256"
	SHA512     = "sha512"
	SHA3_256   = "sha3-256"
	SHA3_512   = "sha3-512"
	BLAKE2b256 = "blake2b-256"
	BLAKE2s256 = "blake2s-256"
	BLAKE3     = "blake3"
)

var registry = map[string]func() hash.Hash{
	SHA256:   sha256simd.New,
	SHA512:   sha512.New,
	SHA3_256: func() hash.Hash { return sha3.New256() },
	SHA3_512: func() hash.Hash { return sha3.New512() },
	BLAKE2b256: func() hash.Hash {
		h, _ := blake2b.New256(nil)
		return h
	},
	BLAKE2s256: func() hash.Hash {
		h, _ := blake2s.New256(nil)
		return h
	},
	BLAKE3: func() hash.Hash { return blake3.New(32, nil) },
}

// Supported lists the known algorithm identifiers in sorted order.
func Supported() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookup(name string) (func() hash.Hash, error) {
	h, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errs.ErrUnsupportedAlgorithm, name)
	}
	return h, nil
}
