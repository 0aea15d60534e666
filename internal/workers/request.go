package workers

import (
	"context"
	"fmt"
	"strings"

	"github.com/darshitp091/Defence-Engine/internal/obfuscation"
	"github.com/darshitp091/Defence-Engine/internal/rotation"
)

// Variant selects how a request is served.
type Variant string

const (
	// VariantStandard is served through the cache.
	VariantStandard Variant = "standard"
	// VariantTrap produces an uncached decoy burst.
	VariantTrap Variant = "trap"
	// VariantChallenge is cached like Standard but hashed under its own tag.
	VariantChallenge Variant = "challenge"
)

var challengeTag = []byte("challenge\x00")

// ParseVariant accepts the three variant names case-insensitively; empty
// means standard.
func ParseVariant(s string) (Variant, error) {
	switch v := Variant(strings.ToLower(strings.TrimSpace(s))); v {
	case "":
		return VariantStandard, nil
	case VariantStandard, VariantTrap, VariantChallenge:
		return v, nil
	default:
		return "", fmt.Errorf("unknown variant %q", s)
	}
}

// tag returns the bytes actually hashed and cached for payload.
func (v Variant) tag(payload []byte) []byte {
	if v != VariantChallenge {
		return payload
	}
	out := make([]byte, 0, len(challengeTag)+len(payload))
	out = append(out, challengeTag...)
	return append(out, payload...)
}

// HashRequest is one unit of work. Epoch is stamped from the rotation
// snapshot taken at submission.
type HashRequest struct {
	Payload []byte
	Epoch   uint64
	Variant Variant
}

type result struct {
	hash obfuscation.ObfuscatedHash
	err  error
}

type job struct {
	ctx   context.Context
	req   HashRequest
	state rotation.State
	reply chan result
}

type trapResult struct {
	hashes []obfuscation.ObfuscatedHash
	err    error
}

type trapJob struct {
	ctx    context.Context
	source string
	count  int
	state  rotation.State
	reply  chan trapResult // nil for fire-and-forget bursts
}
