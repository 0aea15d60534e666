package license

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/darshitp091/Defence-Engine/internal/digest"
)

// SeedSize is the length of an Ed25519 private key seed.
const SeedSize = ed25519.SeedSize

var integrityDomain = []byte("defence-engine/license/v1")

// Signer seals records with an integrity code from the digest combiner and
// an Ed25519 signature over integrity || canonical bytes. The private key
// never leaves the process.
type Signer struct {
	priv     ed25519.PrivateKey
	pub      ed25519.PublicKey
	combiner *digest.Combiner
}

// GenerateSeed returns a fresh random seed.
func GenerateSeed() ([]byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate seed: %w", err)
	}
	return seed, nil
}

// NewSigner derives the key pair from seed.
func NewSigner(seed []byte, combiner *digest.Combiner) (*Signer, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("signing seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	if combiner == nil {
		return nil, fmt.Errorf("signer needs a digest combiner")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{
		priv:     priv,
		pub:      priv.Public().(ed25519.PublicKey),
		combiner: combiner,
	}, nil
}

// NewSignerFromHex is NewSigner for a hex-encoded seed.
func NewSignerFromHex(seedHex string, combiner *digest.Combiner) (*Signer, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("invalid signing seed hex: %w", err)
	}
	return NewSigner(seed, combiner)
}

// PublicKey returns the verification key.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.pub }

// PublicKeyHex returns the verification key as hex.
func (s *Signer) PublicKeyHex() string { return hex.EncodeToString(s.pub) }

func (s *Signer) message(r Record) (integrity, msg []byte, err error) {
	canonical, err := r.Canonical()
	if err != nil {
		return nil, nil, err
	}
	integrity = s.combiner.Combine(canonical, integrityDomain).Composite
	msg = make([]byte, 0, len(integrity)+len(canonical))
	msg = append(msg, integrity...)
	return integrity, append(msg, canonical...), nil
}

// Seal sets r.Integrity and r.Signature from r's current fields.
func (s *Signer) Seal(r *Record) error {
	integrity, msg, err := s.message(*r)
	if err != nil {
		return err
	}
	r.Integrity = hex.EncodeToString(integrity)
	r.Signature = ed25519.Sign(s.priv, msg)
	return nil
}

// Verify reports whether r's integrity code and signature match its fields.
func (s *Signer) Verify(r Record) bool {
	if len(r.Signature) != ed25519.SignatureSize {
		return false
	}
	stored, err := hex.DecodeString(r.Integrity)
	if err != nil {
		return false
	}
	integrity, msg, err := s.message(r)
	if err != nil {
		return false
	}
	if subtle.ConstantTimeCompare(stored, integrity) != 1 {
		return false
	}
	return ed25519.Verify(s.pub, msg, r.Signature)
}

// Equal reports whether two signers hold the same key.
func (s *Signer) Equal(o *Signer) bool {
	return o != nil && bytes.Equal(s.pub, o.pub)
}
