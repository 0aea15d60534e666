package obfuscation

import (
	"fmt"
	"slices"
	"strings"

	"github.com/darshitp091/Defence-Engine/internal/digest"
	errs "github.com/darshitp091/Defence-Engine/internal/errors"
)

// ObfuscatedHash is the externally visible artifact of one generation.
type ObfuscatedHash struct {
	Digest  digest.Digest
	Layers  []string
	Encoded string
	Epoch   uint64
}

// Clone returns a deep copy.
func (h ObfuscatedHash) Clone() ObfuscatedHash {
	h.Digest = h.Digest.Clone()
	h.Layers = slices.Clone(h.Layers)
	return h
}

// Stack is a configured, ordered list of byte layers followed by exactly one
// text encoding. It is immutable after construction.
type Stack struct {
	layers   []string
	encoding string
	codec    codec
}

// NewStack builds a stack from order, whose last element names the encoding.
// Unknown names fail with ErrUnsupportedLayer.
func NewStack(order []string) (*Stack, error) {
	if len(order) == 0 {
		return nil, fmt.Errorf("%w: empty layer order", errs.ErrUnsupportedLayer)
	}

	names := make([]string, len(order))
	for i, o := range order {
		names[i] = strings.ToLower(strings.TrimSpace(o))
	}

	enc := names[len(names)-1]
	c, ok := codecs[enc]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an encoding", errs.ErrUnsupportedLayer, enc)
	}

	layers := names[:len(names)-1]
	for _, l := range layers {
		if _, ok := layerFactories[l]; !ok {
			return nil, fmt.Errorf("%w: %q", errs.ErrUnsupportedLayer, l)
		}
	}

	return &Stack{layers: layers, encoding: enc, codec: c}, nil
}

// Layers returns the applied transform identifiers, encoding last.
func (s *Stack) Layers() []string {
	out := make([]string, 0, len(s.layers)+1)
	out = append(out, s.layers...)
	return append(out, s.encoding)
}

// Encoding returns the final text encoding name.
func (s *Stack) Encoding() string { return s.encoding }

// WithKey derives all per-layer tables for key.
func (s *Stack) WithKey(key []byte) *Keyed {
	k := &Keyed{stack: s, layers: make([]byteLayer, len(s.layers))}
	for i, name := range s.layers {
		k.layers[i] = layerFactories[name](subkey(key, name, i))
	}
	return k
}

// Obfuscate is a convenience for s.WithKey(key).Obfuscate(d).
func (s *Stack) Obfuscate(d digest.Digest, key []byte) ObfuscatedHash {
	return s.WithKey(key).Obfuscate(d)
}

// Deobfuscate is a convenience for s.WithKey(key).Deobfuscate(encoded).
func (s *Stack) Deobfuscate(encoded string, key []byte) ([]byte, error) {
	return s.WithKey(key).Deobfuscate(encoded)
}

// Keyed is a Stack bound to one rotation key. Safe for concurrent use.
type Keyed struct {
	stack  *Stack
	layers []byteLayer
}

// Obfuscate transforms the digest's composite through every layer and encodes
// it. The caller stamps Epoch.
func (k *Keyed) Obfuscate(d digest.Digest) ObfuscatedHash {
	buf := append([]byte(nil), d.Composite...)
	tmp := make([]byte, len(buf))
	for _, l := range k.layers {
		l.forward(tmp, buf)
		buf, tmp = tmp, buf
	}
	return ObfuscatedHash{
		Digest:  d,
		Layers:  k.stack.Layers(),
		Encoded: k.stack.codec.encode(buf),
	}
}

// Deobfuscate recovers the composite digest. The fold that produced the
// composite is one-way, so this is as far back as the stack goes.
func (k *Keyed) Deobfuscate(encoded string) ([]byte, error) {
	buf, err := k.stack.codec.decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", k.stack.encoding, err)
	}
	tmp := make([]byte, len(buf))
	for i := len(k.layers) - 1; i >= 0; i-- {
		k.layers[i].inverse(tmp, buf)
		buf, tmp = tmp, buf
	}
	return buf, nil
}
