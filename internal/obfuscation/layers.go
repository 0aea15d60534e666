package obfuscation

import (
	"encoding/binary"
	"strconv"

	"lukechampine.com/blake3"
)

// Layer identifiers
const (
	LayerSubstitute = "substitute"
	LayerPermute    = "permute"
	LayerXOR        = "xor"
)

// byteLayer is one keyed, length-preserving, invertible transform. Tables are
// derived once per key so repeated calls under one epoch do no key setup.
type byteLayer interface {
	forward(dst, src []byte)
	inverse(dst, src []byte)
}

type layerFactory func(subkey []byte) byteLayer

var layerFactories = map[string]layerFactory{
	LayerSubstitute: newSubstitution,
	LayerPermute:    newPermutation,
	LayerXOR:        newXOR,
}

// subkey derives the key for the layer at position index so that repeated
// passes of the same layer kind never share tables.
func subkey(key []byte, name string, index int) []byte {
	h := blake3.New(32, nil)
	h.Write(key)
	h.Write([]byte(name))
	h.Write([]byte(strconv.Itoa(index)))
	return h.Sum(nil)
}

// keystream reads n pseudo-random bytes from the BLAKE3 XOF of seed.
func keystream(seed []byte, label string, n int) []byte {
	h := blake3.New(32, nil)
	h.Write(seed)
	h.Write([]byte(label))
	out := make([]byte, n)
	_, _ = h.XOF().Read(out)
	return out
}

// shuffle returns a Fisher-Yates permutation of [0,n) driven by seed.
func shuffle(seed []byte, label string, n int) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	if n < 2 {
		return perm
	}
	rnd := keystream(seed, label, 4*n)
	for i := n - 1; i > 0; i-- {
		j := int(binary.LittleEndian.Uint32(rnd[4*i:]) % uint32(i+1))
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm
}

// substitution maps every byte through a key-derived S-box.
type substitution struct {
	sbox, inv [256]byte
}

func newSubstitution(key []byte) byteLayer {
	s := &substitution{}
	for i, v := range shuffle(key, "sbox", 256) {
		s.sbox[i] = byte(v)
		s.inv[v] = byte(i)
	}
	return s
}

func (s *substitution) forward(dst, src []byte) {
	for i, b := range src {
		dst[i] = s.sbox[b]
	}
}

func (s *substitution) inverse(dst, src []byte) {
	for i, b := range src {
		dst[i] = s.inv[b]
	}
}

// permutation reorders byte positions. The permutation for a given length is
// derived lazily since the key alone does not fix the input length.
type permutation struct {
	key []byte
}

func newPermutation(key []byte) byteLayer {
	return &permutation{key: key}
}

func (p *permutation) perm(n int) []int {
	return shuffle(p.key, "perm"+strconv.Itoa(n), n)
}

func (p *permutation) forward(dst, src []byte) {
	for i, j := range p.perm(len(src)) {
		dst[i] = src[j]
	}
}

func (p *permutation) inverse(dst, src []byte) {
	for i, j := range p.perm(len(src)) {
		dst[j] = src[i]
	}
}

// xorLayer XORs with a rolling keystream; position i uses stream byte i.
type xorLayer struct {
	key []byte
}

func newXOR(key []byte) byteLayer {
	return &xorLayer{key: key}
}

func (x *xorLayer) forward(dst, src []byte) {
	ks := keystream(x.key, "xor", len(src))
	for i, b := range src {
		dst[i] = b ^ ks[i]
	}
}

func (x *xorLayer) inverse(dst, src []byte) {
	x.forward(dst, src)
}
