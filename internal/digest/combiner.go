package digest

import (
	"fmt"
	"hash"
	"slices"
	"strings"

	"golang.org/x/crypto/sha3"
)

// CompositeSize is the length in bytes of every composite digest.
const CompositeSize = 32

// Digest is the immutable output of one Combine call.
type Digest struct {
	Algorithms []string
	Raw        []byte
	Composite  []byte
}

// Clone returns a copy that shares no slices with d.
func (d Digest) Clone() Digest {
	d.Algorithms = slices.Clone(d.Algorithms)
	d.Raw = slices.Clone(d.Raw)
	d.Composite = slices.Clone(d.Composite)
	return d
}

// Combiner applies a fixed, ordered set of hash algorithms to a payload and
// folds their outputs into one composite value. It holds no mutable state and
// is safe for concurrent use.
type Combiner struct {
	names []string
	news  []func() hash.Hash
	tags  [][]byte
}

// NewCombiner validates the algorithm set once. An unknown identifier fails
// with ErrUnsupportedAlgorithm.
func NewCombiner(algorithms []string) (*Combiner, error) {
	if len(algorithms) == 0 {
		return nil, fmt.Errorf("combiner needs at least one algorithm")
	}

	c := &Combiner{
		names: make([]string, len(algorithms)),
		news:  make([]func() hash.Hash, len(algorithms)),
		tags:  make([][]byte, len(algorithms)),
	}
	for i, a := range algorithms {
		name := strings.ToLower(strings.TrimSpace(a))
		fn, err := lookup(name)
		if err != nil {
			return nil, err
		}
		c.names[i] = name
		c.news[i] = fn
		c.tags[i] = []byte(name)
	}
	return c, nil
}

// Algorithms returns a copy of the configured algorithm order.
func (c *Combiner) Algorithms() []string {
	return append([]string(nil), c.names...)
}

// Combine hashes payload||salt||tag with every algorithm, concatenates the
// outputs in configured order and folds them with one SHA3-256 pass.
func (c *Combiner) Combine(payload, salt []byte) Digest {
	raw := make([]byte, 0, 64*len(c.news))
	for i, newHash := range c.news {
		h := newHash()
		h.Write(payload)
		h.Write(salt)
		h.Write(c.tags[i])
		raw = h.Sum(raw)
	}

	composite := sha3.Sum256(raw)
	return Digest{
		Algorithms: c.Algorithms(),
		Raw:        raw,
		Composite:  composite[:],
	}
}
