package workers

import (
	"fmt"
	"sync/atomic"

	"github.com/darshitp091/Defence-Engine/internal/digest"
	"github.com/darshitp091/Defence-Engine/internal/obfuscation"
	"github.com/darshitp091/Defence-Engine/internal/rotation"
)

type keyedEpoch struct {
	epoch uint64
	keyed *obfuscation.Keyed
}

// Pipeline is combine-then-obfuscate under one rotation snapshot. It keeps
// the layer tables of the newest epoch it has seen.
type Pipeline struct {
	combiner *digest.Combiner
	stack    *obfuscation.Stack
	keyed    atomic.Pointer[keyedEpoch]
}

// NewPipeline binds a combiner and a stack.
func NewPipeline(c *digest.Combiner, s *obfuscation.Stack) *Pipeline {
	return &Pipeline{combiner: c, stack: s}
}

func (p *Pipeline) keyFor(st rotation.State) *obfuscation.Keyed {
	cur := p.keyed.Load()
	if cur != nil && cur.epoch == st.Epoch {
		return cur.keyed
	}
	k := p.stack.WithKey(st.Key)
	if cur == nil || cur.epoch < st.Epoch {
		p.keyed.CompareAndSwap(cur, &keyedEpoch{epoch: st.Epoch, keyed: k})
	}
	return k
}

// Compute hashes payload under st and stamps the epoch.
func (p *Pipeline) Compute(payload []byte, st rotation.State) obfuscation.ObfuscatedHash {
	d := p.combiner.Combine(payload, st.Salt)
	h := p.keyFor(st).Obfuscate(d)
	h.Epoch = st.Epoch
	return h
}

// safeCompute converts a panic into an error so it never escapes a
// single-flight goroutine.
func (p *Pipeline) safeCompute(payload []byte, st rotation.State) (h obfuscation.ObfuscatedHash, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hash computation panicked: %v", r)
		}
	}()
	return p.Compute(payload, st), nil
}
