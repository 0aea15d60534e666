package precompute

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darshitp091/Defence-Engine/internal/config"
	"github.com/darshitp091/Defence-Engine/internal/digest"
	"github.com/darshitp091/Defence-Engine/internal/obfuscation"
	"github.com/darshitp091/Defence-Engine/internal/shared/testutil"
)

func newTestCache(t *testing.T, capacity, shards int) *Cache {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	c, err := New(config.CacheConfig{Capacity: capacity, Shards: shards}, logger, nil)
	require.NoError(t, err)
	return c
}

func constant(encoded string, calls *atomic.Int32) ComputeFunc {
	return func(context.Context) (obfuscation.ObfuscatedHash, error) {
		if calls != nil {
			calls.Add(1)
		}
		return obfuscation.ObfuscatedHash{Encoded: encoded}, nil
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.CacheConfig
		wantErr  bool
		capacity int
	}{
		{"single shard", config.CacheConfig{Capacity: 10}, false, 10},
		{"uneven split", config.CacheConfig{Capacity: 10, Shards: 3}, false, 10},
		{"zero capacity", config.CacheConfig{Capacity: 0, Shards: 1}, true, 0},
		{"more shards than slots", config.CacheConfig{Capacity: 2, Shards: 4}, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.cfg, nil, nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			total := 0
			for _, s := range c.shards {
				total += len(s.keys)
			}
			assert.Equal(t, tt.capacity, total)
		})
	}
}

func TestGetOrCompute(t *testing.T) {
	c := newTestCache(t, 16, 4)
	ctx := context.Background()
	var calls atomic.Int32

	v, err := c.GetOrCompute(ctx, []byte("password"), 1, constant("A", &calls))
	require.NoError(t, err)
	assert.Equal(t, "A", v.Encoded)

	v, err = c.GetOrCompute(ctx, []byte("password"), 1, constant("B", &calls))
	require.NoError(t, err)
	assert.Equal(t, "A", v.Encoded, "hit returns stored value")
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, uint64(1), c.EntryHits([]byte("password"), 1))

	t.Run("epoch boundary misses", func(t *testing.T) {
		v, err := c.GetOrCompute(ctx, []byte("password"), 2, constant("C", &calls))
		require.NoError(t, err)
		assert.Equal(t, "C", v.Encoded)
		_, ok := c.Get([]byte("password"), 1)
		assert.True(t, ok, "old epoch entries are not purged")
	})

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(2), st.Misses)
	assert.Equal(t, 2, st.Size)
	assert.InDelta(t, 1.0/3.0, st.HitRate(), 1e-9)
}

func TestCachedValuesAreCopies(t *testing.T) {
	stored := obfuscation.ObfuscatedHash{
		Digest:  digest.Digest{Algorithms: []string{"sha256"}, Raw: []byte{1, 2}, Composite: []byte{3, 4}},
		Layers:  []string{"xor"},
		Encoded: "A",
	}
	compute := func(context.Context) (obfuscation.ObfuscatedHash, error) { return stored, nil }
	scribble := func(h obfuscation.ObfuscatedHash) {
		h.Digest.Raw[0] = 0xff
		h.Digest.Composite[0] = 0xff
		h.Digest.Algorithms[0] = "md5"
		h.Layers[0] = "reverse"
	}

	tests := []struct {
		name  string
		fetch func(t *testing.T, c *Cache) obfuscation.ObfuscatedHash
	}{
		{"miss result", func(t *testing.T, c *Cache) obfuscation.ObfuscatedHash {
			v, err := c.GetOrCompute(context.Background(), []byte("pw"), 1, compute)
			require.NoError(t, err)
			return v
		}},
		{"hit result", func(t *testing.T, c *Cache) obfuscation.ObfuscatedHash {
			_, err := c.GetOrCompute(context.Background(), []byte("pw"), 1, compute)
			require.NoError(t, err)
			v, err := c.GetOrCompute(context.Background(), []byte("pw"), 1, compute)
			require.NoError(t, err)
			return v
		}},
		{"plain get", func(t *testing.T, c *Cache) obfuscation.ObfuscatedHash {
			c.Put([]byte("pw"), 1, stored.Clone())
			v, ok := c.Get([]byte("pw"), 1)
			require.True(t, ok)
			return v
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCache(t, 4, 1)
			scribble(tt.fetch(t, c))

			again, ok := c.Get([]byte("pw"), 1)
			require.True(t, ok)
			assert.Equal(t, []byte{1, 2}, again.Digest.Raw)
			assert.Equal(t, []byte{3, 4}, again.Digest.Composite)
			assert.Equal(t, []string{"sha256"}, again.Digest.Algorithms)
			assert.Equal(t, []string{"xor"}, again.Layers)
			assert.Equal(t, byte(1), stored.Digest.Raw[0])
		})
	}
}

func TestFIFOEviction(t *testing.T) {
	c := newTestCache(t, 3, 1)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := c.GetOrCompute(ctx, []byte(fmt.Sprint(i)), 1, constant(fmt.Sprint(i), nil))
		require.NoError(t, err)
	}

	_, ok := c.Get([]byte("0"), 1)
	assert.False(t, ok, "oldest entry evicted")
	for _, k := range []string{"1", "2", "3"} {
		_, ok := c.Get([]byte(k), 1)
		assert.True(t, ok, k)
	}
	assert.Equal(t, 3, c.Stats().Size)

	// A hit does not refresh insertion order.
	_, err := c.GetOrCompute(ctx, []byte("1"), 1, constant("x", nil))
	require.NoError(t, err)
	_, err = c.GetOrCompute(ctx, []byte("4"), 1, constant("4", nil))
	require.NoError(t, err)
	_, ok = c.Get([]byte("1"), 1)
	assert.False(t, ok)
}

func TestSingleFlight(t *testing.T) {
	c := newTestCache(t, 16, 1)
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(context.Context) (obfuscation.ObfuscatedHash, error) {
		calls.Add(1)
		<-release
		return obfuscation.ObfuscatedHash{Encoded: "v"}, nil
	}

	const callers = 16
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrCompute(ctx, []byte("same"), 7, fn)
			assert.NoError(t, err)
			assert.Equal(t, "v", v.Encoded)
		}()
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, calls.Load(), int32(2))
	st := c.Stats()
	assert.Equal(t, uint64(callers), st.Hits+st.Misses)
}

func TestCancelledCallerStillPopulates(t *testing.T) {
	c := newTestCache(t, 4, 1)
	ctx, cancel := context.WithCancel(context.Background())

	release := make(chan struct{})
	done := make(chan struct{})
	fn := func(ctx context.Context) (obfuscation.ObfuscatedHash, error) {
		defer close(done)
		<-release
		assert.NoError(t, ctx.Err(), "compute context is detached")
		return obfuscation.ObfuscatedHash{Encoded: "late"}, nil
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := c.GetOrCompute(ctx, []byte("slow"), 1, fn)
		errCh <- err
	}()

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	<-done
	require.Eventually(t, func() bool {
		_, ok := c.Get([]byte("slow"), 1)
		return ok
	}, time.Second, time.Millisecond)
}

func TestComputeRetriedOnce(t *testing.T) {
	c := newTestCache(t, 4, 1)
	ctx := context.Background()

	tests := []struct {
		name     string
		failures int32
		wantErr  bool
	}{
		{"transient failure recovers", 1, false},
		{"persistent failure surfaces", 2, true},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			fn := func(context.Context) (obfuscation.ObfuscatedHash, error) {
				if calls.Add(1) <= tt.failures {
					return obfuscation.ObfuscatedHash{}, errors.New("transient")
				}
				return obfuscation.ObfuscatedHash{Encoded: "ok"}, nil
			}
			_, err := c.GetOrCompute(ctx, []byte(fmt.Sprint(i)), 1, fn)
			if tt.wantErr {
				assert.Error(t, err)
				_, ok := c.Get([]byte(fmt.Sprint(i)), 1)
				assert.False(t, ok)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, int32(2), calls.Load())
		})
	}
}

func TestWarm(t *testing.T) {
	c := newTestCache(t, 1000, 8)
	ctx := context.Background()
	set := HotSet(2)
	assert.Len(t, set, len(HotPatterns)*3)
	assert.Contains(t, set, "password1")

	n, err := c.Warm(ctx, set, 3, func(_ context.Context, p []byte) (obfuscation.ObfuscatedHash, error) {
		return obfuscation.ObfuscatedHash{Encoded: string(p)}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, len(set), n)

	v, err := c.GetOrCompute(ctx, []byte("admin"), 3, constant("miss", nil))
	require.NoError(t, err)
	assert.Equal(t, "admin", v.Encoded)
	assert.Equal(t, uint64(1), c.Stats().Hits)
	assert.Equal(t, uint64(0), c.Stats().Misses)

	t.Run("bounded by capacity", func(t *testing.T) {
		small := newTestCache(t, 5, 1)
		n, err := small.Warm(ctx, HotSet(10), 1, func(_ context.Context, p []byte) (obfuscation.ObfuscatedHash, error) {
			return obfuscation.ObfuscatedHash{}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 5, n)
		assert.Equal(t, 5, small.Stats().Size)
	})

	t.Run("error aborts", func(t *testing.T) {
		_, err := c.Warm(ctx, []string{"x"}, 4, func(context.Context, []byte) (obfuscation.ObfuscatedHash, error) {
			return obfuscation.ObfuscatedHash{}, errors.New("boom")
		})
		assert.Error(t, err)
	})
}
