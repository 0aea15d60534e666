package workers

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darshitp091/Defence-Engine/internal/config"
	errs "github.com/darshitp091/Defence-Engine/internal/errors"
	"github.com/darshitp091/Defence-Engine/internal/rotation"
	"github.com/darshitp091/Defence-Engine/internal/shared/testutil"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Hash.SecurityLevel = "standard"
	cfg.Rotation.Interval = 0
	cfg.Rotation.CountThreshold = 1 << 40
	cfg.Cache.Capacity = 4096
	cfg.Cache.Shards = 4
	cfg.Cache.HotSet = false
	cfg.Workers.PoolSize = 2
	cfg.Workers.QueueBound = 16
	cfg.Workers.SubmitTimeout = 50 * time.Millisecond
	cfg.Workers.TrapBurst = 20
	return cfg
}

func startEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	e, err := NewEngine(cfg, logger, nil, rotation.WithClock(clock.NewMock()))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(time.Second) })
	return e
}

func TestParseVariant(t *testing.T) {
	tests := []struct {
		in      string
		want    Variant
		wantErr bool
	}{
		{"", VariantStandard, false},
		{"Standard", VariantStandard, false},
		{" trap ", VariantTrap, false},
		{"CHALLENGE", VariantChallenge, false},
		{"flood", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			v, err := ParseVariant(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestNewEngine_RejectsBadConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr error
	}{
		{"unknown algorithm", func(c *config.Config) { c.Hash.Algorithms = []string{"md4"} }, errs.ErrUnsupportedAlgorithm},
		{"unknown layer", func(c *config.Config) { c.Hash.Layers = []string{"rot13"} }, errs.ErrUnsupportedLayer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			_, err := NewEngine(cfg, nil, nil)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestHash_DeterministicWithinEpoch(t *testing.T) {
	e := startEngine(t, testConfig())
	ctx := context.Background()

	a, err := e.Hash(ctx, []byte("password"), VariantStandard)
	require.NoError(t, err)
	b, err := e.Hash(ctx, []byte("password"), VariantStandard)
	require.NoError(t, err)

	assert.Equal(t, a.Encoded, b.Encoded)
	assert.Equal(t, uint64(1), a.Epoch)
	assert.Equal(t, e.Stats().Layers, a.Layers)

	st := e.Stats().Cache
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
}

func TestHash_EpochBoundary(t *testing.T) {
	e := startEngine(t, testConfig())
	ctx := context.Background()

	before, err := e.Hash(ctx, []byte("admin"), VariantStandard)
	require.NoError(t, err)

	epoch, err := e.Rotate(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), epoch)

	after, err := e.Hash(ctx, []byte("admin"), VariantStandard)
	require.NoError(t, err)
	assert.NotEqual(t, before.Encoded, after.Encoded)
	assert.NotEqual(t, before.Digest.Composite, after.Digest.Composite, "salt changed")
	assert.Equal(t, uint64(2), after.Epoch)

	st := e.Stats().Cache
	assert.Equal(t, uint64(0), st.Hits, "pre-rotation entry must not serve the new epoch")
	assert.Equal(t, uint64(2), st.Misses)
}

func TestPipeline_SnapshotSurvivesRotation(t *testing.T) {
	e := startEngine(t, testConfig())
	ctx := context.Background()

	old := e.rotation.Current()
	want := e.pipeline.Compute([]byte("in-flight"), old)

	_, err := e.Rotate(ctx)
	require.NoError(t, err)

	got := e.pipeline.Compute([]byte("in-flight"), old)
	assert.Equal(t, want.Encoded, got.Encoded)
	assert.Equal(t, old.Epoch, got.Epoch)
}

func TestHash_ChallengeDiffersFromStandard(t *testing.T) {
	e := startEngine(t, testConfig())
	ctx := context.Background()

	std, err := e.Hash(ctx, []byte("root"), VariantStandard)
	require.NoError(t, err)
	ch, err := e.Hash(ctx, []byte("root"), VariantChallenge)
	require.NoError(t, err)
	assert.NotEqual(t, std.Encoded, ch.Encoded)

	again, err := e.Hash(ctx, []byte("root"), VariantChallenge)
	require.NoError(t, err)
	assert.Equal(t, ch.Encoded, again.Encoded)
	assert.Equal(t, uint64(1), e.Stats().Cache.Hits)

	_, err = e.Hash(ctx, []byte("root"), VariantTrap)
	assert.ErrorIs(t, err, errs.ErrInvalidRequest)
}

func TestGenerate_CountersSumToRequests(t *testing.T) {
	e := startEngine(t, testConfig())
	ctx := context.Background()

	hashes, err := e.Generate(ctx, 25, VariantStandard, "seed")
	require.NoError(t, err)
	require.Len(t, hashes, 25)
	for _, h := range hashes {
		assert.NotEmpty(t, h.Encoded)
	}

	_, err = e.Generate(ctx, 25, VariantStandard, "seed")
	require.NoError(t, err)
	_, err = e.GenerateChallengeSet(ctx, "seed", 4)
	require.NoError(t, err)

	st := e.Stats()
	assert.Equal(t, uint64(25+25+5), st.Cache.Hits+st.Cache.Misses)
	assert.Equal(t, uint64(25), st.Cache.Hits)
	assert.Equal(t, uint64(55), st.TotalHashes)

	_, err = e.Generate(ctx, 0, VariantStandard, "")
	assert.ErrorIs(t, err, errs.ErrInvalidRequest)
}

func TestGenerateChallengeSet(t *testing.T) {
	e := startEngine(t, testConfig())

	set, err := e.GenerateChallengeSet(context.Background(), "letmein", 5)
	require.NoError(t, err)
	require.Len(t, set, 6)

	seen := map[string]bool{}
	for _, h := range set {
		seen[h.Encoded] = true
	}
	assert.Len(t, seen, 6)
}

func TestTraps_DistinctAndUncached(t *testing.T) {
	e := startEngine(t, testConfig())
	ctx := context.Background()

	traps, err := e.Traps(ctx, "attacker-10.0.0.7", 50)
	require.NoError(t, err)
	require.Len(t, traps, 50)

	seen := map[string]bool{}
	for _, h := range traps {
		seen[h.Encoded] = true
		assert.Equal(t, uint64(1), h.Epoch)
	}
	assert.Len(t, seen, 50)

	st := e.Stats()
	assert.Equal(t, uint64(0), st.Cache.Misses)
	assert.Equal(t, uint64(0), st.Cache.Hits)
	assert.Equal(t, 0, st.Cache.Size)
	assert.Equal(t, uint64(50), st.TrapsGenerated)

	t.Run("default burst size", func(t *testing.T) {
		traps, err := e.Generate(ctx, 1, VariantTrap, "")
		require.NoError(t, err)
		assert.Len(t, traps, 1)

		burst, err := e.Traps(ctx, "", 0)
		require.NoError(t, err)
		assert.Len(t, burst, 20)
	})
}

func TestStart_SeedsHotSet(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.HotSet = true
	cfg.Cache.HotVariations = 2
	e := startEngine(t, cfg)
	ctx := context.Background()

	_, err := e.Hash(ctx, []byte("password1"), VariantStandard)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Stats().Cache.Hits)

	t.Run("re-seeded after rotation", func(t *testing.T) {
		_, err := e.Rotate(ctx)
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			_, ok := e.cache.Get([]byte("qwerty"), 2)
			return ok
		}, time.Second, 5*time.Millisecond)
	})
}

func TestCountRotationThroughWorkers(t *testing.T) {
	cfg := testConfig()
	cfg.Rotation.CountThreshold = 10
	e := startEngine(t, cfg)

	_, err := e.Generate(context.Background(), 10, VariantStandard, "count")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e.Stats().Rotation.Epoch)
}

func TestDeobfuscate(t *testing.T) {
	e := startEngine(t, testConfig())

	h, err := e.Hash(context.Background(), []byte("dragon"), VariantStandard)
	require.NoError(t, err)

	composite, epoch, err := e.Deobfuscate(h.Encoded)
	require.NoError(t, err)
	assert.Equal(t, h.Epoch, epoch)
	assert.Equal(t, h.Digest.Composite, composite)
}

func TestBenchmark(t *testing.T) {
	e := startEngine(t, testConfig())

	res, err := e.Benchmark(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 100, res.Hashes)
	assert.Greater(t, res.HashesPerSecond, 0.0)
	assert.Equal(t, 0.0, res.CacheHitRate)
}

func newIdlePool(t *testing.T, cfg config.WorkerConfig) *Pool {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	ecfg := testConfig()
	e, err := NewEngine(ecfg, logger, nil, rotation.WithClock(clock.NewMock()))
	require.NoError(t, err)
	return NewPool(cfg, e.pipeline, e.cache, e.rotation, logger, nil)
}

func TestSubmit_BusyAfterTimeout(t *testing.T) {
	p := newIdlePool(t, config.WorkerConfig{PoolSize: 1, QueueBound: 1, SubmitTimeout: 20 * time.Millisecond})
	p.jobs <- &job{ctx: context.Background(), reply: make(chan result, 1)}

	start := time.Now()
	_, err := p.Submit(context.Background(), HashRequest{Payload: []byte("x")})
	assert.ErrorIs(t, err, errs.ErrBusy)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, uint64(1), p.Stats().BusyRejections)

	t.Run("caller cancellation while blocked", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := p.Submit(ctx, HashRequest{Payload: []byte("x")})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestTraps_DroppedWhenSubPoolFull(t *testing.T) {
	p := newIdlePool(t, config.WorkerConfig{PoolSize: 1, QueueBound: 1, TrapQueueBound: 1, TrapBurst: 5})
	ctx := context.Background()

	assert.True(t, p.DeployTraps(ctx, "scanner", 5))
	assert.False(t, p.DeployTraps(ctx, "scanner", 5))

	_, err := p.Traps(ctx, "scanner", 5)
	assert.ErrorIs(t, err, errs.ErrBusy)
	assert.Equal(t, uint64(2), p.Stats().TrapsDropped)
}

func TestStop(t *testing.T) {
	p := newIdlePool(t, config.WorkerConfig{PoolSize: 1, QueueBound: 4, SubmitTimeout: time.Second})
	queued := &job{ctx: context.Background(), reply: make(chan result, 1)}
	p.jobs <- queued

	require.NoError(t, p.Stop(time.Second))
	r := <-queued.reply
	assert.ErrorIs(t, r.err, errs.ErrQueueClosed)

	_, err := p.Submit(context.Background(), HashRequest{Payload: []byte("late")})
	assert.ErrorIs(t, err, errs.ErrQueueClosed)
	assert.False(t, p.DeployTraps(context.Background(), "", 1))
	assert.NoError(t, p.Stop(time.Second), "stop is idempotent")
}

func TestProcess_RecoversPanic(t *testing.T) {
	p := newIdlePool(t, config.WorkerConfig{PoolSize: 1, QueueBound: 1})
	p.pipeline = nil

	j := &job{
		ctx:   context.Background(),
		req:   HashRequest{Payload: []byte("boom"), Variant: VariantStandard},
		state: p.rotation.Current(),
		reply: make(chan result, 1),
	}
	p.process(j, p.logger)
	r := <-j.reply
	assert.Error(t, r.err)
}
