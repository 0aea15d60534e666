package workers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/darshitp091/Defence-Engine/internal/config"
	"github.com/darshitp091/Defence-Engine/internal/digest"
	errs "github.com/darshitp091/Defence-Engine/internal/errors"
	"github.com/darshitp091/Defence-Engine/internal/infrastructure"
	"github.com/darshitp091/Defence-Engine/internal/obfuscation"
	"github.com/darshitp091/Defence-Engine/internal/precompute"
	"github.com/darshitp091/Defence-Engine/internal/rotation"
)

// EngineStats aggregates the pipeline's counters.
type EngineStats struct {
	PoolStats
	Rotation   rotation.Stats   `json:"rotation"`
	Cache      precompute.Stats `json:"cache"`
	Algorithms []string         `json:"algorithms"`
	Layers     []string         `json:"layers"`
}

// BenchmarkResult is the outcome of Engine.Benchmark.
type BenchmarkResult struct {
	Hashes          int           `json:"hashes"`
	Elapsed         time.Duration `json:"elapsed"`
	HashesPerSecond float64       `json:"hashes_per_second"`
	CacheHitRate    float64       `json:"cache_hit_rate"`
}

// Engine wires combiner, stack, rotation, cache and pool into the hash
// service the transport and CLI call.
type Engine struct {
	cfg      *config.Config
	combiner *digest.Combiner
	stack    *obfuscation.Stack
	rotation *rotation.Controller
	cache    *precompute.Cache
	pipeline *Pipeline
	pool     *Pool
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine validates the hash configuration and builds every component.
// Unsupported algorithms and layers fail here, never at call time.
func NewEngine(cfg *config.Config, logger *slog.Logger, metrics *infrastructure.Metrics, opts ...rotation.Option) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	combiner, err := digest.NewCombiner(cfg.Hash.Algorithms)
	if err != nil {
		return nil, fmt.Errorf("failed to build combiner: %w", err)
	}
	order, err := cfg.Hash.LayerOrder()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve layers: %w", err)
	}
	stack, err := obfuscation.NewStack(order)
	if err != nil {
		return nil, fmt.Errorf("failed to build obfuscation stack: %w", err)
	}

	opts = append([]rotation.Option{rotation.WithMetrics(metrics)}, opts...)
	rot, err := rotation.NewController(cfg.Rotation, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create rotation controller: %w", err)
	}
	cache, err := precompute.New(cfg.Cache, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	pipeline := NewPipeline(combiner, stack)
	e := &Engine{
		cfg:      cfg,
		combiner: combiner,
		stack:    stack,
		rotation: rot,
		cache:    cache,
		pipeline: pipeline,
		pool:     NewPool(cfg.Workers, pipeline, cache, rot, logger, metrics),
		logger:   logger.With(slog.String("component", "workers")),
	}
	return e, nil
}

// Start launches workers and the rotation timer and seeds the hot set for
// the first epoch. Every later rotation re-seeds in the background.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel

	e.pool.Start()

	e.rotation.OnRotate(func(st rotation.State) {
		if runCtx.Err() != nil {
			return
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.warm(runCtx, st); err != nil && runCtx.Err() == nil {
				e.logger.Warn("hot set re-seed failed", slog.String("error", err.Error()))
			}
		}()
	})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.rotation.Run(runCtx)
	}()

	return e.warm(ctx, e.rotation.Current())
}

// Stop halts rotation and drains the pool.
func (e *Engine) Stop(timeout time.Duration) error {
	if e.cancel != nil {
		e.cancel()
	}
	err := e.pool.Stop(timeout)
	e.wg.Wait()
	return err
}

func (e *Engine) warm(ctx context.Context, st rotation.State) error {
	if !e.cfg.Cache.HotSet {
		return nil
	}
	_, err := e.cache.Warm(ctx, precompute.HotSet(e.cfg.Cache.HotVariations), st.Epoch,
		func(_ context.Context, payload []byte) (obfuscation.ObfuscatedHash, error) {
			return e.pipeline.safeCompute(VariantStandard.tag(payload), st)
		})
	return err
}

// Hash serves one Standard or Challenge request.
func (e *Engine) Hash(ctx context.Context, payload []byte, variant Variant) (obfuscation.ObfuscatedHash, error) {
	return e.pool.Submit(ctx, HashRequest{Payload: payload, Variant: variant})
}

// Generate produces count hashes. Standard and Challenge payloads are
// "<seed>_<i>"; Trap delegates to Traps with seed as the source label.
func (e *Engine) Generate(ctx context.Context, count int, variant Variant, seed string) ([]obfuscation.ObfuscatedHash, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: count must be positive", errs.ErrInvalidRequest)
	}
	if variant == VariantTrap {
		return e.Traps(ctx, seed, count)
	}
	if seed == "" {
		seed = "defence"
	}

	out := make([]obfuscation.ObfuscatedHash, count)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers.Size() * 2)
	for i := 0; i < count; i++ {
		g.Go(func() error {
			h, err := e.Hash(gctx, []byte(fmt.Sprintf("%s_%d", seed, i)), variant)
			if err != nil {
				return err
			}
			out[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// GenerateChallengeSet returns the challenge hash of payload followed by k
// hashes of "<payload>_variant_<i>".
func (e *Engine) GenerateChallengeSet(ctx context.Context, payload string, k int) ([]obfuscation.ObfuscatedHash, error) {
	if k < 0 {
		return nil, fmt.Errorf("%w: variant count must not be negative", errs.ErrInvalidRequest)
	}
	out := make([]obfuscation.ObfuscatedHash, 0, k+1)
	base, err := e.Hash(ctx, []byte(payload), VariantChallenge)
	if err != nil {
		return nil, err
	}
	out = append(out, base)
	for i := 0; i < k; i++ {
		h, err := e.Hash(ctx, []byte(fmt.Sprintf("%s_variant_%d", payload, i)), VariantChallenge)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// Traps generates a decoy burst; count <= 0 uses the configured burst size.
func (e *Engine) Traps(ctx context.Context, source string, count int) ([]obfuscation.ObfuscatedHash, error) {
	return e.pool.Traps(ctx, source, count)
}

// DeployTraps queues a burst without waiting for it.
func (e *Engine) DeployTraps(ctx context.Context, source string, count int) bool {
	return e.pool.DeployTraps(ctx, source, count)
}

// Rotate forces a key rotation.
func (e *Engine) Rotate(ctx context.Context) (uint64, error) {
	st, err := e.rotation.Rotate(ctx)
	if err != nil {
		return 0, err
	}
	return st.Epoch, nil
}

// Deobfuscate reverses the layer stack under the active key. It only
// succeeds for hashes emitted in the current epoch.
func (e *Engine) Deobfuscate(encoded string) (composite []byte, epoch uint64, err error) {
	st := e.rotation.Current()
	composite, err = e.pipeline.keyFor(st).Deobfuscate(encoded)
	return composite, st.Epoch, err
}

// Stats returns the aggregated counters.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		PoolStats:  e.pool.Stats(),
		Rotation:   e.rotation.Stats(),
		Cache:      e.cache.Stats(),
		Algorithms: e.combiner.Algorithms(),
		Layers:     e.stack.Layers(),
	}
}

// Benchmark times n Standard hashes over distinct payloads.
func (e *Engine) Benchmark(ctx context.Context, n int) (BenchmarkResult, error) {
	before := e.cache.Stats()
	start := time.Now()
	if _, err := e.Generate(ctx, n, VariantStandard, "benchmark_test"); err != nil {
		return BenchmarkResult{}, err
	}
	elapsed := time.Since(start)

	after := e.cache.Stats()
	hits := after.Hits - before.Hits
	lookups := hits + after.Misses - before.Misses

	res := BenchmarkResult{Hashes: n, Elapsed: elapsed}
	if s := elapsed.Seconds(); s > 0 {
		res.HashesPerSecond = float64(n) / s
	}
	if lookups > 0 {
		res.CacheHitRate = float64(hits) / float64(lookups)
	}
	return res, nil
}
