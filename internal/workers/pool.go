package workers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/darshitp091/Defence-Engine/internal/config"
	errs "github.com/darshitp091/Defence-Engine/internal/errors"
	"github.com/darshitp091/Defence-Engine/internal/infrastructure"
	"github.com/darshitp091/Defence-Engine/internal/obfuscation"
	"github.com/darshitp091/Defence-Engine/internal/precompute"
	"github.com/darshitp091/Defence-Engine/internal/rotation"
)

// PoolStats reports pool counters.
type PoolStats struct {
	Workers        int    `json:"workers"`
	TrapWorkers    int    `json:"trap_workers"`
	QueueDepth     int    `json:"queue_depth"`
	QueueBound     int    `json:"queue_bound"`
	TotalHashes    uint64 `json:"total_hashes"`
	TrapsGenerated uint64 `json:"traps_generated"`
	TrapsDropped   uint64 `json:"traps_dropped"`
	BusyRejections uint64 `json:"busy_rejections"`
}

// Pool is a fixed set of hash workers on one bounded queue plus a separate
// trap sub-pool, so decoy bursts never occupy Standard workers.
type Pool struct {
	cfg      config.WorkerConfig
	pipeline *Pipeline
	cache    *precompute.Cache
	rotation *rotation.Controller
	logger   *slog.Logger
	metrics  *infrastructure.Metrics
	dropLog  *rate.Limiter

	jobs     chan *job
	traps    chan *trapJob
	shutdown chan struct{}
	stopped  chan struct{}
	once     sync.Once
	wg       sync.WaitGroup

	hashes         atomic.Uint64
	trapsGenerated atomic.Uint64
	trapsDropped   atomic.Uint64
	busy           atomic.Uint64
}

// NewPool creates a pool. Start must be called before Submit.
func NewPool(cfg config.WorkerConfig, p *Pipeline, cache *precompute.Cache, rot *rotation.Controller,
	logger *slog.Logger, metrics *infrastructure.Metrics) *Pool {
	if cfg.QueueBound <= 0 {
		cfg.QueueBound = 1
	}
	if cfg.TrapWorkers <= 0 {
		cfg.TrapWorkers = 1
	}
	if cfg.TrapQueueBound <= 0 {
		cfg.TrapQueueBound = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		cfg:      cfg,
		pipeline: p,
		cache:    cache,
		rotation: rot,
		logger:   logger.With(slog.String("component", "workers")),
		metrics:  metrics,
		dropLog:  rate.NewLimiter(rate.Every(time.Second), 1),
		jobs:     make(chan *job, cfg.QueueBound),
		traps:    make(chan *trapJob, cfg.TrapQueueBound),
		shutdown: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	size := p.cfg.Size()
	p.logger.Info("starting hash workers",
		slog.Int("workers", size),
		slog.Int("trap_workers", p.cfg.TrapWorkers),
		slog.Int("queue_bound", p.cfg.QueueBound))

	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	for i := 0; i < p.cfg.TrapWorkers; i++ {
		p.wg.Add(1)
		go p.trapWorker(i)
	}
}

// Stop signals shutdown and waits up to timeout for in-flight work. Queued
// requests that never started fail with ErrQueueClosed.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.once.Do(func() {
		p.logger.Info("stopping hash workers")
		close(p.shutdown)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("hash workers stopped gracefully")
		case <-time.After(timeout):
			p.logger.Warn("hash worker stop timeout exceeded")
			err = fmt.Errorf("timeout waiting for workers to finish")
		}
		p.drain()
		close(p.stopped)
	})
	return err
}

func (p *Pool) drain() {
	for {
		select {
		case j := <-p.jobs:
			j.reply <- result{err: errs.ErrQueueClosed}
		case t := <-p.traps:
			if t.reply != nil {
				t.reply <- trapResult{err: errs.ErrQueueClosed}
			}
		default:
			return
		}
	}
}

// Submit enqueues a Standard or Challenge request and waits for its result.
// A full queue blocks for at most SubmitTimeout, then fails with ErrBusy.
func (p *Pool) Submit(ctx context.Context, req HashRequest) (obfuscation.ObfuscatedHash, error) {
	if req.Variant == VariantTrap {
		return obfuscation.ObfuscatedHash{}, fmt.Errorf("%w: trap requests go through Traps", errs.ErrInvalidRequest)
	}
	if req.Variant == "" {
		req.Variant = VariantStandard
	}
	select {
	case <-p.shutdown:
		return obfuscation.ObfuscatedHash{}, errs.ErrQueueClosed
	default:
	}

	st := p.rotation.Current()
	req.Epoch = st.Epoch
	j := &job{ctx: ctx, req: req, state: st, reply: make(chan result, 1)}

	if err := p.enqueue(ctx, j); err != nil {
		return obfuscation.ObfuscatedHash{}, err
	}

	select {
	case r := <-j.reply:
		return r.hash, r.err
	case <-ctx.Done():
		return obfuscation.ObfuscatedHash{}, ctx.Err()
	case <-p.stopped:
		select {
		case r := <-j.reply:
			return r.hash, r.err
		default:
			return obfuscation.ObfuscatedHash{}, errs.ErrQueueClosed
		}
	}
}

func (p *Pool) enqueue(ctx context.Context, j *job) error {
	select {
	case p.jobs <- j:
		return nil
	default:
	}

	if p.cfg.SubmitTimeout <= 0 {
		return p.rejectBusy(ctx)
	}
	timer := time.NewTimer(p.cfg.SubmitTimeout)
	defer timer.Stop()

	select {
	case p.jobs <- j:
		return nil
	case <-timer.C:
		return p.rejectBusy(ctx)
	case <-ctx.Done():
		return ctx.Err()
	case <-p.shutdown:
		return errs.ErrQueueClosed
	}
}

func (p *Pool) rejectBusy(ctx context.Context) error {
	p.busy.Add(1)
	p.metrics.RecordBusy(ctx)
	return fmt.Errorf("%w: queue of %d full after %s", errs.ErrBusy, p.cfg.QueueBound, p.cfg.SubmitTimeout)
}

// Traps enqueues a decoy burst and waits for it. A full trap queue drops the
// burst immediately with ErrBusy.
func (p *Pool) Traps(ctx context.Context, source string, count int) ([]obfuscation.ObfuscatedHash, error) {
	reply := make(chan trapResult, 1)
	if !p.offerTraps(ctx, source, count, reply) {
		return nil, fmt.Errorf("%w: trap burst dropped", errs.ErrBusy)
	}

	select {
	case r := <-reply:
		return r.hashes, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stopped:
		select {
		case r := <-reply:
			return r.hashes, r.err
		default:
			return nil, errs.ErrQueueClosed
		}
	}
}

// DeployTraps enqueues a burst without waiting. It reports whether the burst
// was accepted.
func (p *Pool) DeployTraps(ctx context.Context, source string, count int) bool {
	return p.offerTraps(context.WithoutCancel(ctx), source, count, nil)
}

func (p *Pool) offerTraps(ctx context.Context, source string, count int, reply chan trapResult) bool {
	if count <= 0 {
		count = p.cfg.TrapBurst
	}
	if source == "" {
		source = "decoy"
	}
	select {
	case <-p.shutdown:
		return false
	default:
	}

	t := &trapJob{ctx: ctx, source: source, count: count, state: p.rotation.Current(), reply: reply}
	select {
	case p.traps <- t:
		return true
	default:
		p.trapsDropped.Add(1)
		p.metrics.RecordTrapDrop(ctx)
		if p.dropLog.Allow() {
			p.logger.WarnContext(ctx, "trap burst dropped under load",
				slog.Int("burst", count),
				slog.Uint64("dropped_total", p.trapsDropped.Load()))
		}
		return false
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	logger := p.logger.With(slog.Int("worker_id", id))
	logger.Debug("worker started")

	for {
		select {
		case <-p.shutdown:
			logger.Debug("worker stopped by shutdown")
			return
		case j := <-p.jobs:
			p.process(j, logger)
		}
	}
}

func (p *Pool) process(j *job, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("hash worker panicked", slog.Any("panic", r))
			j.reply <- result{err: fmt.Errorf("hash worker panicked: %v", r)}
		}
	}()

	if err := j.ctx.Err(); err != nil {
		j.reply <- result{err: err}
		return
	}

	start := time.Now()
	payload := j.req.Variant.tag(j.req.Payload)
	h, err := p.cache.GetOrCompute(j.ctx, payload, j.state.Epoch, func(context.Context) (obfuscation.ObfuscatedHash, error) {
		return p.pipeline.safeCompute(payload, j.state)
	})
	if err == nil {
		p.hashes.Add(1)
		p.metrics.RecordHash(j.ctx, string(j.req.Variant), time.Since(start))
		p.rotation.Observe(j.ctx, 1)
	}
	j.reply <- result{hash: h, err: err}
}

func (p *Pool) trapWorker(id int) {
	defer p.wg.Done()

	logger := p.logger.With(slog.Int("trap_worker_id", id))
	for {
		select {
		case <-p.shutdown:
			return
		case t := <-p.traps:
			hashes, err := p.burst(t, logger)
			if t.reply != nil {
				t.reply <- trapResult{hashes: hashes, err: err}
			}
			runtime.Gosched()
		}
	}
}

// burst generates t.count uncached decoys from randomized payloads.
func (p *Pool) burst(t *trapJob, logger *slog.Logger) (out []obfuscation.ObfuscatedHash, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("trap worker panicked", slog.Any("panic", r))
			out, err = nil, fmt.Errorf("trap worker panicked: %v", r)
		}
	}()

	out = make([]obfuscation.ObfuscatedHash, 0, t.count)
	noise := make([]byte, 8)
	for i := 0; i < t.count; i++ {
		if err := t.ctx.Err(); err != nil {
			return out, err
		}
		if _, err := rand.Read(noise); err != nil {
			return out, fmt.Errorf("failed to read trap entropy: %w", err)
		}
		payload := fmt.Sprintf("%s_trap_%d_%s", t.source, i, hex.EncodeToString(noise))

		start := time.Now()
		out = append(out, p.pipeline.Compute([]byte(payload), t.state))
		p.metrics.RecordHash(t.ctx, string(VariantTrap), time.Since(start))
	}

	n := uint64(len(out))
	p.hashes.Add(n)
	p.trapsGenerated.Add(n)
	p.rotation.Observe(t.ctx, n)
	logger.DebugContext(t.ctx, "trap burst generated",
		slog.String("source", t.source),
		slog.Int("count", len(out)),
		slog.Uint64("epoch", t.state.Epoch))
	return out, nil
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers:        p.cfg.Size(),
		TrapWorkers:    p.cfg.TrapWorkers,
		QueueDepth:     len(p.jobs),
		QueueBound:     p.cfg.QueueBound,
		TotalHashes:    p.hashes.Load(),
		TrapsGenerated: p.trapsGenerated.Load(),
		TrapsDropped:   p.trapsDropped.Load(),
		BusyRejections: p.busy.Load(),
	}
}
