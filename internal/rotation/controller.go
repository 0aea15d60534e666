package rotation

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"lukechampine.com/blake3"

	"github.com/darshitp091/Defence-Engine/internal/config"
	"github.com/darshitp091/Defence-Engine/internal/infrastructure"
)

// Rotation triggers
const (
	TriggerInitial  = "initial"
	TriggerInterval = "interval"
	TriggerCount    = "count"
	TriggerManual   = "manual"
)

// State is one epoch's key material. Values returned by Current are private
// copies; mutating them has no effect on the controller.
type State struct {
	Epoch     uint64
	Key       []byte
	Salt      []byte
	CreatedAt time.Time
	TTL       time.Duration
}

func (s State) clone() State {
	s.Key = append([]byte(nil), s.Key...)
	s.Salt = append([]byte(nil), s.Salt...)
	return s
}

// Stats reports controller counters.
type Stats struct {
	Epoch         uint64        `json:"epoch"`
	Rotations     uint64        `json:"rotations"`
	SinceRotation uint64        `json:"hashes_since_rotation"`
	Age           time.Duration `json:"age"`
	Interval      time.Duration `json:"interval"`
	Threshold     uint64        `json:"count_threshold"`
}

// Hook runs after every swap with the new state.
type Hook func(State)

// Controller owns the process-wide rotating key and salt. Readers take value
// snapshots lock-free; only the swap itself is serialized.
type Controller struct {
	cfg     config.RotationConfig
	clock   clock.Clock
	logger  *slog.Logger
	metrics *infrastructure.Metrics
	entropy func([]byte) (int, error)

	current   atomic.Pointer[State]
	count     atomic.Uint64
	rotations atomic.Uint64

	mu    sync.Mutex
	hooks []Hook
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithMetrics records rotations on m.
func WithMetrics(m *infrastructure.Metrics) Option {
	return func(ctl *Controller) { ctl.metrics = m }
}

// NewController creates a controller already at epoch 1.
func NewController(cfg config.RotationConfig, logger *slog.Logger, opts ...Option) (*Controller, error) {
	if cfg.Interval <= 0 && cfg.CountThreshold == 0 {
		return nil, fmt.Errorf("at least one rotation trigger must be enabled")
	}
	if cfg.KeySize <= 0 {
		cfg.KeySize = 32
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		cfg:     cfg,
		clock:   clock.New(),
		logger:  logger.With(slog.String("component", "rotation")),
		entropy: rand.Read,
	}
	for _, opt := range opts {
		opt(c)
	}

	st, err := c.derive(1)
	if err != nil {
		return nil, err
	}
	c.current.Store(&st)
	return c, nil
}

// Current returns a snapshot of the active state.
func (c *Controller) Current() State {
	return c.current.Load().clone()
}

// Epoch returns the active epoch without copying key material.
func (c *Controller) Epoch() uint64 {
	return c.current.Load().Epoch
}

// OnRotate registers fn to run after each rotation.
func (c *Controller) OnRotate(fn Hook) {
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

// Observe counts n processed hashes and rotates once the threshold is hit.
func (c *Controller) Observe(ctx context.Context, n uint64) {
	if c.cfg.CountThreshold == 0 {
		return
	}
	if c.count.Add(n) >= c.cfg.CountThreshold {
		if _, err := c.rotate(ctx, TriggerCount); err != nil {
			c.logger.ErrorContext(ctx, "count rotation failed", slog.String("error", err.Error()))
		}
	}
}

// Rotate forces a rotation and returns the new snapshot.
func (c *Controller) Rotate(ctx context.Context) (State, error) {
	return c.rotate(ctx, TriggerManual)
}

// Run drives interval rotation until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	if c.cfg.Interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := c.clock.Ticker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.rotate(ctx, TriggerInterval); err != nil {
				c.logger.ErrorContext(ctx, "interval rotation failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Stats returns the current counters.
func (c *Controller) Stats() Stats {
	st := c.current.Load()
	return Stats{
		Epoch:         st.Epoch,
		Rotations:     c.rotations.Load(),
		SinceRotation: c.count.Load(),
		Age:           c.clock.Since(st.CreatedAt),
		Interval:      c.cfg.Interval,
		Threshold:     c.cfg.CountThreshold,
	}
}

func (c *Controller) rotate(ctx context.Context, trigger string) (State, error) {
	c.mu.Lock()
	old := c.current.Load()

	// A racing count trigger may already have rotated.
	if trigger == TriggerCount && c.count.Load() < c.cfg.CountThreshold {
		c.mu.Unlock()
		return old.clone(), nil
	}

	next, err := c.derive(old.Epoch + 1)
	if err != nil {
		c.mu.Unlock()
		return State{}, err
	}
	c.current.Store(&next)
	c.count.Store(0)
	c.rotations.Add(1)
	hooks := append([]Hook(nil), c.hooks...)
	c.mu.Unlock()

	c.metrics.RecordRotation(ctx, trigger)
	c.logger.InfoContext(ctx, "key rotated",
		slog.Uint64("old_epoch", old.Epoch),
		slog.Uint64("new_epoch", next.Epoch),
		slog.String("trigger", trigger))

	for _, h := range hooks {
		h(next.clone())
	}
	return next.clone(), nil
}

// derive draws fresh entropy and expands it into key and salt.
func (c *Controller) derive(epoch uint64) (State, error) {
	seed := make([]byte, 32+8)
	if _, err := c.entropy(seed[:32]); err != nil {
		return State{}, fmt.Errorf("failed to read rotation entropy: %w", err)
	}
	binary.BigEndian.PutUint64(seed[32:], epoch)

	key := make([]byte, c.cfg.KeySize)
	salt := make([]byte, 32)
	blake3.DeriveKey(key, "defence-engine rotation key", seed)
	blake3.DeriveKey(salt, "defence-engine rotation salt", seed)

	return State{
		Epoch:     epoch,
		Key:       key,
		Salt:      salt,
		CreatedAt: c.clock.Now(),
		TTL:       c.cfg.Interval,
	}, nil
}
