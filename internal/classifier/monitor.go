package classifier

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/darshitp091/Defence-Engine/internal/config"
	"github.com/darshitp091/Defence-Engine/internal/infrastructure"
)

// TrapDeployer launches a best-effort decoy burst. It reports false when the
// burst was dropped.
type TrapDeployer interface {
	DeployTraps(ctx context.Context, source string, count int) bool
}

// Sampler produces the metrics the monitor classifies on each tick.
type Sampler interface {
	Sample(ctx context.Context) infrastructure.RuntimeStats
}

// Assessment is the outcome of one classification.
type Assessment struct {
	Score         Score     `json:"score"`
	Threat        bool      `json:"threat"`
	TrapsDeployed bool      `json:"traps_deployed"`
	At            time.Time `json:"at"`
}

// MonitorStats counts what the monitor has done.
type MonitorStats struct {
	Assessments   uint64      `json:"assessments"`
	Threats       uint64      `json:"threats"`
	TrapsDeployed uint64      `json:"traps_deployed"`
	TrapsDropped  uint64      `json:"traps_dropped"`
	Failures      uint64      `json:"failures"`
	Last          *Assessment `json:"last,omitempty"`
}

// Monitor is the outer shell around a Classifier: it scores samples and
// answers a score at or above the threshold with a trap burst. It only
// touches the hash workers as an ordinary client.
type Monitor struct {
	classifier Classifier
	deployer   TrapDeployer
	sampler    Sampler
	threshold  float64
	interval   time.Duration
	burst      int
	clock      clock.Clock
	logger     *slog.Logger

	mu    sync.Mutex
	stats MonitorStats
}

// MonitorOption customises a Monitor.
type MonitorOption func(*Monitor)

// WithSampler sets the metrics source used by Run.
func WithSampler(s Sampler) MonitorOption {
	return func(m *Monitor) { m.sampler = s }
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) MonitorOption {
	return func(m *Monitor) { m.clock = c }
}

// WithBurst sets the decoy count per threat; 0 uses the workers' default.
func WithBurst(n int) MonitorOption {
	return func(m *Monitor) { m.burst = n }
}

// NewMonitor wires a classifier to a trap deployer.
func NewMonitor(c Classifier, d TrapDeployer, cfg config.ClassifierConfig, logger *slog.Logger, opts ...MonitorOption) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		classifier: c,
		deployer:   d,
		threshold:  cfg.ThreatThreshold,
		interval:   cfg.MonitorInterval,
		clock:      clock.New(),
		logger:     infrastructure.WithComponent(logger, "classifier"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Assess classifies m and deploys traps when the score reaches the threshold.
func (m *Monitor) Assess(ctx context.Context, metrics Metrics) (Assessment, error) {
	score, err := m.classifier.Classify(ctx, metrics)
	if err != nil {
		m.mu.Lock()
		m.stats.Failures++
		m.mu.Unlock()
		m.logger.WarnContext(ctx, "threat classification failed", slog.String("error", err.Error()))
		return Assessment{}, err
	}

	a := Assessment{Score: score, Threat: score.Level >= m.threshold, At: m.clock.Now()}
	if a.Threat {
		a.TrapsDeployed = m.deployer.DeployTraps(ctx, "monitor", m.burst)
		m.logger.WarnContext(ctx, "threat detected",
			slog.Float64("level", score.Level),
			slog.String("type", score.Type),
			slog.Bool("traps_deployed", a.TrapsDeployed),
		)
	}

	m.mu.Lock()
	m.stats.Assessments++
	if a.Threat {
		m.stats.Threats++
		if a.TrapsDeployed {
			m.stats.TrapsDeployed++
		} else {
			m.stats.TrapsDropped++
		}
	}
	last := a
	m.stats.Last = &last
	m.mu.Unlock()
	return a, nil
}

// Run samples and assesses on every interval tick until ctx ends. It
// returns immediately when no sampler or interval is configured.
func (m *Monitor) Run(ctx context.Context) {
	if m.sampler == nil || m.interval <= 0 {
		return
	}
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	m.logger.InfoContext(ctx, "threat monitor started", slog.Duration("interval", m.interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs := m.sampler.Sample(ctx)
			_, _ = m.Assess(ctx, FromRuntime(rs))
		}
	}
}

// Stats returns a snapshot of the counters.
func (m *Monitor) Stats() MonitorStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	if s.Last != nil {
		last := *s.Last
		s.Last = &last
	}
	return s
}

// FromRuntime maps a runtime sample onto classifier metrics.
func FromRuntime(rs infrastructure.RuntimeStats) Metrics {
	return Metrics{
		Goroutines: rs.Goroutines,
		HeapBytes:  rs.HeapAlloc,
		Context:    "runtime sample",
	}
}
