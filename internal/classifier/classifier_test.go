package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darshitp091/Defence-Engine/internal/config"
	errs "github.com/darshitp091/Defence-Engine/internal/errors"
	"github.com/darshitp091/Defence-Engine/internal/infrastructure"
	"github.com/darshitp091/Defence-Engine/internal/shared/testutil"
)

func TestHeuristic(t *testing.T) {
	tests := []struct {
		name   string
		m      Metrics
		level  float64
		action string
	}{
		{"quiet host", Metrics{CPUPercent: 10, MemoryPercent: 20}, 0, "monitor"},
		{"cpu spike", Metrics{CPUPercent: 95}, 0.3, "monitor"},
		{"cpu and memory", Metrics{CPUPercent: 95, MemoryPercent: 95}, 0.6, "investigate"},
		{"everything", Metrics{CPUPercent: 99, MemoryPercent: 99, NetworkBytesSent: 2_000_000, ProcessCount: 500, RequestRate: 1000}, 1, "investigate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Heuristic{}.Classify(context.Background(), tt.m)
			require.NoError(t, err)
			assert.InDelta(t, tt.level, s.Level, 1e-9)
			assert.Equal(t, tt.action, s.Action)
			assert.False(t, s.Remote)
		})
	}
}

func TestWithFallback(t *testing.T) {
	ctx := context.Background()
	primary := Static{Score: Score{Level: 0.9, Remote: true}}
	secondary := Static{Score: Score{Level: 0.1}}

	s, err := WithFallback(primary, secondary).Classify(ctx, Metrics{})
	require.NoError(t, err)
	assert.Equal(t, 0.9, s.Level)

	down := Static{Err: errs.ErrClassifierUnavailable}
	s, err = WithFallback(down, secondary).Classify(ctx, Metrics{})
	require.NoError(t, err)
	assert.Equal(t, 0.1, s.Level)

	_, err = WithFallback(down, down).Classify(ctx, Metrics{})
	assert.ErrorIs(t, err, errs.ErrClassifierUnavailable)
}

func newHTTPClassifier(t *testing.T, url string, retries int) *HTTPClassifier {
	t.Helper()
	c, err := NewHTTPClassifier(config.ClassifierConfig{
		Endpoint:   url,
		APIKey:     "secret",
		Timeout:    time.Second,
		MaxRetries: retries,
	}, nil)
	require.NoError(t, err)
	return c
}

func TestHTTPClassifier(t *testing.T) {
	t.Run("maps percentages and sends credentials", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			var m Metrics
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&m))
			assert.Equal(t, 97.5, m.CPUPercent)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"threat_level":       85,
				"threat_type":        "ddos",
				"recommended_action": "block",
				"confidence":         150,
			})
		}))
		defer srv.Close()

		s, err := newHTTPClassifier(t, srv.URL, 0).Classify(context.Background(), Metrics{CPUPercent: 97.5})
		require.NoError(t, err)
		assert.InDelta(t, 0.85, s.Level, 1e-9)
		assert.Equal(t, "ddos", s.Type)
		assert.Equal(t, "block", s.Action)
		assert.Equal(t, 1.0, s.Confidence)
		assert.True(t, s.Remote)
	})

	t.Run("retries server errors", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 2 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{"threat_level":10,"threat_type":"none","recommended_action":"monitor","confidence":90}`))
		}))
		defer srv.Close()

		s, err := newHTTPClassifier(t, srv.URL, 2).Classify(context.Background(), Metrics{})
		require.NoError(t, err)
		assert.InDelta(t, 0.1, s.Level, 1e-9)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		_, err := newHTTPClassifier(t, srv.URL, 3).Classify(context.Background(), Metrics{})
		assert.ErrorIs(t, err, errs.ErrClassifierUnavailable)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("malformed body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		}))
		defer srv.Close()

		_, err := newHTTPClassifier(t, srv.URL, 3).Classify(context.Background(), Metrics{})
		assert.ErrorIs(t, err, errs.ErrClassifierUnavailable)
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := newHTTPClassifier(t, url, 0).Classify(context.Background(), Metrics{})
		assert.ErrorIs(t, err, errs.ErrClassifierUnavailable)
	})

	t.Run("endpoint required", func(t *testing.T) {
		_, err := NewHTTPClassifier(config.ClassifierConfig{}, nil)
		assert.ErrorIs(t, err, errs.ErrInvalidRequest)
	})
}

type fakeDeployer struct {
	mu      sync.Mutex
	calls   []string
	accept  bool
	counted []int
}

func (f *fakeDeployer) DeployTraps(_ context.Context, source string, count int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, source)
	f.counted = append(f.counted, count)
	return f.accept
}

func (f *fakeDeployer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func monitorConfig() config.ClassifierConfig {
	return config.ClassifierConfig{ThreatThreshold: 0.7, MonitorInterval: time.Minute}
}

func TestMonitorAssess(t *testing.T) {
	ctx := context.Background()
	logger, handler := testutil.NewTestLogger(t)

	t.Run("below threshold deploys nothing", func(t *testing.T) {
		d := &fakeDeployer{accept: true}
		m := NewMonitor(Static{Score: Score{Level: 0.69}}, d, monitorConfig(), logger)
		a, err := m.Assess(ctx, Metrics{})
		require.NoError(t, err)
		assert.False(t, a.Threat)
		assert.False(t, a.TrapsDeployed)
		assert.Zero(t, d.Calls())
	})

	t.Run("threshold is inclusive", func(t *testing.T) {
		d := &fakeDeployer{accept: true}
		m := NewMonitor(Static{Score: Score{Level: 0.7, Type: "scan"}}, d, monitorConfig(), logger, WithBurst(25))
		a, err := m.Assess(ctx, Metrics{})
		require.NoError(t, err)
		assert.True(t, a.Threat)
		assert.True(t, a.TrapsDeployed)
		assert.Equal(t, []string{"monitor"}, d.calls)
		assert.Equal(t, []int{25}, d.counted)
		assert.True(t, handler.ContainsMessage("threat detected"))

		s := m.Stats()
		assert.Equal(t, uint64(1), s.Threats)
		assert.Equal(t, uint64(1), s.TrapsDeployed)
		require.NotNil(t, s.Last)
		assert.Equal(t, "scan", s.Last.Score.Type)
	})

	t.Run("dropped burst is counted", func(t *testing.T) {
		d := &fakeDeployer{accept: false}
		m := NewMonitor(Static{Score: Score{Level: 1}}, d, monitorConfig(), logger)
		a, err := m.Assess(ctx, Metrics{})
		require.NoError(t, err)
		assert.False(t, a.TrapsDeployed)
		assert.Equal(t, uint64(1), m.Stats().TrapsDropped)
	})

	t.Run("classifier failure", func(t *testing.T) {
		d := &fakeDeployer{accept: true}
		boom := errors.New("boom")
		m := NewMonitor(Static{Err: boom}, d, monitorConfig(), logger)
		_, err := m.Assess(ctx, Metrics{})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, uint64(1), m.Stats().Failures)
		assert.Zero(t, d.Calls())
	})
}

type fixedSampler struct{ stats infrastructure.RuntimeStats }

func (f fixedSampler) Sample(context.Context) infrastructure.RuntimeStats { return f.stats }

func TestMonitorRun(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	mock := clock.NewMock()
	d := &fakeDeployer{accept: true}

	var seen atomic.Int64
	c := Func(func(_ context.Context, m Metrics) (Score, error) {
		seen.Store(m.Goroutines)
		return Score{Level: 0.9}, nil
	})
	m := NewMonitor(c, d, monitorConfig(), logger,
		WithClock(mock),
		WithSampler(fixedSampler{stats: infrastructure.RuntimeStats{Goroutines: 42}}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mock.Add(time.Minute)
		return d.Calls() >= 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(42), seen.Load())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestMonitorRunWithoutSampler(t *testing.T) {
	m := NewMonitor(Heuristic{}, &fakeDeployer{}, monitorConfig(), nil)
	done := make(chan struct{})
	go func() {
		m.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return without a sampler")
	}
}
