package classifier

import (
	"context"
	"math"
)

// Metrics is one observation of the protected host handed to a classifier.
type Metrics struct {
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryPercent    float64 `json:"memory_percent"`
	NetworkBytesSent uint64  `json:"network_bytes_sent"`
	NetworkBytesRecv uint64  `json:"network_bytes_recv"`
	ProcessCount     int     `json:"process_count"`
	Goroutines       int64   `json:"goroutines"`
	HeapBytes        int64   `json:"heap_bytes"`
	RequestRate      float64 `json:"request_rate"`
	Context          string  `json:"context,omitempty"`
}

// Score is a classifier verdict. Level and Confidence are in [0,1].
type Score struct {
	Level      float64 `json:"level"`
	Type       string  `json:"type"`
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Remote     bool    `json:"remote"`
}

// Classifier turns metrics into a threat score.
type Classifier interface {
	Classify(ctx context.Context, m Metrics) (Score, error)
}

// Func adapts a function to Classifier.
type Func func(ctx context.Context, m Metrics) (Score, error)

// Classify calls f.
func (f Func) Classify(ctx context.Context, m Metrics) (Score, error) { return f(ctx, m) }

// Static always returns the same score. It is the deterministic stand-in
// for the remote classifier.
type Static struct {
	Score Score
	Err   error
}

// Classify returns s.Score and s.Err.
func (s Static) Classify(context.Context, Metrics) (Score, error) {
	return s.Score, s.Err
}

// Heuristic scores metrics with fixed thresholds. It needs no network and
// serves as the fallback when the remote classifier is down.
type Heuristic struct{}

// Classify adds up the threshold rules and caps the level at 1.
func (Heuristic) Classify(_ context.Context, m Metrics) (Score, error) {
	level := 0.0
	if m.CPUPercent > 90 {
		level += 0.3
	}
	if m.MemoryPercent > 90 {
		level += 0.3
	}
	if m.NetworkBytesSent > 1_000_000 {
		level += 0.2
	}
	if m.ProcessCount > 200 {
		level += 0.2
	}
	if m.RequestRate > 500 {
		level += 0.3
	}
	level = math.Min(level, 1)

	action := "monitor"
	if level >= 0.5 {
		action = "investigate"
	}
	return Score{Level: level, Type: "heuristic", Action: action, Confidence: 0.4}, nil
}

// fallback tries primary first and answers from secondary on error.
type fallback struct {
	primary, secondary Classifier
}

// WithFallback returns a classifier that consults secondary whenever
// primary fails.
func WithFallback(primary, secondary Classifier) Classifier {
	return fallback{primary: primary, secondary: secondary}
}

func (f fallback) Classify(ctx context.Context, m Metrics) (Score, error) {
	s, err := f.primary.Classify(ctx, m)
	if err == nil {
		return s, nil
	}
	return f.secondary.Classify(ctx, m)
}
