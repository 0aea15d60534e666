package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/darshitp091/Defence-Engine/internal/config"
	errs "github.com/darshitp091/Defence-Engine/internal/errors"
)

const maxResponseBytes = 1 << 20

// HTTPClassifier posts metrics as JSON to a remote inference endpoint and
// reads back a verdict with percentages in [0,100].
type HTTPClassifier struct {
	endpoint string
	apiKey   string
	client   *http.Client
	retries  int
}

type remoteVerdict struct {
	ThreatLevel       float64 `json:"threat_level"`
	ThreatType        string  `json:"threat_type"`
	RecommendedAction string  `json:"recommended_action"`
	Confidence        float64 `json:"confidence"`
}

// NewHTTPClassifier builds a client for cfg.Endpoint.
func NewHTTPClassifier(cfg config.ClassifierConfig, client *http.Client) (*HTTPClassifier, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: classifier endpoint is required", errs.ErrInvalidRequest)
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPClassifier{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   client,
		retries:  max(cfg.MaxRetries, 0),
	}, nil
}

// Classify retries transport failures and 5xx answers a bounded number of
// times. Every failure wraps ErrClassifierUnavailable.
func (c *HTTPClassifier) Classify(ctx context.Context, m Metrics) (Score, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return Score{}, fmt.Errorf("failed to marshal metrics: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	verdict, err := backoff.Retry(ctx, func() (remoteVerdict, error) {
		return c.post(ctx, body)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(c.retries+1)))
	if err != nil {
		return Score{}, fmt.Errorf("%w: %v", errs.ErrClassifierUnavailable, err)
	}

	return Score{
		Level:      clamp01(verdict.ThreatLevel / 100),
		Type:       verdict.ThreatType,
		Action:     verdict.RecommendedAction,
		Confidence: clamp01(verdict.Confidence / 100),
		Remote:     true,
	}, nil
}

func (c *HTTPClassifier) post(ctx context.Context, body []byte) (remoteVerdict, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return remoteVerdict{}, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return remoteVerdict{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return remoteVerdict{}, err
	}
	switch {
	case resp.StatusCode >= 500:
		return remoteVerdict{}, fmt.Errorf("classifier returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return remoteVerdict{}, backoff.Permanent(fmt.Errorf("classifier returned %d", resp.StatusCode))
	}

	var v remoteVerdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return remoteVerdict{}, backoff.Permanent(fmt.Errorf("invalid classifier response: %w", err))
	}
	return v, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
