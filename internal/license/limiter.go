package license

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// keyLimiter holds one token bucket per license key. Buckets live in an LRU
// so a flood of distinct keys cannot grow memory without bound.
type keyLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets *lru.Cache[string, *rate.Limiter]
}

// newKeyLimiter returns nil when rps <= 0, which disables limiting.
func newKeyLimiter(rps float64, burst, size int) (*keyLimiter, error) {
	if rps <= 0 {
		return nil, nil
	}
	if burst <= 0 {
		burst = 1
	}
	if size <= 0 {
		size = 1024
	}
	buckets, err := lru.New[string, *rate.Limiter](size)
	if err != nil {
		return nil, err
	}
	return &keyLimiter{limit: rate.Limit(rps), burst: burst, buckets: buckets}, nil
}

// allow consumes one token for key at now.
func (l *keyLimiter) allow(key string, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	b, ok := l.buckets.Get(key)
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets.Add(key, b)
	}
	l.mu.Unlock()
	return b.AllowN(now, 1)
}
