package precompute

import (
	"context"
	"log/slog"
	"runtime"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/darshitp091/Defence-Engine/internal/obfuscation"
)

// HotPatterns are the common inputs seeded into the cache every epoch.
var HotPatterns = []string{
	"password", "123456", "admin", "root", "user", "guest", "qwerty", "abc123",
	"password123", "admin123", "root123", "letmein", "welcome", "monkey",
	"dragon", "master", "hello", "test", "demo", "sample", "example", "default",
	"temp", "defence", "engine", "quantum", "hash", "security", "protection",
}

// HotSet returns HotPatterns followed by "<pattern><n>" for n < variations.
func HotSet(variations int) []string {
	if variations < 0 {
		variations = 0
	}
	out := make([]string, 0, len(HotPatterns)*(1+variations))
	out = append(out, HotPatterns...)
	for _, p := range HotPatterns {
		for n := 0; n < variations; n++ {
			out = append(out, p+strconv.Itoa(n))
		}
	}
	return out
}

// PayloadFunc computes the value for one warm-up payload.
type PayloadFunc func(ctx context.Context, payload []byte) (obfuscation.ObfuscatedHash, error)

// Warm computes and stores payloads under epoch, truncated to capacity. It
// returns the number stored.
func (c *Cache) Warm(ctx context.Context, payloads []string, epoch uint64, fn PayloadFunc) (int, error) {
	if len(payloads) > c.capacity {
		payloads = payloads[:c.capacity]
	}
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for _, p := range payloads {
		payload := []byte(p)
		g.Go(func() error {
			v, err := fn(gctx, payload)
			if err != nil {
				return err
			}
			c.Put(payload, epoch, v)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	c.logger.InfoContext(ctx, "cache pre-seeded",
		slog.Uint64("epoch", epoch),
		slog.Int("size", len(payloads)),
		slog.Duration("duration", time.Since(start)))
	return len(payloads), nil
}
